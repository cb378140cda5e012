package mailbox

import (
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
)

// AuthError indicates that the server rejected the credentials.
type AuthError struct {
	User string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.User, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// isServerRejection reports whether err is a tagged NO or BAD response,
// as opposed to a transport failure.
func isServerRejection(err error) bool {
	var imapErr *imap.Error
	return errors.As(err, &imapErr)
}

// isAlreadyExists reports whether a CREATE failed because the mailbox is
// already there. Servers without the ALREADYEXISTS response code are
// matched on the text.
func isAlreadyExists(err error) bool {
	var imapErr *imap.Error
	if !errors.As(err, &imapErr) {
		return false
	}
	if imapErr.Code == imap.ResponseCodeAlreadyExists {
		return true
	}
	return strings.Contains(strings.ToLower(imapErr.Text), "exists")
}
