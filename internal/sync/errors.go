package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Begin calls while a run is active.
	ErrAlreadyRunning = errors.New("sync already running")

	// ErrCanceled is the result of a run stopped by Cancel or by its
	// context.
	ErrCanceled = errors.New("sync canceled")
)

// AuthenticationError is the result of a run whose login was rejected.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// GeneralError is the result of a run that failed on the network, the
// server, or the local store.
type GeneralError struct {
	Message string
	Err     error
}

func (e *GeneralError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *GeneralError) Unwrap() error { return e.Err }

// ConfigMissingError is the result of a run started without a required
// preference.
type ConfigMissingError struct {
	Key string
}

func (e *ConfigMissingError) Error() string {
	return fmt.Sprintf("missing configuration: %s", e.Key)
}

func general(msg string, err error) error {
	return &GeneralError{Message: msg, Err: err}
}
