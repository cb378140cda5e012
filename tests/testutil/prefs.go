package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/99designs/keyring"
	"github.com/rs/zerolog"

	"github.com/nhle/sms-backup/internal/credential"
	"github.com/nhle/sms-backup/internal/prefs"
)

// NewTestPrefs loads preferences from yaml written to a temp file, with
// an in-memory keyring.
func NewTestPrefs(t *testing.T, yaml string) *prefs.Preferences {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	vault := credential.NewVaultWith(keyring.NewArrayKeyring(nil))
	p, err := prefs.Load(path, vault, zerolog.Nop())
	if err != nil {
		t.Fatalf("loading test prefs: %v", err)
	}
	return p
}

// IMAPPrefsYAML returns a configuration that logs into the test server at
// addr without TLS. extra is appended verbatim.
func IMAPPrefsYAML(addr, password, extra string) string {
	return fmt.Sprintf(`login_user: %q
login_password: %q
imap_folder: SMS
imap_server: %q
imap_security: none
connect_timeout: 5s
command_timeout: 5s
append_timeout: 5s
%s`, IMAPUser, password, addr, extra)
}
