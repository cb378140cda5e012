package prefs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/rs/zerolog"

	"github.com/nhle/sms-backup/internal/credential"
	"github.com/nhle/sms-backup/internal/model"
)

func loadTemp(t *testing.T, yaml string) *Preferences {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if yaml != "" {
		if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	vault := credential.NewVaultWith(keyring.NewArrayKeyring(nil))
	p, err := Load(path, vault, zerolog.Nop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return p
}

func TestDefaults(t *testing.T) {
	p := loadTemp(t, "")

	if got := p.Folder(); got != "SMS" {
		t.Errorf("Folder = %q, want SMS", got)
	}
	if got := p.MaxSyncedDate(); got != model.NoCursor {
		t.Errorf("MaxSyncedDate = %d, want %d", got, model.NoCursor)
	}
	if got := p.BatchSize(); got != 50 {
		t.Errorf("BatchSize = %d, want 50", got)
	}
	if got := p.MaxItemsPerSync(); got != 0 {
		t.Errorf("MaxItemsPerSync = %d, want 0", got)
	}
	if got := p.ConnectTimeout(); got != 30*time.Second {
		t.Errorf("ConnectTimeout = %v, want 30s", got)
	}
	if got := p.AppendTimeout(); got != 60*time.Second {
		t.Errorf("AppendTimeout = %v, want 60s", got)
	}
	if g, _ := p.ContactGroups(); g != model.GroupsEverybody {
		t.Errorf("ContactGroups = %q, want everybody", g)
	}
	if p.Location() != time.UTC {
		t.Errorf("Location = %v, want UTC", p.Location())
	}
	if p.MessageDomain() != "smssync.local" {
		t.Errorf("MessageDomain = %q", p.MessageDomain())
	}
}

func TestReadsFile(t *testing.T) {
	p := loadTemp(t, `
login_user: me@example.com
imap_folder: Texts
max_synced_date: 1234
backup_contact_groups: custom
backup_contact_group_name: family
timezone: Europe/Berlin
`)

	if p.LoginUser() != "me@example.com" {
		t.Errorf("LoginUser = %q", p.LoginUser())
	}
	if p.Folder() != "Texts" {
		t.Errorf("Folder = %q", p.Folder())
	}
	if p.MaxSyncedDate() != 1234 {
		t.Errorf("MaxSyncedDate = %d", p.MaxSyncedDate())
	}
	if g, name := p.ContactGroups(); g != model.GroupsCustom || name != "family" {
		t.Errorf("ContactGroups = %q, %q", g, name)
	}
	if p.Location().String() != "Europe/Berlin" {
		t.Errorf("Location = %v", p.Location())
	}
}

func TestInvalidContactGroups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("backup_contact_groups: coworkers\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected error for unknown contact group selection")
	}
}

func TestCursorIsMonotoneAndPersisted(t *testing.T) {
	p := loadTemp(t, "")

	if err := p.SetMaxSyncedDate(200); err != nil {
		t.Fatalf("SetMaxSyncedDate: %v", err)
	}
	if err := p.SetMaxSyncedDate(150); err != nil {
		t.Fatalf("SetMaxSyncedDate(lower): %v", err)
	}
	if got := p.MaxSyncedDate(); got != 200 {
		t.Errorf("cursor = %d after regress attempt, want 200", got)
	}

	reloaded, err := Load(p.Path(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.MaxSyncedDate(); got != 200 {
		t.Errorf("reloaded cursor = %d, want 200", got)
	}
}

func TestCursorPersistFailureKeepsPreviousValue(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := Load(filepath.Join(blocker, "config.yaml"), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := p.SetMaxSyncedDate(500); err == nil {
		t.Fatal("expected persist error")
	}
	if got := p.MaxSyncedDate(); got != model.NoCursor {
		t.Errorf("cursor = %d after failed persist, want %d", got, model.NoCursor)
	}
}

func TestSetRejectsCursor(t *testing.T) {
	p := loadTemp(t, "")

	if err := p.Set(KeyMaxSyncedDate, 10); err == nil {
		t.Error("Set accepted the cursor key")
	}
	if err := p.Set(KeyContactGroups, "nobody"); err == nil {
		t.Error("Set accepted an invalid contact group")
	}
	if err := p.Set(KeyFolder, "Archive/SMS"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if p.Folder() != "Archive/SMS" {
		t.Errorf("Folder = %q", p.Folder())
	}
}

func TestPasswordSources(t *testing.T) {
	p := loadTemp(t, "")

	pw, err := p.Password()
	if err != nil || pw != "" {
		t.Fatalf("Password on empty config = %q, %v", pw, err)
	}

	if err := p.SetCredentials("me@example.com", "from keyring"); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}
	pw, err = p.Password()
	if err != nil {
		t.Fatalf("Password: %v", err)
	}
	if pw != "from keyring" {
		t.Errorf("Password = %q, want keyring value", pw)
	}

	raw, err := os.ReadFile(p.Path())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "from keyring") {
		t.Error("password leaked into config file")
	}

	if err := p.Set(KeyLoginPassword, "from file"); err != nil {
		t.Fatal(err)
	}
	if pw, _ := p.Password(); pw != "from file" {
		t.Errorf("Password = %q, want file value to win", pw)
	}
}
