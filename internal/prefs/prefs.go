package prefs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/nhle/sms-backup/internal/credential"
	"github.com/nhle/sms-backup/internal/model"
)

// Preference keys as they appear in the YAML file.
const (
	KeyLoginUser          = "login_user"
	KeyLoginPassword      = "login_password"
	KeyFolder             = "imap_folder"
	KeyMaxSyncedDate      = "max_synced_date"
	KeyAutoSync           = "enable_auto_sync"
	KeyAutoSyncInterval   = "auto_sync_interval"
	KeyMaxItemsPerSync    = "max_items_per_sync"
	KeyMaxItemsPerRestore = "max_items_per_restore"
	KeyContactGroups      = "backup_contact_groups"
	KeyContactGroupName   = "backup_contact_group_name"
	KeyServer             = "imap_server"
	KeySecurity           = "imap_security"
	KeyAuth               = "imap_auth"
	KeyMessageDomain      = "message_domain"
	KeyPeerDomain         = "peer_domain"
	KeyBatchSize          = "batch_size"
	KeyConnectTimeout     = "connect_timeout"
	KeyCommandTimeout     = "command_timeout"
	KeyAppendTimeout      = "append_timeout"
	KeyTimezone           = "timezone"
	KeyDatabase           = "database"
)

// DefaultFolder is the folder label used when none is configured.
const DefaultFolder = "SMS"

// DefaultBatchSize is the number of records appended per batch.
const DefaultBatchSize = 50

// SecretStore holds the IMAP password when it is not in the YAML file.
type SecretStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// Preferences is the persistent scalar configuration of the application,
// backed by a YAML file. It is safe for concurrent use.
type Preferences struct {
	mu      gosync.RWMutex
	v       *viper.Viper
	path    string
	secrets SecretStore
	log     zerolog.Logger
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/smsbackup/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "smsbackup", "config.yaml")
}

// DefaultDatabasePath returns ~/.local/share/smsbackup/sms.db.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sms.db"
	}
	return filepath.Join(home, ".local", "share", "smsbackup", "sms.db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyFolder, DefaultFolder)
	v.SetDefault(KeyMaxSyncedDate, model.NoCursor)
	v.SetDefault(KeyAutoSync, false)
	v.SetDefault(KeyAutoSyncInterval, "5m")
	v.SetDefault(KeyMaxItemsPerSync, 0)
	v.SetDefault(KeyMaxItemsPerRestore, 0)
	v.SetDefault(KeyContactGroups, string(model.GroupsEverybody))
	v.SetDefault(KeySecurity, "ssl+")
	v.SetDefault(KeyAuth, "login")
	v.SetDefault(KeyMessageDomain, "smssync.local")
	v.SetDefault(KeyPeerDomain, "unknown.email")
	v.SetDefault(KeyBatchSize, DefaultBatchSize)
	v.SetDefault(KeyConnectTimeout, "30s")
	v.SetDefault(KeyCommandTimeout, "60s")
	v.SetDefault(KeyAppendTimeout, "60s")
	v.SetDefault(KeyDatabase, DefaultDatabasePath())
}

// Load reads preferences from the YAML file at path. A missing file yields
// the defaults; it is created on the first write.
func Load(path string, secrets SecretStore, log zerolog.Logger) (*Preferences, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	p := &Preferences{
		v:       v,
		path:    path,
		secrets: secrets,
		log:     log.With().Str("component", "prefs").Logger(),
	}

	if g := p.contactGroups(); !g.Valid() {
		return nil, fmt.Errorf("config %s: invalid %s %q", path, KeyContactGroups, g)
	}

	return p, nil
}

// Path returns the file the preferences are persisted to.
func (p *Preferences) Path() string {
	return p.path
}

func (p *Preferences) getString(key string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.v.GetString(key)
}

func (p *Preferences) getInt(key string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.v.GetInt(key)
}

func (p *Preferences) getDuration(key string) time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.v.GetDuration(key)
}

// LoginUser returns the IMAP login, which is also the user's own address.
func (p *Preferences) LoginUser() string { return p.getString(KeyLoginUser) }

// Password returns the IMAP password. A password in the YAML file wins
// over the keyring. An absent password is "" with a nil error.
func (p *Preferences) Password() (string, error) {
	if pw := p.getString(KeyLoginPassword); pw != "" {
		return pw, nil
	}

	user := p.LoginUser()
	if user == "" || p.secrets == nil {
		return "", nil
	}

	pw, err := p.secrets.Get(credential.PasswordKey(user))
	if errors.Is(err, credential.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading password for %s: %w", user, err)
	}
	return pw, nil
}

// Folder returns the IMAP folder label.
func (p *Preferences) Folder() string { return p.getString(KeyFolder) }

// MaxSyncedDate returns the backup cursor.
func (p *Preferences) MaxSyncedDate() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.v.GetInt64(KeyMaxSyncedDate)
}

// SetMaxSyncedDate advances and persists the backup cursor. Values not
// greater than the current cursor are ignored. If the file cannot be
// written the in-memory cursor keeps its previous value.
func (p *Preferences) SetMaxSyncedDate(ts int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.v.GetInt64(KeyMaxSyncedDate)
	if ts <= cur {
		if ts < cur {
			p.log.Warn().Int64("cursor", cur).Int64("requested", ts).
				Msg("refusing to move cursor backwards")
		}
		return nil
	}

	p.v.Set(KeyMaxSyncedDate, ts)
	if err := p.save(); err != nil {
		p.v.Set(KeyMaxSyncedDate, cur)
		return fmt.Errorf("persisting cursor %d: %w", ts, err)
	}

	p.log.Debug().Int64("cursor", ts).Msg("cursor advanced")
	return nil
}

// AutoSync reports whether new records should trigger a backup.
func (p *Preferences) AutoSync() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.v.GetBool(KeyAutoSync)
}

// AutoSyncInterval is the poll period of the auto-sync watcher.
func (p *Preferences) AutoSyncInterval() time.Duration {
	if d := p.getDuration(KeyAutoSyncInterval); d > 0 {
		return d
	}
	return 5 * time.Minute
}

// MaxItemsPerSync caps the records uploaded by one backup run; 0 means no
// cap.
func (p *Preferences) MaxItemsPerSync() int { return max(p.getInt(KeyMaxItemsPerSync), 0) }

// MaxItemsPerRestore caps the messages restored by one run; 0 means no cap.
func (p *Preferences) MaxItemsPerRestore() int { return max(p.getInt(KeyMaxItemsPerRestore), 0) }

func (p *Preferences) contactGroups() model.ContactGroups {
	return model.ContactGroups(p.getString(KeyContactGroups))
}

// ContactGroups returns the peer selection for backups and, for the
// custom selection, the group name.
func (p *Preferences) ContactGroups() (model.ContactGroups, string) {
	return p.contactGroups(), p.getString(KeyContactGroupName)
}

// Server returns the configured host[:port], or "" for the provider default.
func (p *Preferences) Server() string { return p.getString(KeyServer) }

// Security returns the URI scheme suffix, e.g. "ssl+".
func (p *Preferences) Security() string { return p.getString(KeySecurity) }

// AuthMethod returns "login" or "plain".
func (p *Preferences) AuthMethod() string { return p.getString(KeyAuth) }

// MessageDomain is the domain part of generated Message-IDs.
func (p *Preferences) MessageDomain() string { return p.getString(KeyMessageDomain) }

// PeerDomain is the domain used to turn phone numbers into addresses.
func (p *Preferences) PeerDomain() string { return p.getString(KeyPeerDomain) }

// BatchSize is the number of records appended per APPEND sequence.
func (p *Preferences) BatchSize() int {
	if n := p.getInt(KeyBatchSize); n > 0 {
		return n
	}
	return DefaultBatchSize
}

func (p *Preferences) ConnectTimeout() time.Duration { return p.getDuration(KeyConnectTimeout) }
func (p *Preferences) CommandTimeout() time.Duration { return p.getDuration(KeyCommandTimeout) }
func (p *Preferences) AppendTimeout() time.Duration  { return p.getDuration(KeyAppendTimeout) }

// Location returns the time zone used for Date headers. An empty or
// unknown zone yields UTC.
func (p *Preferences) Location() *time.Location {
	name := p.getString(KeyTimezone)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		p.log.Warn().Err(err).Str("timezone", name).Msg("unknown time zone, using UTC")
		return time.UTC
	}
	return loc
}

// Database returns the path of the local record store.
func (p *Preferences) Database() string { return p.getString(KeyDatabase) }

// Set changes a preference in memory. Call Save to persist it. The cursor
// cannot be changed here; use SetMaxSyncedDate.
func (p *Preferences) Set(key string, value any) error {
	if key == KeyMaxSyncedDate {
		return fmt.Errorf("%s is managed by the sync engine", key)
	}
	if key == KeyContactGroups {
		if g, ok := value.(string); !ok || !model.ContactGroups(g).Valid() {
			return fmt.Errorf("invalid %s %v", key, value)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.v.Set(key, value)
	return nil
}

// SetCredentials stores the login in the YAML file and the password in
// the secret store.
func (p *Preferences) SetCredentials(user, password string) error {
	if p.secrets == nil {
		return errors.New("no secret store configured")
	}
	if err := p.secrets.Set(credential.PasswordKey(user), password); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.v.Set(KeyLoginUser, user)
	if p.v.IsSet(KeyLoginPassword) {
		p.v.Set(KeyLoginPassword, "")
	}
	return p.save()
}

// Save writes all preferences to the YAML file.
func (p *Preferences) Save() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.save()
}

// save writes the file through a temporary sibling and a rename.
// Callers hold p.mu.
func (p *Preferences) save() error {
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	tmp := p.path + ".tmp.yaml"
	if err := p.v.WriteConfigAs(tmp); err != nil {
		return fmt.Errorf("writing config to %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing config %s: %w", p.path, err)
	}

	return nil
}
