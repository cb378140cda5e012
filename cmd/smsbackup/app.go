package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/nhle/sms-backup/internal/credential"
	"github.com/nhle/sms-backup/internal/mailbox"
	"github.com/nhle/sms-backup/internal/message"
	"github.com/nhle/sms-backup/internal/power"
	"github.com/nhle/sms-backup/internal/prefs"
	"github.com/nhle/sms-backup/internal/store"
	appsync "github.com/nhle/sms-backup/internal/sync"
)

// app holds what every command needs.
type app struct {
	opts   options
	log    zerolog.Logger
	prefs  *prefs.Preferences
	store  *store.SQLiteStore
	stdout io.Writer
	stderr io.Writer
}

func newApp(opts options, log zerolog.Logger, stdout, stderr io.Writer) (*app, error) {
	cfgPath := opts.configPath
	if cfgPath == "" {
		cfgPath = prefs.DefaultConfigPath()
	}

	p, err := prefs.Load(cfgPath, credential.NewVault(), log)
	if err != nil {
		return nil, err
	}

	dbPath := opts.dbPath
	if dbPath == "" {
		dbPath = p.Database()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("config", cfgPath).Str("db", dbPath).Msg("loaded")

	return &app{
		opts:   opts,
		log:    log,
		prefs:  p,
		store:  s,
		stdout: stdout,
		stderr: stderr,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) dialer() *mailbox.Dialer {
	return mailbox.NewDialer(mailbox.Options{
		Auth:           a.prefs.AuthMethod(),
		ConnectTimeout: a.prefs.ConnectTimeout(),
		CommandTimeout: a.prefs.CommandTimeout(),
		AppendTimeout:  a.prefs.AppendTimeout(),
		Logger:         a.log,
	})
}

func (a *app) serializer() *message.Serializer {
	return &message.Serializer{
		Domain:     a.prefs.MessageDomain(),
		PeerDomain: a.prefs.PeerDomain(),
		Location:   a.prefs.Location(),
	}
}

func (a *app) engine() *appsync.Engine {
	return appsync.New(appsync.Config{
		Records:    a.store,
		Prefs:      a.prefs,
		Dialer:     appsync.MailboxDialer(a.dialer()),
		Serializer: a.serializer(),
		Gate:       power.Nop{},
		Recorder:   a.store,
		Logger:     a.log,
	})
}
