package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/sms-backup/internal/model"
	"github.com/nhle/sms-backup/internal/store"
)

// defaultWatchInterval is used when the configured interval is unset.
const defaultWatchInterval = 5 * time.Minute

// checkTimeout bounds a single look at the store.
const checkTimeout = 30 * time.Second

// Pending counts the local records a backup would upload.
type Pending interface {
	CountNewer(ctx context.Context, after int64, filter store.RecordFilter) (int, error)
}

// WatchSettings is the part of the configuration the Watcher reads on
// every tick, so edits take effect without a restart.
type WatchSettings interface {
	AutoSync() bool
	AutoSyncInterval() time.Duration
	MaxSyncedDate() int64
	ContactGroups() (model.ContactGroups, string)
}

// Watcher starts a backup when the store has records newer than the
// cursor and auto sync is enabled.
type Watcher struct {
	engine    *Engine
	pending   Pending
	settings  WatchSettings
	log       zerolog.Logger
	triggerCh chan struct{}

	mu      gosync.Mutex
	running bool
}

// NewWatcher returns a Watcher for engine.
func NewWatcher(engine *Engine, pending Pending, settings WatchSettings, log zerolog.Logger) *Watcher {
	return &Watcher{
		engine:    engine,
		pending:   pending,
		settings:  settings,
		log:       log.With().Str("component", "watcher").Logger(),
		triggerCh: make(chan struct{}, 1),
	}
}

// Trigger asks for an immediate check. It never blocks.
func (w *Watcher) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
		// A check is already pending.
	}
}

func (w *Watcher) interval() time.Duration {
	if d := w.settings.AutoSyncInterval(); d > 0 {
		return d
	}
	return defaultWatchInterval
}

// Run checks once at start and then on every tick or Trigger until ctx is
// done. Only one Run may be active at a time.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	interval := w.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.log.Info().Dur("interval", interval).Msg("watching for new records")
	w.Check(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-w.triggerCh:
		}

		if d := w.interval(); d != interval {
			interval = d
			ticker.Reset(interval)
		}
		w.Check(ctx)
	}
}

// Check starts a backup if records selected by the contact groups are
// newer than the cursor, and reports whether it did.
func (w *Watcher) Check(ctx context.Context) bool {
	if !w.settings.AutoSync() {
		return false
	}

	cursor := w.settings.MaxSyncedDate()
	groups, name := w.settings.ContactGroups()

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	pending, err := w.pending.CountNewer(checkCtx, cursor, store.RecordFilter{Groups: groups, GroupName: name})
	cancel()
	if err != nil {
		w.log.Warn().Err(err).Msg("could not count pending records")
		return false
	}
	if pending == 0 {
		return false
	}

	err = w.engine.BeginBackup(ctx)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		w.log.Debug().Msg("backup already running")
		return false
	case err != nil:
		w.log.Warn().Err(err).Msg("could not start backup")
		return false
	}

	w.log.Info().Int64("cursor", cursor).Int("pending", pending).Msg("auto backup started")
	return true
}
