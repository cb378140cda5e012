// Package sync runs incremental SMS backups to an IMAP folder and restores
// from it. One Engine runs at most one backup or restore at a time and
// reports every state change to its observers.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/sms-backup/internal/mailbox"
	"github.com/nhle/sms-backup/internal/message"
	"github.com/nhle/sms-backup/internal/metrics"
	"github.com/nhle/sms-backup/internal/model"
	"github.com/nhle/sms-backup/internal/power"
	"github.com/nhle/sms-backup/internal/prefs"
	"github.com/nhle/sms-backup/internal/store"
)

// Run kinds, as stored in the run history.
const (
	KindBackup  = "backup"
	KindRestore = "restore"
)

// recordTimeout bounds the run history writes that happen after a run
// was canceled.
const recordTimeout = 5 * time.Second

// Records is the local message store as seen by the engine.
type Records interface {
	QueryNewer(ctx context.Context, after int64, limit int, filter store.RecordFilter) (*store.RecordIterator, error)
	CountNewer(ctx context.Context, after int64, filter store.RecordFilter) (int, error)
	Exists(ctx context.Context, id int64) (bool, error)
	InsertIfAbsent(ctx context.Context, rec model.Record) (bool, error)
}

// Preferences is the configuration the engine reads on every run, plus
// the persisted cursor.
type Preferences interface {
	LoginUser() string
	Password() (string, error)
	Folder() string
	Server() string
	Security() string
	MaxSyncedDate() int64
	SetMaxSyncedDate(ts int64) error
	MaxItemsPerSync() int
	MaxItemsPerRestore() int
	BatchSize() int
	ContactGroups() (model.ContactGroups, string)
}

// Session is a logged-in mailbox connection.
type Session interface {
	EnsureFolder(ctx context.Context, name string) error
	Append(ctx context.Context, msgs []mailbox.Message) error
	FetchHeaders(ctx context.Context) ([]mailbox.Fetched, error)
	FetchMessages(ctx context.Context, uids []uint32) ([]mailbox.Fetched, error)
	Close() error
}

// Dialer opens a Session from an IMAP URI.
type Dialer interface {
	Open(ctx context.Context, uri string) (Session, error)
}

// RunRecorder keeps a history of runs. It is optional.
type RunRecorder interface {
	StartRun(ctx context.Context, kind string) (string, error)
	FinishRun(ctx context.Context, id, state string, records int, runErr error) error
}

type mailboxDialer struct {
	d *mailbox.Dialer
}

func (m mailboxDialer) Open(ctx context.Context, uri string) (Session, error) {
	s, err := m.d.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// MailboxDialer adapts a mailbox.Dialer to Dialer.
func MailboxDialer(d *mailbox.Dialer) Dialer {
	return mailboxDialer{d: d}
}

// Config holds the collaborators of an Engine. Records, Prefs, Dialer and
// Serializer are required.
type Config struct {
	Records    Records
	Prefs      Preferences
	Dialer     Dialer
	Serializer *message.Serializer
	Gate       power.Gate
	Recorder   RunRecorder
	Logger     zerolog.Logger
}

type observerEntry struct {
	id int
	o  Observer
}

// runHandle is one begun run. err is set before done is closed.
type runHandle struct {
	done chan struct{}
	err  error
}

// Engine is the backup and restore state machine.
type Engine struct {
	records    Records
	prefs      Preferences
	dialer     Dialer
	serializer *message.Serializer
	guard      *power.Guard
	recorder   RunRecorder
	log        zerolog.Logger

	mu        gosync.Mutex
	state     State
	observers []observerEntry
	nextObsID int
	running   bool
	current   *runHandle

	// final is the state the worker ends in. Only the worker touches it.
	final State

	canceled atomic.Bool
}

// New returns an idle Engine.
func New(cfg Config) *Engine {
	log := cfg.Logger.With().Str("component", "sync").Logger()
	return &Engine{
		records:    cfg.Records,
		prefs:      cfg.Prefs,
		dialer:     cfg.Dialer,
		serializer: cfg.Serializer,
		guard:      power.NewGuard(cfg.Gate, cfg.Logger),
		recorder:   cfg.Recorder,
		log:        log,
		state:      StateIdle,
	}
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Running reports whether a run is in progress.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// AddObserver registers o and returns a function that removes it.
func (e *Engine) AddObserver(o Observer) (remove func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextObsID
	e.nextObsID++
	e.observers = append(e.observers, observerEntry{id: id, o: o})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, entry := range e.observers {
			if entry.id == id {
				e.observers = append(e.observers[:i:i], e.observers[i+1:]...)
				return
			}
		}
	}
}

func (e *Engine) snapshotObservers() []Observer {
	e.mu.Lock()
	defer e.mu.Unlock()

	obs := make([]Observer, len(e.observers))
	for i, entry := range e.observers {
		obs[i] = entry.o
	}
	return obs
}

// transition moves to the next state and tells every observer before
// returning.
func (e *Engine) transition(to State, err error) {
	e.mu.Lock()
	from := e.state
	e.state = to
	e.mu.Unlock()

	e.notify(from, to, err)
}

func (e *Engine) notify(from, to State, err error) {
	ev := e.log.Debug()
	if err != nil {
		ev = e.log.Warn().Err(err)
	}
	ev.Stringer("from", from).Stringer("to", to).Msg("state changed")

	for _, o := range e.snapshotObservers() {
		o.StateChanged(from, to, err)
	}
}

func (e *Engine) progress(done, total int) {
	for _, o := range e.snapshotObservers() {
		if p, ok := o.(ProgressObserver); ok {
			p.Progress(done, total)
		}
	}
}

// BeginBackup starts a backup on a new goroutine and returns at once. It
// returns ErrAlreadyRunning if a run is active. Canceling ctx aborts the
// run, including any network operation in flight.
func (e *Engine) BeginBackup(ctx context.Context) error {
	_, err := e.begin(ctx, KindBackup, e.backup)
	return err
}

// BeginRestore starts a restore on a new goroutine and returns at once.
func (e *Engine) BeginRestore(ctx context.Context) error {
	_, err := e.begin(ctx, KindRestore, e.restore)
	return err
}

// Backup runs a backup and waits for it to finish. A nil error means
// the run ended in IDLE.
func (e *Engine) Backup(ctx context.Context) error {
	h, err := e.begin(ctx, KindBackup, e.backup)
	if err != nil {
		return err
	}
	<-h.done
	return h.err
}

// Restore runs a restore and waits for it to finish.
func (e *Engine) Restore(ctx context.Context) error {
	h, err := e.begin(ctx, KindRestore, e.restore)
	if err != nil {
		return err
	}
	<-h.done
	return h.err
}

// Cancel asks the active run to stop at its next check point. A batch
// already sent to the server is either acknowledged and its cursor saved,
// or dropped; nothing is half-recorded. Cancel does nothing when no run
// is active.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		e.canceled.Store(true)
	}
}

// Wait blocks until the latest run finishes and returns its result. It
// returns nil at once if no run was ever started.
func (e *Engine) Wait() error {
	e.mu.Lock()
	h := e.current
	e.mu.Unlock()

	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

func (e *Engine) begin(
	ctx context.Context,
	kind string,
	run func(context.Context) (int, error),
) (*runHandle, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	e.running = true
	e.canceled.Store(false)
	h := &runHandle{done: make(chan struct{})}
	e.current = h
	e.mu.Unlock()

	go func() {
		defer close(h.done)
		e.execute(ctx, h, kind, run)
	}()

	return h, nil
}

// execute runs one backup or restore, records its outcome and only then
// publishes the final state. Observers of that state find the engine
// free, so they may begin the next run from the callback.
func (e *Engine) execute(
	ctx context.Context,
	h *runHandle,
	kind string,
	run func(context.Context) (int, error),
) {
	if e.State().Terminal() {
		e.transition(StateIdle, nil)
	}

	runID := e.startRun(ctx, kind)
	start := time.Now()

	e.final = StateIdle
	n, err := run(ctx)
	final := e.final

	e.finishRun(ctx, runID, final, n, err)
	metrics.RunFinished(kind, final.String())

	e.log.Info().
		Str("kind", kind).
		Stringer("state", final).
		Int("records", n).
		Dur("elapsed", time.Since(start)).
		Msg("run finished")

	e.mu.Lock()
	from := e.state
	e.state = final
	e.running = false
	h.err = err
	e.mu.Unlock()

	e.notify(from, final, err)
}

func (e *Engine) startRun(ctx context.Context, kind string) string {
	if e.recorder == nil {
		return ""
	}
	id, err := e.recorder.StartRun(ctx, kind)
	if err != nil {
		e.log.Warn().Err(err).Msg("could not record run start")
		return ""
	}
	return id
}

func (e *Engine) finishRun(ctx context.Context, id string, final State, n int, runErr error) {
	if e.recorder == nil || id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := e.recorder.FinishRun(ctx, id, final.String(), n, runErr); err != nil {
		e.log.Warn().Err(err).Str("run", id).Msg("could not record run outcome")
	}
}

// checkCanceled returns ErrCanceled if Cancel was called or ctx is done.
func (e *Engine) checkCanceled(ctx context.Context) error {
	if e.canceled.Load() || ctx.Err() != nil {
		return ErrCanceled
	}
	return nil
}

// finish closes the session, releases the wake lock and sets the state
// the run ends in. execute publishes it once the run is recorded.
func (e *Engine) finish(sess Session, to State, err error) error {
	if sess != nil {
		if cerr := sess.Close(); cerr != nil {
			e.log.Debug().Err(cerr).Msg("closing session")
		}
	}
	e.guard.Release()
	e.final = to
	return err
}

// fail maps err to its terminal state and finishes the run there.
func (e *Engine) fail(ctx context.Context, sess Session, err error) error {
	var missing *ConfigMissingError

	switch {
	case errors.Is(err, ErrCanceled) || ctx.Err() != nil || e.canceled.Load():
		return e.finish(sess, StateCanceled, ErrCanceled)
	case errors.As(err, &missing):
		return e.finish(sess, StateAuthFailed, err)
	case mailbox.IsAuthError(err):
		return e.finish(sess, StateAuthFailed, &AuthenticationError{Err: err})
	}

	var gerr *GeneralError
	if !errors.As(err, &gerr) {
		err = general("sync failed", err)
	}
	return e.finish(sess, StateGeneralError, err)
}

func (e *Engine) filter() store.RecordFilter {
	groups, name := e.prefs.ContactGroups()
	return store.RecordFilter{Groups: groups, GroupName: name}
}

func (e *Engine) batchSize() int {
	if n := e.prefs.BatchSize(); n > 0 {
		return n
	}
	return prefs.DefaultBatchSize
}

// login enters LOGIN, checks the account settings and opens a session.
// It returns the session and the backup folder name.
func (e *Engine) login(ctx context.Context) (Session, string, error) {
	e.transition(StateLogin, nil)
	e.guard.Acquire()

	if err := e.checkCanceled(ctx); err != nil {
		return nil, "", err
	}

	user := e.prefs.LoginUser()
	if user == "" {
		return nil, "", &ConfigMissingError{Key: prefs.KeyLoginUser}
	}
	password, err := e.prefs.Password()
	if err != nil {
		return nil, "", general("reading password", err)
	}
	if password == "" {
		return nil, "", &ConfigMissingError{Key: prefs.KeyLoginPassword}
	}
	folder := e.prefs.Folder()
	if folder == "" {
		return nil, "", &ConfigMissingError{Key: prefs.KeyFolder}
	}

	ep, err := mailbox.ResolveEndpoint(e.prefs.Server(), mailbox.Security(e.prefs.Security()), user)
	if err != nil {
		return nil, "", general("resolving server", err)
	}
	ep.User, ep.Password = user, password

	e.log.Debug().Str("addr", ep.Addr()).Str("user", user).Msg("logging in")

	sess, err := e.dialer.Open(ctx, mailbox.BuildURI(ep))
	if err != nil {
		if mailbox.IsAuthError(err) {
			return nil, "", err
		}
		return nil, "", general(fmt.Sprintf("connecting to %s", ep.Addr()), err)
	}
	return sess, folder, nil
}
