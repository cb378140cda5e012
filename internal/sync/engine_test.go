package sync_test

import (
	"context"
	"errors"
	"slices"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/nhle/sms-backup/internal/mailbox"
	"github.com/nhle/sms-backup/internal/message"
	"github.com/nhle/sms-backup/internal/model"
	"github.com/nhle/sms-backup/internal/prefs"
	"github.com/nhle/sms-backup/internal/store"
	appsync "github.com/nhle/sms-backup/internal/sync"
	"github.com/nhle/sms-backup/tests/testutil"
)

// transitions records every state change as "FROM>TO".
type transitions struct {
	mu   gosync.Mutex
	seen []string
	errs []error
}

func (r *transitions) StateChanged(from, to appsync.State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, from.String()+">"+to.String())
	if err != nil {
		r.errs = append(r.errs, err)
	}
}

func (r *transitions) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

type countingDialer struct {
	next  appsync.Dialer
	opens atomic.Int32
}

func (d *countingDialer) Open(ctx context.Context, uri string) (appsync.Session, error) {
	d.opens.Add(1)
	return d.next.Open(ctx, uri)
}

type countingGate struct {
	acquired atomic.Int32
	released atomic.Int32
}

func (g *countingGate) Acquire() error { g.acquired.Add(1); return nil }
func (g *countingGate) Release() error { g.released.Add(1); return nil }

type harness struct {
	addr   string
	store  *store.SQLiteStore
	prefs  *prefs.Preferences
	dialer *countingDialer
	gate   *countingGate
	engine *appsync.Engine
	trans  *transitions
}

type harnessOption func(*appsync.Config)

func newHarness(t *testing.T, password, extraYAML string, opts ...harnessOption) *harness {
	t.Helper()

	addr := testutil.NewIMAPServer(t)
	s := testutil.NewTestStore(t)
	p := testutil.NewTestPrefs(t, testutil.IMAPPrefsYAML(addr, password, extraYAML))

	d := &countingDialer{next: appsync.MailboxDialer(mailbox.NewDialer(mailbox.Options{
		ConnectTimeout: 5 * time.Second,
		CommandTimeout: 5 * time.Second,
		AppendTimeout:  5 * time.Second,
		Logger:         zerolog.Nop(),
	}))}
	g := &countingGate{}

	cfg := appsync.Config{
		Records:    s,
		Prefs:      p,
		Dialer:     d,
		Serializer: &message.Serializer{},
		Gate:       g,
		Recorder:   s,
		Logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	e := appsync.New(cfg)
	tr := &transitions{}
	e.AddObserver(tr)

	return &harness{addr: addr, store: s, prefs: p, dialer: d, gate: g, engine: e, trans: tr}
}

// folderIDs returns the record ids found in the backup folder, in order.
func (h *harness) folderIDs(t *testing.T) []int64 {
	t.Helper()

	var ids []int64
	for _, raw := range testutil.MailboxMessages(t, h.addr, "SMS") {
		id, err := message.ParseID(raw)
		if err != nil {
			t.Fatalf("folder message without id: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestBackupFirstRunSkipsDrafts(t *testing.T) {
	h := newHarness(t, testutil.IMAPPassword, "")
	testutil.SeedRecords(t, h.store,
		testutil.Rec(1, 100, model.TypeInbox, "a"),
		testutil.Rec(2, 200, model.TypeSent, "b"),
		testutil.Rec(3, 150, model.TypeDraft, "x"),
	)

	if err := h.engine.Backup(context.Background()); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	if diff := cmp.Diff([]int64{1, 2}, h.folderIDs(t)); diff != "" {
		t.Errorf("folder ids mismatch (-want +got):\n%s", diff)
	}
	if got := h.prefs.MaxSyncedDate(); got != 200 {
		t.Errorf("cursor = %d, want 200", got)
	}

	want := []string{"IDLE>CALC", "CALC>LOGIN", "LOGIN>SYNC", "SYNC>IDLE"}
	if diff := cmp.Diff(want, h.trans.list()); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
	if h.engine.State() != appsync.StateIdle {
		t.Errorf("State = %v, want IDLE", h.engine.State())
	}
}

func TestBackupIncrementalRun(t *testing.T) {
	h := newHarness(t, testutil.IMAPPassword, "")
	testutil.SeedRecords(t, h.store,
		testutil.Rec(1, 100, model.TypeInbox, "a"),
		testutil.Rec(2, 200, model.TypeSent, "b"),
	)
	ctx := context.Background()

	if err := h.engine.Backup(ctx); err != nil {
		t.Fatalf("first Backup: %v", err)
	}

	testutil.SeedRecords(t, h.store, testutil.Rec(4, 250, model.TypeInbox, "c"))
	if err := h.engine.Backup(ctx); err != nil {
		t.Fatalf("second Backup: %v", err)
	}

	if diff := cmp.Diff([]int64{1, 2, 4}, h.folderIDs(t)); diff != "" {
		t.Errorf("folder ids mismatch (-want +got):\n%s", diff)
	}
	if got := h.prefs.MaxSyncedDate(); got != 250 {
		t.Errorf("cursor = %d, want 250", got)
	}
}

func TestBackupRecordAtCursorIsNotUploaded(t *testing.T) {
	h := newHarness(t, testutil.IMAPPassword, "max_synced_date: 100\n")
	testutil.SeedRecords(t, h.store,
		testutil.Rec(1, 100, model.TypeInbox, "at cursor"),
		testutil.Rec(2, 101, model.TypeInbox, "just after"),
	)

	if err := h.engine.Backup(context.Background()); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	if diff := cmp.Diff([]int64{2}, h.folderIDs(t)); diff != "" {
		t.Errorf("folder ids mismatch (-want +got):\n%s", diff)
	}
	if got := h.prefs.MaxSyncedDate(); got != 101 {
		t.Errorf("cursor = %d, want 101", got)
	}
}

func TestBackupNothingToDoSkipsNetwork(t *testing.T) {
	h := newHarness(t, testutil.IMAPPassword, "max_synced_date: 500\n")
	testutil.SeedRecords(t, h.store,
		testutil.Rec(1, 100, model.TypeInbox, "old"),
		testutil.Rec(2, 600, model.TypeDraft, "draft"),
	)

	if err := h.engine.Backup(context.Background()); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	if n := h.dialer.opens.Load(); n != 0 {
		t.Errorf("dialer opened %d sessions, want 0", n)
	}
	want := []string{"IDLE>CALC", "CALC>IDLE"}
	if diff := cmp.Diff(want, h.trans.list()); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
	if got := h.prefs.MaxSyncedDate(); got != 500 {
		t.Errorf("cursor = %d, want 500", got)
	}
}

func TestBackupWrongPassword(t *testing.T) {
	h := newHarness(t, "wrong", "")
	testutil.SeedRecords(t, h.store, testutil.Rec(1, 100, model.TypeInbox, "a"))

	err := h.engine.Backup(context.Background())

	var authErr *appsync.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthenticationError", err)
	}
	want := []string{"IDLE>CALC", "CALC>LOGIN", "LOGIN>AUTH_FAILED"}
	if diff := cmp.Diff(want, h.trans.list()); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
	if ids := h.folderIDs(t); ids != nil {
		t.Errorf("folder touched: %v", ids)
	}
	if got := h.prefs.MaxSyncedDate(); got != model.NoCursor {
		t.Errorf("cursor = %d, want %d", got, model.NoCursor)
	}
}

func TestBackupMissingLogin(t *testing.T) {
	h := newHarness(t, testutil.IMAPPassword, "")
	if err := h.prefs.Set(prefs.KeyLoginUser, ""); err != nil {
		t.Fatal(err)
	}
	testutil.SeedRecords(t, h.store, testutil.Rec(1, 100, model.TypeInbox, "a"))

	err := h.engine.Backup(context.Background())

	var missing *appsync.ConfigMissingError
	if !errors.As(err, &missing) || missing.Key != prefs.KeyLoginUser {
		t.Fatalf("err = %v, want ConfigMissingError for %s", err, prefs.KeyLoginUser)
	}
	if h.engine.State() != appsync.StateAuthFailed {
		t.Errorf("State = %v, want AUTH_FAILED", h.engine.State())
	}
	if n := h.dialer.opens.Load(); n != 0 {
		t.Errorf("dialer opened %d sessions, want 0", n)
	}
}

// cancelAfterFirstBatch cancels the engine once progress is reported.
type cancelAfterFirstBatch struct {
	engine *appsync.Engine
	once   gosync.Once
}

func (c *cancelAfterFirstBatch) StateChanged(appsync.State, appsync.State, error) {}

func (c *cancelAfterFirstBatch) Progress(done, total int) {
	c.once.Do(c.engine.Cancel)
}

func TestBackupCancelBetweenBatches(t *testing.T) {
	h := newHarness(t, testutil.IMAPPassword, "batch_size: 50\n")

	recs := make([]model.Record, 120)
	for i := range recs {
		recs[i] = testutil.Rec(int64(i+1), int64(1000+i), model.TypeInbox, "msg")
	}
	testutil.SeedRecords(t, h.store, recs...)
	ctx := context.Background()

	remove := h.engine.AddObserver(&cancelAfterFirstBatch{engine: h.engine})
	err := h.engine.Backup(ctx)
	remove()

	if !errors.Is(err, appsync.ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", err)
	}
	if h.engine.State() != appsync.StateCanceled {
		t.Errorf("State = %v, want CANCELED", h.engine.State())
	}
	if got := h.prefs.MaxSyncedDate(); got != 1049 {
		t.Errorf("cursor = %d, want 1049", got)
	}
	if got := len(h.folderIDs(t)); got != 50 {
		t.Errorf("folder has %d messages, want 50", got)
	}

	// The next run picks up where the canceled one stopped.
	if err := h.engine.Backup(ctx); err != nil {
		t.Fatalf("resumed Backup: %v", err)
	}

	ids := h.folderIDs(t)
	if len(ids) != 120 {
		t.Fatalf("folder has %d messages, want 120", len(ids))
	}
	seen := make(map[int64]bool)
	for _, id := range ids {
		if seen[id] {
			t.Errorf("record %d appended twice", id)
		}
		seen[id] = true
	}
	if got := h.prefs.MaxSyncedDate(); got != 1119 {
		t.Errorf("cursor = %d, want 1119", got)
	}

	trans := h.trans.list()
	if trans[len(trans)-1] != "SYNC>IDLE" {
		t.Errorf("last transition = %s, want SYNC>IDLE", trans[len(trans)-1])
	}
	if !slices.Contains(trans, "SYNC>CANCELED") || !slices.Contains(trans, "CANCELED>IDLE") {
		t.Errorf("transitions = %v, want SYNC>CANCELED then CANCELED>IDLE", trans)
	}
}

func TestBackupCanceledContext(t *testing.T) {
	h := newHarness(t, testutil.IMAPPassword, "")
	testutil.SeedRecords(t, h.store, testutil.Rec(1, 100, model.TypeInbox, "a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.engine.Backup(ctx); !errors.Is(err, appsync.ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", err)
	}
	if n := h.dialer.opens.Load(); n != 0 {
		t.Errorf("dialer opened %d sessions, want 0", n)
	}
	if got := h.prefs.MaxSyncedDate(); got != model.NoCursor {
		t.Errorf("cursor = %d, want %d", got, model.NoCursor)
	}
}

func TestBackupFolderAlreadyExists(t *testing.T) {
	h := newHarness(t, testutil.IMAPPassword, "")
	testutil.CreateMailbox(t, h.addr, "SMS")
	testutil.SeedRecords(t, h.store, testutil.Rec(1, 100, model.TypeInbox, "a"))

	if err := h.engine.Backup(context.Background()); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if diff := cmp.Diff([]int64{1}, h.folderIDs(t)); diff != "" {
		t.Errorf("folder ids mismatch (-want +got):\n%s", diff)
	}
}

func TestBackupRespectsMaxItems(t *testing.T) {
	h := newHarness(t, testutil.IMAPPassword, "max_items_per_sync: 2\n")
	testutil.SeedRecords(t, h.store,
		testutil.Rec(1, 100, model.TypeInbox, "a"),
		testutil.Rec(2, 200, model.TypeInbox, "b"),
		testutil.Rec(3, 300, model.TypeInbox, "c"),
	)

	if err := h.engine.Backup(context.Background()); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if diff := cmp.Diff([]int64{1, 2}, h.folderIDs(t)); diff != "" {
		t.Errorf("folder ids mismatch (-want +got):\n%s", diff)
	}
	if got := h.prefs.MaxSyncedDate(); got != 200 {
		t.Errorf("cursor = %d, want 200", got)
	}
}

// failingCursor cannot persist the cursor.
type failingCursor struct {
	*prefs.Preferences
}

func (failingCursor) SetMaxSyncedDate(int64) error { return errors.New("disk full") }

func TestBackupCursorPersistFailure(t *testing.T) {
	h := newHarness(t, testutil.IMAPPassword, "", func(cfg *appsync.Config) {
		cfg.Prefs = failingCursor{cfg.Prefs.(*prefs.Preferences)}
	})
	testutil.SeedRecords(t, h.store, testutil.Rec(1, 100, model.TypeInbox, "a"))

	err := h.engine.Backup(context.Background())

	var gerr *appsync.GeneralError
	if !errors.As(err, &gerr) {
		t.Fatalf("err = %v, want GeneralError", err)
	}
	if h.engine.State() != appsync.StateGeneralError {
		t.Errorf("State = %v, want GENERAL_ERROR", h.engine.State())
	}
	if got := h.prefs.MaxSyncedDate(); got != model.NoCursor {
		t.Errorf("cursor = %d, want %d", got, model.NoCursor)
	}
}

func TestBeginWhileRunning(t *testing.T) {
	h := newHarness(t, testutil.IMAPPassword, "")
	testutil.SeedRecords(t, h.store, testutil.Rec(1, 100, model.TypeInbox, "a"))

	entered := make(chan struct{})
	release := make(chan struct{})
	remove := h.engine.AddObserver(appsync.ObserverFunc(func(_, to appsync.State, _ error) {
		if to == appsync.StateCalc {
			close(entered)
			<-release
		}
	}))
	defer remove()

	ctx := context.Background()
	if err := h.engine.BeginBackup(ctx); err != nil {
		t.Fatalf("BeginBackup: %v", err)
	}
	<-entered

	if err := h.engine.BeginBackup(ctx); !errors.Is(err, appsync.ErrAlreadyRunning) {
		t.Errorf("second BeginBackup = %v, want ErrAlreadyRunning", err)
	}
	if err := h.engine.BeginRestore(ctx); !errors.Is(err, appsync.ErrAlreadyRunning) {
		t.Errorf("BeginRestore = %v, want ErrAlreadyRunning", err)
	}

	close(release)
	if err := h.engine.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestGateReleasedOnEveryExit(t *testing.T) {
	h := newHarness(t, "wrong", "")
	testutil.SeedRecords(t, h.store, testutil.Rec(1, 100, model.TypeInbox, "a"))

	h.engine.Backup(context.Background())

	if a, r := h.gate.acquired.Load(), h.gate.released.Load(); a != 1 || r != 1 {
		t.Errorf("gate acquired %d released %d, want 1 and 1", a, r)
	}
}

func TestRunHistory(t *testing.T) {
	h := newHarness(t, testutil.IMAPPassword, "")
	testutil.SeedRecords(t, h.store,
		testutil.Rec(1, 100, model.TypeInbox, "a"),
		testutil.Rec(2, 200, model.TypeSent, "b"),
	)

	if err := h.engine.Backup(context.Background()); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	runs, err := h.store.RecentRuns(context.Background(), 5)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	run := runs[0]
	if run.Kind != appsync.KindBackup || run.State != "IDLE" || run.Records != 2 || run.FinishedAt == nil {
		t.Errorf("run = %+v", run)
	}
}

func TestRemovedObserverIsNotCalled(t *testing.T) {
	h := newHarness(t, testutil.IMAPPassword, "")

	var calls atomic.Int32
	remove := h.engine.AddObserver(appsync.ObserverFunc(func(appsync.State, appsync.State, error) {
		calls.Add(1)
	}))
	remove()

	if err := h.engine.Backup(context.Background()); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("removed observer called %d times", n)
	}
	if got := len(h.trans.list()); got != 2 {
		t.Errorf("remaining observer saw %d transitions, want 2", got)
	}
}

func TestRestoreSkipsLocalRecords(t *testing.T) {
	h := newHarness(t, testutil.IMAPPassword, "max_synced_date: 42\n")
	testutil.CreateMailbox(t, h.addr, "SMS")

	ser := &message.Serializer{}
	for _, rec := range []model.Record{
		testutil.Rec(10, 1000, model.TypeInbox, "remote ten"),
		testutil.Rec(11, 1100, model.TypeSent, "remote eleven"),
		testutil.Rec(11, 1100, model.TypeSent, "remote eleven"),
	} {
		raw, err := ser.Serialize(rec, testutil.IMAPUser)
		if err != nil {
			t.Fatal(err)
		}
		testutil.AppendRaw(t, h.addr, "SMS", raw)
	}
	testutil.AppendRaw(t, h.addr, "SMS", []byte("From: a@example.com\r\nSubject: not ours\r\n\r\nhello\r\n"))

	testutil.SeedRecords(t, h.store, testutil.Rec(10, 1000, model.TypeInbox, "local ten"))

	if err := h.engine.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	want := []string{"IDLE>LOGIN", "LOGIN>RESTORE", "RESTORE>IDLE"}
	if diff := cmp.Diff(want, h.trans.list()); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
	if got := h.prefs.MaxSyncedDate(); got != 42 {
		t.Errorf("cursor = %d, want 42", got)
	}

	ctx := context.Background()
	it, err := h.store.QueryNewer(ctx, model.NoCursor, 0, store.RecordFilter{})
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	var got []model.Record
	for it.Next() {
		got = append(got, it.Record())
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}

	if len(got) != 2 {
		t.Fatalf("store has %d records, want 2", len(got))
	}
	if got[0].ID != 10 || got[0].Body != "local ten" {
		t.Errorf("local record overwritten: %+v", got[0])
	}
	if got[1].ID != 11 || got[1].Body != "remote eleven" || got[1].Type != model.TypeSent {
		t.Errorf("restored record = %+v", got[1])
	}
}

func TestRestoreWrongPassword(t *testing.T) {
	h := newHarness(t, "wrong", "")

	err := h.engine.Restore(context.Background())

	var authErr *appsync.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthenticationError", err)
	}
	if h.engine.State() != appsync.StateAuthFailed {
		t.Errorf("State = %v, want AUTH_FAILED", h.engine.State())
	}
}

func TestStateStrings(t *testing.T) {
	tests := []struct {
		state    appsync.State
		want     string
		terminal bool
	}{
		{appsync.StateIdle, "IDLE", false},
		{appsync.StateCalc, "CALC", false},
		{appsync.StateLogin, "LOGIN", false},
		{appsync.StateSync, "SYNC", false},
		{appsync.StateRestore, "RESTORE", false},
		{appsync.StateAuthFailed, "AUTH_FAILED", true},
		{appsync.StateGeneralError, "GENERAL_ERROR", true},
		{appsync.StateCanceled, "CANCELED", true},
		{appsync.State(99), "UNKNOWN", false},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.want, got, tt.terminal)
		}
	}
}

func TestObserverCanBeginNextRun(t *testing.T) {
	h := newHarness(t, testutil.IMAPPassword, "")
	testutil.SeedRecords(t, h.store, testutil.Rec(1, 100, model.TypeInbox, "a"))

	type begun struct {
		state appsync.State
		err   error
	}
	got := make(chan begun, 1)
	var once gosync.Once
	remove := h.engine.AddObserver(appsync.ObserverFunc(func(from, to appsync.State, _ error) {
		if from == appsync.StateSync && to == appsync.StateIdle {
			once.Do(func() {
				got <- begun{h.engine.State(), h.engine.BeginRestore(context.Background())}
			})
		}
	}))
	defer remove()

	if err := h.engine.Backup(context.Background()); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	b := <-got
	if b.state != appsync.StateIdle {
		t.Errorf("State seen by observer = %v, want IDLE", b.state)
	}
	if b.err != nil {
		t.Fatalf("BeginRestore from observer: %v", b.err)
	}
	if err := h.engine.Wait(); err != nil {
		t.Fatalf("Wait for restore: %v", err)
	}

	want := []string{
		"IDLE>CALC", "CALC>LOGIN", "LOGIN>SYNC", "SYNC>IDLE",
		"IDLE>LOGIN", "LOGIN>RESTORE", "RESTORE>IDLE",
	}
	if diff := cmp.Diff(want, h.trans.list()); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
}

func TestBackupSkipsUnserializableRecord(t *testing.T) {
	h := newHarness(t, testutil.IMAPPassword, "")
	testutil.SeedRecords(t, h.store,
		testutil.Rec(1, 100, model.TypeInbox, "a"),
		testutil.Rec(2, 200, model.TypeInbox, "\xff\xfe"),
		testutil.Rec(3, 300, model.TypeSent, "c"),
	)

	if err := h.engine.Backup(context.Background()); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	if diff := cmp.Diff([]int64{1, 3}, h.folderIDs(t)); diff != "" {
		t.Errorf("folder ids mismatch (-want +got):\n%s", diff)
	}
	if got := h.prefs.MaxSyncedDate(); got != 300 {
		t.Errorf("cursor = %d, want 300", got)
	}
}

func TestBackupBatchWithoutSerializableRecords(t *testing.T) {
	h := newHarness(t, testutil.IMAPPassword, "")
	testutil.SeedRecords(t, h.store,
		testutil.Rec(1, 100, model.TypeInbox, "\xff"),
		testutil.Rec(2, 200, model.TypeSent, "\xfe\xff"),
	)

	err := h.engine.Backup(context.Background())

	var gerr *appsync.GeneralError
	if !errors.As(err, &gerr) {
		t.Fatalf("err = %v, want GeneralError", err)
	}
	if h.engine.State() != appsync.StateGeneralError {
		t.Errorf("State = %v, want GENERAL_ERROR", h.engine.State())
	}
	if got := h.prefs.MaxSyncedDate(); got != model.NoCursor {
		t.Errorf("cursor = %d, want %d", got, model.NoCursor)
	}
	if ids := h.folderIDs(t); len(ids) != 0 {
		t.Errorf("folder holds %v, want nothing", ids)
	}
}

// fakeSession acknowledges appends until the failOn-th call.
type fakeSession struct {
	mu       gosync.Mutex
	failOn   int
	calls    int
	appended [][]mailbox.Message
	closed   bool
}

func (s *fakeSession) EnsureFolder(context.Context, string) error { return nil }

func (s *fakeSession) Append(_ context.Context, msgs []mailbox.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls == s.failOn {
		return errors.New("connection reset by peer")
	}
	s.appended = append(s.appended, msgs)
	return nil
}

func (s *fakeSession) FetchHeaders(context.Context) ([]mailbox.Fetched, error) { return nil, nil }

func (s *fakeSession) FetchMessages(context.Context, []uint32) ([]mailbox.Fetched, error) {
	return nil, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeDialer struct {
	sess *fakeSession
}

func (d fakeDialer) Open(context.Context, string) (appsync.Session, error) {
	return d.sess, nil
}

func TestBackupAppendFailureKeepsAcknowledgedCursor(t *testing.T) {
	sess := &fakeSession{failOn: 2}
	h := newHarness(t, testutil.IMAPPassword, "batch_size: 2\n", func(cfg *appsync.Config) {
		cfg.Dialer = fakeDialer{sess: sess}
	})
	testutil.SeedRecords(t, h.store,
		testutil.Rec(1, 100, model.TypeInbox, "a"),
		testutil.Rec(2, 200, model.TypeInbox, "b"),
		testutil.Rec(3, 300, model.TypeInbox, "c"),
		testutil.Rec(4, 400, model.TypeInbox, "d"),
		testutil.Rec(5, 500, model.TypeInbox, "e"),
	)

	err := h.engine.Backup(context.Background())

	var gerr *appsync.GeneralError
	if !errors.As(err, &gerr) {
		t.Fatalf("err = %v, want GeneralError", err)
	}
	if h.engine.State() != appsync.StateGeneralError {
		t.Errorf("State = %v, want GENERAL_ERROR", h.engine.State())
	}
	if got := h.prefs.MaxSyncedDate(); got != 200 {
		t.Errorf("cursor = %d, want 200 (last acknowledged batch)", got)
	}
	if len(sess.appended) != 1 || len(sess.appended[0]) != 2 {
		t.Errorf("acknowledged batches = %d, want one batch of 2", len(sess.appended))
	}
	if !sess.closed {
		t.Error("session not closed after failure")
	}
	if a, r := h.gate.acquired.Load(), h.gate.released.Load(); a != r {
		t.Errorf("gate acquired %d times, released %d", a, r)
	}

	// The next run resumes after the acknowledged batch.
	sess.failOn = 0
	if err := h.engine.Backup(context.Background()); err != nil {
		t.Fatalf("second Backup: %v", err)
	}
	if got := h.prefs.MaxSyncedDate(); got != 500 {
		t.Errorf("cursor after resume = %d, want 500", got)
	}
}
