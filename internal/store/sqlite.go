package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/sms-backup/internal/model"
)

const recordColumns = "_id, thread_id, address, date, type, body, read, status"

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// newerClause builds the WHERE clause shared by QueryNewer and CountNewer.
func newerClause(after int64, filter RecordFilter) (string, []interface{}) {
	conditions := []string{"type <> ?", "date > ?"}
	args := []interface{}{int(model.TypeDraft), after}

	switch filter.Groups {
	case model.GroupsFavorites:
		conditions = append(conditions,
			"address IN (SELECT address FROM contacts WHERE starred = 1)")
	case model.GroupsCustom:
		conditions = append(conditions,
			"address IN (SELECT address FROM contacts WHERE group_name = ?)")
		args = append(args, filter.GroupName)
	}

	return strings.Join(conditions, " AND "), args
}

// QueryNewer returns an iterator over the next batch of backup candidates.
// The caller must Close the iterator.
func (s *SQLiteStore) QueryNewer(
	ctx context.Context,
	after int64,
	limit int,
	filter RecordFilter,
) (*RecordIterator, error) {
	where, args := newerClause(after, filter)
	query := "SELECT " + recordColumns + " FROM sms WHERE " + where

	if limit > 0 {
		// Find the date of the limit-th candidate and cut the batch after
		// the last record carrying that date.
		boundaryArgs := append(append([]interface{}{}, args...), limit-1)

		var boundary int64
		err := s.db.GetContext(ctx, &boundary,
			"SELECT date FROM sms WHERE "+where+" ORDER BY date, _id LIMIT 1 OFFSET ?",
			boundaryArgs...,
		)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// Fewer than limit candidates remain; take them all.
		case err != nil:
			return nil, fmt.Errorf("finding batch boundary: %w", err)
		default:
			query += " AND date <= ?"
			args = append(args, boundary)
		}
	}

	query += " ORDER BY date, _id"

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records newer than %d: %w", after, err)
	}

	return &RecordIterator{rows: rows}, nil
}

// CountNewer returns the number of backup candidates with date > after.
func (s *SQLiteStore) CountNewer(
	ctx context.Context,
	after int64,
	filter RecordFilter,
) (int, error) {
	where, args := newerClause(after, filter)

	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM sms WHERE "+where, args...); err != nil {
		return 0, fmt.Errorf("counting records newer than %d: %w", after, err)
	}
	return n, nil
}

// MaxTimestamp returns the date of the newest non-draft record.
func (s *SQLiteStore) MaxTimestamp(ctx context.Context) (int64, error) {
	var ts int64
	err := s.db.GetContext(ctx, &ts,
		"SELECT COALESCE(MAX(date), ?) FROM sms WHERE type <> ?",
		model.NoCursor, int(model.TypeDraft),
	)
	if err != nil {
		return model.NoCursor, fmt.Errorf("reading max timestamp: %w", err)
	}
	return ts, nil
}

// Exists reports whether a record with the given provider id is stored.
func (s *SQLiteStore) Exists(ctx context.Context, id int64) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM sms WHERE _id = ?", id); err != nil {
		return false, fmt.Errorf("checking record %d: %w", id, err)
	}
	return n > 0, nil
}

// InsertIfAbsent stores rec unless a record with the same id exists.
// An existing record is never overwritten.
func (s *SQLiteStore) InsertIfAbsent(
	ctx context.Context,
	rec model.Record,
) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO sms ("+recordColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		rec.ID, rec.ThreadID, rec.Address, rec.Date,
		int(rec.Type), rec.Body, boolToInt(rec.Read), rec.Status,
	)
	if err != nil {
		return false, fmt.Errorf("inserting record %d: %w", rec.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inserting record %d: %w", rec.ID, err)
	}
	return n > 0, nil
}

// InsertRecords inserts or replaces a batch of records in one transaction.
func (s *SQLiteStore) InsertRecords(ctx context.Context, recs []model.Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx,
		"INSERT OR REPLACE INTO sms ("+recordColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
	)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		if err := r.Validate(); err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			r.ID, r.ThreadID, r.Address, r.Date,
			int(r.Type), r.Body, boolToInt(r.Read), r.Status,
		)
		if err != nil {
			return fmt.Errorf("inserting record %d: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// UpsertContacts inserts or replaces address book entries.
func (s *SQLiteStore) UpsertContacts(
	ctx context.Context,
	contacts []model.Contact,
) error {
	if len(contacts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT OR REPLACE INTO contacts (address, name, starred, group_name)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing contact statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range contacts {
		if _, err := stmt.ExecContext(ctx,
			c.Address, c.Name, boolToInt(c.Starred), c.Group,
		); err != nil {
			return fmt.Errorf("upserting contact %s: %w", c.Address, err)
		}
	}

	return tx.Commit()
}

// StartRun records the start of a backup or restore and returns its id.
func (s *SQLiteStore) StartRun(ctx context.Context, kind string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating run id: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO sync_runs (id, kind, started_at) VALUES (?, ?, ?)",
		id.String(), kind, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("starting %s run: %w", kind, err)
	}

	return id.String(), nil
}

// FinishRun stores the outcome of a run started with StartRun.
func (s *SQLiteStore) FinishRun(
	ctx context.Context,
	id, state string,
	records int,
	runErr error,
) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET state = ?, finished_at = ?, records = ?, error = ?
		WHERE id = ?`,
		state, time.Now().UTC(), records, msg, id,
	)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", id, err)
	}
	return nil
}

// RecentRuns returns the newest runs first.
func (s *SQLiteStore) RecentRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 10
	}

	var runs []model.Run
	err := s.db.SelectContext(ctx, &runs,
		"SELECT * FROM sync_runs ORDER BY started_at DESC, id DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent runs: %w", err)
	}
	return runs, nil
}

// RecordIterator is a lazy cursor over record rows.
type RecordIterator struct {
	rows *sqlx.Rows
	cur  model.Record
	err  error
}

// Next advances to the next record. It returns false at the end of the
// result set or on error; check Err afterwards.
func (it *RecordIterator) Next() bool {
	if it.rows == nil || it.err != nil {
		return false
	}
	if !it.rows.Next() {
		it.err = it.rows.Err()
		return false
	}

	var rec model.Record
	if err := it.rows.StructScan(&rec); err != nil {
		it.err = fmt.Errorf("scanning record row: %w", err)
		return false
	}
	it.cur = rec
	return true
}

// Record returns the record at the current position.
func (it *RecordIterator) Record() model.Record {
	return it.cur
}

// Err returns the first error met while iterating.
func (it *RecordIterator) Err() error {
	return it.err
}

// Close releases the underlying rows. It is safe to call more than once.
func (it *RecordIterator) Close() error {
	if it.rows == nil {
		return nil
	}
	err := it.rows.Close()
	it.rows = nil
	return err
}

// boolToInt converts a Go bool to an SQLite integer (0 or 1).
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
