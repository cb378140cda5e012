package store

import (
	"context"

	"github.com/nhle/sms-backup/internal/model"
)

// RecordFilter restricts record queries to the peers selected by the
// backup_contact_groups preference.
type RecordFilter struct {
	Groups    model.ContactGroups
	GroupName string // used when Groups is GroupsCustom
}

// Store defines the persistence interface for message records, the
// contact list used for group filtering, and the run history.
type Store interface {
	// === Records ===

	// QueryNewer returns non-draft records with date > after, ascending by
	// (date, _id). A positive limit bounds the batch, but a batch never ends
	// in the middle of a group of records sharing one timestamp.
	QueryNewer(
		ctx context.Context,
		after int64,
		limit int,
		filter RecordFilter,
	) (*RecordIterator, error)
	CountNewer(ctx context.Context, after int64, filter RecordFilter) (int, error)

	// MaxTimestamp returns the newest non-draft date, or model.NoCursor
	// when there is none.
	MaxTimestamp(ctx context.Context) (int64, error)

	Exists(ctx context.Context, id int64) (bool, error)
	InsertIfAbsent(ctx context.Context, rec model.Record) (bool, error)
	InsertRecords(ctx context.Context, recs []model.Record) error

	// === Contacts ===

	UpsertContacts(ctx context.Context, contacts []model.Contact) error

	// === Run history ===

	StartRun(ctx context.Context, kind string) (string, error)
	FinishRun(ctx context.Context, id, state string, records int, runErr error) error
	RecentRuns(ctx context.Context, limit int) ([]model.Run, error)

	Close() error
}
