package testutil

import (
	"context"
	"testing"

	"github.com/nhle/sms-backup/internal/model"
	"github.com/nhle/sms-backup/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// SeedRecords inserts recs into s, failing the test on error.
func SeedRecords(t *testing.T, s store.Store, recs ...model.Record) {
	t.Helper()

	if err := s.InsertRecords(context.Background(), recs); err != nil {
		t.Fatalf("seeding records: %v", err)
	}
}

// Rec builds a record with sensible defaults for the fields tests rarely
// care about.
func Rec(id, date int64, typ model.RecordType, body string) model.Record {
	return model.Record{
		ID:       id,
		ThreadID: 1,
		Address:  "+15551234567",
		Date:     date,
		Type:     typ,
		Body:     body,
		Status:   -1,
	}
}
