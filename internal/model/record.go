package model

import (
	"fmt"
	"time"
)

// RecordType is the numeric message box tag used by the device message
// provider. The values are persisted both locally and in the
// X-smssync-type header, so they must never be renumbered.
type RecordType int

const (
	TypeInbox  RecordType = 1
	TypeSent   RecordType = 2
	TypeDraft  RecordType = 3
	TypeOutbox RecordType = 4
	TypeFailed RecordType = 5
	TypeQueued RecordType = 6
)

// String returns the lowercase name of the type.
func (t RecordType) String() string {
	switch t {
	case TypeInbox:
		return "inbox"
	case TypeSent:
		return "sent"
	case TypeDraft:
		return "draft"
	case TypeOutbox:
		return "outbox"
	case TypeFailed:
		return "failed"
	case TypeQueued:
		return "queued"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Valid reports whether t is one of the known message box tags.
func (t RecordType) Valid() bool {
	return t >= TypeInbox && t <= TypeQueued
}

// Incoming reports whether the record was received by the user, which
// decides the direction of the From/To headers.
func (t RecordType) Incoming() bool {
	return t == TypeInbox
}

// NoCursor is the cursor value meaning that nothing has been backed up yet.
const NoCursor int64 = -1

// Record is one short message as stored on the device.
type Record struct {
	// ID is the provider row id. It is the deduplication key on restore.
	ID int64 `db:"_id"`

	// ThreadID groups messages of one conversation. Zero if unknown.
	ThreadID int64 `db:"thread_id"`

	// Address is the peer phone number or short code.
	Address string `db:"address"`

	// Date is the message time in milliseconds since the Unix epoch.
	Date int64 `db:"date"`

	Type RecordType `db:"type"`
	Body string     `db:"body"`
	Read bool       `db:"read"`

	// Status is the provider delivery status, -1 when none.
	Status int `db:"status"`
}

// Time returns Date as a time.Time in UTC.
func (r Record) Time() time.Time {
	return time.UnixMilli(r.Date).UTC()
}

// Validate checks the invariants every stored record must satisfy.
func (r Record) Validate() error {
	if r.Date < 0 {
		return fmt.Errorf("record %d: negative timestamp %d", r.ID, r.Date)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("record %d: unknown type %d", r.ID, int(r.Type))
	}
	return nil
}

// ContactGroups selects which peers are eligible for backup.
type ContactGroups string

const (
	GroupsEverybody ContactGroups = "everybody"
	GroupsFavorites ContactGroups = "favorites"
	GroupsCustom    ContactGroups = "custom"
)

// Valid reports whether g is a known selection.
func (g ContactGroups) Valid() bool {
	switch g {
	case GroupsEverybody, GroupsFavorites, GroupsCustom:
		return true
	}
	return false
}

// Contact is a local address book entry used for group filtering.
type Contact struct {
	Address string `db:"address"`
	Name    string `db:"name"`
	Starred bool   `db:"starred"`
	Group   string `db:"group_name"`
}

// Run is one finished or in-progress backup or restore, as kept in the
// local run history.
type Run struct {
	ID         string     `db:"id"`
	Kind       string     `db:"kind"`
	State      string     `db:"state"`
	StartedAt  time.Time  `db:"started_at"`
	FinishedAt *time.Time `db:"finished_at"`
	Records    int        `db:"records"`
	Error      string     `db:"error"`
}
