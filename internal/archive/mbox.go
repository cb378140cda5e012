// Package archive writes records to offline mail archives.
package archive

import (
	"context"
	"fmt"
	"io"

	"github.com/emersion/go-mbox"
	"github.com/rs/zerolog"

	"github.com/nhle/sms-backup/internal/message"
	"github.com/nhle/sms-backup/internal/model"
	"github.com/nhle/sms-backup/internal/store"
)

// Source lists records for export.
type Source interface {
	QueryNewer(ctx context.Context, after int64, limit int, filter store.RecordFilter) (*store.RecordIterator, error)
}

// ExportMbox writes every non-draft record of src to w as an mbox, oldest
// first, and returns how many messages were written. Records that cannot
// be serialized are skipped. self is the user's own address.
func ExportMbox(
	ctx context.Context,
	w io.Writer,
	src Source,
	ser *message.Serializer,
	self string,
	log zerolog.Logger,
) (int, error) {
	it, err := src.QueryNewer(ctx, model.NoCursor, 0, store.RecordFilter{})
	if err != nil {
		return 0, err
	}
	defer it.Close()

	mw := mbox.NewWriter(w)
	n := 0

	for it.Next() {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		rec := it.Record()
		raw, err := ser.Serialize(rec, self)
		if err != nil {
			log.Warn().Err(err).Int64("id", rec.ID).Msg("skipping record")
			continue
		}

		msgw, err := mw.CreateMessage(ser.Sender(rec, self), rec.Time())
		if err != nil {
			return n, fmt.Errorf("creating message %d: %w", rec.ID, err)
		}
		if _, err := msgw.Write(raw); err != nil {
			return n, fmt.Errorf("writing message %d: %w", rec.ID, err)
		}
		n++
	}
	if err := it.Err(); err != nil {
		return n, err
	}

	if err := mw.Close(); err != nil {
		return n, fmt.Errorf("closing mbox: %w", err)
	}
	return n, nil
}
