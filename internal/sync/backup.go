package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/nhle/sms-backup/internal/mailbox"
	"github.com/nhle/sms-backup/internal/metrics"
	"github.com/nhle/sms-backup/internal/model"
)

// backup uploads every candidate newer than the cursor, oldest first, in
// batches. The cursor moves only after the server acknowledged a batch.
func (e *Engine) backup(ctx context.Context) (int, error) {
	e.transition(StateCalc, nil)
	e.guard.Acquire()

	if err := e.checkCanceled(ctx); err != nil {
		return 0, e.fail(ctx, nil, err)
	}

	cursor := e.prefs.MaxSyncedDate()
	filter := e.filter()
	limit := e.prefs.MaxItemsPerSync()

	total, err := e.records.CountNewer(ctx, cursor, filter)
	if err != nil {
		return 0, e.fail(ctx, nil, general("counting records", err))
	}
	if limit > 0 && total > limit {
		total = limit
	}

	e.log.Info().Int64("cursor", cursor).Int("pending", total).Msg("backup calculated")

	if total == 0 {
		return 0, e.finish(nil, StateIdle, nil)
	}

	sess, folder, err := e.login(ctx)
	if err != nil {
		return 0, e.fail(ctx, nil, err)
	}

	e.transition(StateSync, nil)

	if err := e.checkCanceled(ctx); err != nil {
		return 0, e.fail(ctx, sess, err)
	}
	if err := sess.EnsureFolder(ctx, folder); err != nil {
		return 0, e.fail(ctx, sess, general("opening folder "+folder, err))
	}

	self := e.prefs.LoginUser()
	size := e.batchSize()
	sent := 0

	for limit <= 0 || sent < limit {
		if err := e.checkCanceled(ctx); err != nil {
			return sent, e.fail(ctx, sess, err)
		}

		n := size
		if limit > 0 {
			n = min(n, limit-sent)
		}

		batch, err := e.nextBatch(ctx, cursor, n)
		if err != nil {
			return sent, e.fail(ctx, sess, general("reading records", err))
		}
		if len(batch) == 0 {
			break
		}

		msgs, batchMax := e.serializeBatch(batch, self)
		if len(msgs) == 0 {
			return sent, e.fail(ctx, sess, general("serializing batch",
				fmt.Errorf("none of %d records could be serialized", len(batch))))
		}

		if err := e.checkCanceled(ctx); err != nil {
			return sent, e.fail(ctx, sess, err)
		}

		start := time.Now()
		if err := sess.Append(ctx, msgs); err != nil {
			return sent, e.fail(ctx, sess, general("appending batch", err))
		}
		metrics.BatchAppended(time.Since(start))

		if err := e.prefs.SetMaxSyncedDate(batchMax); err != nil {
			return sent, e.fail(ctx, sess, general("saving cursor", err))
		}
		cursor = batchMax
		sent += len(msgs)

		metrics.CursorAdvanced(cursor)
		metrics.RecordsDone(KindBackup, len(msgs))
		e.log.Debug().Int("batch", len(msgs)).Int64("cursor", cursor).Msg("batch appended")
		e.progress(sent, total)
	}

	return sent, e.finish(sess, StateIdle, nil)
}

// nextBatch reads the next batch fully and closes the iterator before
// returning, so no query stays open across network operations.
func (e *Engine) nextBatch(ctx context.Context, after int64, limit int) ([]model.Record, error) {
	it, err := e.records.QueryNewer(ctx, after, limit, e.filter())
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var batch []model.Record
	for it.Next() {
		batch = append(batch, it.Record())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return batch, nil
}

// serializeBatch converts batch to messages, skipping records that cannot
// be serialized. batchMax is the largest date in batch, skipped records
// included, so a bad record is not retried forever.
func (e *Engine) serializeBatch(batch []model.Record, self string) ([]mailbox.Message, int64) {
	msgs := make([]mailbox.Message, 0, len(batch))
	batchMax := model.NoCursor

	for _, rec := range batch {
		batchMax = max(batchMax, rec.Date)

		if rec.Type == model.TypeDraft {
			continue
		}

		raw, err := e.serializer.Serialize(rec, self)
		if err != nil {
			e.log.Warn().Err(err).Int64("id", rec.ID).Msg("skipping record")
			metrics.RecordSkipped()
			continue
		}

		msgs = append(msgs, mailbox.Message{
			Raw:  raw,
			Date: rec.Time(),
			Seen: rec.Read,
		})
	}

	return msgs, batchMax
}
