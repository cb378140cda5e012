package sync

import (
	"context"

	"github.com/nhle/sms-backup/internal/message"
	"github.com/nhle/sms-backup/internal/metrics"
)

// restore copies backed-up messages from the folder into the local store.
// Records already present locally are left alone and the backup cursor is
// never touched.
func (e *Engine) restore(ctx context.Context) (int, error) {
	sess, folder, err := e.login(ctx)
	if err != nil {
		return 0, e.fail(ctx, nil, err)
	}

	e.transition(StateRestore, nil)

	if err := e.checkCanceled(ctx); err != nil {
		return 0, e.fail(ctx, sess, err)
	}
	if err := sess.EnsureFolder(ctx, folder); err != nil {
		return 0, e.fail(ctx, sess, general("opening folder "+folder, err))
	}

	uids, err := e.restoreCandidates(ctx, sess)
	if err != nil {
		return 0, e.fail(ctx, sess, err)
	}

	e.log.Info().Int("pending", len(uids)).Msg("restore calculated")

	size := e.batchSize()
	inserted := 0

	for start := 0; start < len(uids); start += size {
		if err := e.checkCanceled(ctx); err != nil {
			return inserted, e.fail(ctx, sess, err)
		}

		chunk := uids[start:min(start+size, len(uids))]
		fetched, err := sess.FetchMessages(ctx, chunk)
		if err != nil {
			return inserted, e.fail(ctx, sess, general("fetching messages", err))
		}

		n := 0
		for _, f := range fetched {
			rec, err := message.Parse(f.Raw)
			if err != nil {
				e.log.Warn().Err(err).Uint32("uid", f.UID).Msg("skipping message")
				metrics.RecordSkipped()
				continue
			}

			ok, err := e.records.InsertIfAbsent(ctx, rec)
			if err != nil {
				return inserted, e.fail(ctx, sess, general("storing restored record", err))
			}
			if ok {
				n++
			}
		}

		inserted += n
		metrics.RecordsDone(KindRestore, n)
		e.progress(inserted, len(uids))
	}

	return inserted, e.finish(sess, StateIdle, nil)
}

// restoreCandidates reads every header in the folder and returns the UIDs
// of backup messages whose record id is not stored locally yet. A record
// found more than once in the folder is taken once.
func (e *Engine) restoreCandidates(ctx context.Context, sess Session) ([]uint32, error) {
	headers, err := sess.FetchHeaders(ctx)
	if err != nil {
		return nil, general("fetching headers", err)
	}

	limit := e.prefs.MaxItemsPerRestore()
	seen := make(map[int64]bool, len(headers))
	var uids []uint32

	for _, h := range headers {
		if limit > 0 && len(uids) >= limit {
			break
		}

		id, err := message.ParseID(h.Raw)
		if err != nil {
			e.log.Debug().Err(err).Uint32("uid", h.UID).Msg("ignoring message")
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		exists, err := e.records.Exists(ctx, id)
		if err != nil {
			return nil, general("checking local records", err)
		}
		if !exists {
			uids = append(uids, h.UID)
		}
	}

	return uids, nil
}
