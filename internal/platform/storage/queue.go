package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a lookup by id or key matches no row.
var ErrNotFound = errors.New("storage: not found")

// signingChunkSize caps how many ids go into a single UPDATE or DELETE
// statement. In FetchPending every chunk runs inside the same transaction, so
// the row locks taken by its SELECT are held until that transaction commits.
const signingChunkSize = 50

// QueueStore manages the pending-attestation queue's state machine:
// pending -> signing -> uploading -> (deleted on success | failed | pending on retry).
type QueueStore struct {
	db *DB
}

// NewQueueStore returns a QueueStore backed by db.
func NewQueueStore(db *DB) *QueueStore {
	return &QueueStore{db: db}
}

// Enqueue inserts a new pending queue entry for an entity's content change.
// Re-submitting an (entity_id, cid) pair already queued is a no-op: the
// existing row's id is returned instead of inserting a duplicate.
func (s *QueueStore) Enqueue(ctx context.Context, e QueueEntry) (int64, error) {
	const sql = `
		INSERT INTO attestation_queue (entity_id, cid, op, vis, ts, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		ON CONFLICT (entity_id, cid) DO NOTHING
		RETURNING id
	`
	var id int64
	err := s.db.pool.QueryRow(ctx, sql, e.EntityID, e.CID, e.Op, e.Vis, e.TS).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		const existingSQL = `SELECT id FROM attestation_queue WHERE entity_id = $1 AND cid = $2`
		if err := s.db.pool.QueryRow(ctx, existingSQL, e.EntityID, e.CID).Scan(&id); err != nil {
			return 0, fmt.Errorf("enqueue: fetch existing row after conflict: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// FetchPending claims up to limit pending rows, transitioning them to
// signing within a single locking transaction so two schedulers never sign
// the same row. Rows are returned in submission order (ts, id).
func (s *QueueStore) FetchPending(ctx context.Context, limit int) ([]QueueEntry, error) {
	var claimed []QueueEntry

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		selectSQL := `
			SELECT id, entity_id, cid, op, vis, ts, status, retry_count, error_message, created_at, updated_at
			FROM attestation_queue
			WHERE status = 'pending'
			ORDER BY ts, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`
		rows, err := tx.Query(ctx, selectSQL, limit)
		if err != nil {
			return fmt.Errorf("select pending: %w", err)
		}

		var ids []int64
		for rows.Next() {
			var e QueueEntry
			if err := rows.Scan(&e.ID, &e.EntityID, &e.CID, &e.Op, &e.Vis, &e.TS,
				&e.Status, &e.RetryCount, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan pending: %w", err)
			}
			ids = append(ids, e.ID)
			e.Status = QueueStatusSigning
			claimed = append(claimed, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate pending: %w", err)
		}

		for i := 0; i < len(ids); i += signingChunkSize {
			end := i + signingChunkSize
			if end > len(ids) {
				end = len(ids)
			}
			updateSQL := `
				UPDATE attestation_queue
				SET status = 'signing', updated_at = NOW()
				WHERE id = ANY($1)
			`
			if _, err := tx.Exec(ctx, updateSQL, ids[i:end]); err != nil {
				return fmt.Errorf("mark signing: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// MarkUploading transitions the given rows from signing to uploading once
// their records have been signed and are about to be submitted.
func (s *QueueStore) MarkUploading(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	const sql = `
		UPDATE attestation_queue
		SET status = 'uploading', updated_at = NOW()
		WHERE id = ANY($1)
	`
	if _, err := s.db.pool.Exec(ctx, sql, ids); err != nil {
		return fmt.Errorf("mark uploading: %w", err)
	}
	return nil
}

// Delete removes queue rows whose records were durably confirmed, chunked so
// a single finalize call never holds a giant lock set.
func (s *QueueStore) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	for i := 0; i < len(ids); i += signingChunkSize {
		end := i + signingChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		const sql = `DELETE FROM attestation_queue WHERE id = ANY($1)`
		if _, err := s.db.pool.Exec(ctx, sql, ids[i:end]); err != nil {
			return fmt.Errorf("delete queue rows: %w", err)
		}
	}
	return nil
}

// MarkFailed records a terminal failure for the given rows, bumping their
// retry count and storing the error for operator visibility.
func (s *QueueStore) MarkFailed(ctx context.Context, ids []int64, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	const sql = `
		UPDATE attestation_queue
		SET status = 'failed', retry_count = retry_count + 1, error_message = $2, updated_at = NOW()
		WHERE id = ANY($1)
	`
	if _, err := s.db.pool.Exec(ctx, sql, ids, reason); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// RevertToPending reverts rows back to pending after a recoverable error, so
// the next scheduler tick retries them without manual intervention.
func (s *QueueStore) RevertToPending(ctx context.Context, ids []int64, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	const sql = `
		UPDATE attestation_queue
		SET status = 'pending', retry_count = retry_count + 1, error_message = $2, updated_at = NOW()
		WHERE id = ANY($1)
	`
	if _, err := s.db.pool.Exec(ctx, sql, ids, reason); err != nil {
		return fmt.Errorf("revert to pending: %w", err)
	}
	return nil
}

// RequeueNoRetry reverts rows back to pending without touching retry_count,
// for benign re-fetches (a batch deferred for not yet meeting a threshold)
// that are not failures and must not count against the retry budget.
func (s *QueueStore) RequeueNoRetry(ctx context.Context, ids []int64, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	const sql = `
		UPDATE attestation_queue
		SET status = 'pending', error_message = $2, updated_at = NOW()
		WHERE id = ANY($1)
	`
	if _, err := s.db.pool.Exec(ctx, sql, ids, reason); err != nil {
		return fmt.Errorf("requeue without retry: %w", err)
	}
	return nil
}

// ResetStuck reverts rows that have sat in signing or uploading longer than
// staleAfter back to pending, recovering from a crashed worker that claimed
// rows but never finished processing them.
func (s *QueueStore) ResetStuck(ctx context.Context, staleAfter time.Duration) (int64, error) {
	const sql = `
		UPDATE attestation_queue
		SET status = 'pending', error_message = 'reset: stuck past staleness window', updated_at = NOW()
		WHERE status IN ('signing', 'uploading')
		  AND updated_at < NOW() - $1::interval
	`
	tag, err := s.db.pool.Exec(ctx, sql, staleAfter)
	if err != nil {
		return 0, fmt.Errorf("reset stuck: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetFailedUnderLimit reverts failed rows with retry_count below maxRetries
// back to pending, giving them another chance on the next processing tick.
func (s *QueueStore) ResetFailedUnderLimit(ctx context.Context, maxRetries int32) (int64, error) {
	const sql = `
		UPDATE attestation_queue
		SET status = 'pending', updated_at = NOW()
		WHERE status = 'failed' AND retry_count < $1
	`
	tag, err := s.db.pool.Exec(ctx, sql, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("reset failed under limit: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AbandonedCount reports how many failed rows have exhausted their retry
// budget and will never be retried automatically, for the cleanup job's log
// line and the admin health endpoint.
func (s *QueueStore) AbandonedCount(ctx context.Context, maxRetries int32) (int64, error) {
	const sql = `SELECT COUNT(*) FROM attestation_queue WHERE status = 'failed' AND retry_count >= $1`
	var count int64
	if err := s.db.pool.QueryRow(ctx, sql, maxRetries).Scan(&count); err != nil {
		return 0, fmt.Errorf("count abandoned rows: %w", err)
	}
	return count, nil
}

// Get returns a single queue entry by id.
func (s *QueueStore) Get(ctx context.Context, id int64) (QueueEntry, error) {
	const sql = `
		SELECT id, entity_id, cid, op, vis, ts, status, retry_count, error_message, created_at, updated_at
		FROM attestation_queue
		WHERE id = $1
	`
	var e QueueEntry
	err := s.db.pool.QueryRow(ctx, sql, id).Scan(&e.ID, &e.EntityID, &e.CID, &e.Op, &e.Vis, &e.TS,
		&e.Status, &e.RetryCount, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return QueueEntry{}, ErrNotFound
	}
	if err != nil {
		return QueueEntry{}, fmt.Errorf("get queue entry: %w", err)
	}
	return e, nil
}

// Stats summarizes queue depth by status for the admin health endpoint.
func (s *QueueStore) Stats(ctx context.Context) (QueueStats, error) {
	const sql = `
		SELECT status, COUNT(*) FROM attestation_queue GROUP BY status
	`
	rows, err := s.db.pool.Query(ctx, sql)
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var st QueueStats
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return QueueStats{}, fmt.Errorf("scan queue stats: %w", err)
		}
		switch QueueStatus(status) {
		case QueueStatusPending:
			st.Pending = count
		case QueueStatusSigning:
			st.Signing = count
		case QueueStatusUploading:
			st.Uploading = count
		case QueueStatusFailed:
			st.Failed = count
		}
		st.Total += count
	}
	return st, rows.Err()
}
