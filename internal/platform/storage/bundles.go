package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// TrackedBundleStore records bundle transactions awaiting seeding
// confirmation and the items each one carries, so the verifier can re-queue
// them if the network never seeds the bundle within its timeout.
type TrackedBundleStore struct {
	db *DB
}

// NewTrackedBundleStore returns a TrackedBundleStore backed by db.
func NewTrackedBundleStore(db *DB) *TrackedBundleStore {
	return &TrackedBundleStore{db: db}
}

// Track inserts a newly uploaded bundle for seeding verification.
func (s *TrackedBundleStore) Track(ctx context.Context, bundleTX string, items []BundleItem, uploadedAt time.Time) (int64, error) {
	payload, err := json.Marshal(items)
	if err != nil {
		return 0, fmt.Errorf("marshal bundle items: %w", err)
	}

	const sql = `
		INSERT INTO tracked_bundles (bundle_tx, items, item_count, uploaded_at, status)
		VALUES ($1, $2, $3, $4, 'pending')
		RETURNING id
	`
	var id int64
	err = s.db.pool.QueryRow(ctx, sql, bundleTX, payload, len(items), uploadedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("track bundle: %w", err)
	}
	return id, nil
}

// PendingDueForCheck returns tracked bundles still in pending status, oldest
// uploaded first, for the verifier's next polling sweep.
func (s *TrackedBundleStore) PendingDueForCheck(ctx context.Context, limit int) ([]TrackedBundle, error) {
	const sql = `
		SELECT id, bundle_tx, items, item_count, uploaded_at, check_count, status, verified_at, failed_at
		FROM tracked_bundles
		WHERE status = 'pending'
		ORDER BY uploaded_at
		LIMIT $1
	`
	rows, err := s.db.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("pending bundles: %w", err)
	}
	defer rows.Close()

	var out []TrackedBundle
	for rows.Next() {
		var b TrackedBundle
		var raw []byte
		if err := rows.Scan(&b.ID, &b.BundleTX, &raw, &b.ItemCount, &b.UploadedAt,
			&b.CheckCount, &b.Status, &b.VerifiedAt, &b.FailedAt); err != nil {
			return nil, fmt.Errorf("scan tracked bundle: %w", err)
		}
		if err := json.Unmarshal(raw, &b.Items); err != nil {
			return nil, fmt.Errorf("unmarshal bundle items: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// IncrementCheckCount bumps the check counter after an unconfirmed seeding probe.
func (s *TrackedBundleStore) IncrementCheckCount(ctx context.Context, id int64) error {
	const sql = `UPDATE tracked_bundles SET check_count = check_count + 1 WHERE id = $1`
	if _, err := s.db.pool.Exec(ctx, sql, id); err != nil {
		return fmt.Errorf("increment check count: %w", err)
	}
	return nil
}

// MarkVerified records that the bundle was confirmed seeded.
func (s *TrackedBundleStore) MarkVerified(ctx context.Context, id int64) error {
	const sql = `
		UPDATE tracked_bundles SET status = 'verified', verified_at = NOW() WHERE id = $1
	`
	if _, err := s.db.pool.Exec(ctx, sql, id); err != nil {
		return fmt.Errorf("mark bundle verified: %w", err)
	}
	return nil
}

// MarkFailed records that the bundle exceeded its seeding timeout.
func (s *TrackedBundleStore) MarkFailed(ctx context.Context, id int64) error {
	const sql = `
		UPDATE tracked_bundles SET status = 'failed', failed_at = NOW() WHERE id = $1
	`
	if _, err := s.db.pool.Exec(ctx, sql, id); err != nil {
		return fmt.Errorf("mark bundle failed: %w", err)
	}
	return nil
}

// Get returns a tracked bundle by id.
func (s *TrackedBundleStore) Get(ctx context.Context, id int64) (TrackedBundle, error) {
	const sql = `
		SELECT id, bundle_tx, items, item_count, uploaded_at, check_count, status, verified_at, failed_at
		FROM tracked_bundles
		WHERE id = $1
	`
	var b TrackedBundle
	var raw []byte
	err := s.db.pool.QueryRow(ctx, sql, id).Scan(&b.ID, &b.BundleTX, &raw, &b.ItemCount, &b.UploadedAt,
		&b.CheckCount, &b.Status, &b.VerifiedAt, &b.FailedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return TrackedBundle{}, ErrNotFound
	}
	if err != nil {
		return TrackedBundle{}, fmt.Errorf("get tracked bundle: %w", err)
	}
	if err := json.Unmarshal(raw, &b.Items); err != nil {
		return TrackedBundle{}, fmt.Errorf("unmarshal bundle items: %w", err)
	}
	return b, nil
}

// BundleStats summarizes tracked bundles by status, for the admin health
// endpoint.
type BundleStats struct {
	Pending        int64
	VerifiedLast24h int64
	FailedLast24h   int64
}

// Stats reports pending bundle count and the last 24h's verified/failed
// counts.
func (s *TrackedBundleStore) Stats(ctx context.Context) (BundleStats, error) {
	const sql = `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'verified' AND verified_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE status = 'failed' AND failed_at > NOW() - INTERVAL '24 hours')
		FROM tracked_bundles
	`
	var stats BundleStats
	err := s.db.pool.QueryRow(ctx, sql).Scan(&stats.Pending, &stats.VerifiedLast24h, &stats.FailedLast24h)
	if err != nil {
		return BundleStats{}, fmt.Errorf("bundle stats: %w", err)
	}
	return stats, nil
}

// PruneOlderThan deletes verified/failed bundles older than the retention
// window, keeping the table bounded.
func (s *TrackedBundleStore) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	const sql = `
		DELETE FROM tracked_bundles
		WHERE status != 'pending' AND uploaded_at < NOW() - $1::interval
	`
	tag, err := s.db.pool.Exec(ctx, sql, age)
	if err != nil {
		return 0, fmt.Errorf("prune tracked bundles: %w", err)
	}
	return tag.RowsAffected(), nil
}
