// Package verifier confirms that uploaded bundles actually became
// retrievable from the storage network, and self-heals the chain by
// re-queuing any entity whose bundle never seeded within its timeout.
package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/permachain/attest-writer/internal/platform/storage"
)

// Gateway is the subset of the uploader's transport the verifier needs to
// poll seeding status.
type Gateway interface {
	Status(ctx context.Context, txID string) (seeded bool, err error)
}

// Alerter notifies an external channel of an operational event. Satisfied
// by internal/alert's Alerter.
type Alerter interface {
	Alert(ctx context.Context, title, detail, severity string, fields map[string]string) error
}

// Config tunes the verifier's grace period and timeout.
type Config struct {
	GracePeriod time.Duration // SEED_GRACE_PERIOD: skip bundles younger than this
	Timeout     time.Duration // SEED_TIMEOUT: age at which an unconfirmed bundle is abandoned
	BatchSize   int
}

// DefaultConfig mirrors the example magnitudes from the component design.
func DefaultConfig() Config {
	return Config{
		GracePeriod: 10 * time.Minute,
		Timeout:     30 * time.Minute,
		BatchSize:   50,
	}
}

// Verifier polls tracked bundles for on-network confirmation.
type Verifier struct {
	bundles *storage.TrackedBundleStore
	queue   *storage.QueueStore
	gw      Gateway
	alerter Alerter
	cfg     Config
	logger  *slog.Logger
}

// New returns a Verifier. alerter may be nil, in which case seeding
// failures are only logged.
func New(bundles *storage.TrackedBundleStore, queue *storage.QueueStore, gw Gateway, alerter Alerter, cfg Config, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{bundles: bundles, queue: queue, gw: gw, alerter: alerter, cfg: cfg, logger: logger.With("component", "verifier")}
}

// Outcome summarizes what CheckOnce did, for the admin dashboard feed.
type Outcome struct {
	Checked  int
	Verified int
	Pending  int
	Failed   int
	Requeued int
}

// CheckOnce runs a single sweep over bundles awaiting seeding confirmation.
func (v *Verifier) CheckOnce(ctx context.Context) (Outcome, error) {
	due, err := v.bundles.PendingDueForCheck(ctx, v.cfg.BatchSize)
	if err != nil {
		return Outcome{}, fmt.Errorf("verifier: list pending bundles: %w", err)
	}

	var out Outcome
	for _, b := range due {
		age := time.Since(b.UploadedAt)
		if age < v.cfg.GracePeriod {
			continue
		}
		out.Checked++

		seeded, err := v.gw.Status(ctx, b.BundleTX)
		if err != nil {
			v.logger.Warn("status check failed", "bundle_tx", b.BundleTX, "err", err)
			continue
		}

		if seeded {
			if err := v.bundles.MarkVerified(ctx, b.ID); err != nil {
				return out, fmt.Errorf("verifier: mark bundle %d verified: %w", b.ID, err)
			}
			out.Verified++
			continue
		}

		if age < v.cfg.Timeout {
			if err := v.bundles.IncrementCheckCount(ctx, b.ID); err != nil {
				return out, fmt.Errorf("verifier: increment check count for bundle %d: %w", b.ID, err)
			}
			out.Pending++
			continue
		}

		requeued, err := v.failAndRequeue(ctx, b)
		if err != nil {
			return out, err
		}
		out.Failed++
		out.Requeued += requeued
	}

	return out, nil
}

// failAndRequeue marks a bundle failed and re-inserts every one of its
// entity/content pairs as a fresh pending queue row, deduplicated, so the
// next signing tick re-chains and re-uploads them. It returns the number of
// distinct pairs re-queued.
func (v *Verifier) failAndRequeue(ctx context.Context, b storage.TrackedBundle) (int, error) {
	if err := v.bundles.MarkFailed(ctx, b.ID); err != nil {
		return 0, fmt.Errorf("verifier: mark bundle %d failed: %w", b.ID, err)
	}

	seen := make(map[string]bool, len(b.Items))
	now := time.Now()
	for _, item := range b.Items {
		key := item.EntityID + "\x00" + item.CID
		if seen[key] {
			continue
		}
		seen[key] = true

		if _, err := v.queue.Enqueue(ctx, storage.QueueEntry{
			EntityID: item.EntityID,
			CID:      item.CID,
			Op:       storage.OpUpdate,
			Vis:      storage.VisibilityPublic,
			TS:       now,
		}); err != nil {
			return 0, fmt.Errorf("verifier: requeue entity %s: %w", item.EntityID, err)
		}
	}

	v.logger.Error("bundle failed to seed within timeout, re-queued", "bundle_tx", b.BundleTX, "items", len(seen))

	if v.alerter != nil {
		fields := map[string]string{"bundle_tx": b.BundleTX, "item_count": fmt.Sprintf("%d", len(b.Items))}
		if err := v.alerter.Alert(ctx, "seeding timeout", fmt.Sprintf("bundle %s did not seed within %s", b.BundleTX, v.cfg.Timeout), "critical", fields); err != nil {
			v.logger.Warn("alert delivery failed", "err", err)
		}
	}

	return len(seen), nil
}

// PruneVerified deletes verified/failed tracked bundles older than
// retention, keeping the table bounded.
func (v *Verifier) PruneVerified(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := v.bundles.PruneOlderThan(ctx, retention)
	if err != nil {
		return 0, fmt.Errorf("verifier: prune tracked bundles: %w", err)
	}
	return n, nil
}
