// Package cleanup reclaims queue rows stuck in a processing state past
// their staleness window and resets failed rows still within their retry
// budget, so a crashed worker or a transient outage never permanently
// strands a row.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/permachain/attest-writer/internal/platform/storage"
)

// Config tunes the job's staleness and retry thresholds.
type Config struct {
	StuckThreshold time.Duration // STUCK_THRESHOLD: age at which signing/uploading rows are reclaimed
	MaxRetries     int32         // MAX_RETRIES: retry budget for failed rows
}

// DefaultConfig mirrors the example magnitude from the component design.
func DefaultConfig() Config {
	return Config{
		StuckThreshold: 10 * time.Minute,
		MaxRetries:     3,
	}
}

// Job runs the queue's cleanup transitions against a QueueStore.
type Job struct {
	queue  *storage.QueueStore
	cfg    Config
	logger *slog.Logger
}

// New returns a Job operating on queue.
func New(queue *storage.QueueStore, cfg Config, logger *slog.Logger) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{queue: queue, cfg: cfg, logger: logger.With("component", "cleanup")}
}

// Result reports what a cleanup pass reclaimed.
type Result struct {
	Reclaimed int64 // signing/uploading rows reset to pending
	Retried   int64 // failed rows under the retry budget reset to pending
	Abandoned int64 // failed rows at or past the retry budget, left in place
}

// ResetStuck reclaims rows that have sat in signing or uploading longer
// than StuckThreshold. Runs before every processing tick.
func (j *Job) ResetStuck(ctx context.Context) (Result, error) {
	n, err := j.queue.ResetStuck(ctx, j.cfg.StuckThreshold)
	if err != nil {
		return Result{}, fmt.Errorf("cleanup: reset stuck rows: %w", err)
	}
	if n > 0 {
		j.logger.Warn("reclaimed stuck queue rows", "count", n)
	}
	return Result{Reclaimed: n}, nil
}

// RetryFailed resets failed rows under the retry budget back to pending and
// logs the count of rows that have exhausted it. Runs daily.
func (j *Job) RetryFailed(ctx context.Context) (Result, error) {
	retried, err := j.queue.ResetFailedUnderLimit(ctx, j.cfg.MaxRetries)
	if err != nil {
		return Result{}, fmt.Errorf("cleanup: retry failed rows: %w", err)
	}

	abandoned, err := j.queue.AbandonedCount(ctx, j.cfg.MaxRetries)
	if err != nil {
		return Result{}, fmt.Errorf("cleanup: count abandoned rows: %w", err)
	}
	if abandoned > 0 {
		j.logger.Error("queue rows abandoned after exhausting retry budget", "count", abandoned, "max_retries", j.cfg.MaxRetries)
	}

	return Result{Retried: retried, Abandoned: abandoned}, nil
}
