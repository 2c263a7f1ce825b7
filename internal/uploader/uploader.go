package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/permachain/attest-writer/pkg/attestation"
)

// Outcome is the per-record result the finalizer consumes: whether the
// upload succeeded, how many attempts it took, and the transaction id it
// was assigned (valid only on success).
type Outcome struct {
	ID       string
	TxID     string
	Success  bool
	Attempts int
	Error    error
}

// Config tunes the uploader's concurrency, retry, and ghost-upload
// verification behavior.
type Config struct {
	Concurrency        int           // CONCURRENCY: direct-mode worker pool size
	MaxRetries         int           // MAX_RETRIES: per-request retry attempts
	RetryBackoffBase   time.Duration // per-attempt backoff unit: retry N waits base*2^(N-1)
	GhostCheckAttempts int           // bundle post-verification retry loop length
	GhostCheckInterval time.Duration // delay between ghost-upload status checks
}

// DefaultConfig mirrors the example magnitudes from the component design.
func DefaultConfig() Config {
	return Config{
		Concurrency:        50,
		MaxRetries:         3,
		RetryBackoffBase:   time.Second,
		GhostCheckAttempts: 5,
		GhostCheckInterval: 2 * time.Second,
	}
}

// Uploader posts signed records to a Gateway, either individually (direct
// mode) or as a single packed bundle (bundle mode).
type Uploader struct {
	gw     Gateway
	cfg    Config
	logger *slog.Logger
}

// New returns an Uploader posting through gw.
func New(gw Gateway, cfg Config, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{gw: gw, cfg: cfg, logger: logger.With("component", "uploader")}
}

// UploadDirect posts each item individually with bounded concurrency,
// retrying transient failures with exponential backoff up to MaxRetries
// times after the first attempt. A payment-required response is never retried. Results are
// returned in the same order as items, so the caller can apply the
// longest-successful-prefix rule directly against the returned slice.
func (u *Uploader) UploadDirect(ctx context.Context, items []attestation.SignedRecord) []Outcome {
	outcomes := make([]Outcome, len(items))

	sem := make(chan struct{}, u.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(i int, item attestation.SignedRecord) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = u.postWithRetry(ctx, item)
		}(i, item)
	}
	wg.Wait()

	return outcomes
}

// postWithRetry posts a single item, retrying up to cfg.MaxRetries times
// with a backoff that doubles after each failed try (1s/2s/4s... for a 1s base).
func (u *Uploader) postWithRetry(ctx context.Context, item attestation.SignedRecord) Outcome {
	data := append(append([]byte{}, item.Signature...), item.Payload...)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= u.cfg.MaxRetries; attempt++ {
		attempts++
		txID, err := u.gw.PostItem(ctx, data)
		if err == nil {
			return Outcome{ID: item.ID, TxID: txID, Success: true, Attempts: attempts}
		}
		lastErr = err

		if errors.Is(err, ErrPaymentRequired) {
			u.logger.Warn("upload rejected, payment required", "id", item.ID)
			return Outcome{ID: item.ID, Success: false, Attempts: attempts, Error: err}
		}

		if attempt == u.cfg.MaxRetries {
			break
		}

		u.logger.Warn("upload attempt failed, retrying", "id", item.ID, "attempt", attempts, "err", err)
		select {
		case <-ctx.Done():
			return Outcome{ID: item.ID, Success: false, Attempts: attempts, Error: ctx.Err()}
		case <-time.After(time.Duration(1<<attempt) * u.cfg.RetryBackoffBase):
		}
	}

	return Outcome{ID: item.ID, Success: false, Attempts: attempts, Error: fmt.Errorf("upload %s: %w", item.ID, lastErr)}
}

// UploadBundle posts a single packed bundle and, on a successful post,
// polls the gateway's status endpoint for txID before reporting success:
// a 200 response from the post alone is not trusted, since the gateway may
// accept a bundle it never actually propagates ("ghost upload"). Bundle
// mode is all-or-nothing: every itemID either succeeds together or fails
// together.
func (u *Uploader) UploadBundle(ctx context.Context, bundleData []byte, itemIDs []string) (string, []Outcome, error) {
	txID, err := u.gw.PostBundle(ctx, bundleData)
	if err != nil {
		return "", failAll(itemIDs, fmt.Errorf("post bundle: %w", err)), err
	}

	seeded, err := u.verifySeeded(ctx, txID)
	if err != nil {
		return "", failAll(itemIDs, fmt.Errorf("verify bundle %s: %w", txID, err)), err
	}
	if !seeded {
		ghostErr := fmt.Errorf("bundle %s not retrievable after %d checks (ghost upload)", txID, u.cfg.GhostCheckAttempts)
		return "", failAll(itemIDs, ghostErr), ghostErr
	}

	outcomes := make([]Outcome, len(itemIDs))
	for i, id := range itemIDs {
		outcomes[i] = Outcome{ID: id, TxID: txID, Success: true, Attempts: 1}
	}
	return txID, outcomes, nil
}

// verifySeeded polls Status up to GhostCheckAttempts times, waiting
// GhostCheckInterval between checks, until the gateway reports txID as
// retrievable.
func (u *Uploader) verifySeeded(ctx context.Context, txID string) (bool, error) {
	for attempt := 0; attempt < u.cfg.GhostCheckAttempts; attempt++ {
		seeded, err := u.gw.Status(ctx, txID)
		if err != nil {
			return false, err
		}
		if seeded {
			return true, nil
		}

		if attempt == u.cfg.GhostCheckAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(u.cfg.GhostCheckInterval):
		}
	}
	return false, nil
}

func failAll(itemIDs []string, err error) []Outcome {
	outcomes := make([]Outcome, len(itemIDs))
	for i, id := range itemIDs {
		outcomes[i] = Outcome{ID: id, Success: false, Error: err}
	}
	return outcomes
}
