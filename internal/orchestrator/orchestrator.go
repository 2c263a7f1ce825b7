// Package orchestrator drives the periodic tick that turns pending queue
// rows into a durable, gap-free chain of attestation records: cleanup,
// balance check, signing and upload, and seeding verification.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/permachain/attest-writer/internal/adminws"
	"github.com/permachain/attest-writer/internal/alert"
	"github.com/permachain/attest-writer/internal/bundler"
	"github.com/permachain/attest-writer/internal/cleanup"
	"github.com/permachain/attest-writer/internal/finalizer"
	"github.com/permachain/attest-writer/internal/notify"
	"github.com/permachain/attest-writer/internal/platform/storage"
	"github.com/permachain/attest-writer/internal/signer"
	"github.com/permachain/attest-writer/internal/uploader"
	"github.com/permachain/attest-writer/internal/verifier"
	"github.com/permachain/attest-writer/internal/wallet"
)

// Mode selects whether process_queue uploads as a single bundle or as
// individually-posted records.
type Mode string

const (
	ModeBundle Mode = "bundle"
	ModeDirect Mode = "direct"
)

// Config tunes a single orchestrator instance.
type Config struct {
	Mode             Mode
	BatchSize        int // rows claimed per tick
	ChainKey         string
	WalletAddress    string
	Thresholds       wallet.Thresholds
	BundleThresholds bundler.Thresholds
	Retention        time.Duration // RETENTION_WINDOW for tracked-bundle pruning
}

// DefaultConfig mirrors the example magnitudes from the component design.
func DefaultConfig() Config {
	return Config{
		Mode:             ModeBundle,
		BatchSize:        200,
		ChainKey:         storage.DefaultChainKey,
		Thresholds:       wallet.DefaultThresholds(),
		BundleThresholds: bundler.DefaultThresholds(),
		Retention:        24 * time.Hour,
	}
}

var (
	tickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "attest_tick_duration_seconds", Help: "Orchestrator tick latency", Buckets: prometheus.DefBuckets},
		[]string{"outcome"},
	)
	processedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "attest_records_processed_total", Help: "Queue rows processed"},
		[]string{"mode"},
	)
	succeededTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "attest_records_succeeded_total", Help: "Queue rows finalized successfully"},
		[]string{"mode"},
	)
	failedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "attest_records_failed_total", Help: "Queue rows reverted or failed"},
		[]string{"mode"},
	)
	balanceGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "attest_wallet_balance", Help: "Current wallet balance in base units"},
	)
	seedingOutcomeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "attest_seeding_outcome_total", Help: "Seeding verification outcomes"},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(tickDuration, processedTotal, succeededTotal, failedTotal, balanceGauge, seedingOutcomeTotal)
}

// Orchestrator wires together every write-path component behind a single
// periodic Tick.
type Orchestrator struct {
	cfg Config

	queue   *storage.QueueStore
	head    *storage.ChainHeadStore
	bundles *storage.TrackedBundleStore

	signer    *signer.Signer
	uploader  *uploader.Uploader
	finalizer *finalizer.Finalizer
	cleanup   *cleanup.Job
	verifier  *verifier.Verifier

	balance  wallet.BalanceChecker
	alerter  *alert.Dispatcher
	notifier *notify.Notifier
	hub      *adminws.Hub

	bundleThresholds bundler.Thresholds

	logger *slog.Logger
}

// Params groups the constructed collaborators an Orchestrator wires
// together. Optional fields (Notifier, Hub) may be left nil.
type Params struct {
	Queue     *storage.QueueStore
	Head      *storage.ChainHeadStore
	Bundles   *storage.TrackedBundleStore
	Signer    *signer.Signer
	Uploader  *uploader.Uploader
	Finalizer *finalizer.Finalizer
	Cleanup   *cleanup.Job
	Verifier  *verifier.Verifier
	Balance   wallet.BalanceChecker
	Alerter   *alert.Dispatcher
	Notifier  *notify.Notifier
	Hub       *adminws.Hub
}

// New returns an Orchestrator over the given collaborators.
func New(cfg Config, p Params, logger *slog.Logger) *Orchestrator {
	if cfg.ChainKey == "" {
		cfg.ChainKey = storage.DefaultChainKey
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	bt := cfg.BundleThresholds
	if bt == (bundler.Thresholds{}) {
		bt = bundler.DefaultThresholds()
	}
	return &Orchestrator{
		cfg: cfg,

		queue:   p.Queue,
		head:    p.Head,
		bundles: p.Bundles,

		signer:    p.Signer,
		uploader:  p.Uploader,
		finalizer: p.Finalizer,
		cleanup:   p.Cleanup,
		verifier:  p.Verifier,

		balance:  p.Balance,
		alerter:  p.Alerter,
		notifier: p.Notifier,
		hub:      p.Hub,

		bundleThresholds: bt,
		logger:           logger.With("component", "orchestrator"),
	}
}

// TickResult summarizes one orchestrator pass, reported on the admin
// WebSocket feed and the health endpoint.
type TickResult struct {
	Processed      int
	Succeeded      int
	Failed         int
	BalanceLevel   wallet.Level
	SkippedByBalance bool
	SeedingChecked int
	SeedingFailed  int
}

// Tick runs one full pass: cleanup_stuck, balance_check, process_queue
// (unless balance is critical), verify_bundles.
func (o *Orchestrator) Tick(ctx context.Context) (TickResult, error) {
	start := time.Now()
	outcome := "ok"
	defer func() { tickDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds()) }()

	var result TickResult

	if _, err := o.cleanup.ResetStuck(ctx); err != nil {
		o.logger.Error("reset stuck rows failed", "err", err)
	}

	level, skip := o.checkBalance(ctx)
	result.BalanceLevel = level
	result.SkippedByBalance = skip

	if !skip {
		processed, succeeded, failed, err := o.processQueue(ctx)
		if err != nil {
			outcome = "error"
			return result, fmt.Errorf("orchestrator: process queue: %w", err)
		}
		result.Processed, result.Succeeded, result.Failed = processed, succeeded, failed
	}

	if o.verifier != nil {
		vOut, err := o.verifier.CheckOnce(ctx)
		if err != nil {
			o.logger.Error("verify bundles failed", "err", err)
		} else {
			result.SeedingChecked = vOut.Checked
			result.SeedingFailed = vOut.Failed
			seedingOutcomeTotal.WithLabelValues("verified").Add(float64(vOut.Verified))
			seedingOutcomeTotal.WithLabelValues("failed").Add(float64(vOut.Failed))
		}
	}

	if o.hub != nil {
		o.hub.Broadcast("tick_result", result)
	}

	return result, nil
}

// DailyMaintenance runs the daily retry_failed -> cleanup_stuck sequence
// plus tracked-bundle pruning.
func (o *Orchestrator) DailyMaintenance(ctx context.Context) error {
	if _, err := o.cleanup.RetryFailed(ctx); err != nil {
		return fmt.Errorf("orchestrator: retry failed rows: %w", err)
	}
	if _, err := o.cleanup.ResetStuck(ctx); err != nil {
		return fmt.Errorf("orchestrator: reset stuck rows: %w", err)
	}
	if o.verifier != nil {
		if _, err := o.verifier.PruneVerified(ctx, o.cfg.Retention); err != nil {
			return fmt.Errorf("orchestrator: prune tracked bundles: %w", err)
		}
	}
	return nil
}

// checkBalance fetches the wallet balance and classifies it. A balance
// check failure never blocks processing: it is logged and treated as OK.
func (o *Orchestrator) checkBalance(ctx context.Context) (wallet.Level, bool) {
	if o.balance == nil {
		return wallet.LevelOK, false
	}

	bal, err := o.balance.Balance(ctx, o.cfg.WalletAddress)
	if err != nil {
		o.logger.Warn("balance check failed, proceeding anyway", "err", err)
		return wallet.LevelOK, false
	}
	balanceGauge.Set(bigFloat(bal))

	level := o.cfg.Thresholds.Classify(bal)
	switch level {
	case wallet.LevelCritical:
		o.alert(ctx, "wallet balance critical", fmt.Sprintf("balance %s at or below critical threshold", bal), "critical", nil)
		return level, true
	case wallet.LevelWarning:
		o.alert(ctx, "wallet balance low", fmt.Sprintf("balance %s at or below warning threshold", bal), "warn", nil)
	}
	return level, false
}

func (o *Orchestrator) alert(ctx context.Context, title, detail, severity string, fields map[string]string) {
	if o.alerter == nil {
		o.logger.Warn(title, "detail", detail, "severity", severity)
		return
	}
	if err := o.alerter.Alert(ctx, title, detail, severity, fields); err != nil {
		o.logger.Warn("alert dispatch failed", "err", err)
	}
}

func bigFloat(b *big.Int) float64 {
	f := new(big.Float).SetInt(b)
	v, _ := f.Float64()
	return v
}
