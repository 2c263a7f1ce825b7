package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/permachain/attest-writer/internal/adminws"
	"github.com/permachain/attest-writer/internal/finalizer"
	"github.com/permachain/attest-writer/internal/manifest"
	"github.com/permachain/attest-writer/internal/orchestrator"
	"github.com/permachain/attest-writer/internal/platform/storage"
	"github.com/permachain/attest-writer/internal/signer"
	"github.com/permachain/attest-writer/internal/uploader"
	"github.com/permachain/attest-writer/internal/wallet"
)

// testChainKey isolates the /test-bundle endpoint's synthetic writes from
// the production chain.
const testChainKey = "attest-test"

// Server holds the admin HTTP surface's dependencies.
type Server struct {
	cfg              Config
	orch             *orchestrator.Orchestrator
	queue            *storage.QueueStore
	head             *storage.ChainHeadStore
	bundles          *storage.TrackedBundleStore
	hub              *adminws.Hub
	wallet           *wallet.Wallet
	logger           *slog.Logger
	batchSize        int
	walletThresholds wallet.Thresholds

	testSrc       *manifest.MemSource
	testSigner    *signer.Signer
	testFinalizer *finalizer.Finalizer
	testUploader  *uploader.Uploader

	mu          sync.RWMutex
	lastBatch   *orchestrator.TickResult
	lastBatchAt time.Time
}

// NewServer wires the admin HTTP surface over already-constructed
// collaborators. batchSize and walletThresholds echo the values the
// orchestrator was configured with, reported back on the health endpoint;
// a zero batchSize or empty walletThresholds falls back to the defaults.
func NewServer(cfg Config, orch *orchestrator.Orchestrator, queue *storage.QueueStore, head *storage.ChainHeadStore,
	bundles *storage.TrackedBundleStore, hub *adminws.Hub, w *wallet.Wallet, logger *slog.Logger,
	testSigner *signer.Signer, testFinalizer *finalizer.Finalizer, testUploader *uploader.Uploader, testSrc *manifest.MemSource,
	batchSize int, walletThresholds wallet.Thresholds) *Server {
	if batchSize == 0 {
		batchSize = orchestrator.DefaultConfig().BatchSize
	}
	if walletThresholds.Critical == nil || walletThresholds.Warning == nil {
		walletThresholds = wallet.DefaultThresholds()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg: cfg, orch: orch, queue: queue, head: head, bundles: bundles,
		hub: hub, wallet: w, logger: logger.With("component", "attest-writer"),
		batchSize: batchSize, walletThresholds: walletThresholds,
		testSrc: testSrc, testSigner: testSigner, testFinalizer: testFinalizer, testUploader: testUploader,
	}
}

// Router returns the HTTP handler for the admin surface.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleHealth)
	mux.HandleFunc("/trigger", s.requireAuth(s.handleTrigger))
	mux.HandleFunc("/test-bundle", s.requireAuth(s.handleTestBundle))
	mux.HandleFunc("/test-verify", s.requireAuth(s.handleTestVerify))
	mux.Handle("/metrics", promHandler())
	mux.HandleFunc("/stream", s.hub.ServeHTTP)

	return s.loggingMiddleware(mux)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path,
			"status", wrapped.statusCode, "duration_ms", time.Since(start).Milliseconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// requireAuth enforces the bearer-token check on admin mutation endpoints.
// When no secret is configured, every request is allowed through.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminSecret == "" {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != s.cfg.AdminSecret {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encode response failed", "error", err)
	}
}

// recordBatch stashes the most recent tick result for the health endpoint's
// last_batch field and broadcasts it to any connected admin dashboards.
func (s *Server) recordBatch(result orchestrator.TickResult) {
	s.mu.Lock()
	s.lastBatch = &result
	s.lastBatchAt = time.Now()
	s.mu.Unlock()
	if s.hub != nil {
		s.hub.Broadcast("tick_result", result)
	}
}

// runTick executes one orchestrator tick and records it, shared by the
// periodic ticker in main.go and the /trigger endpoint.
func (s *Server) runTick(ctx context.Context) (orchestrator.TickResult, error) {
	result, err := s.orch.Tick(ctx)
	if err == nil {
		s.recordBatch(result)
	}
	return result, err
}

// handleHealth reports the current state of the chain, queue, wallet, and
// seeding verification. Public, unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	chainHead, err := s.head.GetHead(ctx, storage.DefaultChainKey)
	if err != nil {
		s.logger.Error("health: get head failed", "error", err)
	}

	qstats, err := s.queue.Stats(ctx)
	if err != nil {
		s.logger.Error("health: queue stats failed", "error", err)
	}

	bstats, err := s.bundles.Stats(ctx)
	if err != nil {
		s.logger.Error("health: bundle stats failed", "error", err)
	}

	headTX := ""
	if chainHead.TX != nil {
		headTX = *chainHead.TX
	}

	body := map[string]interface{}{
		"status":  "ok",
		"service": "attest-writer",
		"version": "1.0.0",
		"config": map[string]interface{}{
			"batch_size": s.batchSize,
			"thresholds": map[string]string{
				"warning":  s.walletThresholds.Warning.String(),
				"critical": s.walletThresholds.Critical.String(),
			},
		},
		"chain": map[string]interface{}{
			"seq":     chainHead.Seq,
			"head_tx": headTX,
		},
		"queue": map[string]interface{}{
			"pending":    qstats.Pending,
			"processing": qstats.Signing + qstats.Uploading,
			"failed":     qstats.Failed,
			"total":      qstats.Total,
		},
		"verification": map[string]interface{}{
			"pending_bundles":   bstats.Pending,
			"verified_last_24h": bstats.VerifiedLast24h,
			"failed_last_24h":   bstats.FailedLast24h,
		},
	}

	if s.wallet != nil {
		body["wallet"] = map[string]interface{}{
			"address": s.wallet.Address(),
			"status":  "ok",
		}
	}

	s.mu.RLock()
	if s.lastBatch != nil {
		body["last_batch"] = map[string]interface{}{
			"processed": s.lastBatch.Processed,
			"succeeded": s.lastBatch.Succeeded,
			"failed":    s.lastBatch.Failed,
			"at":        s.lastBatchAt.UTC().Format(time.RFC3339),
		}
	}
	s.mu.RUnlock()

	s.writeJSON(w, http.StatusOK, body)
}

// handleTrigger runs one processing tick on demand.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()
	result, err := s.runTick(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"processed":   result.Processed,
		"succeeded":   result.Succeeded,
		"failed":      result.Failed,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}
