package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/permachain/attest-writer/internal/cleanup"
	"github.com/permachain/attest-writer/internal/finalizer"
	"github.com/permachain/attest-writer/internal/index"
	"github.com/permachain/attest-writer/internal/manifest"
	"github.com/permachain/attest-writer/internal/platform/storage"
	"github.com/permachain/attest-writer/internal/signer"
	"github.com/permachain/attest-writer/internal/uploader"
	"github.com/permachain/attest-writer/internal/wallet"
	"github.com/permachain/attest-writer/pkg/attestation"
)

func connectTestDB(t *testing.T) *storage.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := storage.New(ctx, storage.DefaultConfig())
	if err != nil {
		t.Skipf("cannot connect to database: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return db
}

type fakeGateway struct{}

func (fakeGateway) PostItem(ctx context.Context, data []byte) (string, error) {
	return "tx-" + string(data[:8]), nil
}
func (fakeGateway) PostBundle(ctx context.Context, data []byte) (string, error) { return "tx-bundle", nil }
func (fakeGateway) Status(ctx context.Context, txID string) (bool, error)       { return true, nil }

func buildOrchestrator(t *testing.T, mode Mode) (*Orchestrator, *storage.QueueStore, *storage.ChainHeadStore, string) {
	t.Helper()
	db := connectTestDB(t)
	t.Cleanup(db.Close)

	queue := storage.NewQueueStore(db)
	head := storage.NewChainHeadStore(db)
	bundles := storage.NewTrackedBundleStore(db)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	idx := index.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	src := manifest.NewMemSource()
	src.Put(attestation.Manifest{EntityID: "e1", CID: "c1", ContentHash: "h1"})
	src.Put(attestation.Manifest{EntityID: "e2", CID: "c2", ContentHash: "h2"})

	w, err := wallet.Generate()
	if err != nil {
		t.Fatalf("generate wallet: %v", err)
	}

	s := signer.New(w, src, idx, nil)
	up := uploader.New(fakeGateway{}, uploader.Config{Concurrency: 4, MaxRetries: 1, RetryBackoffBase: time.Millisecond, GhostCheckAttempts: 1, GhostCheckInterval: time.Millisecond}, nil)

	chainKey := "test-orch-" + time.Now().Format("150405.000000000")
	if err := head.Reset(context.Background(), chainKey); err != nil {
		t.Fatalf("reset head: %v", err)
	}

	fin := finalizer.New(db, queue, head, bundles, idx, chainKey, nil)
	cj := cleanup.New(queue, cleanup.DefaultConfig(), nil)

	o := New(Config{Mode: mode, BatchSize: 100, ChainKey: chainKey}, Params{
		Queue: queue, Head: head, Bundles: bundles,
		Signer: s, Uploader: up, Finalizer: fin, Cleanup: cj,
	}, nil)

	return o, queue, head, chainKey
}

func TestOrchestrator_DirectModeTick(t *testing.T) {
	o, queue, head, chainKey := buildOrchestrator(t, ModeDirect)
	ctx := context.Background()

	if _, err := queue.Enqueue(ctx, storage.QueueEntry{EntityID: "e1", CID: "c1", Op: storage.OpCreate, Vis: storage.VisibilityPublic, TS: time.Now()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := queue.Enqueue(ctx, storage.QueueEntry{EntityID: "e2", CID: "c2", Op: storage.OpCreate, Vis: storage.VisibilityPublic, TS: time.Now()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result, err := o.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if result.Processed != 2 || result.Succeeded != 2 || result.Failed != 0 {
		t.Errorf("expected 2 processed, 2 succeeded, got %+v", result)
	}

	h, err := head.GetHead(ctx, chainKey)
	if err != nil {
		t.Fatalf("get head: %v", err)
	}
	if h.Seq != 2 {
		t.Errorf("expected head seq 2, got %d", h.Seq)
	}

	stats, err := queue.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("expected queue drained, got %d rows remaining", stats.Total)
	}
}

func TestOrchestrator_BundleMode_RevertsUnderThreshold(t *testing.T) {
	o, queue, head, chainKey := buildOrchestrator(t, ModeBundle)
	ctx := context.Background()

	qid, err := queue.Enqueue(ctx, storage.QueueEntry{EntityID: "e1", CID: "c1", Op: storage.OpCreate, Vis: storage.VisibilityPublic, TS: time.Now()})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result, err := o.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if result.Succeeded != 0 {
		t.Errorf("expected nothing finalized while under the bundle threshold, got %+v", result)
	}

	entry, err := queue.Get(ctx, qid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Status != storage.QueueStatusPending {
		t.Errorf("expected row reverted to pending, got %s", entry.Status)
	}
	if entry.RetryCount != 0 {
		t.Errorf("expected an under-threshold defer not to consume a retry, got retry_count=%d", entry.RetryCount)
	}

	h, err := head.GetHead(ctx, chainKey)
	if err != nil {
		t.Fatalf("get head: %v", err)
	}
	if h.Seq != 0 {
		t.Errorf("expected head unchanged at seq 0, got %d", h.Seq)
	}
}

func TestOrchestrator_SkipsMissingManifestAndProcessesRest(t *testing.T) {
	o, queue, head, chainKey := buildOrchestrator(t, ModeDirect)
	ctx := context.Background()

	// e1/c1 has a manifest (seeded by buildOrchestrator); "missing" does not.
	if _, err := queue.Enqueue(ctx, storage.QueueEntry{EntityID: "e1", CID: "c1", Op: storage.OpCreate, Vis: storage.VisibilityPublic, TS: time.Now()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	missingID, err := queue.Enqueue(ctx, storage.QueueEntry{EntityID: "missing", CID: "c404", Op: storage.OpCreate, Vis: storage.VisibilityPublic, TS: time.Now()})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result, err := o.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if result.Succeeded != 1 {
		t.Errorf("expected the row with a manifest to succeed despite the other's missing manifest, got %+v", result)
	}
	if result.Failed != 1 {
		t.Errorf("expected the missing-manifest row to be counted as failed, got %+v", result)
	}

	entry, err := queue.Get(ctx, missingID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Status != storage.QueueStatusFailed {
		t.Errorf("expected missing-manifest row marked failed, not stuck or retried, got %s", entry.Status)
	}

	h, err := head.GetHead(ctx, chainKey)
	if err != nil {
		t.Fatalf("get head: %v", err)
	}
	if h.Seq != 1 {
		t.Errorf("expected head to advance for the one valid row, got seq=%d", h.Seq)
	}
}
