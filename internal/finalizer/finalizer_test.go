package finalizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/permachain/attest-writer/internal/index"
	"github.com/permachain/attest-writer/internal/platform/storage"
	"github.com/permachain/attest-writer/internal/uploader"
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

func newTestIndex(t *testing.T) *index.Index {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return index.New(client)
}

func testItem(queueID int64, entityID, cid string, seq int64, ver int, txID string, success bool, outcomeErr error) Item {
	return Item{
		QueueID: queueID,
		Record: attestation.SignedRecord{
			ID: txID,
			Record: attestation.Record{
				EntityID: entityID,
				CID:      cid,
				Seq:      seq,
				Ver:      ver,
				TS:       attestation.NewEpochMillis(time.Now()),
			},
		},
		Outcome: uploader.Outcome{ID: txID, TxID: txID, Success: success, Error: outcomeErr},
	}
}

func setup(t *testing.T) (*Finalizer, *storage.QueueStore, int64) {
	t.Helper()
	db := connectTestDB(t)
	t.Cleanup(db.Close)

	queue := storage.NewQueueStore(db)
	head := storage.NewChainHeadStore(db)
	bundles := storage.NewTrackedBundleStore(db)
	idx := newTestIndex(t)

	ctx := context.Background()
	chainKey := "test-finalizer-" + time.Now().Format("150405.000000000")
	if err := head.Reset(ctx, chainKey); err != nil {
		t.Fatalf("seed chain head: %v", err)
	}

	f := New(db, queue, head, bundles, idx, chainKey, nil)

	id, err := queue.Enqueue(ctx, storage.QueueEntry{EntityID: "e1", CID: "c1", Op: storage.OpCreate, Vis: storage.VisibilityPublic, TS: time.Now()})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return f, queue, id
}

func TestFinalizeDirect_AllSucceed(t *testing.T) {
	f, queue, qid := setup(t)
	ctx := context.Background()

	items := []Item{testItem(qid, "e1", "c1", 1, 1, "tx-1", true, nil)}

	result, err := f.FinalizeDirect(ctx, items, 0)
	if err != nil {
		t.Fatalf("FinalizeDirect failed: %v", err)
	}
	if len(result.Succeeded) != 1 || result.NewHead.Seq != 1 {
		t.Errorf("expected seq 1 succeeded, got %+v", result)
	}

	if _, err := queue.Get(ctx, qid); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected queue row deleted, got err=%v", err)
	}
}

func TestFinalizeDirect_LongestPrefix(t *testing.T) {
	f, queue, qid1 := setup(t)
	ctx := context.Background()

	qid2, err := queue.Enqueue(ctx, storage.QueueEntry{EntityID: "e2", CID: "c2", Op: storage.OpCreate, Vis: storage.VisibilityPublic, TS: time.Now()})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	qid3, err := queue.Enqueue(ctx, storage.QueueEntry{EntityID: "e3", CID: "c3", Op: storage.OpCreate, Vis: storage.VisibilityPublic, TS: time.Now()})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	items := []Item{
		testItem(qid1, "e1", "c1", 1, 1, "tx-1", true, nil),
		testItem(qid2, "e2", "c2", 2, 1, "tx-2", false, errors.New("upload failed")),
		testItem(qid3, "e3", "c3", 3, 1, "tx-3", true, nil),
	}

	result, err := f.FinalizeDirect(ctx, items, 0)
	if err != nil {
		t.Fatalf("FinalizeDirect failed: %v", err)
	}
	if len(result.Succeeded) != 1 || result.Succeeded[0] != qid1 {
		t.Errorf("expected only qid1 to succeed, got %v", result.Succeeded)
	}
	if len(result.Reverted) != 2 {
		t.Errorf("expected 2 rows reverted (the failure and everything after it), got %v", result.Reverted)
	}
	if result.NewHead.Seq != 1 {
		t.Errorf("expected head to advance only to seq 1, got %d", result.NewHead.Seq)
	}

	entry, err := queue.Get(ctx, qid3)
	if err != nil {
		t.Fatalf("expected qid3 still present (reverted), got err=%v", err)
	}
	if entry.Status != storage.QueueStatusPending {
		t.Errorf("expected qid3 reverted to pending, got %s", entry.Status)
	}
}

func TestFinalizeDirect_StaleHeadRejected(t *testing.T) {
	f, _, qid := setup(t)
	ctx := context.Background()

	items := []Item{testItem(qid, "e1", "c1", 1, 1, "tx-1", true, nil)}

	if _, err := f.FinalizeDirect(ctx, items, 5); err == nil {
		t.Error("expected error when expectedPrevSeq doesn't match the locked head")
	}
}

func TestFinalizeBundle_Success(t *testing.T) {
	f, queue, qid1 := setup(t)
	ctx := context.Background()

	qid2, err := queue.Enqueue(ctx, storage.QueueEntry{EntityID: "e2", CID: "c2", Op: storage.OpCreate, Vis: storage.VisibilityPublic, TS: time.Now()})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	items := []Item{
		testItem(qid1, "e1", "c1", 1, 1, "tx-bundle", true, nil),
		testItem(qid2, "e2", "c2", 2, 1, "tx-bundle", true, nil),
	}

	result, err := f.FinalizeBundle(ctx, items, "tx-bundle", 0, nil)
	if err != nil {
		t.Fatalf("FinalizeBundle failed: %v", err)
	}
	if len(result.Succeeded) != 2 || result.NewHead.Seq != 2 {
		t.Errorf("expected both items succeeded with head at seq 2, got %+v", result)
	}
}

func TestFinalizeBundle_AllOrNothingFailure(t *testing.T) {
	f, queue, qid1 := setup(t)
	ctx := context.Background()

	qid2, err := queue.Enqueue(ctx, storage.QueueEntry{EntityID: "e2", CID: "c2", Op: storage.OpCreate, Vis: storage.VisibilityPublic, TS: time.Now()})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	items := []Item{
		testItem(qid1, "e1", "c1", 1, 1, "", false, nil),
		testItem(qid2, "e2", "c2", 2, 1, "", false, nil),
	}

	result, err := f.FinalizeBundle(ctx, items, "", 0, errors.New("ghost upload"))
	if err != nil {
		t.Fatalf("FinalizeBundle failed: %v", err)
	}
	if len(result.Reverted) != 2 {
		t.Errorf("expected both rows reverted, got %v", result.Reverted)
	}

	entry, err := queue.Get(ctx, qid1)
	if err != nil || entry.Status != storage.QueueStatusPending {
		t.Errorf("expected qid1 reverted to pending, got entry=%+v err=%v", entry, err)
	}
}
