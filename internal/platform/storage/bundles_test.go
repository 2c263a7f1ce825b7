package storage

import (
	"context"
	"testing"
	"time"
)

func TestTrackedBundleStore_TrackAndVerify(t *testing.T) {
	db := connectTestDB(t)
	defer db.Close()

	b := NewTrackedBundleStore(db)
	ctx := context.Background()

	items := []BundleItem{
		{EntityID: "entity-bundle-1", CID: "cid-bundle-1"},
		{EntityID: "entity-bundle-2", CID: "cid-bundle-2"},
	}

	id, err := b.Track(ctx, "bundle-tx-001", items, time.Now())
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	got, err := b.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.BundleTX != "bundle-tx-001" || got.ItemCount != 2 || len(got.Items) != 2 {
		t.Errorf("unexpected tracked bundle: %+v", got)
	}
	if got.Status != BundleStatusPending {
		t.Errorf("expected pending status, got %s", got.Status)
	}

	pending, err := b.PendingDueForCheck(ctx, 10)
	if err != nil {
		t.Fatalf("PendingDueForCheck failed: %v", err)
	}
	found := false
	for _, p := range pending {
		if p.ID == id {
			found = true
		}
	}
	if !found {
		t.Fatal("expected tracked bundle in pending due-for-check list")
	}

	if err := b.IncrementCheckCount(ctx, id); err != nil {
		t.Fatalf("IncrementCheckCount failed: %v", err)
	}
	got, err = b.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get after increment failed: %v", err)
	}
	if got.CheckCount != 1 {
		t.Errorf("expected check_count 1, got %d", got.CheckCount)
	}

	if err := b.MarkVerified(ctx, id); err != nil {
		t.Fatalf("MarkVerified failed: %v", err)
	}
	got, err = b.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get after verify failed: %v", err)
	}
	if got.Status != BundleStatusVerified || got.VerifiedAt == nil {
		t.Errorf("expected verified status with timestamp, got %+v", got)
	}
}

func TestTrackedBundleStore_MarkFailed(t *testing.T) {
	db := connectTestDB(t)
	defer db.Close()

	b := NewTrackedBundleStore(db)
	ctx := context.Background()

	id, err := b.Track(ctx, "bundle-tx-002", []BundleItem{{EntityID: "e1", CID: "c1"}}, time.Now())
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	if err := b.MarkFailed(ctx, id); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	got, err := b.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != BundleStatusFailed || got.FailedAt == nil {
		t.Errorf("expected failed status with timestamp, got %+v", got)
	}
}
