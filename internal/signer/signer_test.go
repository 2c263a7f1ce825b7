package signer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/permachain/attest-writer/internal/manifest"
	"github.com/permachain/attest-writer/internal/wallet"
	"github.com/permachain/attest-writer/pkg/attestation"
)

// memVersionResolver is a trivial in-memory VersionResolver for tests,
// mirroring the semantics internal/index provides against Redis.
type memVersionResolver struct {
	mu    sync.Mutex
	latest map[string]int
}

func newMemVersionResolver() *memVersionResolver {
	return &memVersionResolver{latest: make(map[string]int)}
}

func (r *memVersionResolver) NextVersion(_ context.Context, entityID string, op attestation.Op) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.latest[entityID] + 1
	r.latest[entityID] = next
	return next, nil
}

func newTestSigner(t *testing.T) (*Signer, *manifest.MemSource) {
	t.Helper()
	w, err := wallet.Generate()
	if err != nil {
		t.Fatalf("wallet.Generate failed: %v", err)
	}
	src := manifest.NewMemSource()
	return New(w, src, newMemVersionResolver(), nil), src
}

func TestSigner_SignBatch_ChainsSequentially(t *testing.T) {
	s, src := newTestSigner(t)
	ctx := context.Background()

	items := []QueueItem{
		{ID: 1, EntityID: "e1", CID: "c1", Op: attestation.OpCreate, Vis: attestation.VisibilityPublic, TS: time.Now()},
		{ID: 2, EntityID: "e2", CID: "c2", Op: attestation.OpCreate, Vis: attestation.VisibilityPublic, TS: time.Now()},
		{ID: 3, EntityID: "e3", CID: "c3", Op: attestation.OpUpdate, Vis: attestation.VisibilityPrivate, TS: time.Now()},
	}
	for _, it := range items {
		src.Put(attestation.Manifest{EntityID: it.EntityID, CID: it.CID, ContentHash: "hash-" + it.CID})
	}

	signed, skipped, newHead, err := s.SignBatch(ctx, items, HeadPointer{Seq: 0})
	if err != nil {
		t.Fatalf("SignBatch failed: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("expected no skipped items, got %v", skipped)
	}
	if len(signed) != 3 {
		t.Fatalf("expected 3 signed records, got %d", len(signed))
	}

	if !signed[0].Record.IsGenesis() {
		t.Error("expected first record in batch from genesis head to be genesis")
	}
	for i := 1; i < len(signed); i++ {
		if signed[i].Record.PrevTX == nil || *signed[i].Record.PrevTX != signed[i-1].ID {
			t.Errorf("record %d: expected prev_tx %s, got %v", i, signed[i-1].ID, signed[i].Record.PrevTX)
		}
		if signed[i].Record.PrevCID == nil || *signed[i].Record.PrevCID != signed[i-1].Record.CID {
			t.Errorf("record %d: expected prev_cid %s, got %v", i, signed[i-1].Record.CID, signed[i].Record.PrevCID)
		}
		if signed[i].Record.Seq != signed[i-1].Record.Seq+1 {
			t.Errorf("record %d: expected seq %d, got %d", i, signed[i-1].Record.Seq+1, signed[i].Record.Seq)
		}
	}

	if newHead.Seq != 3 || newHead.TX == nil || *newHead.TX != signed[2].ID {
		t.Errorf("expected new head seq=3 tx=%s, got %+v", signed[2].ID, newHead)
	}
}

func TestSigner_SignBatch_ChainsOffExistingHead(t *testing.T) {
	s, src := newTestSigner(t)
	ctx := context.Background()

	src.Put(attestation.Manifest{EntityID: "e1", CID: "c1"})
	prevTX := "previous-tx-99"
	prevCID := "previous-cid-99"

	signed, _, _, err := s.SignBatch(ctx, []QueueItem{
		{ID: 1, EntityID: "e1", CID: "c1", Op: attestation.OpCreate, Vis: attestation.VisibilityPublic, TS: time.Now()},
	}, HeadPointer{TX: &prevTX, CID: &prevCID, Seq: 99})
	if err != nil {
		t.Fatalf("SignBatch failed: %v", err)
	}

	if signed[0].Record.IsGenesis() {
		t.Error("expected record chained off a non-nil head not to be genesis")
	}
	if *signed[0].Record.PrevTX != prevTX || signed[0].Record.Seq != 100 {
		t.Errorf("expected prev_tx=%s seq=100, got prev_tx=%v seq=%d",
			prevTX, signed[0].Record.PrevTX, signed[0].Record.Seq)
	}
}

func TestSigner_SignBatch_AssignsIncrementingVersionPerEntity(t *testing.T) {
	s, src := newTestSigner(t)
	ctx := context.Background()

	src.Put(attestation.Manifest{EntityID: "e1", CID: "c1"})
	src.Put(attestation.Manifest{EntityID: "e1", CID: "c2"})

	items := []QueueItem{
		{ID: 1, EntityID: "e1", CID: "c1", Op: attestation.OpCreate, Vis: attestation.VisibilityPublic, TS: time.Now()},
		{ID: 2, EntityID: "e1", CID: "c2", Op: attestation.OpUpdate, Vis: attestation.VisibilityPublic, TS: time.Now()},
	}

	signed, _, _, err := s.SignBatch(ctx, items, HeadPointer{Seq: 0})
	if err != nil {
		t.Fatalf("SignBatch failed: %v", err)
	}
	if signed[0].Record.Ver != 1 {
		t.Errorf("expected first version 1, got %d", signed[0].Record.Ver)
	}
	if signed[1].Record.Ver != 2 {
		t.Errorf("expected second version 2, got %d", signed[1].Record.Ver)
	}
}

func TestSigner_SignBatch_SkipsMissingManifestAndContinues(t *testing.T) {
	s, src := newTestSigner(t)
	ctx := context.Background()

	src.Put(attestation.Manifest{EntityID: "known-1", CID: "c1"})
	src.Put(attestation.Manifest{EntityID: "known-2", CID: "c3"})

	items := []QueueItem{
		{ID: 1, EntityID: "known-1", CID: "c1", Op: attestation.OpCreate, Vis: attestation.VisibilityPublic, TS: time.Now()},
		{ID: 2, EntityID: "unknown", CID: "c2", Op: attestation.OpCreate, Vis: attestation.VisibilityPublic, TS: time.Now()},
		{ID: 3, EntityID: "known-2", CID: "c3", Op: attestation.OpCreate, Vis: attestation.VisibilityPublic, TS: time.Now()},
	}

	signed, skipped, _, err := s.SignBatch(ctx, items, HeadPointer{Seq: 0})
	if err != nil {
		t.Fatalf("expected a missing manifest not to abort the batch, got: %v", err)
	}
	if len(signed) != 2 {
		t.Fatalf("expected the two items with manifests to be signed, got %d", len(signed))
	}
	if len(skipped) != 1 || skipped[0].ID != 2 {
		t.Fatalf("expected item 2 to be skipped, got %+v", skipped)
	}
	// The chain skips over the missing item: the second signed record
	// chains directly off the first, not off a gap.
	if signed[1].Record.Seq != signed[0].Record.Seq+1 {
		t.Errorf("expected seq to stay contiguous across the skipped item, got %d then %d",
			signed[0].Record.Seq, signed[1].Record.Seq)
	}
	if *signed[1].Record.PrevTX != signed[0].ID {
		t.Errorf("expected second record to chain off the first, not the skipped item")
	}
}

func TestSigner_SignIsDeterministicAcrossRuns(t *testing.T) {
	w, err := wallet.Generate()
	if err != nil {
		t.Fatalf("wallet.Generate failed: %v", err)
	}
	src := manifest.NewMemSource()
	src.Put(attestation.Manifest{EntityID: "e1", CID: "c1", ContentHash: "hash-1"})

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []QueueItem{
		{ID: 1, EntityID: "e1", CID: "c1", Op: attestation.OpCreate, Vis: attestation.VisibilityPublic, TS: ts},
	}

	s1 := New(w, src, newMemVersionResolver(), nil)
	signed1, _, _, err := s1.SignBatch(context.Background(), items, HeadPointer{Seq: 0})
	if err != nil {
		t.Fatalf("SignBatch failed: %v", err)
	}

	s2 := New(w, src, newMemVersionResolver(), nil)
	signed2, _, _, err := s2.SignBatch(context.Background(), items, HeadPointer{Seq: 0})
	if err != nil {
		t.Fatalf("SignBatch failed: %v", err)
	}

	if signed1[0].ID != signed2[0].ID {
		t.Errorf("expected deterministic id across runs, got %s vs %s", signed1[0].ID, signed2[0].ID)
	}
}
