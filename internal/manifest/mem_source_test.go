package manifest

import (
	"context"
	"errors"
	"testing"

	"github.com/permachain/attest-writer/pkg/attestation"
)

func TestMemSource_PutGet(t *testing.T) {
	src := NewMemSource()
	ctx := context.Background()

	m := attestation.Manifest{EntityID: "entity-1", CID: "cid-1", ContentHash: "hash-1"}
	src.Put(m)

	got, err := src.Get(ctx, "entity-1", "cid-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.EntityID != m.EntityID || got.CID != m.CID || got.ContentHash != m.ContentHash {
		t.Errorf("expected %+v, got %+v", m, got)
	}
}

func TestMemSource_GetMissing(t *testing.T) {
	src := NewMemSource()
	_, err := src.Get(context.Background(), "nope", "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
