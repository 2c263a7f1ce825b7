// Package signer turns claimed queue entries into a sequentially-chained
// run of signed records, each one's prev_tx/prev_cid pointing at the record
// immediately before it (or at the current chain head, for the first record
// in the batch).
package signer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/permachain/attest-writer/internal/manifest"
	"github.com/permachain/attest-writer/internal/wallet"
	"github.com/permachain/attest-writer/pkg/attestation"
)

// QueueItem is the minimal shape the signer needs from a claimed queue row;
// internal/orchestrator adapts storage.QueueEntry into this to keep the
// signer free of a storage dependency.
type QueueItem struct {
	ID       int64
	EntityID string
	CID      string
	Op       attestation.Op
	Vis      attestation.Visibility
	TS       time.Time
}

// HeadPointer is the (tx, cid, seq) state the signer chains the first record
// of a batch off of.
type HeadPointer struct {
	TX  *string
	CID *string
	Seq int64
}

// VersionResolver returns the per-entity version number a record should
// carry: 1 for a brand-new entity, or the entity's current latest version
// plus one for an update. Backed by internal/index's lookup index.
type VersionResolver interface {
	NextVersion(ctx context.Context, entityID string, op attestation.Op) (int, error)
}

// Signer produces deterministic, sequentially-chained signatures over queue
// entries. A single Signer must never be used concurrently across two
// batches sharing the same chain key: record ids are predicted from a
// running prev pointer, so concurrent batches would assign colliding seqs.
type Signer struct {
	wallet    *wallet.Wallet
	manifests manifest.Source
	versions  VersionResolver
	logger    *slog.Logger
}

// New returns a Signer using w to sign, src to resolve manifests, and
// versions to assign each record's per-entity version number.
func New(w *wallet.Wallet, src manifest.Source, versions VersionResolver, logger *slog.Logger) *Signer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{wallet: w, manifests: src, versions: versions, logger: logger.With("component", "signer")}
}

// SkippedItem is a queue item that could not be signed because its manifest
// does not exist. It is a terminal failure, not a transient one: the caller
// marks the row failed and moves on rather than retrying it.
type SkippedItem struct {
	ID     int64
	Reason string
}

// SignBatch signs items in order, chaining each one off the last. A missing
// manifest (manifest.ErrNotFound) is not fatal to the batch: that item is
// recorded in the returned skipped slice and excluded from both signed and
// the chain, and signing continues with the next item. Any other error
// aborts the whole batch: partially signed batches would leave a broken
// link in the chain, so the caller should requeue every item that didn't
// make it into the returned signed slice.
func (s *Signer) SignBatch(ctx context.Context, items []QueueItem, head HeadPointer) ([]attestation.SignedRecord, []SkippedItem, HeadPointer, error) {
	signed := make([]attestation.SignedRecord, 0, len(items))
	var skipped []SkippedItem
	cur := head

	for i, item := range items {
		m, err := s.manifests.Get(ctx, item.EntityID, item.CID)
		if errors.Is(err, manifest.ErrNotFound) {
			s.logger.Warn("manifest not found, failing item", "entity_id", item.EntityID, "cid", item.CID)
			skipped = append(skipped, SkippedItem{ID: item.ID, Reason: "manifest not found"})
			continue
		}
		if err != nil {
			return signed, skipped, cur, fmt.Errorf("sign batch: resolve manifest for entity %s (item %d/%d): %w",
				item.EntityID, i+1, len(items), err)
		}

		ver, err := s.versions.NextVersion(ctx, item.EntityID, item.Op)
		if err != nil {
			return signed, skipped, cur, fmt.Errorf("sign batch: resolve version for entity %s (item %d/%d): %w",
				item.EntityID, i+1, len(items), err)
		}

		rec := attestation.Record{
			PrevTX:   cur.TX,
			PrevCID:  cur.CID,
			Seq:      cur.Seq + 1,
			CID:      item.CID,
			EntityID: item.EntityID,
			Ver:      ver,
			Op:       item.Op,
			Vis:      item.Vis,
			TS:       attestation.NewEpochMillis(item.TS),
			Manifest: m,
		}

		sr, err := s.sign(rec)
		if err != nil {
			return signed, skipped, cur, fmt.Errorf("sign batch: sign entity %s (item %d/%d): %w",
				item.EntityID, i+1, len(items), err)
		}

		signed = append(signed, sr)
		cur = HeadPointer{TX: strPtr(sr.ID), CID: strPtr(sr.Record.CID), Seq: sr.Record.Seq}
	}

	return signed, skipped, cur, nil
}

// sign canonicalizes rec, signs its hash, and derives the record's
// content-addressed id from the signature.
func (s *Signer) sign(rec attestation.Record) (attestation.SignedRecord, error) {
	payload, err := rec.CanonicalBytes()
	if err != nil {
		return attestation.SignedRecord{}, fmt.Errorf("canonicalize: %w", err)
	}

	hash := sha256.Sum256(payload)
	sig, err := s.wallet.Sign(hash[:])
	if err != nil {
		return attestation.SignedRecord{}, fmt.Errorf("sign: %w", err)
	}

	idHash := sha256.Sum256(sig)
	id := base64.RawURLEncoding.EncodeToString(idHash[:])

	return attestation.SignedRecord{
		Record:    rec,
		Payload:   payload,
		Signature: sig,
		Signer:    s.wallet.Address(),
		ID:        id,
	}, nil
}

func strPtr(s string) *string {
	return &s
}
