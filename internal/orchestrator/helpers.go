package orchestrator

import (
	"github.com/permachain/attest-writer/internal/bundler"
	"github.com/permachain/attest-writer/internal/finalizer"
	"github.com/permachain/attest-writer/internal/platform/storage"
	"github.com/permachain/attest-writer/internal/uploader"
	"github.com/permachain/attest-writer/pkg/attestation"
)

func idsFor(entries []storage.QueueEntry) []int64 {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

// withoutSkipped returns entries with every row whose id appears in
// skippedIDs removed, preserving order, so the result stays aligned
// index-for-index with a signed batch that skipped the same rows.
func withoutSkipped(entries []storage.QueueEntry, skippedIDs []int64) []storage.QueueEntry {
	if len(skippedIDs) == 0 {
		return entries
	}
	skip := make(map[int64]struct{}, len(skippedIDs))
	for _, id := range skippedIDs {
		skip[id] = struct{}{}
	}
	kept := make([]storage.QueueEntry, 0, len(entries))
	for _, e := range entries {
		if _, ok := skip[e.ID]; ok {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

func toAttestationOp(op storage.Op) attestation.Op {
	if op == storage.OpUpdate {
		return attestation.OpUpdate
	}
	return attestation.OpCreate
}

func toAttestationVis(vis storage.Visibility) attestation.Visibility {
	if vis == storage.VisibilityPrivate {
		return attestation.VisibilityPrivate
	}
	return attestation.VisibilityPublic
}

func packBundle(signed []attestation.SignedRecord) ([]byte, error) {
	return bundler.Pack(signed)
}

// toFinalizerItems zips claimed queue rows, their signed records, and their
// upload outcomes into finalizer.Item in submission order. The three
// slices must be the same length and already aligned by index.
func toFinalizerItems(claimed []storage.QueueEntry, signed []attestation.SignedRecord, outcomes []uploader.Outcome) []finalizer.Item {
	items := make([]finalizer.Item, len(claimed))
	for i := range claimed {
		items[i] = finalizer.Item{QueueID: claimed[i].ID, Record: signed[i], Outcome: outcomes[i]}
	}
	return items
}
