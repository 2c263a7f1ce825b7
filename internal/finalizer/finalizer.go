// Package finalizer commits the outcome of an upload attempt back into
// durable state: advancing the chain head, deleting or reverting queue
// rows, writing lookup-index entries, and registering bundles for seeding
// verification.
package finalizer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/permachain/attest-writer/internal/index"
	"github.com/permachain/attest-writer/internal/platform/storage"
	"github.com/permachain/attest-writer/internal/uploader"
	"github.com/permachain/attest-writer/pkg/attestation"
)

// Item bundles a queue row's id with the signed record the signer produced
// for it and the upload outcome the uploader reported, in batch order.
type Item struct {
	QueueID int64
	Record  attestation.SignedRecord
	Outcome uploader.Outcome
}

// Result reports what a finalize call committed.
type Result struct {
	Succeeded []int64 // queue ids deleted
	Reverted  []int64 // queue ids reverted to pending
	NewHead   storage.ChainHead
}

// Finalizer commits signed, uploaded batches into the chain head, queue, and
// lookup index.
type Finalizer struct {
	db       *storage.DB
	queue    *storage.QueueStore
	head     *storage.ChainHeadStore
	bundles  *storage.TrackedBundleStore
	index    *index.Index
	chainKey string
	logger   *slog.Logger
}

// New returns a Finalizer operating on chainKey.
func New(db *storage.DB, queue *storage.QueueStore, head *storage.ChainHeadStore,
	bundles *storage.TrackedBundleStore, idx *index.Index, chainKey string, logger *slog.Logger) *Finalizer {
	if chainKey == "" {
		chainKey = storage.DefaultChainKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{
		db: db, queue: queue, head: head, bundles: bundles, index: idx,
		chainKey: chainKey, logger: logger.With("component", "finalizer"),
	}
}

// FinalizeDirect applies the longest-successful-prefix rule: items are
// expected in the exact order they were signed, each one's record chained
// off the one before it. The run stops at the first failed outcome; that
// item and everything after it reverts to pending with retry_count++, even
// if a later item's upload happened to succeed, since its prev_tx points at
// a record that will never be confirmed on-chain.
func (f *Finalizer) FinalizeDirect(ctx context.Context, items []Item, expectedPrevSeq int64) (Result, error) {
	if len(items) == 0 {
		return Result{}, nil
	}

	prefixLen := 0
	for _, it := range items {
		if !it.Outcome.Success {
			break
		}
		prefixLen++
	}

	succeeded := items[:prefixLen]
	reverted := items[prefixLen:]

	var result Result
	if len(succeeded) > 0 {
		last := succeeded[len(succeeded)-1]
		newHead, err := f.advanceHead(ctx, expectedPrevSeq, last.Outcome.TxID, last.Record.Record.CID, last.Record.Record.Seq)
		if err != nil {
			return Result{}, fmt.Errorf("finalize direct: advance head: %w", err)
		}
		result.NewHead = newHead

		ids := make([]int64, len(succeeded))
		for i, it := range succeeded {
			ids[i] = it.QueueID
		}
		if err := f.queue.Delete(ctx, ids); err != nil {
			return Result{}, fmt.Errorf("finalize direct: delete succeeded rows: %w", err)
		}
		result.Succeeded = ids

		if err := f.writeIndexEntries(ctx, succeeded, false); err != nil {
			f.logger.Error("index write failed after commit", "err", err)
		}
	}

	if len(reverted) > 0 {
		ids := make([]int64, len(reverted))
		for i, it := range reverted {
			ids[i] = it.QueueID
			reason := "upload failed"
			if it.Outcome.Error != nil {
				reason = it.Outcome.Error.Error()
			}
			f.logger.Warn("reverting queue row to pending", "queue_id", it.QueueID, "reason", reason)
		}
		if err := f.queue.RevertToPending(ctx, ids, "upload failed or chain broken by an earlier failure"); err != nil {
			return Result{}, fmt.Errorf("finalize direct: revert failed rows: %w", err)
		}
		result.Reverted = ids
	}

	return result, nil
}

// FinalizeBundle commits an all-or-nothing bundle outcome: on success every
// item's record is chained in, the head advances to the bundle's last
// record, and the bundle is registered for seeding verification; on failure
// every item reverts to pending.
func (f *Finalizer) FinalizeBundle(ctx context.Context, items []Item, bundleTX string, expectedPrevSeq int64, uploadErr error) (Result, error) {
	if len(items) == 0 {
		return Result{}, nil
	}

	if uploadErr != nil {
		ids := make([]int64, len(items))
		for i, it := range items {
			ids[i] = it.QueueID
		}
		if err := f.queue.RevertToPending(ctx, ids, uploadErr.Error()); err != nil {
			return Result{}, fmt.Errorf("finalize bundle: revert rows: %w", err)
		}
		return Result{Reverted: ids}, nil
	}

	last := items[len(items)-1]
	newHead, err := f.advanceHead(ctx, expectedPrevSeq, last.Record.ID, last.Record.Record.CID, last.Record.Record.Seq)
	if err != nil {
		return Result{}, fmt.Errorf("finalize bundle: advance head: %w", err)
	}

	ids := make([]int64, len(items))
	bundleItems := make([]storage.BundleItem, len(items))
	for i, it := range items {
		ids[i] = it.QueueID
		bundleItems[i] = storage.BundleItem{EntityID: it.Record.Record.EntityID, CID: it.Record.Record.CID}
	}

	if err := f.queue.Delete(ctx, ids); err != nil {
		return Result{}, fmt.Errorf("finalize bundle: delete rows: %w", err)
	}

	if _, err := f.bundles.Track(ctx, bundleTX, bundleItems, time.Now()); err != nil {
		return Result{}, fmt.Errorf("finalize bundle: track for seeding verification: %w", err)
	}

	if err := f.writeIndexEntries(ctx, items, true); err != nil {
		f.logger.Error("index write failed after commit", "err", err)
	}

	return Result{Succeeded: ids, NewHead: newHead}, nil
}

// advanceHead locks the head, checks it still matches the seq the batch was
// signed against (a race means another finalize beat this one; the caller
// must re-sign against the new head rather than advancing from stale state),
// and advances it to newTX/newCID/newSeq.
func (f *Finalizer) advanceHead(ctx context.Context, expectedPrevSeq int64, newTX, newCID string, newSeq int64) (storage.ChainHead, error) {
	var newHead storage.ChainHead
	err := f.db.WithTx(ctx, func(tx pgx.Tx) error {
		locked, err := f.head.LockHead(ctx, tx, f.chainKey)
		if err != nil {
			return fmt.Errorf("lock head: %w", err)
		}
		if locked.Seq != expectedPrevSeq {
			return fmt.Errorf("head moved from seq %d to %d since signing; batch is stale", expectedPrevSeq, locked.Seq)
		}
		if err := f.head.AdvanceHead(ctx, tx, f.chainKey, newTX, newCID, newSeq); err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		newHead = storage.ChainHead{Key: f.chainKey, TX: &newTX, CID: &newCID, Seq: newSeq}
		return nil
	})
	return newHead, err
}

// writeIndexEntries populates the lookup index for every finalized record.
// Index writes happen after the database commit: a missed index entry is
// recoverable (the record is already durably chained), while an
// uncommitted chain advance is not.
func (f *Finalizer) writeIndexEntries(ctx context.Context, items []Item, bundled bool) error {
	for _, it := range items {
		rec := it.Record.Record
		e := index.Entry{
			CID:     rec.CID,
			TX:      it.Outcome.TxID,
			Seq:     rec.Seq,
			Ver:     rec.Ver,
			TS:      rec.TS.Time().UnixMilli(),
			Bundled: bundled,
		}
		if err := f.index.PutRecord(ctx, rec.EntityID, rec.Ver, e); err != nil {
			return fmt.Errorf("put index entry for entity %s: %w", rec.EntityID, err)
		}
	}
	return nil
}
