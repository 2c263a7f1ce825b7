package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/permachain/attest-writer/internal/finalizer"
	"github.com/permachain/attest-writer/internal/notify"
	"github.com/permachain/attest-writer/internal/platform/storage"
	"github.com/permachain/attest-writer/internal/signer"
	"github.com/permachain/attest-writer/pkg/attestation"
)

// processQueue claims pending rows, signs them chained off the current
// head, and uploads them according to the configured mode, returning how
// many rows were claimed, finalized successfully, and reverted or failed.
func (o *Orchestrator) processQueue(ctx context.Context) (processed, succeeded, failed int, err error) {
	mode := string(o.cfg.Mode)

	claimed, err := o.queue.FetchPending(ctx, o.cfg.BatchSize)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("fetch pending: %w", err)
	}
	if len(claimed) == 0 {
		return 0, 0, 0, nil
	}
	processed = len(claimed)
	processedTotal.WithLabelValues(mode).Add(float64(processed))

	head, err := o.head.GetHead(ctx, o.cfg.ChainKey)
	if err != nil {
		return processed, 0, 0, fmt.Errorf("get head: %w", err)
	}

	items := make([]signer.QueueItem, len(claimed))
	for i, e := range claimed {
		items[i] = signer.QueueItem{ID: e.ID, EntityID: e.EntityID, CID: e.CID, Op: toAttestationOp(e.Op), Vis: toAttestationVis(e.Vis), TS: e.TS}
	}

	signed, skipped, _, signErr := o.signer.SignBatch(ctx, items, signer.HeadPointer{TX: head.TX, CID: head.CID, Seq: head.Seq})
	if signErr != nil {
		// The whole batch aborts on the first transient signing error: every
		// claimed row, not just the ones already signed, reverts to pending.
		ids := idsFor(claimed)
		if revErr := o.queue.RevertToPending(ctx, ids, signErr.Error()); revErr != nil {
			return processed, 0, 0, fmt.Errorf("sign batch: %w (revert also failed: %v)", signErr, revErr)
		}
		failed = len(ids)
		failedTotal.WithLabelValues(mode).Add(float64(failed))
		o.logger.Error("sign batch aborted, reverted claimed rows", "count", failed, "err", signErr)
		return processed, 0, failed, nil
	}

	// Items with a missing manifest are a permanent failure for that row
	// alone: mark them failed and drop them from the batch, leaving every
	// other row to make progress.
	if len(skipped) > 0 {
		skippedIDs := make([]int64, len(skipped))
		for i, sk := range skipped {
			skippedIDs[i] = sk.ID
		}
		if err := o.queue.MarkFailed(ctx, skippedIDs, "manifest not found"); err != nil {
			return processed, 0, 0, fmt.Errorf("mark skipped rows failed: %w", err)
		}
		failed += len(skippedIDs)
		failedTotal.WithLabelValues(mode).Add(float64(len(skippedIDs)))
		claimed = withoutSkipped(claimed, skippedIDs)
	}

	if len(claimed) == 0 {
		return processed, 0, failed, nil
	}

	ids := idsFor(claimed)
	if err := o.queue.MarkUploading(ctx, ids); err != nil {
		return processed, 0, 0, fmt.Errorf("mark uploading: %w", err)
	}

	var result finalizer.Result
	if o.cfg.Mode == ModeBundle {
		result, err = o.processBundle(ctx, claimed, signed, head.Seq)
	} else {
		result, err = o.processDirect(ctx, claimed, signed, head.Seq)
	}
	if err != nil {
		return processed, 0, failed, err
	}

	succeeded = len(result.Succeeded)
	failed += len(result.Reverted)
	succeededTotal.WithLabelValues(mode).Add(float64(succeeded))
	failedTotal.WithLabelValues(mode).Add(float64(len(result.Reverted)))

	if result.NewHead.TX != nil && o.notifier != nil {
		event := notify.HeadAdvanced{
			ChainKey: o.cfg.ChainKey,
			TX:       *result.NewHead.TX,
			Seq:      result.NewHead.Seq,
			Bundled:  o.cfg.Mode == ModeBundle,
		}
		if result.NewHead.CID != nil {
			event.CID = *result.NewHead.CID
		}
		if pubErr := o.notifier.PublishHeadAdvanced(ctx, event); pubErr != nil {
			o.logger.Warn("head-advance notification failed", "err", pubErr)
		}
	}

	return processed, succeeded, failed, nil
}

// processBundle packs as much of the signed batch as fits under
// MaxBundleSize, reverting anything deferred or not yet worth bundling back
// to pending so the next tick re-signs it against the (possibly advanced)
// head.
func (o *Orchestrator) processBundle(ctx context.Context, claimed []storage.QueueEntry, signed []attestation.SignedRecord, expectedPrevSeq int64) (finalizer.Result, error) {
	sizes := make([]int64, len(signed))
	var total int64
	for i, sr := range signed {
		sizes[i] = int64(len(sr.Payload) + len(sr.Signature))
		total += sizes[i]
	}
	oldestAge := time.Since(claimed[0].CreatedAt)

	if !o.bundleThresholds.ShouldUpload(total, oldestAge) {
		ids := idsFor(claimed)
		if err := o.queue.RequeueNoRetry(ctx, ids, "bundle thresholds not yet met"); err != nil {
			return finalizer.Result{}, fmt.Errorf("revert under-threshold batch: %w", err)
		}
		return finalizer.Result{}, nil
	}

	split := o.bundleThresholds.SplitBySize(sizes)
	head := signed[:split]
	tail := claimed[split:]

	if len(tail) > 0 {
		if err := o.queue.RequeueNoRetry(ctx, idsFor(tail), "deferred to next bundle: exceeds max bundle size"); err != nil {
			return finalizer.Result{}, fmt.Errorf("revert deferred tail: %w", err)
		}
	}

	data, err := packBundle(head)
	if err != nil {
		if revErr := o.queue.RevertToPending(ctx, idsFor(claimed[:split]), err.Error()); revErr != nil {
			return finalizer.Result{}, fmt.Errorf("pack bundle: %w (revert also failed: %v)", err, revErr)
		}
		return finalizer.Result{}, nil
	}

	itemIDs := make([]string, len(head))
	for i, sr := range head {
		itemIDs[i] = sr.ID
	}

	bundleTX, outcomes, uploadErr := o.uploader.UploadBundle(ctx, data, itemIDs)

	finItems := toFinalizerItems(claimed[:split], head, outcomes)
	return o.finalizer.FinalizeBundle(ctx, finItems, bundleTX, expectedPrevSeq, uploadErr)
}

func (o *Orchestrator) processDirect(ctx context.Context, claimed []storage.QueueEntry, signed []attestation.SignedRecord, expectedPrevSeq int64) (finalizer.Result, error) {
	outcomes := o.uploader.UploadDirect(ctx, signed)
	finItems := toFinalizerItems(claimed, signed, outcomes)
	return o.finalizer.FinalizeDirect(ctx, finItems, expectedPrevSeq)
}
