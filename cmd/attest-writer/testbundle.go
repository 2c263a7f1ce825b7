package main

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/permachain/attest-writer/internal/bundler"
	"github.com/permachain/attest-writer/internal/finalizer"
	"github.com/permachain/attest-writer/internal/platform/storage"
	"github.com/permachain/attest-writer/internal/signer"
	"github.com/permachain/attest-writer/pkg/attestation"
)

// handleTestBundle exercises the full sign -> bundle -> upload -> finalize
// path against an isolated test chain key with synthetic entities, each
// identified by a freshly generated ed25519 keypair's base58 address so
// entity ids look like the real network's content ids without colliding
// with anything a production run might enqueue.
func (s *Server) handleTestBundle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	count := 1
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			http.Error(w, "count must be between 1 and 100", http.StatusBadRequest)
			return
		}
		count = n
	}

	ctx := r.Context()
	start := time.Now()

	type synthetic struct {
		entityID string
		cid      string
		queueID  int64
	}
	entities := make([]synthetic, count)

	for i := 0; i < count; i++ {
		entKey, err := solana.NewRandomPrivateKey()
		if err != nil {
			s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "generate synthetic entity id: " + err.Error()})
			return
		}
		cidKey, err := solana.NewRandomPrivateKey()
		if err != nil {
			s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "generate synthetic cid: " + err.Error()})
			return
		}
		entityID := entKey.PublicKey().String()
		cid := cidKey.PublicKey().String()

		s.testSrc.Put(attestation.Manifest{
			EntityID:    entityID,
			CID:         cid,
			ContentHash: contentHash(entityID, cid),
		})

		qid, err := s.queue.Enqueue(ctx, storage.QueueEntry{
			EntityID: entityID, CID: cid, Op: storage.OpCreate, Vis: storage.VisibilityPublic, TS: time.Now(),
		})
		if err != nil {
			s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueue synthetic entity: " + err.Error()})
			return
		}
		entities[i] = synthetic{entityID: entityID, cid: cid, queueID: qid}
	}

	head, err := s.head.GetHead(ctx, testChainKey)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "get test head: " + err.Error()})
		return
	}

	items := make([]signer.QueueItem, count)
	for i, e := range entities {
		items[i] = signer.QueueItem{ID: e.queueID, EntityID: e.entityID, CID: e.cid, Op: attestation.OpCreate, Vis: attestation.VisibilityPublic, TS: time.Now()}
	}

	signed, _, _, err := s.testSigner.SignBatch(ctx, items, signer.HeadPointer{TX: head.TX, CID: head.CID, Seq: head.Seq})
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "sign synthetic batch: " + err.Error()})
		return
	}

	data, err := bundler.Pack(signed)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "pack synthetic bundle: " + err.Error()})
		return
	}

	itemIDs := make([]string, len(signed))
	for i, sr := range signed {
		itemIDs[i] = sr.ID
	}
	bundleTX, outcomes, uploadErr := s.testUploader.UploadBundle(ctx, data, itemIDs)

	finItems := make([]finalizer.Item, len(entities))
	for i, e := range entities {
		finItems[i] = finalizer.Item{QueueID: e.queueID, Record: signed[i], Outcome: outcomes[i]}
	}
	result, err := s.testFinalizer.FinalizeBundle(ctx, finItems, bundleTX, head.Seq, uploadErr)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "finalize synthetic bundle: " + err.Error()})
		return
	}

	records := make([]map[string]interface{}, len(signed))
	for i, sr := range signed {
		records[i] = map[string]interface{}{
			"id":        sr.ID,
			"entity_id": sr.Record.EntityID,
			"cid":       sr.Record.CID,
			"seq":       sr.Record.Seq,
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"chain_key":   testChainKey,
		"bundle_tx":   bundleTX,
		"succeeded":   len(result.Succeeded),
		"reverted":    len(result.Reverted),
		"records":     records,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func contentHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
