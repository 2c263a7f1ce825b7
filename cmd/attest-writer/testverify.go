package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/permachain/attest-writer/internal/platform/storage"
)

// handleTestVerify inspects tracked bundles awaiting seeding confirmation
// (GET) or injects a synthetic one (POST), for exercising the verifier's
// grace-period and timeout logic without waiting on a real upload.
func (s *Server) handleTestVerify(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listTrackedBundles(w, r)
	case http.MethodPost:
		s.injectTrackedBundle(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listTrackedBundles(w http.ResponseWriter, r *http.Request) {
	due, err := s.bundles.PendingDueForCheck(r.Context(), 100)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"pending": due})
}

type injectBundleRequest struct {
	BundleTX   string               `json:"bundle_tx"`
	Items      []storage.BundleItem `json:"items"`
	UploadedAt *time.Time           `json:"uploaded_at"`
}

func (s *Server) injectTrackedBundle(w http.ResponseWriter, r *http.Request) {
	var req injectBundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.BundleTX == "" || len(req.Items) == 0 {
		http.Error(w, "bundle_tx and items are required", http.StatusBadRequest)
		return
	}

	uploadedAt := time.Now()
	if req.UploadedAt != nil {
		uploadedAt = *req.UploadedAt
	}

	id, err := s.bundles.Track(r.Context(), req.BundleTX, req.Items, uploadedAt)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id})
}
