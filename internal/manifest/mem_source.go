package manifest

import (
	"context"
	"sync"

	"github.com/permachain/attest-writer/pkg/attestation"
)

// MemSource is an in-memory Source used by unit tests that don't need a real
// object store.
type MemSource struct {
	mu        sync.RWMutex
	manifests map[string]attestation.Manifest
}

// NewMemSource returns an empty in-memory manifest source.
func NewMemSource() *MemSource {
	return &MemSource{manifests: make(map[string]attestation.Manifest)}
}

// Put registers a manifest for later retrieval by Get.
func (s *MemSource) Put(m attestation.Manifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[key(m.EntityID, m.CID)] = m
}

// Get implements Source.
func (s *MemSource) Get(_ context.Context, entityID, cid string) (attestation.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[key(entityID, cid)]
	if !ok {
		return attestation.Manifest{}, ErrNotFound
	}
	return m, nil
}

func key(entityID, cid string) string {
	return entityID + "\x00" + cid
}
