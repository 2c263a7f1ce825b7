// Package manifest provides read-only access to the external content
// manifests the signer embeds into each attestation record.
package manifest

import (
	"context"
	"errors"

	"github.com/permachain/attest-writer/pkg/attestation"
)

// ErrNotFound is returned when no manifest exists for the requested entity/cid.
var ErrNotFound = errors.New("manifest: not found")

// Source is a read-only view onto the system of record for entity content.
// The writer never mutates manifests; it only reads them to embed into
// signed records.
type Source interface {
	Get(ctx context.Context, entityID, cid string) (attestation.Manifest, error)
}
