// Package attestation defines the wire payload and bundle item formats
// shared by the signer, bundler, uploader, and finalizer.
package attestation

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Op identifies whether a record represents a create or an update to an entity.
type Op string

const (
	OpCreate Op = "C"
	OpUpdate Op = "U"
)

// Visibility controls whether the record should be indexed for public lookup.
type Visibility string

const (
	VisibilityPublic  Visibility = "pub"
	VisibilityPrivate Visibility = "priv"
)

// Manifest is the external, read-only description of an entity's current
// content, embedded into the record payload so a reader can validate the
// attestation without a second round trip to the manifest source.
type Manifest struct {
	EntityID    string            `json:"entity_id"`
	CID         string            `json:"cid"`
	ContentHash string            `json:"content_hash"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Record is the canonical payload chained onto the permanent storage network.
// Its JSON encoding (via CanonicalBytes) is what gets signed; the signature
// itself never appears inside the payload it covers. Field names follow the
// wire format: pi (entity id), ver (per-entity version), cid, op, vis, ts
// (millisecond epoch), prev_tx, prev_cid, seq, manifest.
type Record struct {
	PrevTX   *string     `json:"prev_tx"`
	PrevCID  *string     `json:"prev_cid"`
	Seq      int64       `json:"seq"`
	CID      string      `json:"cid"`
	EntityID string      `json:"pi"`
	Ver      int         `json:"ver"`
	Op       Op          `json:"op"`
	Vis      Visibility  `json:"vis"`
	TS       EpochMillis `json:"ts"`
	Manifest Manifest    `json:"manifest"`
}

// IsGenesis reports whether r is the first record on its chain.
func (r Record) IsGenesis() bool {
	return r.Seq == 1 && r.PrevTX == nil && r.PrevCID == nil
}

// CanonicalBytes returns the exact byte sequence the signer signs over.
// Go's json.Marshal emits struct fields in declaration order with no
// whitespace variance, so two callers encoding the same Record always
// produce identical bytes.
func (r Record) CanonicalBytes() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("canonicalize record: %w", err)
	}
	return b, nil
}

// SignedRecord pairs a record with the signature and content-addressed id
// produced by the signer, ready for the bundler or direct uploader.
type SignedRecord struct {
	Record    Record `json:"record"`
	Payload   []byte `json:"payload"`   // canonical bytes that were signed
	Signature []byte `json:"signature"` // deterministic signature over Payload
	Signer    string `json:"signer"`    // signer's public address
	ID        string `json:"id"`        // base64url SHA-256 of Signature
}

// Tags are the key/value pairs attached to an uploaded transaction or bundle
// item, used by downstream indexers to find attestations without replaying
// the whole chain.
type Tags map[string]string

// TagsFor returns the standard tag set for a signed record.
func TagsFor(sr SignedRecord) Tags {
	t := Tags{
		"Content-Type": "application/json",
		"App-Name":     "permachain-attest",
		"Type":         "attestation",
		"PI":           sr.Record.EntityID,
		"Ver":          strconv.Itoa(sr.Record.Ver),
		"CID":          sr.Record.CID,
		"Op":           string(sr.Record.Op),
		"Vis":          string(sr.Record.Vis),
		"Seq":          strconv.FormatInt(sr.Record.Seq, 10),
	}
	if sr.Record.PrevTX != nil {
		t["Prev-TX"] = *sr.Record.PrevTX
	}
	if sr.Record.PrevCID != nil {
		t["Prev-CID"] = *sr.Record.PrevCID
	}
	return t
}
