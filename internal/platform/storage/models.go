package storage

import "time"

// QueueStatus is the state of a queue entry in the attestation write path.
type QueueStatus string

const (
	QueueStatusPending   QueueStatus = "pending"
	QueueStatusSigning   QueueStatus = "signing"
	QueueStatusUploading QueueStatus = "uploading"
	QueueStatusFailed    QueueStatus = "failed"
)

// Op identifies whether a queue entry represents a create or an update.
type Op string

const (
	OpCreate Op = "C"
	OpUpdate Op = "U"
)

// Visibility controls whether an attestation record is publicly readable.
type Visibility string

const (
	VisibilityPublic  Visibility = "pub"
	VisibilityPrivate Visibility = "priv"
)

// QueueEntry is a pending attestation request, persisted with a state machine
// that tracks its progress from submission through signing, upload, and either
// deletion (on success) or reversion to pending (on recoverable failure).
type QueueEntry struct {
	ID           int64       `db:"id"`
	EntityID     string      `db:"entity_id"`
	CID          string      `db:"cid"`
	Op           Op          `db:"op"`
	Vis          Visibility  `db:"vis"`
	TS           time.Time   `db:"ts"`
	Status       QueueStatus `db:"status"`
	RetryCount   int32       `db:"retry_count"`
	ErrorMessage *string     `db:"error_message"`
	CreatedAt    time.Time   `db:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at"`
}

// QueueStats summarizes queue depth by status, reported on the admin health endpoint.
type QueueStats struct {
	Pending    int64
	Signing    int64
	Uploading  int64
	Failed     int64
	Total      int64
}

// ChainHead is the single authoritative pointer for a chain key. Absent rows
// resolve to the genesis value {nil, nil, 0}.
type ChainHead struct {
	Key       string    `db:"key"`
	TX        *string   `db:"tx"`
	CID       *string   `db:"cid"`
	Seq       int64     `db:"seq"`
	UpdatedAt time.Time `db:"updated_at"`
}

// GenesisHead returns the zero-value head for a chain key that has never advanced.
func GenesisHead(key string) ChainHead {
	return ChainHead{Key: key, Seq: 0}
}

// BundleVerificationStatus is the outcome of the seeding verifier's periodic check.
type BundleVerificationStatus string

const (
	BundleStatusPending  BundleVerificationStatus = "pending"
	BundleStatusVerified BundleVerificationStatus = "verified"
	BundleStatusFailed   BundleVerificationStatus = "failed"
)

// BundleItem identifies one attestation record packed into a tracked bundle,
// by the entity/content pair the seeding verifier re-queues on timeout.
type BundleItem struct {
	EntityID string `db:"entity_id" json:"entity_id"`
	CID      string `db:"cid" json:"cid"`
}

// TrackedBundle is a bundle transaction awaiting seeding confirmation.
type TrackedBundle struct {
	ID         int64                     `db:"id"`
	BundleTX   string                    `db:"bundle_tx"`
	Items      []BundleItem              `db:"items"` // JSONB
	ItemCount  int32                     `db:"item_count"`
	UploadedAt time.Time                 `db:"uploaded_at"`
	CheckCount int32                     `db:"check_count"`
	Status     BundleVerificationStatus  `db:"status"`
	VerifiedAt *time.Time                `db:"verified_at"`
	FailedAt   *time.Time                `db:"failed_at"`
}
