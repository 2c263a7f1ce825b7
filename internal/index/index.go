// Package index provides the Redis-backed lookup index that the finalizer
// populates and the signer's version resolver reads, plus a secondary
// last-writer-wins cache of the chain head for fast reads that don't need
// linearizability.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/permachain/attest-writer/pkg/attestation"
)

const (
	keyEntityVersion = "attest:"    // attest:{entity_id}:{ver}
	keyEntityLatest  = "attest:"    // attest:{entity_id}:latest
	keyChainHead     = "chainhead:" // chainhead:{chain_key}
)

// Entry is the value stored at both the per-version and latest lookup keys.
type Entry struct {
	CID     string `json:"cid"`
	TX      string `json:"tx"`
	Seq     int64  `json:"seq"`
	Ver     int    `json:"ver"`
	TS      int64  `json:"ts"`
	Bundled bool   `json:"bundled"`
}

// HeadCacheEntry is the secondary, non-authoritative mirror of the chain head.
type HeadCacheEntry struct {
	TX        *string   `json:"tx"`
	CID       *string   `json:"cid"`
	Seq       int64     `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Index wraps a redis.Client with the key conventions the write path uses.
type Index struct {
	client *redis.Client
}

// New wraps an already-constructed redis.Client.
func New(client *redis.Client) *Index {
	return &Index{client: client}
}

// Connect dials addr and verifies connectivity, following the same
// Ping-on-construct pattern the rest of the platform layer uses.
func Connect(ctx context.Context, addr, password string, db int) (*Index, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Index{client: client}, nil
}

// Close releases the underlying connection pool.
func (idx *Index) Close() error {
	return idx.client.Close()
}

func versionKey(entityID string, ver int) string {
	return fmt.Sprintf("%s%s:%d", keyEntityVersion, entityID, ver)
}

func latestKey(entityID string) string {
	return fmt.Sprintf("%s%s:latest", keyEntityLatest, entityID)
}

func headCacheKey(chainKey string) string {
	return keyChainHead + chainKey
}

// PutRecord writes both the versioned and :latest lookup-index entries for a
// successfully finalized record, in a single pipelined round trip.
func (idx *Index) PutRecord(ctx context.Context, entityID string, ver int, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal index entry: %w", err)
	}

	pipe := idx.client.TxPipeline()
	pipe.Set(ctx, versionKey(entityID, ver), data, 0)
	pipe.Set(ctx, latestKey(entityID), data, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write index entries: %w", err)
	}
	return nil
}

// GetVersion returns the indexed entry for a specific entity version.
func (idx *Index) GetVersion(ctx context.Context, entityID string, ver int) (Entry, bool, error) {
	return idx.get(ctx, versionKey(entityID, ver))
}

// GetLatest returns the indexed entry for an entity's most recent version.
func (idx *Index) GetLatest(ctx context.Context, entityID string) (Entry, bool, error) {
	return idx.get(ctx, latestKey(entityID))
}

func (idx *Index) get(ctx context.Context, key string) (Entry, bool, error) {
	data, err := idx.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get index entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal index entry: %w", err)
	}
	return e, true, nil
}

// NextVersion implements signer.VersionResolver: a create always starts a
// fresh version 1 (self-healing if one already existed, since a dedup'd
// re-queue after a seeding failure must still produce a usable version); an
// update continues from whatever version is currently latest.
func (idx *Index) NextVersion(ctx context.Context, entityID string, op attestation.Op) (int, error) {
	if op == attestation.OpCreate {
		return 1, nil
	}

	latest, ok, err := idx.GetLatest(ctx, entityID)
	if err != nil {
		return 0, fmt.Errorf("resolve next version: %w", err)
	}
	if !ok {
		return 1, nil
	}
	return latest.Ver + 1, nil
}

// SetHeadCache mirrors the authoritative chain head into the secondary
// last-writer-wins cache. Never treated as authoritative by any reader.
func (idx *Index) SetHeadCache(ctx context.Context, chainKey string, e HeadCacheEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal head cache entry: %w", err)
	}
	if err := idx.client.Set(ctx, headCacheKey(chainKey), data, 0).Err(); err != nil {
		return fmt.Errorf("set head cache: %w", err)
	}
	return nil
}

// GetHeadCache reads the secondary chain-head mirror.
func (idx *Index) GetHeadCache(ctx context.Context, chainKey string) (HeadCacheEntry, bool, error) {
	data, err := idx.client.Get(ctx, headCacheKey(chainKey)).Bytes()
	if err == redis.Nil {
		return HeadCacheEntry{}, false, nil
	}
	if err != nil {
		return HeadCacheEntry{}, false, fmt.Errorf("get head cache: %w", err)
	}

	var e HeadCacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return HeadCacheEntry{}, false, fmt.Errorf("unmarshal head cache entry: %w", err)
	}
	return e, true, nil
}
