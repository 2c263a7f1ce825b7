package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DefaultChainKey is the single chain key used when the writer is not
// sharding attestations across multiple independent chains.
const DefaultChainKey = "head"

// ChainHeadStore provides linearizable access to the chain head: the single
// authoritative (tx, cid, seq) pointer new records are chained off of.
type ChainHeadStore struct {
	db *DB
}

// NewChainHeadStore returns a ChainHeadStore backed by db.
func NewChainHeadStore(db *DB) *ChainHeadStore {
	return &ChainHeadStore{db: db}
}

// GetHead returns the current head for key, or the genesis value if the key
// has never advanced.
func (s *ChainHeadStore) GetHead(ctx context.Context, key string) (ChainHead, error) {
	const sql = `SELECT key, tx, cid, seq, updated_at FROM chain_head WHERE key = $1`
	var h ChainHead
	err := s.db.pool.QueryRow(ctx, sql, key).Scan(&h.Key, &h.TX, &h.CID, &h.Seq, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return GenesisHead(key), nil
	}
	if err != nil {
		return ChainHead{}, fmt.Errorf("get head: %w", err)
	}
	return h, nil
}

// LockHead returns the current head for key within tx, holding a row lock
// until the transaction ends. Callers use this to read-modify-write the head
// without a concurrent finalizer racing them onto the same seq.
func (s *ChainHeadStore) LockHead(ctx context.Context, tx pgx.Tx, key string) (ChainHead, error) {
	const sql = `SELECT key, tx, cid, seq, updated_at FROM chain_head WHERE key = $1 FOR UPDATE`
	var h ChainHead
	err := tx.QueryRow(ctx, sql, key).Scan(&h.Key, &h.TX, &h.CID, &h.Seq, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// No row yet: insert the genesis row and take its lock.
		const insertSQL = `
			INSERT INTO chain_head (key, tx, cid, seq) VALUES ($1, NULL, NULL, 0)
			ON CONFLICT (key) DO NOTHING
		`
		if _, err := tx.Exec(ctx, insertSQL, key); err != nil {
			return ChainHead{}, fmt.Errorf("insert genesis head: %w", err)
		}
		if err := tx.QueryRow(ctx, sql, key).Scan(&h.Key, &h.TX, &h.CID, &h.Seq, &h.UpdatedAt); err != nil {
			return ChainHead{}, fmt.Errorf("lock genesis head: %w", err)
		}
		return h, nil
	}
	if err != nil {
		return ChainHead{}, fmt.Errorf("lock head: %w", err)
	}
	return h, nil
}

// AdvanceHead updates the head for key to the given tx/cid/seq within tx. The
// caller is responsible for having locked the row via LockHead first and for
// verifying newSeq is exactly one greater than the locked value.
func (s *ChainHeadStore) AdvanceHead(ctx context.Context, tx pgx.Tx, key, newTX, newCID string, newSeq int64) error {
	const sql = `
		UPDATE chain_head
		SET tx = $2, cid = $3, seq = $4, updated_at = NOW()
		WHERE key = $1
	`
	if _, err := tx.Exec(ctx, sql, key, newTX, newCID, newSeq); err != nil {
		return fmt.Errorf("advance head: %w", err)
	}
	return nil
}

// Reset clears the head for key back to genesis. Used only by the
// synthetic-entity admin test endpoint, never by production processing.
func (s *ChainHeadStore) Reset(ctx context.Context, key string) error {
	const sql = `
		UPDATE chain_head SET tx = NULL, cid = NULL, seq = 0, updated_at = NOW() WHERE key = $1
	`
	if _, err := s.db.pool.Exec(ctx, sql, key); err != nil {
		return fmt.Errorf("reset head: %w", err)
	}
	return nil
}
