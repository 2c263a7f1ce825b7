// Package wallet manages the signing key used to chain attestation records
// and the balance checks that gate admission into the processing pipeline.
package wallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidPrivateKey is returned when a configured hex key cannot be
// parsed into a secp256k1 private key.
var ErrInvalidPrivateKey = errors.New("wallet: invalid private key")

// Wallet holds the secp256k1 keypair used to sign every record on the chain.
// Signing with go-ethereum/crypto.Sign is deterministic (RFC 6979): the same
// key and hash always produce the same signature, which the spec requires
// for reproducible record ids.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address string
}

// New wraps an already-parsed private key.
func New(key *ecdsa.PrivateKey) *Wallet {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return &Wallet{key: key, address: addr.Hex()}
}

// FromHex loads a wallet from a hex-encoded secp256k1 private key, with or
// without a leading "0x".
func FromHex(hexKey string) (*Wallet, error) {
	key, err := crypto.HexToECDSA(trim0x(hexKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return New(key), nil
}

// Generate creates a fresh wallet. Used by the admin test-bundle endpoint
// and by tests; production deployments load a key via FromHex.
func Generate() (*Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate wallet key: %w", err)
	}
	return New(key), nil
}

// Address returns the wallet's hex-encoded public address.
func (w *Wallet) Address() string {
	return w.address
}

// Sign produces a deterministic 65-byte (r||s||v) signature over a 32-byte
// hash. Callers that need a fixed-length signature for content-addressing
// should hash Payload themselves (see internal/signer) before calling Sign.
func (w *Wallet) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("wallet: sign requires a 32-byte hash, got %d bytes", len(hash))
	}
	sig, err := crypto.Sign(hash, w.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// mustHex is a small helper used by tests to render raw bytes for assertions.
func mustHex(b []byte) string {
	return hex.EncodeToString(b)
}
