// Package crypto implements the MCP-ZERO hashing and signing contract
// (spec §6, §9 Cryptography). It fixes the on-disk/on-wire shape — hex
// SHA-256 content hashes, base64 ed25519 signatures over an
// operation-tagged canonical payload — the way the teacher's wallet.go
// fixes ed25519 + SHA-256/RIPEMD-160 as its address scheme while leaving
// derivation paths pluggable. Any asymmetric primitive with equivalent
// collision/forgery resistance could stand in for ed25519 here without
// changing the contract.
package crypto

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mcp-zero/mcpzero/internal/errs"
)

// HashHex returns the hex SHA-256 digest of data.
func HashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalMetadata renders a metadata map deterministically: keys sorted,
// compact JSON. Used where a hash must commit to a map (for example node
// metadata) so two equal maps always hash identically regardless of
// Go's randomized map iteration order.
func CanonicalMetadata(meta map[string]any) string {
	if len(meta) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]struct {
		K string `json:"k"`
		V any    `json:"v"`
	}, len(keys))
	for i, k := range keys {
		ordered[i].K = k
		ordered[i].V = meta[k]
	}
	b, err := json.Marshal(ordered)
	if err != nil {
		// metadata values are always JSON-marshalable application data;
		// a failure here indicates a caller bug, not a runtime condition.
		return fmt.Sprintf("%v", meta)
	}
	return string(b)
}

// KeyPair is an ed25519 signing identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh signing identity.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return nil, errs.Wrap(errs.InternalCrypto, "generate keypair", err)
	}
	return &KeyPair{Public: pub, private: priv}, nil
}

// CanonicalPayload builds the bytes a signature actually covers: the
// operation tag followed by the canonical JSON of the payload. Every agent
// lifecycle operation signs over a tagged payload (§4.14,
// §6) so a signature for one operation can never be replayed as another.
func CanonicalPayload(operation string, payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(errs.InternalCrypto, "marshal payload", err)
	}
	return append([]byte(operation+":"), b...), nil
}

// Sign produces a base64 signature over operation+payload.
func (kp *KeyPair) Sign(operation string, payload any) (string, error) {
	data, err := CanonicalPayload(operation, payload)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(kp.private, data)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature against a public key and tagged payload.
func Verify(pub ed25519.PublicKey, operation string, payload any, signatureB64 string) (bool, error) {
	data, err := CanonicalPayload(operation, payload)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, errs.Wrap(errs.Integrity, "decode signature", err)
	}
	return ed25519.Verify(pub, data, sig), nil
}

// PublicKeyB64 renders a public key as base64 for storage/transmission.
func PublicKeyB64(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// ParsePublicKeyB64 reverses PublicKeyB64.
func ParsePublicKeyB64(s string) (ed25519.PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errs.Wrap(errs.Integrity, "decode public key", err)
	}
	return ed25519.PublicKey(b), nil
}
