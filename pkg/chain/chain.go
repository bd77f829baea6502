// Package chain implements the single canonicalization and hash-chain
// discipline shared by the audit log and the per-intent event ledger:
// stable key-sorted serialization, SHA-256 chain hashing, and HMAC
// signing with a tenant's current signing key.
//
// Both pkg/audit (per-tenant chain) and pkg/intent (per-intent chain)
// build their record hashes through this package so the chain-integrity
// rules (I6, I12) can never drift between the two call sites.
package chain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/intentgov/core/pkg/canonicalize"
)

// Genesis is the previous_hash value for the first record in any chain.
const Genesis = ""

// ErrBrokenChain's message is what VerifyChain reports in
// FirstInvalidError when a record's stored hash does not match its
// recomputed hash.
var ErrBrokenChain = errors.New("chain: record hash mismatch")

// Link is the minimal shape every chained record must expose to be
// hashed and verified uniformly.
type Link struct {
	// Sequence is the monotonic position of this record in its chain
	// (per-tenant for audit records, per-intent for event records).
	Sequence uint64
	// Fields holds every payload field that participates in the hash,
	// excluding PreviousHash and RecordHash themselves. Keys are sorted
	// canonically by the JCS transform, so field insertion order here
	// does not affect the resulting hash.
	Fields map[string]interface{}
	// PreviousHash is the RecordHash of the preceding record, or
	// Genesis for sequence 1.
	PreviousHash string
}

// ComputeHash returns SHA-256(canonical({sequence, ...fields, previous_hash})).
func ComputeHash(l Link) (string, error) {
	payload := make(map[string]interface{}, len(l.Fields)+2)
	for k, v := range l.Fields {
		payload[k] = v
	}
	payload["sequence"] = l.Sequence
	payload["previous_hash"] = l.PreviousHash

	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return "", fmt.Errorf("chain: canonicalize failed: %w", err)
	}
	return canonicalize.HashBytes(canonical), nil
}

// Sign produces an HMAC-SHA256 signature over recordHash using the
// tenant's current signing key. Signatures are advisory: they let an
// external verifier confirm a record hash was produced by a holder of
// the tenant key, on top of the chain-link integrity check that
// ComputeHash/VerifyChain already provide independent of any key material.
func Sign(key []byte, recordHash string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(recordHash))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig is a valid HMAC-SHA256 signature
// of recordHash under key.
func VerifySignature(key []byte, recordHash, sig string) bool {
	want := Sign(key, recordHash)
	return hmac.Equal([]byte(want), []byte(sig))
}

// VerifiableRecord is the shape VerifyChain needs from a stored record.
type VerifiableRecord struct {
	Sequence     uint64
	Fields       map[string]interface{}
	PreviousHash string
	RecordHash   string
}

// VerifyResult reports the outcome of scanning a chain in sequence order.
type VerifyResult struct {
	Valid             bool
	TotalVerified     int
	FirstInvalidSeq   uint64
	FirstInvalidError string
}

// VerifyChain recomputes hashes over records (expected to be supplied in
// ascending sequence order, dense starting at the first record's own
// sequence number) and reports the first point of divergence, if any.
func VerifyChain(records []VerifiableRecord) VerifyResult {
	var prevHash string
	var prevSeq uint64
	first := true

	for i, r := range records {
		if !first {
			if r.Sequence != prevSeq+1 {
				return VerifyResult{
					Valid:             false,
					TotalVerified:     i,
					FirstInvalidSeq:   r.Sequence,
					FirstInvalidError: "sequence gap",
				}
			}
			if r.PreviousHash != prevHash {
				return VerifyResult{
					Valid:             false,
					TotalVerified:     i,
					FirstInvalidSeq:   r.Sequence,
					FirstInvalidError: "previous_hash does not match prior record hash",
				}
			}
		} else if r.Sequence <= 1 && r.PreviousHash != Genesis {
			return VerifyResult{
				Valid:             false,
				TotalVerified:     i,
				FirstInvalidSeq:   r.Sequence,
				FirstInvalidError: "first record must chain from genesis",
			}
		}

		got, err := ComputeHash(Link{Sequence: r.Sequence, Fields: r.Fields, PreviousHash: r.PreviousHash})
		if err != nil {
			return VerifyResult{
				Valid:             false,
				TotalVerified:     i,
				FirstInvalidSeq:   r.Sequence,
				FirstInvalidError: err.Error(),
			}
		}
		if got != r.RecordHash {
			return VerifyResult{
				Valid:             false,
				TotalVerified:     i,
				FirstInvalidSeq:   r.Sequence,
				FirstInvalidError: ErrBrokenChain.Error(),
			}
		}

		prevHash = r.RecordHash
		prevSeq = r.Sequence
		first = false
	}

	return VerifyResult{Valid: true, TotalVerified: len(records)}
}
