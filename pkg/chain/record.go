// Package chain implements the append-only, hash-chained batch ledger.
//
// Every record commits to its predecessor through PrevHash, so corruption or
// removal of any intermediate record is detectable by replaying the chain
// from genesis.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// GenesisHash is the PrevHash of the record at sequence 0.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	ErrNotFound           = errors.New("record not found")
	ErrDuplicateBatchID   = errors.New("duplicate batch id")
	ErrChainBroken        = errors.New("hash chain is broken")
	ErrInvalidRecord      = errors.New("invalid record")
	ErrStorageUnavailable = errors.New("chain storage unavailable")
)

// BatchRecord is a single immutable entry in the chain.
type BatchRecord struct {
	BatchID    string    `json:"batch_id"`
	Payload    string    `json:"payload"`
	PrevHash   string    `json:"prev_hash"`
	RecordHash string    `json:"record_hash"`
	Sequence   uint64    `json:"sequence_number"`
	Timestamp  time.Time `json:"timestamp"`
}

// hashable is the committed part of a record. Timestamp is informational
// and deliberately left out.
type hashable struct {
	BatchID  string `json:"batch_id"`
	Payload  string `json:"payload"`
	PrevHash string `json:"prev_hash"`
	Sequence uint64 `json:"sequence_number"`
}

// ComputeHash returns the hex SHA-256 of the RFC 8785 canonical form of
// (batchID, payload, prevHash, seq).
func ComputeHash(batchID, payload, prevHash string, seq uint64) (string, error) {
	raw, err := json.Marshal(hashable{
		BatchID:  batchID,
		Payload:  payload,
		PrevHash: prevHash,
		Sequence: seq,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal record for hashing: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize record: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Verify replays records from genesis and checks sequence continuity,
// linkage and every record hash.
func Verify(records []BatchRecord) error {
	expectedPrev := GenesisHash
	seen := make(map[string]struct{}, len(records))
	for i, rec := range records {
		if rec.Sequence != uint64(i) {
			return fmt.Errorf("%w: position %d has sequence %d", ErrChainBroken, i, rec.Sequence)
		}
		if rec.PrevHash != expectedPrev {
			return fmt.Errorf("%w: record %d has prev_hash %s but expected %s",
				ErrChainBroken, i, rec.PrevHash, expectedPrev)
		}
		computed, err := ComputeHash(rec.BatchID, rec.Payload, rec.PrevHash, rec.Sequence)
		if err != nil {
			return fmt.Errorf("%w: record %d hash computation failed: %w", ErrChainBroken, i, err)
		}
		if computed != rec.RecordHash {
			return fmt.Errorf("%w: record %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, rec.RecordHash)
		}
		if _, dup := seen[rec.BatchID]; dup {
			return fmt.Errorf("%w: batch id %q appears twice", ErrChainBroken, rec.BatchID)
		}
		seen[rec.BatchID] = struct{}{}
		expectedPrev = rec.RecordHash
	}
	return nil
}
