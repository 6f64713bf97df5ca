// Package archive exports verified chain snapshots to off-site storage.
//
// Snapshots are content addressed: a sink stores the JSON document under its
// SHA-256 digest and returns a "sha256:<hex>" reference.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lucks-13/foodtrace-capstone/pkg/chain"
)

const refPrefix = "sha256:"

var (
	ErrBrokenChain      = errors.New("refusing to archive a broken chain")
	ErrInvalidSnapshot  = errors.New("invalid snapshot")
	ErrDigestMismatch   = errors.New("snapshot digest mismatch")
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Snapshot is the archived form of the chain.
type Snapshot struct {
	FormatVersion string              `json:"format_version"`
	ExportedAt    time.Time           `json:"exported_at"`
	Length        int                 `json:"length"`
	Head          string              `json:"head"`
	Records       []chain.BatchRecord `json:"records"`
}

// Sink stores snapshot documents by content digest.
type Sink interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
}

// Result describes a completed export.
type Result struct {
	Ref    string `json:"ref"`
	Length int    `json:"length"`
	Head   string `json:"head"`
	Bytes  int    `json:"bytes"`
}

// Export verifies records and writes them to sink as one snapshot.
func Export(ctx context.Context, records []chain.BatchRecord, sink Sink, now time.Time) (Result, error) {
	if err := chain.Verify(records); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrBrokenChain, err)
	}
	head := chain.GenesisHash
	if len(records) > 0 {
		head = records[len(records)-1].RecordHash
	}
	snap := Snapshot{
		FormatVersion: chain.FormatVersion,
		ExportedAt:    now.UTC(),
		Length:        len(records),
		Head:          head,
		Records:       records,
	}
	if snap.Records == nil {
		snap.Records = []chain.BatchRecord{}
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	ref, err := sink.Put(ctx, data)
	if err != nil {
		return Result{}, fmt.Errorf("store snapshot: %w", err)
	}
	return Result{Ref: ref, Length: snap.Length, Head: head, Bytes: len(data)}, nil
}

// ReadSnapshot decodes a snapshot, checks its format version and replays
// the chain it carries.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	var snap Snapshot
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	if err := chain.CheckFormat(snap.FormatVersion); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	if snap.Length != len(snap.Records) {
		return nil, fmt.Errorf("%w: header says %d records, found %d", ErrInvalidSnapshot, snap.Length, len(snap.Records))
	}
	if err := chain.Verify(snap.Records); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	head := chain.GenesisHash
	if n := len(snap.Records); n > 0 {
		head = snap.Records[n-1].RecordHash
	}
	if snap.Head != head {
		return nil, fmt.Errorf("%w: head %s does not match last record %s", ErrInvalidSnapshot, snap.Head, head)
	}
	return &snap, nil
}

// Fetch loads and verifies a snapshot from sink.
func Fetch(ctx context.Context, sink Sink, ref string) (*Snapshot, error) {
	data, err := sink.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return ReadSnapshot(bytes.NewReader(data))
}

// digest returns the reference and hex digest of data.
func digest(data []byte) (string, string) {
	sum := sha256.Sum256(data)
	h := hex.EncodeToString(sum[:])
	return refPrefix + h, h
}

// parseRef extracts the hex digest from a "sha256:<hex>" reference.
func parseRef(ref string) (string, error) {
	h, ok := strings.CutPrefix(ref, refPrefix)
	if !ok || len(h) != sha256.Size*2 {
		return "", fmt.Errorf("invalid snapshot reference %q", ref)
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", fmt.Errorf("invalid snapshot reference %q: %w", ref, err)
	}
	return h, nil
}

// checkDigest guards against corrupted or substituted objects.
func checkDigest(ref string, data []byte) error {
	got, _ := digest(data)
	if got != ref {
		return fmt.Errorf("%w: want %s, got %s", ErrDigestMismatch, ref, got)
	}
	return nil
}

func objectName(hexDigest string) string {
	return "snapshot-" + hexDigest + ".json"
}
