package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// FormatVersion is the on-medium layout version written by this package.
const FormatVersion = "1.0.0"

// formatConstraint accepts any journal written with the same major version.
const formatConstraint = "^1.0.0"

// Journal is the durable medium behind a Store. Only the chain is
// persisted; indexes and aggregates are rebuilt from it.
type Journal interface {
	// Load returns every persisted record in sequence order.
	Load(ctx context.Context) ([]BatchRecord, error)

	// Append persists one record. It must not return until the record is
	// durable on the medium.
	Append(ctx context.Context, rec BatchRecord) error

	Close() error
}

// CheckFormat reports whether a persisted format version can be read.
func CheckFormat(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid journal format version %q: %w", version, err)
	}
	c, err := semver.NewConstraint(formatConstraint)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("unsupported journal format version %s (want %s)", version, formatConstraint)
	}
	return nil
}

// MemoryJournal keeps records in process memory only.
type MemoryJournal struct {
	mu      sync.Mutex
	records []BatchRecord
	// FailWith, when set, makes Append fail. Used to simulate a lost medium.
	FailWith error
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (m *MemoryJournal) Load(ctx context.Context) ([]BatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BatchRecord, len(m.records))
	copy(out, m.records)
	return out, nil
}

func (m *MemoryJournal) Append(ctx context.Context, rec BatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryJournal) Close() error { return nil }
