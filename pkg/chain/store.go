package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Store is the in-memory view of the chain, written through to a Journal.
// Records are kept in a contiguous slice keyed by sequence number.
type Store struct {
	mu      sync.RWMutex
	records []BatchRecord
	ids     map[string]uint64
	head    string
	journal Journal
	clock   func() time.Time
	logger  *slog.Logger
	// failed latches the first journal write error; the in-memory view and
	// the medium may have diverged, so no further appends are accepted.
	failed error
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the clock used for record timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open replays the journal and returns a store positioned at its tail.
// A nil journal yields an in-memory store.
func Open(ctx context.Context, journal Journal, opts ...Option) (*Store, error) {
	if journal == nil {
		journal = NewMemoryJournal()
	}
	s := &Store{
		ids:     make(map[string]uint64),
		head:    GenesisHash,
		journal: journal,
		clock:   time.Now,
		logger:  slog.Default().With("component", "chain"),
	}
	for _, opt := range opts {
		opt(s)
	}

	records, err := journal.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load journal: %w", err)
	}
	if err := Verify(records); err != nil {
		return nil, err
	}
	for _, rec := range records {
		s.ids[rec.BatchID] = rec.Sequence
		s.head = rec.RecordHash
	}
	s.records = records
	s.logger.InfoContext(ctx, "chain loaded", "length", len(records), "head", s.head)
	return s, nil
}

// Append links a new record to the current head and persists it.
func (s *Store) Append(ctx context.Context, batchID, payload string) (BatchRecord, error) {
	if batchID == "" {
		return BatchRecord{}, fmt.Errorf("%w: batch id is empty", ErrInvalidRecord)
	}
	if payload == "" {
		return BatchRecord{}, fmt.Errorf("%w: payload is empty", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed != nil {
		return BatchRecord{}, fmt.Errorf("%w: %w", ErrStorageUnavailable, s.failed)
	}
	if seq, exists := s.ids[batchID]; exists {
		return BatchRecord{}, fmt.Errorf("%w: %q already at sequence %d", ErrDuplicateBatchID, batchID, seq)
	}

	seq := uint64(len(s.records))
	hash, err := ComputeHash(batchID, payload, s.head, seq)
	if err != nil {
		return BatchRecord{}, err
	}
	rec := BatchRecord{
		BatchID:    batchID,
		Payload:    payload,
		PrevHash:   s.head,
		RecordHash: hash,
		Sequence:   seq,
		Timestamp:  s.clock().UTC(),
	}

	// Once the write lock is held the append runs to completion; a caller
	// going away must not be mistaken for a failed medium.
	if err := s.journal.Append(context.WithoutCancel(ctx), rec); err != nil {
		s.failed = err
		s.logger.ErrorContext(ctx, "journal append failed, refusing further writes",
			"batch_id", batchID, "sequence", seq, "error", err)
		return BatchRecord{}, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	s.records = append(s.records, rec)
	s.ids[batchID] = seq
	s.head = hash
	return rec, nil
}

// GetBySequence returns the record at position n.
func (s *Store) GetBySequence(n uint64) (BatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n >= uint64(len(s.records)) {
		return BatchRecord{}, fmt.Errorf("%w: sequence %d (length %d)", ErrNotFound, n, len(s.records))
	}
	return s.records[n], nil
}

// VerifyChain recomputes every hash and checks linkage from genesis.
func (s *Store) VerifyChain() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Verify(s.records)
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Head returns the hash of the last record, or GenesisHash when empty.
func (s *Store) Head() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

// Records returns a copy of the chain.
func (s *Store) Records() []BatchRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BatchRecord, len(s.records))
	copy(out, s.records)
	return out
}

// BatchIDs returns every batch id in append order.
func (s *Store) BatchIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.records))
	for i, rec := range s.records {
		out[i] = rec.BatchID
	}
	return out
}

// Healthy reports the latched storage error, if any.
func (s *Store) Healthy() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failed
}

// Close closes the underlying journal.
func (s *Store) Close() error {
	return s.journal.Close()
}
