// Package index maps batch identifiers to their chain sequence numbers.
package index

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lucks-13/foodtrace-capstone/pkg/chain"
)

var (
	ErrNotFound        = errors.New("batch not indexed")
	ErrIndexCorruption = errors.New("index corruption")
)

// Index is an in-memory batch_id -> sequence lookup. Entries are never
// removed; the whole index is a cache rebuildable from the chain.
type Index struct {
	mu      sync.RWMutex
	entries map[string]uint64
}

func New() *Index {
	return &Index{entries: make(map[string]uint64)}
}

// Register records the position of a freshly appended batch. A second
// registration of the same id means the chain's duplicate check was
// bypassed and is reported as corruption.
func (i *Index) Register(batchID string, seq uint64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if existing, ok := i.entries[batchID]; ok {
		return fmt.Errorf("%w: %q already registered at sequence %d (new %d)",
			ErrIndexCorruption, batchID, existing, seq)
	}
	i.entries[batchID] = seq
	return nil
}

// Lookup returns the sequence number of batchID.
func (i *Index) Lookup(batchID string) (uint64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	seq, ok := i.entries[batchID]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, batchID)
	}
	return seq, nil
}

// Len returns the number of indexed batches.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}

// BatchIDs returns the indexed ids in sequence order.
func (i *Index) BatchIDs() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	ids := make([]string, 0, len(i.entries))
	for id := range i.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool {
		return i.entries[ids[a]] < i.entries[ids[b]]
	})
	return ids
}

// Rebuild reconstructs an index by replaying the chain.
func Rebuild(records []chain.BatchRecord) (*Index, error) {
	idx := New()
	for _, rec := range records {
		if err := idx.Register(rec.BatchID, rec.Sequence); err != nil {
			return nil, err
		}
	}
	return idx, nil
}
