package index

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucks-13/foodtrace-capstone/pkg/chain"
)

func TestRegisterAndLookup(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Register("ARIYALUR-B001", 0))
	require.NoError(t, idx.Register("ARIYALUR-B002", 1))

	seq, err := idx.Lookup("ARIYALUR-B002")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, 2, idx.Len())
}

func TestLookupMiss(t *testing.T) {
	_, err := New().Lookup("UNKNOWN-B999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterTwiceIsCorruption(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Register("X-1", 0))

	err := idx.Register("X-1", 5)
	require.ErrorIs(t, err, ErrIndexCorruption)

	seq, _ := idx.Lookup("X-1")
	assert.Equal(t, uint64(0), seq, "original entry must survive")
}

func TestBatchIDsInSequenceOrder(t *testing.T) {
	idx := New()
	_ = idx.Register("C-1", 2)
	_ = idx.Register("A-1", 0)
	_ = idx.Register("B-1", 1)

	assert.Equal(t, []string{"A-1", "B-1", "C-1"}, idx.BatchIDs())
}

func TestRebuildFromChain(t *testing.T) {
	s, err := chain.Open(context.Background(), nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s.Append(context.Background(), fmt.Sprintf("SALEM-B%03d", i), "p")
		require.NoError(t, err)
	}

	idx, err := Rebuild(s.Records())
	require.NoError(t, err)
	assert.Equal(t, 5, idx.Len())

	seq, err := idx.Lookup("SALEM-B003")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}

func TestConcurrentReads(t *testing.T) {
	idx := New()
	for i := 0; i < 100; i++ {
		require.NoError(t, idx.Register(fmt.Sprintf("D-%d", i), uint64(i)))
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				seq, err := idx.Lookup(fmt.Sprintf("D-%d", i))
				assert.NoError(t, err)
				assert.Equal(t, uint64(i), seq)
			}
		}()
	}
	wg.Wait()
}
