package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), NewMemoryJournal())
	require.NoError(t, err)
	return s
}

func TestStore_AppendToEmptyChain(t *testing.T) {
	s := openMemory(t)

	rec, err := s.Append(context.Background(), "ARIYALUR-B001", `{"crop":"Rice"}`)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), rec.Sequence)
	assert.Equal(t, GenesisHash, rec.PrevHash)
	assert.Len(t, rec.RecordHash, 64)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, rec.RecordHash, s.Head())

	expected, err := ComputeHash("ARIYALUR-B001", `{"crop":"Rice"}`, GenesisHash, 0)
	require.NoError(t, err)
	assert.Equal(t, expected, rec.RecordHash)
}

func TestStore_HashChaining(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	r1, _ := s.Append(ctx, "SALEM-B001", "a")
	r2, _ := s.Append(ctx, "SALEM-B002", "b")
	r3, _ := s.Append(ctx, "SALEM-B003", "c")

	assert.Equal(t, r1.RecordHash, r2.PrevHash)
	assert.Equal(t, r2.RecordHash, r3.PrevHash)
	assert.Equal(t, []uint64{0, 1, 2}, []uint64{r1.Sequence, r2.Sequence, r3.Sequence})
	require.NoError(t, s.VerifyChain())
}

func TestStore_HashExcludesTimestamp(t *testing.T) {
	early, err := Open(context.Background(), nil, WithClock(func() time.Time { return time.Unix(0, 0) }))
	require.NoError(t, err)
	late, err := Open(context.Background(), nil, WithClock(func() time.Time { return time.Unix(1e9, 0) }))
	require.NoError(t, err)

	a, err := early.Append(context.Background(), "X-1", "p")
	require.NoError(t, err)
	b, err := late.Append(context.Background(), "X-1", "p")
	require.NoError(t, err)

	assert.NotEqual(t, a.Timestamp, b.Timestamp)
	assert.Equal(t, a.RecordHash, b.RecordHash)
}

func TestStore_DuplicateBatchID(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "MADURAI-B001", "first")
	require.NoError(t, err)

	_, err = s.Append(ctx, "MADURAI-B001", "second")
	require.ErrorIs(t, err, ErrDuplicateBatchID)
	assert.Equal(t, 1, s.Len())

	rec, err := s.GetBySequence(0)
	require.NoError(t, err)
	assert.Equal(t, "first", rec.Payload)
}

func TestStore_RejectsEmptyInput(t *testing.T) {
	s := openMemory(t)

	_, err := s.Append(context.Background(), "", "payload")
	assert.ErrorIs(t, err, ErrInvalidRecord)
	_, err = s.Append(context.Background(), "X-1", "")
	assert.ErrorIs(t, err, ErrInvalidRecord)
	assert.Equal(t, 0, s.Len())
}

func TestStore_AcceptsAnyNonEmptyID(t *testing.T) {
	s := openMemory(t)
	_, err := s.Append(context.Background(), "no separator at all", "p")
	require.NoError(t, err)
}

func TestStore_GetBySequence(t *testing.T) {
	s := openMemory(t)
	_, err := s.GetBySequence(0)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Append(context.Background(), "X-1", "p")
	require.NoError(t, err)

	rec, err := s.GetBySequence(0)
	require.NoError(t, err)
	assert.Equal(t, "X-1", rec.BatchID)

	_, err = s.GetBySequence(1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_VerifyDetectsTamper(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := s.Append(ctx, fmt.Sprintf("ERODE-B%03d", i), fmt.Sprintf("payload-%d", i))
		require.NoError(t, err)
	}
	require.NoError(t, s.VerifyChain())

	s.records[2].Payload = "forged"
	err := s.VerifyChain()
	require.ErrorIs(t, err, ErrChainBroken)
	assert.Contains(t, err.Error(), "record 2 hash mismatch")
}

func TestVerify_DetectsRemovedRecord(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := s.Append(ctx, fmt.Sprintf("ERODE-B%03d", i), "p")
		require.NoError(t, err)
	}
	records := s.Records()
	truncated := append(records[:1:1], records[2:]...)

	err := Verify(truncated)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestVerify_DetectsRelinkedRecord(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	_, _ = s.Append(ctx, "A-1", "p")
	_, _ = s.Append(ctx, "A-2", "p")
	records := s.Records()

	records[1].PrevHash = GenesisHash
	assert.ErrorIs(t, Verify(records), ErrChainBroken)
}

func TestStore_ConcurrentAppends(t *testing.T) {
	s := openMemory(t)
	const n = 64

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(context.Background(), fmt.Sprintf("VELLORE-B%03d", i), "p")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, n, s.Len())
	require.NoError(t, s.VerifyChain())
}

func TestStore_ConcurrentDuplicateAttempts(t *testing.T) {
	s := openMemory(t)
	const n = 16

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		dupes     int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Append(context.Background(), "KARUR-B001", "retry")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrDuplicateBatchID):
				dupes++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, dupes)
	assert.Equal(t, 1, s.Len())
}

func TestStore_JournalFailureLatches(t *testing.T) {
	journal := NewMemoryJournal()
	s, err := Open(context.Background(), journal)
	require.NoError(t, err)

	_, err = s.Append(context.Background(), "A-1", "p")
	require.NoError(t, err)

	journal.FailWith = errors.New("disk full")
	_, err = s.Append(context.Background(), "A-2", "p")
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, 1, s.Len())
	assert.Error(t, s.Healthy())

	journal.FailWith = nil
	_, err = s.Append(context.Background(), "A-3", "p")
	assert.ErrorIs(t, err, ErrStorageUnavailable, "store must stay latched until restart")
}

// ctxJournal fails the way database/sql does when the caller's context is
// already done.
type ctxJournal struct {
	*MemoryJournal
}

func (j ctxJournal) Append(ctx context.Context, rec BatchRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return j.MemoryJournal.Append(ctx, rec)
}

func TestStore_CancelledCallerDoesNotLatch(t *testing.T) {
	s, err := Open(context.Background(), ctxJournal{NewMemoryJournal()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Append(ctx, "ARIYALUR-B001", "p")
	require.NoError(t, err)
	require.NoError(t, s.Healthy())

	deadline, stop := context.WithTimeout(context.Background(), time.Nanosecond)
	defer stop()
	<-deadline.Done()
	_, err = s.Append(deadline, "ARIYALUR-B002", "p")
	require.NoError(t, err)

	_, err = s.Append(context.Background(), "ARIYALUR-B003", "p")
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())
	require.NoError(t, s.Healthy())
	require.NoError(t, s.VerifyChain())
}

func TestOpen_ReplaysJournal(t *testing.T) {
	journal := NewMemoryJournal()
	s, err := Open(context.Background(), journal)
	require.NoError(t, err)
	_, _ = s.Append(context.Background(), "A-1", "p1")
	last, _ := s.Append(context.Background(), "A-2", "p2")

	reopened, err := Open(context.Background(), journal)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Len())
	assert.Equal(t, last.RecordHash, reopened.Head())

	_, err = reopened.Append(context.Background(), "A-1", "again")
	assert.ErrorIs(t, err, ErrDuplicateBatchID)
}

func TestOpen_RejectsTamperedJournal(t *testing.T) {
	journal := NewMemoryJournal()
	s, err := Open(context.Background(), journal)
	require.NoError(t, err)
	_, _ = s.Append(context.Background(), "A-1", "p1")
	_, _ = s.Append(context.Background(), "A-2", "p2")

	journal.records[0].Payload = "forged"
	_, err = Open(context.Background(), journal)
	assert.ErrorIs(t, err, ErrChainBroken)
}
