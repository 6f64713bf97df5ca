package chain

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileJournal_ReopenPreservesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain", "batches.jsonl")
	ctx := context.Background()

	j, err := NewFileJournal(path)
	require.NoError(t, err)
	s, err := Open(ctx, j)
	require.NoError(t, err)

	for _, id := range []string{"ARIYALUR-B001", "ARIYALUR-B002", "SALEM-B001"} {
		_, err := s.Append(ctx, id, `{"crop":"Rice"}`)
		require.NoError(t, err)
	}
	head := s.Head()
	require.NoError(t, s.Close())

	j2, err := NewFileJournal(path)
	require.NoError(t, err)
	defer func() { _ = j2.Close() }()
	reopened, err := Open(ctx, j2)
	require.NoError(t, err)

	assert.Equal(t, 3, reopened.Len())
	assert.Equal(t, head, reopened.Head())
	require.NoError(t, reopened.VerifyChain())
}

func TestFileJournal_DetectsTamper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batches.jsonl")
	ctx := context.Background()

	j, err := NewFileJournal(path)
	require.NoError(t, err)
	s, err := Open(ctx, j)
	require.NoError(t, err)
	_, _ = s.Append(ctx, "A-1", "original-one")
	_, _ = s.Append(ctx, "A-2", "original-two")
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data = bytes.Replace(data, []byte("original-one"), []byte("tampered-one"), 1)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	j2, err := NewFileJournal(path)
	require.NoError(t, err)
	defer func() { _ = j2.Close() }()
	_, err = Open(ctx, j2)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestFileJournal_DropsIncompleteTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batches.jsonl")
	ctx := context.Background()

	j, err := NewFileJournal(path)
	require.NoError(t, err)
	s, err := Open(ctx, j)
	require.NoError(t, err)
	_, err = s.Append(ctx, "SALEM-B001", "p1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	intact, err := os.ReadFile(path)
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"batch_id":"SALEM-B002","payl`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	records, err := ReadFileJournal(path)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Greater(t, len(onDisk), len(intact), "read-only load must leave the file alone")

	j2, err := NewFileJournal(path)
	require.NoError(t, err)
	reopened, err := Open(ctx, j2)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Len())

	onDisk, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, intact, onDisk)

	_, err = reopened.Append(ctx, "SALEM-B002", "p2")
	require.NoError(t, err)
	require.NoError(t, reopened.Close())

	j3, err := NewFileJournal(path)
	require.NoError(t, err)
	defer func() { _ = j3.Close() }()
	again, err := Open(ctx, j3)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Len())
}

func TestFileJournal_RewritesTornHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batches.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"kind":"foodtr`), 0o600))

	j, err := NewFileJournal(path)
	require.NoError(t, err)
	s, err := Open(context.Background(), j)
	require.NoError(t, err)
	_, err = s.Append(context.Background(), "SALEM-B001", "p")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	records, err := ReadFileJournal(path)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestFileJournal_CorruptCompleteLineIsBroken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batches.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(
		`{"kind":"foodtrace-chain","version":"1.0.0"}`+"\n"+`{"batch_id":`+"\n"), 0o600))

	_, err := ReadFileJournal(path)
	assert.ErrorIs(t, err, ErrChainBroken)

	j, err := NewFileJournal(path)
	require.NoError(t, err)
	defer func() { _ = j.Close() }()
	_, err = j.Load(context.Background())
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestFileJournal_RejectsNewerMajorFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batches.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"kind":"foodtrace-chain","version":"2.0.0"}`+"\n"), 0o600))

	j, err := NewFileJournal(path)
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	_, err = j.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported journal format")
}

func TestFileJournal_AppendAfterClose(t *testing.T) {
	j, err := NewFileJournal(filepath.Join(t.TempDir(), "batches.jsonl"))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	assert.Error(t, j.Append(context.Background(), BatchRecord{BatchID: "A-1"}))
}

func TestCheckFormat(t *testing.T) {
	assert.NoError(t, CheckFormat("1.0.0"))
	assert.NoError(t, CheckFormat("1.4.2"))
	assert.Error(t, CheckFormat("2.0.0"))
	assert.Error(t, CheckFormat("not-a-version"))
}
