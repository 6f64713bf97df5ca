package chain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const fileJournalKind = "foodtrace-chain"

type fileHeader struct {
	Kind    string `json:"kind"`
	Version string `json:"version"`
}

// FileJournal stores the chain as JSON lines: a header line followed by one
// record per line.
type FileJournal struct {
	path   string
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewFileJournal opens (or creates) the journal at path.
func NewFileJournal(path string) (*FileJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if err := writeLine(f, fileHeader{Kind: fileJournalKind, Version: FormatVersion}); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to write journal header: %w", err)
		}
	}
	return &FileJournal{path: path, file: f, logger: slog.Default().With("component", "chain")}, nil
}

// Load returns the records on file. An unterminated final line is an append
// that never completed; it is cut off so the next append starts on a clean
// line.
func (j *FileJournal) Load(ctx context.Context) ([]BatchRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	records, tornAt, err := readJournalFile(j.path)
	if err != nil {
		return nil, err
	}
	if tornAt < 0 {
		return records, nil
	}
	if j.file == nil {
		return nil, errors.New("journal closed")
	}
	j.logger.WarnContext(ctx, "discarding incomplete journal tail",
		"path", j.path, "offset", tornAt, "records", len(records))
	if err := j.file.Truncate(tornAt); err != nil {
		return nil, fmt.Errorf("failed to truncate incomplete tail: %w", err)
	}
	if tornAt == 0 {
		if err := writeLine(j.file, fileHeader{Kind: fileJournalKind, Version: FormatVersion}); err != nil {
			return nil, fmt.Errorf("failed to write journal header: %w", err)
		}
	}
	if err := j.file.Sync(); err != nil {
		return nil, err
	}
	return records, nil
}

// ReadFileJournal reads a JSONL journal without opening it for writing. An
// incomplete final line is ignored and left in place.
func ReadFileJournal(path string) ([]BatchRecord, error) {
	records, _, err := readJournalFile(path)
	return records, err
}

// readJournalFile parses the journal at path. tornAt is the byte offset of
// an unterminated final line, or -1 when the file ends cleanly.
func readJournalFile(path string) (records []BatchRecord, tornAt int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, -1, err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 64*1024)
	records = make([]BatchRecord, 0)
	headerSeen := false
	var offset int64
	for line := 1; ; line++ {
		raw, readErr := r.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, -1, readErr
		}
		if len(raw) > 0 && raw[len(raw)-1] != '\n' {
			return records, offset, nil
		}
		offset += int64(len(raw))

		if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 {
			if !headerSeen {
				var h fileHeader
				if err := json.Unmarshal(trimmed, &h); err != nil || h.Kind != fileJournalKind {
					return nil, -1, fmt.Errorf("%w: missing journal header", ErrChainBroken)
				}
				if err := CheckFormat(h.Version); err != nil {
					return nil, -1, err
				}
				headerSeen = true
			} else {
				var rec BatchRecord
				if err := json.Unmarshal(trimmed, &rec); err != nil {
					return nil, -1, fmt.Errorf("%w: line %d: %w", ErrChainBroken, line, err)
				}
				records = append(records, rec)
			}
		}
		if readErr != nil {
			return records, -1, nil
		}
	}
}

func (j *FileJournal) Append(ctx context.Context, rec BatchRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return errors.New("journal closed")
	}
	if err := writeLine(j.file, rec); err != nil {
		return err
	}
	return j.file.Sync()
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// Path returns the journal file path.
func (j *FileJournal) Path() string {
	return j.path
}

func writeLine(f *os.File, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = f.Write(b)
	return err
}
