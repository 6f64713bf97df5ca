package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileSink stores snapshots in a local directory.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	//nolint:gosec // G301: archive directory is shared with backup tooling
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Put(ctx context.Context, data []byte) (string, error) {
	ref, h := digest(data)
	path := filepath.Join(s.dir, objectName(h))
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	tmp, err := os.CreateTemp(s.dir, ".snapshot-*")
	if err != nil {
		return "", fmt.Errorf("create temp snapshot: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("publish snapshot: %w", err)
	}
	return ref, nil
}

func (s *FileSink) Get(ctx context.Context, ref string) ([]byte, error) {
	h, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, objectName(h)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if err := checkDigest(ref, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *FileSink) Exists(ctx context.Context, ref string) (bool, error) {
	h, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(s.dir, objectName(h)))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *FileSink) Dir() string {
	return s.dir
}
