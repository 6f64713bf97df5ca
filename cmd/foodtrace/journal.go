package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"

	"github.com/lucks-13/foodtrace-capstone/pkg/chain"
	"github.com/lucks-13/foodtrace-capstone/pkg/config"
)

const (
	sqliteFile  = "foodtrace.db"
	journalFile = "chain.jsonl"
)

// dbJournal closes the database handle along with the journal.
type dbJournal struct {
	*chain.SQLJournal
	db *sql.DB
}

func (j *dbJournal) Close() error {
	return errors.Join(j.SQLJournal.Close(), j.db.Close())
}

// journalTarget resolves the configured backend to a --journal style
// target: a Postgres DSN, a .jsonl path, a SQLite path or "memory".
func journalTarget(cfg *config.Config) string {
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL
	}
	switch cfg.Journal {
	case config.JournalMemory:
		return config.JournalMemory
	case config.JournalFile:
		return filepath.Join(cfg.DataDir, journalFile)
	default:
		return filepath.Join(cfg.DataDir, sqliteFile)
	}
}

// openJournal opens the journal behind target.
func openJournal(ctx context.Context, target string, logger *slog.Logger) (chain.Journal, error) {
	switch {
	case target == config.JournalMemory:
		logger.Warn("memory journal selected; the chain will not survive a restart")
		return chain.NewMemoryJournal(), nil

	case strings.HasPrefix(target, "postgres://"), strings.HasPrefix(target, "postgresql://"):
		db, err := sql.Open("postgres", target)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to DB: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("DB ping failed: %w", err)
		}
		logger.Info("postgres: connected")
		return initSQLJournal(ctx, db)

	case strings.HasSuffix(target, ".jsonl"):
		logger.Info("file journal", "path", target)
		return chain.NewFileJournal(target)

	default:
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		logger.Info("lite mode: using sqlite", "path", target)
		db, err := sql.Open("sqlite", target)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// One writer at a time; the chain is strictly sequential anyway.
		db.SetMaxOpenConns(1)
		return initSQLJournal(ctx, db)
	}
}

func initSQLJournal(ctx context.Context, db *sql.DB) (chain.Journal, error) {
	j := chain.NewSQLJournal(db)
	if err := j.Init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init journal: %w", err)
	}
	return &dbJournal{SQLJournal: j, db: db}, nil
}

// readJournal loads the records behind target without creating or
// migrating anything, so audit copies can be checked as they are.
func readJournal(ctx context.Context, target string, logger *slog.Logger) ([]chain.BatchRecord, error) {
	switch {
	case target == config.JournalMemory:
		return []chain.BatchRecord{}, nil

	case strings.HasPrefix(target, "postgres://"), strings.HasPrefix(target, "postgresql://"):
		db, err := sql.Open("postgres", target)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to DB: %w", err)
		}
		defer func() { _ = db.Close() }()
		return readSQLJournal(ctx, db)

	case strings.HasSuffix(target, ".jsonl"):
		return chain.ReadFileJournal(target)

	default:
		if _, err := os.Stat(target); err != nil {
			return nil, fmt.Errorf("journal %s: %w", target, err)
		}
		db, err := openSQLiteReadOnly(target)
		if err != nil {
			return nil, err
		}
		defer func() { _ = db.Close() }()
		logger.Debug("sqlite opened read-only", "path", target)
		return readSQLJournal(ctx, db)
	}
}

func openSQLiteReadOnly(path string) (*sql.DB, error) {
	dsn := (&url.URL{Scheme: "file", Path: path, RawQuery: "mode=ro"}).String()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return db, nil
}

func readSQLJournal(ctx context.Context, db *sql.DB) ([]chain.BatchRecord, error) {
	j := chain.NewSQLJournal(db)
	if err := j.CheckStoredFormat(ctx); err != nil {
		return nil, err
	}
	return j.Load(ctx)
}
