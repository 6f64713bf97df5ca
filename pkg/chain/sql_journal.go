package chain

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLJournal persists the chain through database/sql.
// The same statements run on SQLite (lite mode) and Postgres.
type SQLJournal struct {
	db *sql.DB
}

func NewSQLJournal(db *sql.DB) *SQLJournal {
	return &SQLJournal{db: db}
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS batch_records (
	sequence_number BIGINT PRIMARY KEY,
	batch_id TEXT NOT NULL UNIQUE,
	payload TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	record_hash TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS journal_meta (
	meta_key TEXT PRIMARY KEY,
	meta_value TEXT NOT NULL
);
`

// Init creates the schema and checks the stored format version.
func (j *SQLJournal) Init(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, sqlSchema); err != nil {
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	if _, err := j.db.ExecContext(ctx,
		`INSERT INTO journal_meta (meta_key, meta_value) VALUES ($1, $2) ON CONFLICT (meta_key) DO NOTHING`,
		"format_version", FormatVersion,
	); err != nil {
		return fmt.Errorf("failed to record journal format: %w", err)
	}

	return j.CheckStoredFormat(ctx)
}

// CheckStoredFormat reads the recorded format version without writing, for
// callers that open an existing journal read-only.
func (j *SQLJournal) CheckStoredFormat(ctx context.Context) error {
	var version string
	err := j.db.QueryRowContext(ctx,
		`SELECT meta_value FROM journal_meta WHERE meta_key = $1`, "format_version",
	).Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to read journal format: %w", err)
	}
	return CheckFormat(version)
}

func (j *SQLJournal) Load(ctx context.Context) ([]BatchRecord, error) {
	query := `SELECT sequence_number, batch_id, payload, prev_hash, record_hash, created_at
		FROM batch_records ORDER BY sequence_number ASC`
	rows, err := j.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]BatchRecord, 0)
	for rows.Next() {
		var (
			rec       BatchRecord
			seq       int64
			createdAt string
		)
		if err := rows.Scan(&seq, &rec.BatchID, &rec.Payload, &rec.PrevHash, &rec.RecordHash, &createdAt); err != nil {
			return nil, err
		}
		if seq < 0 {
			return nil, fmt.Errorf("%w: negative sequence %d", ErrChainBroken, seq)
		}
		rec.Sequence = uint64(seq)
		rec.Timestamp = parseTime(createdAt)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (j *SQLJournal) Append(ctx context.Context, rec BatchRecord) error {
	query := `
		INSERT INTO batch_records (sequence_number, batch_id, payload, prev_hash, record_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := j.db.ExecContext(ctx, query,
		int64(rec.Sequence), rec.BatchID, rec.Payload, rec.PrevHash, rec.RecordHash,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert record %d: %w", rec.Sequence, err)
	}
	return nil
}

// Close is a no-op; the caller owns the *sql.DB.
func (j *SQLJournal) Close() error { return nil }

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
