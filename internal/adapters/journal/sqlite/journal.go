// Package sqlite keeps the request journal in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bnema/rq/internal/domain"
	"github.com/bnema/rq/internal/ports"
)

const (
	driverName = "sqlite"
	dirMode    = 0o700
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS pending_requests (
		id         TEXT PRIMARY KEY,
		identity   TEXT NOT NULL DEFAULT '',
		seq        INTEGER NOT NULL,
		payload    BLOB NOT NULL,
		created_at TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS pending_requests_order ON pending_requests (identity, seq)`,
	`CREATE TABLE IF NOT EXISTS journal_sequence (
		name  TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	)`,
	`INSERT OR IGNORE INTO journal_sequence (name, value) VALUES ('pending_requests', 0)`,
}

const (
	nextSeqQuery = `UPDATE journal_sequence SET value = value + 1 WHERE name = 'pending_requests' RETURNING value`
	upsertQuery  = `INSERT INTO pending_requests (id, identity, seq, payload, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload,
			identity = CASE WHEN pending_requests.identity = '' THEN excluded.identity ELSE pending_requests.identity END`
	listQuery   = `SELECT id, identity, seq, payload, created_at FROM pending_requests ORDER BY identity, seq`
	deleteQuery = `DELETE FROM pending_requests WHERE id = ?`
	clearQuery  = `DELETE FROM pending_requests`
)

type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ ports.Journal = (*Journal)(nil)

// Open opens or creates the database file at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open(driverName, path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// A single connection serializes writers without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	journal, err := New(ctx, db, logger)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return journal, nil
}

// New runs the schema migrations on db. The journal closes db on Close.
func New(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	j := &Journal{
		db:     db,
		logger: logger.With(slog.String("component", "journal"), slog.String("backend", "sqlite")),
	}
	if err := j.migrate(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate(ctx context.Context) error {
	for _, statement := range migrations {
		if _, err := j.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("migrate journal schema: %w", err)
		}
	}
	return nil
}

// Insert upserts record. An existing id keeps its sequence, and its identity
// unless it had none.
func (j *Journal) Insert(ctx context.Context, record domain.JournalRecord) (err error) {
	if err := record.Validate(); err != nil {
		return err
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert journal record: begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rollbackErr))
			}
		}
	}()

	var seq int64
	if err := tx.QueryRowContext(ctx, nextSeqQuery).Scan(&seq); err != nil {
		return fmt.Errorf("insert journal record: next sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsertQuery,
		record.ID, record.Identity, seq, record.Payload, formatTime(record.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert journal record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert journal record: commit: %w", err)
	}
	return nil
}

func (j *Journal) List(ctx context.Context) ([]domain.JournalRecord, error) {
	rows, err := j.db.QueryContext(ctx, listQuery)
	if err != nil {
		return nil, fmt.Errorf("list journal records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []domain.JournalRecord
	for rows.Next() {
		var (
			record    domain.JournalRecord
			seq       int64
			createdAt string
		)
		if err := rows.Scan(&record.ID, &record.Identity, &seq, &record.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan journal record: %w", err)
		}
		record.Seq = uint64(seq)
		if record.CreatedAt, err = parseTime(createdAt); err != nil {
			j.logger.Warn("journal record has unreadable timestamp", slog.String("request_id", record.ID), slog.Any("error", err))
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list journal records: %w", err)
	}
	return records, nil
}

func (j *Journal) Delete(ctx context.Context, id string) error {
	if _, err := j.db.ExecContext(ctx, deleteQuery, id); err != nil {
		return fmt.Errorf("delete journal record: %w", err)
	}
	return nil
}

func (j *Journal) Clear(ctx context.Context) error {
	result, err := j.db.ExecContext(ctx, clearQuery)
	if err != nil {
		return fmt.Errorf("clear journal: %w", err)
	}
	if removed, err := result.RowsAffected(); err == nil {
		j.logger.Debug("journal cleared", slog.Int64("removed", removed))
	}
	return nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}
