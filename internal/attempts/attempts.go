// Package attempts keeps an append-only audit log of subscription attempts
// in SQLite. Old rows are pruned in bounded batches.
package attempts

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	emailaddr "github.com/foxzi/listsync/internal/email"
	"github.com/foxzi/listsync/internal/errs"
)

// Defaults for retention and pruning
const (
	DefaultMaxAge    = 4380 * time.Hour
	DefaultBatchSize = 1000
)

const migrationAttempts = `
CREATE TABLE IF NOT EXISTS subscription_attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email TEXT NOT NULL,
    list_ids TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subscription_attempts_created_at ON subscription_attempts(created_at);
CREATE INDEX IF NOT EXISTS idx_subscription_attempts_email ON subscription_attempts(email);
`

// Attempt is one recorded subscription attempt
type Attempt struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	ListIDs   []string  `json:"list_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter narrows List
type Filter struct {
	Email string
	Limit int
}

// Log is the attempts table
type Log struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the attempts database at path and applies
// the migration. ":memory:" opens a private in-memory database.
func Open(path string) (*Log, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	l, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// New wraps an open database and applies the migration
func New(db *sql.DB) (*Log, error) {
	if _, err := db.Exec(migrationAttempts); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return &Log{db: db, now: time.Now}, nil
}

// Close closes the database
func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends an attempt
func (l *Log) Record(ctx context.Context, email string, listIDs []string) error {
	email = emailaddr.Normalize(email)
	if email == "" {
		return errs.E(errs.InvalidInput, "attempts.Record", "email is required")
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO subscription_attempts (email, list_ids, created_at) VALUES (?, ?, ?)`,
		email, strings.Join(listIDs, ","), l.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// List returns attempts, newest first
func (l *Log) List(ctx context.Context, f Filter) ([]*Attempt, error) {
	query := `SELECT id, email, list_ids, created_at FROM subscription_attempts`
	var args []any

	if f.Email != "" {
		query += ` WHERE email = ?`
		args = append(args, emailaddr.Normalize(f.Email))
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		var (
			a     Attempt
			lists string
		)
		if err := rows.Scan(&a.ID, &a.Email, &lists, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.ListIDs = []string{}
		if lists != "" {
			a.ListIDs = strings.Split(lists, ",")
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Count returns the number of recorded attempts
func (l *Log) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscription_attempts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count attempts: %w", err)
	}
	return n, nil
}

// Prune deletes at most limit attempts older than maxAge, oldest first,
// and returns how many were deleted
func (l *Log) Prune(ctx context.Context, maxAge time.Duration, limit int) (int64, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if limit <= 0 || limit > DefaultBatchSize {
		limit = DefaultBatchSize
	}
	cutoff := l.now().Add(-maxAge).UTC()

	res, err := l.db.ExecContext(ctx, `
		DELETE FROM subscription_attempts WHERE id IN (
			SELECT id FROM subscription_attempts WHERE created_at < ? ORDER BY id LIMIT ?
		)`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to prune attempts: %w", err)
	}
	return res.RowsAffected()
}
