// Package history archives finished sessions in a local SQLite database.
package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver" // registers the "sqlite3" database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"  // bundles the SQLite build

	"github.com/feynmancraft/pipewatch/internal/log"
	"github.com/feynmancraft/pipewatch/internal/pipeline"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned when no record exists for a session id.
var ErrNotFound = errors.New("session not found in history")

// Status is how a session ended.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Record is one archived session.
type Record struct {
	SessionID    string                `json:"sessionId" yaml:"session_id"`
	Prompt       string                `json:"prompt" yaml:"prompt"`
	Status       Status                `json:"status" yaml:"status"`
	StartedAt    time.Time             `json:"startedAt" yaml:"started_at"`
	FinishedAt   time.Time             `json:"finishedAt" yaml:"finished_at"`
	EventCount   int                   `json:"eventCount" yaml:"event_count"`
	Groups       []pipeline.EventGroup `json:"groups,omitempty" yaml:"groups,omitempty"`
	FinalMessage string                `json:"finalMessage,omitempty" yaml:"final_message,omitempty"`
	Error        string                `json:"error,omitempty" yaml:"error,omitempty"`
}

// Duration is the wall time between start and finish.
func (r Record) Duration() time.Duration {
	if r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store is the session archive.
type Store struct {
	db *sql.DB
}

// DefaultPath returns ~/.local/share/pipewatch/history.db.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "pipewatch-history.db"
	}
	return filepath.Join(home, ".local", "share", "pipewatch", "history.db")
}

// Open opens (creating if needed) the database at path and applies migrations.
// Use ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Debug(log.CatStore, "History database ready", "path", path)
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts or replaces the record for r.SessionID.
func (s *Store) Save(ctx context.Context, r Record) error {
	if r.SessionID == "" {
		return errors.New("history record needs a session id")
	}
	groups, err := json.Marshal(r.Groups)
	if err != nil {
		return fmt.Errorf("encoding groups: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, prompt, status, started_at, finished_at, event_count, groups_json, final_message, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			prompt = excluded.prompt,
			status = excluded.status,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			event_count = excluded.event_count,
			groups_json = excluded.groups_json,
			final_message = excluded.final_message,
			error = excluded.error`,
		r.SessionID, r.Prompt, string(r.Status), r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli(),
		r.EventCount, string(groups), r.FinalMessage, r.Error)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", r.SessionID, err)
	}
	log.Debug(log.CatStore, "Archived session", "session", r.SessionID, "status", r.Status)
	return nil
}

const selectColumns = `session_id, prompt, status, started_at, finished_at, event_count, groups_json, final_message, error`

// Get returns the record for sessionID.
func (s *Store) Get(ctx context.Context, sessionID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

// List returns up to limit records, most recently finished first.
// A limit of zero or less returns every record.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM sessions ORDER BY finished_at DESC, session_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes the record for sessionID.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		r               Record
		status, groups  string
		started, finish int64
	)
	if err := sc.Scan(&r.SessionID, &r.Prompt, &status, &started, &finish, &r.EventCount, &groups, &r.FinalMessage, &r.Error); err != nil {
		return Record{}, err
	}
	r.Status = Status(status)
	r.StartedAt = time.UnixMilli(started)
	r.FinishedAt = time.UnixMilli(finish)
	if err := json.Unmarshal([]byte(groups), &r.Groups); err != nil {
		log.Warn(log.CatStore, "Ignoring unreadable groups", "session", r.SessionID, "error", err)
		r.Groups = nil
	}
	return r, nil
}
