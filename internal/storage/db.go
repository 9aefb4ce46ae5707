// Package storage is the local SQLite implementation of the persistence
// collaborator: dating call records and constructive game results.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

var (
	ErrNotFound       = errors.New("storage: not found")
	ErrNotParticipant = errors.New("storage: user is not a participant")
	ErrInvalid        = errors.New("storage: invalid argument")
)

const timeLayout = time.RFC3339Nano

// DB wraps the SQLite database of one peer directory.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
	now  func() time.Time
}

// Open opens or creates the database at path, creating parent directories.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers anyway; one connection keeps :memory: coherent.
	db.SetMaxOpenConns(1)

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Debugf("STORAGE: opened %s", path)
	return &DB{db: db, path: path, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dating_calls (
			id                 TEXT PRIMARY KEY,
			first_participant  TEXT NOT NULL,
			second_participant TEXT NOT NULL,
			duration           INTEGER NOT NULL DEFAULT 0,
			game_session_id    TEXT DEFAULT '',
			created_at         TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create dating calls table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS constructive_results (
			id            TEXT PRIMARY KEY,
			first_user    TEXT NOT NULL,
			second_user   TEXT NOT NULL,
			compatibility INTEGER,
			created_at    TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create constructive results table: %w", err)
	}

	// One row per (result, user, question); seq keeps the answer order.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS constructive_answers (
			result_id   TEXT NOT NULL REFERENCES constructive_results(id) ON DELETE CASCADE,
			user_id     TEXT NOT NULL,
			question_id TEXT NOT NULL,
			option      INTEGER NOT NULL,
			seq         INTEGER NOT NULL,
			PRIMARY KEY (result_id, user_id, question_id)
		);
	`); err != nil {
		return fmt.Errorf("create constructive answers table: %w", err)
	}

	// Migration: index participants for history lookups (existing databases)
	db.Exec(`CREATE INDEX IF NOT EXISTS dating_calls_first ON dating_calls(first_participant)`)
	db.Exec(`CREATE INDEX IF NOT EXISTS dating_calls_second ON dating_calls(second_participant)`)
	return nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// Meta returns a value from the metadata table, or "" if unset.
func (d *DB) Meta(ctx context.Context, key string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// SetMeta stores a value in the metadata table.
func (d *DB) SetMeta(ctx context.Context, key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO _meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (d *DB) stamp() string { return d.now().UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
