package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Artifact kinds as recorded in the ledger.
const (
	KindOriginal = "original"
	KindStyled   = "styled"
	KindBlended  = "blended"
)

// Artifact is one ledger row for a file living under the output directory.
type Artifact struct {
	Filename  string
	RequestID string
	Kind      string
	Checksum  string
	SizeBytes int64
	CreatedAt time.Time
}

// Store is the SQLite-backed artifact ledger. It tracks which files the
// service wrote so the retention sweeper can expire them without walking
// the filesystem.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the ledger database at path and
// ensures required tables exist.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is empty")
	}
	if err := validateLedgerFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
  filename   TEXT PRIMARY KEY,
  request_id TEXT NOT NULL,
  kind       TEXT NOT NULL,
  checksum   TEXT,
  size_bytes INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS artifacts_created_at_idx ON artifacts(created_at);`,
		`CREATE INDEX IF NOT EXISTS artifacts_request_id_idx ON artifacts(request_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap ledger: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one artifact row. Filenames are unique; recording the
// same filename twice is an error.
func (s *Store) Record(ctx context.Context, a Artifact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (filename, request_id, kind, checksum, size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.Filename, a.RequestID, a.Kind, a.Checksum, a.SizeBytes,
		a.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record artifact %s: %w", a.Filename, err)
	}
	return nil
}

// ListExpired returns artifacts created strictly before cutoff, oldest
// first, capped at limit.
func (s *Store) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT filename, request_id, kind, checksum, size_bytes, created_at
		 FROM artifacts WHERE created_at < ? ORDER BY created_at ASC LIMIT ?`,
		cutoff.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		var created string
		if err := rows.Scan(&a.Filename, &a.RequestID, &a.Kind, &a.Checksum, &a.SizeBytes, &created); err != nil {
			return nil, fmt.Errorf("scan artifact row: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", created, err)
		}
		a.CreatedAt = t
		out = append(out, a)
	}
	return out, rows.Err()
}

// Delete removes one artifact row. Deleting a filename that was never
// recorded is not an error.
func (s *Store) Delete(ctx context.Context, filename string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE filename = ?`, filename); err != nil {
		return fmt.Errorf("delete artifact %s: %w", filename, err)
	}
	return nil
}

// Exists reports whether filename has a ledger row.
func (s *Store) Exists(ctx context.Context, filename string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM artifacts WHERE filename = ?`, filename).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup artifact %s: %w", filename, err)
	}
	return true, nil
}
