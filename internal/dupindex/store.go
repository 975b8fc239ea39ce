// Package dupindex implements a durable fingerprint-to-path mapping
// backed by SQLite, with goose-driven migrations.
package dupindex

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// ErrNotFound is returned by Lookup when no row matches the fingerprint.
var ErrNotFound = errors.New("dupindex: fingerprint not found")

// Store is the persistent fingerprint → path index.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the duplicate index at path and
// applies any pending migrations.
func Open(path string) (*Store, error) {
	connString := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=10000", path)

	db, err := sql.Open("sqlite3", connString)
	if err != nil {
		return nil, fmt.Errorf("dupindex: open: %w", err)
	}

	// Writes are already serialized by the single processing-queue worker;
	// WAL mode just lets readers proceed concurrently with that writer.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dupindex: ping: %w", err)
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("dupindex: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("dupindex: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Lookup returns the path previously recorded for fingerprint, or
// ErrNotFound if no row exists.
func (s *Store) Lookup(fingerprint string) (string, error) {
	var path string
	err := s.db.QueryRow(`SELECT path FROM duplicates WHERE fingerprint = ?`, fingerprint).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("dupindex: lookup: %w", err)
	}
	return path, nil
}

// Insert records fingerprint → path if not already present. Returns true
// if a new row was inserted, false if the fingerprint already existed
//. The write is durable
// before this call returns.
func (s *Store) Insert(fingerprint, path string, seenAt time.Time) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO duplicates (fingerprint, path, first_seen_time) VALUES (?, ?, ?)
		 ON CONFLICT(fingerprint) DO NOTHING`,
		fingerprint, path, seenAt,
	)
	if err != nil {
		return false, fmt.Errorf("dupindex: insert: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dupindex: insert: %w", err)
	}
	return n > 0, nil
}
