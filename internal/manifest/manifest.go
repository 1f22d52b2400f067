// Package manifest keeps a persistent record of fetch outcomes in a SQLite
// database inside the output directory. It lets repeated runs over the same
// installation skip work and powers the status summary.
package manifest

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Fetch outcome statuses.
const (
	StatusDownloaded = "downloaded"
	StatusSkipped    = "skipped"
	StatusNotFound   = "notfound"
	StatusFailed     = "failed"
)

// Entry is one recorded fetch outcome, keyed by the full identifier.
type Entry struct {
	Name      string
	GUID      string
	Age       uint32
	Status    string
	SizeBytes int64
	FetchedAt time.Time
}

// Summary aggregates outcomes per status.
type Summary struct {
	Downloaded int
	Skipped    int
	NotFound   int
	Failed     int
}

// Total returns the number of recorded identifiers.
func (s Summary) Total() int {
	return s.Downloaded + s.Skipped + s.NotFound + s.Failed
}

// Store is a manifest backed by a SQLite file. Safe for concurrent use; the
// underlying *sql.DB serializes access.
type Store struct {
	db *sql.DB
}

const createFetchesTable = `
CREATE TABLE IF NOT EXISTS fetches (
	name       TEXT    NOT NULL,
	guid       TEXT    NOT NULL,
	age        INTEGER NOT NULL,
	status     TEXT    NOT NULL,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	fetched_at TIMESTAMP NOT NULL,
	PRIMARY KEY (name, guid, age)
)`

// Open opens (creating if necessary) the manifest database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening manifest database: %w", err)
	}

	if _, err := db.Exec(createFetchesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating manifest schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record upserts the outcome for an identifier. A later outcome for the
// same identifier replaces the earlier one.
func (s *Store) Record(e Entry) error {
	if e.FetchedAt.IsZero() {
		e.FetchedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO fetches (name, guid, age, status, size_bytes, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, guid, age) DO UPDATE SET
			status = excluded.status,
			size_bytes = excluded.size_bytes,
			fetched_at = excluded.fetched_at`,
		e.Name, e.GUID, e.Age, e.Status, e.SizeBytes, e.FetchedAt)
	if err != nil {
		return fmt.Errorf("recording fetch outcome: %w", err)
	}
	return nil
}

// Lookup returns the recorded entry for an identifier, or nil when the
// identifier has never been seen.
func (s *Store) Lookup(name, guid string, age uint32) (*Entry, error) {
	row := s.db.QueryRow(`
		SELECT name, guid, age, status, size_bytes, fetched_at
		FROM fetches WHERE name = ? AND guid = ? AND age = ?`,
		name, guid, age)

	var e Entry
	err := row.Scan(&e.Name, &e.GUID, &e.Age, &e.Status, &e.SizeBytes, &e.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up fetch outcome: %w", err)
	}
	return &e, nil
}

// Summarize counts recorded outcomes per status.
func (s *Store) Summarize() (Summary, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM fetches GROUP BY status`)
	if err != nil {
		return Summary{}, fmt.Errorf("summarizing manifest: %w", err)
	}
	defer rows.Close()

	var sum Summary
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Summary{}, fmt.Errorf("scanning summary row: %w", err)
		}
		switch status {
		case StatusDownloaded:
			sum.Downloaded = count
		case StatusSkipped:
			sum.Skipped = count
		case StatusNotFound:
			sum.NotFound = count
		case StatusFailed:
			sum.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("iterating summary rows: %w", err)
	}
	return sum, nil
}
