// Package passhistory persists a short record of each reconstruction pass
// to a local SQLite database, so an operator can look back at recent pass
// durations and counters without parsing log files.
//
// Grounded on pkg/database/sqlite.go: database/sql against
// github.com/mattn/go-sqlite3, hand-written CREATE TABLE/INSERT/SELECT
// strings, no ORM.
package passhistory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const createTable = `
CREATE TABLE IF NOT EXISTS passes (
	id TEXT PRIMARY KEY,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	part_count INTEGER NOT NULL DEFAULT 0,
	suffix_count INTEGER NOT NULL DEFAULT 0,
	suffix_sync INTEGER NOT NULL DEFAULT 0,
	handoffs_remaining INTEGER NOT NULL DEFAULT 0,
	hashmatch_count INTEGER NOT NULL DEFAULT 0,
	rebuilt_count INTEGER NOT NULL DEFAULT 0
);
`

const insertPass = `
INSERT INTO passes (id, started_at, part_count, suffix_count, suffix_sync, handoffs_remaining, hashmatch_count, rebuilt_count)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

const finishPass = `
UPDATE passes SET finished_at = ? WHERE id = ?
`

const recentPasses = `
SELECT id, started_at, finished_at, part_count, suffix_count, suffix_sync, handoffs_remaining, hashmatch_count, rebuilt_count
FROM passes
ORDER BY started_at DESC
LIMIT ?
`

// Pass is one completed (or in-flight) reconstruction pass record.
type Pass struct {
	ID                string
	StartedAt         time.Time
	FinishedAt        sql.NullTime
	PartCount         int
	SuffixCount       int
	SuffixSync        int
	HandoffsRemaining int
	HashMatchCount    int
	RebuiltCount      int
}

// Store is a sqlite-backed pass-history log.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the pass-history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("error opening pass history database: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()

		return nil, fmt.Errorf("error creating passes table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// StartPass records the start of a new pass, tagged with a fresh run ID, and
// returns the ID callers must pass to FinishPass.
func (s *Store) StartPass(ctx context.Context, startedAt time.Time, p Pass) (string, error) {
	id := uuid.New().String()

	_, err := s.db.ExecContext(ctx, insertPass,
		id, startedAt, p.PartCount, p.SuffixCount, p.SuffixSync, p.HandoffsRemaining, p.HashMatchCount, p.RebuiltCount,
	)
	if err != nil {
		return "", fmt.Errorf("error inserting pass record: %w", err)
	}

	return id, nil
}

// FinishPass marks a pass as complete.
func (s *Store) FinishPass(ctx context.Context, id string, finishedAt time.Time) error {
	if _, err := s.db.ExecContext(ctx, finishPass, finishedAt, id); err != nil {
		return fmt.Errorf("error finishing pass record %q: %w", id, err)
	}

	return nil
}

// Recent returns the n most recently started passes, most recent first.
func (s *Store) Recent(ctx context.Context, n int) ([]Pass, error) {
	rows, err := s.db.QueryContext(ctx, recentPasses, n)
	if err != nil {
		return nil, fmt.Errorf("error querying recent passes: %w", err)
	}
	defer rows.Close()

	var out []Pass

	for rows.Next() {
		var p Pass

		if err := rows.Scan(
			&p.ID, &p.StartedAt, &p.FinishedAt, &p.PartCount, &p.SuffixCount,
			&p.SuffixSync, &p.HandoffsRemaining, &p.HashMatchCount, &p.RebuiltCount,
		); err != nil {
			return nil, fmt.Errorf("error scanning pass row: %w", err)
		}

		out = append(out, p)
	}

	return out, rows.Err()
}
