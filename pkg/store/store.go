// Package store persists fuzzing runs in SQLite: run metadata, the raw
// ledger evidence and the finalized attribute table.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned when a run id is not in the database.
var ErrRunNotFound = errors.New("store: run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	device      TEXT NOT NULL,
	started     INTEGER NOT NULL,
	finished    INTEGER NOT NULL,
	batches     INTEGER NOT NULL,
	experiments INTEGER NOT NULL,
	conflicts   INTEGER NOT NULL,
	problems    JSON NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS features (
	run_id    TEXT NOT NULL,
	tile_kind TEXT NOT NULL,
	bel       TEXT NOT NULL,
	attr      TEXT NOT NULL,
	value     TEXT NOT NULL,
	lane      INTEGER,
	diffs     JSON NOT NULL,
	sources   JSON NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS attributes (
	run_id    TEXT NOT NULL,
	tile_kind TEXT NOT NULL,
	bel       TEXT NOT NULL,
	attr      TEXT NOT NULL,
	kind      TEXT NOT NULL,
	bits      JSON NOT NULL,
	vals      JSON,
	sources   JSON,
	PRIMARY KEY (run_id, tile_kind, bel, attr),
	FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_features_run ON features(run_id);
CREATE INDEX IF NOT EXISTS idx_runs_device ON runs(device, started);
`

// RunRecord is the summary row of one device run.
type RunRecord struct {
	ID          uuid.UUID
	Device      string
	Started     time.Time
	Finished    time.Time
	Batches     int
	Experiments int
	Conflicts   int
	Problems    []string
}

// Store is a SQLite database of runs.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite serializes writers anyway; one connection keeps pragmas uniform.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMillis(t time.Time) int64   { return t.UTC().UnixMilli() }
func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device, started, finished, batches, experiments, conflicts, problems
		FROM runs
		ORDER BY started DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("store: query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query runs: %w", err)
	}
	return out, nil
}

// GetRun returns one run summary.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, device, started, finished, batches, experiments, conflicts, problems
		FROM runs WHERE id = ?`, id.String())
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var (
		rec               RunRecord
		id                string
		started, finished int64
		problems          []byte
	)
	err := row.Scan(&id, &rec.Device, &started, &finished, &rec.Batches, &rec.Experiments, &rec.Conflicts, &problems)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRecord{}, err
		}
		return RunRecord{}, fmt.Errorf("store: scan run: %w", err)
	}
	if rec.ID, err = uuid.Parse(id); err != nil {
		return RunRecord{}, fmt.Errorf("store: run id %q: %w", id, err)
	}
	rec.Started = fromMillis(started)
	rec.Finished = fromMillis(finished)
	if err := unmarshalJSON(problems, &rec.Problems); err != nil {
		return RunRecord{}, fmt.Errorf("store: run %s problems: %w", id, err)
	}
	return rec, nil
}
