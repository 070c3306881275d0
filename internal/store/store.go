// Package store persists run results to SQLite. Each task's result is
// written in one transaction as it completes, so a crash mid-run keeps
// everything finished so far.
package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/throw-if-null/metacrit/internal/api"
)

type Store struct {
	db *sql.DB
}

var ErrNotFound = errors.New("not found")

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init runs migrations using PRAGMA user_version.
func (s *Store) Init() error {
	// Check current version
	var ver int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= 1 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// v1 schema
	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS runs (
  run_id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  category TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  final_response TEXT NOT NULL DEFAULT '',
  final_spec TEXT NOT NULL DEFAULT '',
  score REAL,
  error_summary TEXT NOT NULL DEFAULT '',
  iterations INTEGER NOT NULL DEFAULT 0,
  started_at TEXT NOT NULL,
  finished_at TEXT NOT NULL
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS turns (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
  task_id TEXT NOT NULL,
  turn_index INTEGER NOT NULL,
  response TEXT NOT NULL,
  critique TEXT NOT NULL DEFAULT '',
  revised TEXT NOT NULL,
  spec_before TEXT NOT NULL,
  spec_after TEXT NOT NULL,
  UNIQUE (run_id, turn_index)
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`PRAGMA user_version = 1`); err != nil {
		return err
	}

	return tx.Commit()
}

// Save writes one run result and all of its turns atomically.
func (s *Store) Save(r *api.RunResult) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var score any
	if r.Score != nil {
		score = *r.Score
	}
	finishedAt := r.FinishedAt
	if finishedAt == "" {
		finishedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}

	if _, err := tx.Exec(
		`INSERT INTO runs (run_id, task_id, category, status, final_response, final_spec, score, error_summary, iterations, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.TaskID, r.Category, string(r.Status), r.FinalResponse, r.FinalSpec, score, r.ErrorSummary, r.Iterations, r.StartedAt, finishedAt,
	); err != nil {
		return err
	}

	for _, turn := range r.Turns {
		if _, err := tx.Exec(
			`INSERT INTO turns (run_id, task_id, turn_index, response, critique, revised, spec_before, spec_after) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, r.TaskID, turn.Index, turn.Response, turn.Critique, turn.Revised, turn.SpecBefore, turn.SpecAfter,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetResult loads one run with its turns ordered by turn index.
func (s *Store) GetResult(runID string) (*api.RunResult, error) {
	row := s.db.QueryRow(`SELECT run_id, task_id, category, status, final_response, final_spec, score, error_summary, iterations, started_at, finished_at FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.Query(`SELECT turn_index, response, critique, revised, spec_before, spec_after FROM turns WHERE run_id = ? ORDER BY turn_index ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var turn api.Turn
		if err := rows.Scan(&turn.Index, &turn.Response, &turn.Critique, &turn.Revised, &turn.SpecBefore, &turn.SpecAfter); err != nil {
			return nil, err
		}
		r.Turns = append(r.Turns, turn)
	}
	return r, rows.Err()
}

// ListResults returns runs ordered newest first, without turns. If limit <= 0,
// return all.
func (s *Store) ListResults(limit int) ([]*api.RunResult, error) {
	q := `SELECT run_id, task_id, category, status, final_response, final_spec, score, error_summary, iterations, started_at, finished_at FROM runs ORDER BY started_at DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		q = q + ` LIMIT ?`
		rows, err = s.db.Query(q, limit)
	} else {
		rows, err = s.db.Query(q)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.RunResult
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summary aggregates stored runs: counts per status and mean score over
// completed runs.
func (s *Store) Summary() (api.Summary, error) {
	var sum api.Summary
	row := s.db.QueryRow(`SELECT COUNT(*),
  COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN status = 'aborted' THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0),
  COALESCE(AVG(CASE WHEN status = 'completed' THEN score END), 0)
  FROM runs`)
	if err := row.Scan(&sum.Total, &sum.Succeeded, &sum.Failed, &sum.Cancelled, &sum.MeanScore); err != nil {
		return api.Summary{}, err
	}
	return sum, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*api.RunResult, error) {
	var r api.RunResult
	var score sql.NullFloat64
	var status string
	if err := row.Scan(&r.RunID, &r.TaskID, &r.Category, &status, &r.FinalResponse, &r.FinalSpec, &score, &r.ErrorSummary, &r.Iterations, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	r.Status = api.RunStatus(status)
	if score.Valid {
		v := score.Float64
		r.Score = &v
	}
	return &r, nil
}
