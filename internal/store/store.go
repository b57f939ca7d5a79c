// Package store persists search runs and their candidate evaluations in SQLite
// so reports can be produced after the process exits.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haricheung/adas-falsify/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	scenario     TEXT NOT NULL,
	config_json  TEXT,
	status       TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	finished_at  TEXT,
	elapsed_ms   INTEGER NOT NULL DEFAULT 0,
	generations  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS evaluations (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	generation     INTEGER NOT NULL,
	x_json         TEXT NOT NULL,
	outcomes_json  TEXT NOT NULL,
	crash          INTEGER NOT NULL,
	safe_stop      INTEGER NOT NULL,
	timeout        INTEGER NOT NULL,
	posterior_json TEXT NOT NULL,
	ci_lower       REAL NOT NULL,
	ci_upper       REAL NOT NULL,
	objective      REAL NOT NULL,
	elapsed_ms     INTEGER NOT NULL,
	on_front       INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE INDEX IF NOT EXISTS idx_evaluations_run ON evaluations(run_id, generation);
`

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("store: not found")

// timeFormat is fixed-width so timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Run is the metadata row of one search run.
type Run struct {
	RunID       string     `json:"run_id"`
	Scenario    types.Kind `json:"scenario"`
	ConfigJSON  string     `json:"config,omitempty"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  time.Time  `json:"finished_at,omitzero"`
	ElapsedMs   int64      `json:"elapsed_ms"`
	Generations int        `json:"generations"`
	Evaluations int        `json:"evaluations"`
	Violations  int        `json:"violations"`
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	// PRAGMAs apply per connection, so keep exactly one.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginRun inserts a run row with status "running". config is stored as JSON.
//
// Expectations:
//   - Returns an error when runID already exists
func (s *Store) BeginRun(ctx context.Context, runID string, scenario types.Kind, config any) error {
	cfgJSON, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("store: marshal config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, scenario, config_json, status, started_at)
		 VALUES (?, ?, ?, 'running', ?)`,
		runID, string(scenario), string(cfgJSON), time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("store: begin run %s: %w", runID, err)
	}
	return nil
}

// RecordEvaluations inserts evaluations for runID in one transaction.
//
// Expectations:
//   - Inserts nothing when any row fails (atomic)
//   - Fails when runID has no run row (foreign key)
func (s *Store) RecordEvaluations(ctx context.Context, runID string, evals []types.Evaluation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO evaluations (id, run_id, generation, x_json, outcomes_json, crash, safe_stop, timeout,
		                          posterior_json, ci_lower, ci_upper, objective, elapsed_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(timeFormat)
	for _, ev := range evals {
		xJSON, _ := json.Marshal(ev.X)
		outJSON, _ := json.Marshal(ev.Outcomes)
		postJSON, _ := json.Marshal(ev.Posterior)
		_, err := stmt.ExecContext(ctx,
			ev.ID, runID, ev.Generation, string(xJSON), string(outJSON),
			ev.Counts.Crash, ev.Counts.SafeStop, ev.Counts.Timeout,
			string(postJSON), ev.CILower, ev.CIUpper, ev.Objective, ev.ElapsedMs, now,
		)
		if err != nil {
			return fmt.Errorf("store: insert evaluation %s: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

// FinishRun sets the final status of runID and flags the evaluations on its front.
//
// Expectations:
//   - Returns an error when runID is unknown
//   - Only IDs in front are flagged; flags from earlier calls are cleared
func (s *Store) FinishRun(ctx context.Context, runID, status string, generations int, elapsedMs int64, front []types.Evaluation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, elapsed_ms = ?, generations = ? WHERE run_id = ?`,
		status, time.Now().UTC().Format(timeFormat), elapsedMs, generations, runID,
	)
	if err != nil {
		return fmt.Errorf("store: finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE evaluations SET on_front = 0 WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("store: clear front: %w", err)
	}
	for _, ev := range front {
		if _, err := tx.ExecContext(ctx,
			`UPDATE evaluations SET on_front = 1 WHERE run_id = ? AND id = ?`, runID, ev.ID,
		); err != nil {
			return fmt.Errorf("store: flag front: %w", err)
		}
	}
	return tx.Commit()
}

// Evaluations returns the evaluations of runID ordered by generation then
// insertion. frontOnly restricts the result to the flagged front.
func (s *Store) Evaluations(ctx context.Context, runID string, frontOnly bool) ([]types.Evaluation, error) {
	q := `SELECT e.id, r.scenario, e.generation, e.x_json, e.outcomes_json, e.crash, e.safe_stop, e.timeout,
	             e.posterior_json, e.ci_lower, e.ci_upper, e.objective, e.elapsed_ms
	      FROM evaluations e JOIN runs r ON r.run_id = e.run_id
	      WHERE e.run_id = ?`
	if frontOnly {
		q += ` AND e.on_front = 1`
	}
	q += ` ORDER BY e.generation, e.rowid`

	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list evaluations: %w", err)
	}
	defer rows.Close()

	var out []types.Evaluation
	for rows.Next() {
		var ev types.Evaluation
		var scenario, xJSON, outJSON, postJSON string
		if err := rows.Scan(&ev.ID, &scenario, &ev.Generation, &xJSON, &outJSON,
			&ev.Counts.Crash, &ev.Counts.SafeStop, &ev.Counts.Timeout,
			&postJSON, &ev.CILower, &ev.CIUpper, &ev.Objective, &ev.ElapsedMs); err != nil {
			return nil, fmt.Errorf("store: scan evaluation: %w", err)
		}
		ev.Scenario = types.Kind(scenario)
		if err := json.Unmarshal([]byte(xJSON), &ev.X); err != nil {
			return nil, fmt.Errorf("store: unmarshal x: %w", err)
		}
		if err := json.Unmarshal([]byte(outJSON), &ev.Outcomes); err != nil {
			return nil, fmt.Errorf("store: unmarshal outcomes: %w", err)
		}
		if err := json.Unmarshal([]byte(postJSON), &ev.Posterior); err != nil {
			return nil, fmt.Errorf("store: unmarshal posterior: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

const runColumns = `SELECT r.run_id, r.scenario, r.config_json, r.status, r.started_at, r.finished_at,
        r.elapsed_ms, r.generations,
        COUNT(e.id), COALESCE(SUM(CASE WHEN e.objective <= 0 THEN 1 ELSE 0 END), 0)
 FROM runs r LEFT JOIN evaluations e ON e.run_id = r.run_id`

// Runs returns the most recent runs, newest first, with evaluation and
// violation counts.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		runColumns+` GROUP BY r.run_id ORDER BY r.started_at DESC, r.rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun returns the run row for runID.
//
// Expectations:
//   - Returns ErrNotFound when runID is unknown
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	rows, err := s.db.QueryContext(ctx, runColumns+` WHERE r.run_id = ? GROUP BY r.run_id`, runID)
	if err != nil {
		return Run{}, fmt.Errorf("store: get run: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Run{}, fmt.Errorf("store: get run: %w", err)
		}
		return Run{}, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return scanRun(rows)
}

func scanRun(rows *sql.Rows) (Run, error) {
	var r Run
	var scenario, startedStr string
	var cfgJSON, finishedStr sql.NullString
	if err := rows.Scan(&r.RunID, &scenario, &cfgJSON, &r.Status, &startedStr, &finishedStr,
		&r.ElapsedMs, &r.Generations, &r.Evaluations, &r.Violations); err != nil {
		return Run{}, fmt.Errorf("store: scan run: %w", err)
	}
	r.Scenario = types.Kind(scenario)
	if cfgJSON.Valid {
		r.ConfigJSON = cfgJSON.String
	}
	r.StartedAt, _ = time.Parse(timeFormat, startedStr)
	if finishedStr.Valid {
		r.FinishedAt, _ = time.Parse(timeFormat, finishedStr.String)
	}
	return r, nil
}
