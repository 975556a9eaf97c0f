package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status values shared by runs and stages.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Run is one provision pipeline invocation.
type Run struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
	LastError   *string `json:"last_error,omitempty"`
}

// StageRecord is the outcome of a single stage within a run.
type StageRecord struct {
	RunID       string  `json:"run_id"`
	Stage       string  `json:"stage"`
	Status      string  `json:"status"`
	ExitCode    *int    `json:"exit_code,omitempty"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
	LastError   *string `json:"last_error,omitempty"`
	Stderr      *string `json:"stderr,omitempty"`
}

// Store persists provision run and stage history plus applied-patch marks.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// BeginRun inserts a new running provision_run row and returns its ID.
func (s *Store) BeginRun(ctx context.Context) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO provision_run(id, status, started_at) VALUES(?, ?, ?);",
		id, StatusRunning, s.timestamp())
	if err != nil {
		return "", fmt.Errorf("insert provision run: %w", err)
	}
	return id, nil
}

// CompleteRun finalizes a run with a terminal status and optional error text.
func (s *Store) CompleteRun(ctx context.Context, runID, status string, lastError *string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE provision_run SET status = ?, completed_at = ?, last_error = ? WHERE id = ?;",
		status, s.timestamp(), lastError, runID)
	if err != nil {
		return fmt.Errorf("complete provision run: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("provision run %q not found", runID)
	}
	return nil
}

// RecordStage upserts the outcome of one stage within a run.
func (s *Store) RecordStage(ctx context.Context, rec StageRecord) error {
	if rec.RunID == "" || rec.Stage == "" {
		return fmt.Errorf("stage record requires run_id and stage")
	}
	if rec.StartedAt == "" {
		rec.StartedAt = s.timestamp()
	}
	if rec.CompletedAt == nil && rec.Status != StatusRunning {
		ts := s.timestamp()
		rec.CompletedAt = &ts
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO stage_log(run_id, stage, status, exit_code, started_at, completed_at, last_error, stderr)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, stage) DO UPDATE SET
  status = excluded.status,
  exit_code = excluded.exit_code,
  completed_at = excluded.completed_at,
  last_error = excluded.last_error,
  stderr = excluded.stderr;
`, rec.RunID, rec.Stage, rec.Status, rec.ExitCode, rec.StartedAt, rec.CompletedAt, rec.LastError, rec.Stderr)
	if err != nil {
		return fmt.Errorf("record stage %q: %w", rec.Stage, err)
	}
	return nil
}

// PatchApplied reports whether the patch file content identified by hash has
// already been applied. A changed hash for the same file reads as not applied.
func (s *Store) PatchApplied(ctx context.Context, file, hash string) (bool, error) {
	var stored string
	err := s.db.QueryRowContext(ctx,
		"SELECT hash FROM applied_patch WHERE file = ?;", file).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read applied patch: %w", err)
	}
	return stored == hash, nil
}

// MarkPatchApplied records (or refreshes) the applied hash for a patch file.
func (s *Store) MarkPatchApplied(ctx context.Context, file, hash string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO applied_patch(file, hash, applied_at)
VALUES(?, ?, ?)
ON CONFLICT(file) DO UPDATE SET
  hash = excluded.hash,
  applied_at = excluded.applied_at;
`, file, hash, s.timestamp())
	if err != nil {
		return fmt.Errorf("mark patch applied: %w", err)
	}
	return nil
}

// LatestRun returns the most recently started run, or nil when none exist.
func (s *Store) LatestRun(ctx context.Context) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, status, started_at, completed_at, last_error
FROM provision_run ORDER BY started_at DESC LIMIT 1;`)

	var r Run
	err := row.Scan(&r.ID, &r.Status, &r.StartedAt, &r.CompletedAt, &r.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read latest run: %w", err)
	}
	return &r, nil
}

// GetRun returns a run by ID, or nil when it does not exist.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, status, started_at, completed_at, last_error
FROM provision_run WHERE id = ?;`, runID)

	var r Run
	err := row.Scan(&r.ID, &r.Status, &r.StartedAt, &r.CompletedAt, &r.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read run %q: %w", runID, err)
	}
	return &r, nil
}

// StageHistory returns the stage records of a run in start order.
func (s *Store) StageHistory(ctx context.Context, runID string) ([]StageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, stage, status, exit_code, started_at, completed_at, last_error, stderr
FROM stage_log WHERE run_id = ? ORDER BY started_at;`, runID)
	if err != nil {
		return nil, fmt.Errorf("read stage history: %w", err)
	}
	defer rows.Close()

	var out []StageRecord
	for rows.Next() {
		var rec StageRecord
		if err := rows.Scan(&rec.RunID, &rec.Stage, &rec.Status, &rec.ExitCode,
			&rec.StartedAt, &rec.CompletedAt, &rec.LastError, &rec.Stderr); err != nil {
			return nil, fmt.Errorf("scan stage record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
