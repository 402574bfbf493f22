package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"rsirunner/internal/domain"
	"rsirunner/internal/runner"
	"rsirunner/internal/scheduler"
)

// Store persists runs and step results in PostgreSQL. It implements the
// scheduler, runner, api, and reconciler store interfaces.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// InsertRun inserts a new run record. Returns scheduler.ErrDuplicateRun if
// (workflow, trigger, scheduled_at) already exists.
func (s *Store) InsertRun(ctx context.Context, run domain.Run) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertRun,
		run.ID,
		run.Workflow,
		string(run.Trigger),
		run.ScheduledAt,
		run.FiredAt,
		string(run.Status),
		run.ExitCode,
		run.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return scheduler.ErrDuplicateRun
		}
		return err
	}
	return nil
}

// GetRunByID returns a run by its ID.
func (s *Store) GetRunByID(ctx context.Context, runID uuid.UUID) (domain.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return scanRun(s.db.QueryRowContext(ctx, queryGetRunByID, runID))
}

// ClaimRun moves a run from pending to running, stamping started_at.
// The strict status guard in the WHERE clause makes the claim exclusive:
// a run already claimed by another instance (running) or already finished
// yields runner.ErrRunNotClaimable, so the pipeline executes at most once
// per claim.
func (s *Store) ClaimRun(ctx context.Context, runID uuid.UUID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryClaimRun, runID)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected > 0 {
		return nil
	}

	var currentStatus string
	err = s.db.QueryRowContext(ctx, queryGetRunStatus, runID).Scan(&currentStatus)
	if err != nil {
		return err
	}
	return runner.ErrRunNotClaimable
}

// FinishRun records the final status, exit code, and finish time of a run.
// Terminal states are sticky: finishing an already-finished run is rejected.
func (s *Store) FinishRun(ctx context.Context, runID uuid.UUID, status domain.RunStatus, exitCode int, finishedAt time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryFinishRun, string(status), exitCode, finishedAt, runID)
	if err != nil {
		return err
	}
	return s.checkGuarded(ctx, result, runID)
}

// checkGuarded distinguishes "not found" from "already terminal" when a
// guarded update touched no rows.
func (s *Store) checkGuarded(ctx context.Context, result sql.Result, runID uuid.UUID) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected > 0 {
		return nil
	}

	var currentStatus string
	err = s.db.QueryRowContext(ctx, queryGetRunStatus, runID).Scan(&currentStatus)
	if err == sql.ErrNoRows {
		return sql.ErrNoRows
	}
	if err != nil {
		return err
	}
	return runner.ErrStatusTransitionDenied
}

// RequeueStaleRuns resets runs stuck in 'running' longer than the given
// cutoff back to 'pending' so the reconciler's orphan sweep re-emits them.
// A run can only go stale when its executor died mid-pipeline; live runs
// are protected by choosing a cutoff beyond the longest expected pipeline.
func (s *Store) RequeueStaleRuns(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryRequeueStaleRuns, olderThan, limit)
	if err != nil {
		return 0, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rowsAffected), nil
}

// InsertStepResult inserts a step result record.
func (s *Store) InsertStepResult(ctx context.Context, sr domain.StepResult) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertStepResult,
		sr.ID,
		sr.RunID,
		string(sr.Name),
		sr.Ordinal,
		string(sr.Outcome),
		sr.Detail,
		sr.StartedAt,
		sr.FinishedAt,
	)
	return err
}

// ListRuns returns runs ordered by creation time, newest first.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]domain.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListRuns, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRuns(rows)
}

// ListStepResults returns the step results of a run in execution order.
func (s *Store) ListStepResults(ctx context.Context, runID uuid.UUID) ([]domain.StepResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListStepResults, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.StepResult
	for rows.Next() {
		var sr domain.StepResult
		var name, outcome string

		err := rows.Scan(
			&sr.ID,
			&sr.RunID,
			&name,
			&sr.Ordinal,
			&outcome,
			&sr.Detail,
			&sr.StartedAt,
			&sr.FinishedAt,
		)
		if err != nil {
			return nil, err
		}
		sr.Name = domain.StepName(name)
		sr.Outcome = domain.StepOutcome(outcome)
		result = append(result, sr)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// GetOrphanedRuns returns runs stuck in 'pending' created before the given
// threshold, oldest first, limited to maxResults.
func (s *Store) GetOrphanedRuns(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryGetOrphanedRuns, olderThan, maxResults)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRuns(rows)
}

// DequeueRun atomically claims the oldest pending run for execution,
// marking it running. Returns false when no pending run exists. The SKIP
// LOCKED clause lets multiple workers poll without double-claiming.
func (s *Store) DequeueRun(ctx context.Context) (domain.Run, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	run, err := scanRun(s.db.QueryRowContext(ctx, queryDequeueRun))
	if err == sql.ErrNoRows {
		return domain.Run{}, false, nil
	}
	if err != nil {
		return domain.Run{}, false, err
	}
	return run, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var trigger, status string
	var finishedAt sql.NullTime

	err := row.Scan(
		&run.ID,
		&run.Workflow,
		&trigger,
		&run.ScheduledAt,
		&run.FiredAt,
		&status,
		&run.ExitCode,
		&run.CreatedAt,
		&finishedAt,
	)
	if err != nil {
		return domain.Run{}, err
	}
	run.Trigger = domain.TriggerKind(trigger)
	run.Status = domain.RunStatus(status)
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return run, nil
}

func collectRuns(rows *sql.Rows) ([]domain.Run, error) {
	var result []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	// PostgreSQL unique violation error code is 23505.
	errStr := err.Error()
	return strings.Contains(errStr, "23505") ||
		strings.Contains(errStr, "unique constraint") ||
		strings.Contains(errStr, "duplicate key")
}

// Compile-time interface assertions
var (
	_ scheduler.Store = (*Store)(nil)
	_ runner.Store    = (*Store)(nil)
)
