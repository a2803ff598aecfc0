package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const runColumns = `id, workflow, payload_json, status, cancel_requested, run_after,
	result_json, last_error, failed_step, created_at, updated_at`

// EnqueueRun inserts a pending run. RunAfter defaults to now.
func (s *Store) EnqueueRun(ctx context.Context, run Run) error {
	now := formatTime(time.Now())
	runAfter := now
	if !run.RunAfter.IsZero() {
		runAfter = formatTime(run.RunAfter)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow, payload_json, status, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?, ?)`,
		run.ID, run.Workflow, run.PayloadJSON, runAfter, now, now,
	)
	if err != nil {
		return fmt.Errorf("enqueueing run %s: %w", run.ID, err)
	}
	return nil
}

// ClaimNextRun atomically moves the oldest due pending run of one of the given
// workflows to running and returns it. Returns nil when nothing is due.
func (s *Store) ClaimNextRun(ctx context.Context, workflows []string) (*Run, error) {
	if len(workflows) == 0 {
		return nil, nil
	}

	now := formatTime(time.Now())
	placeholders := strings.Repeat(",?", len(workflows)-1)
	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE status = 'pending' AND run_after <= ? AND workflow IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(workflows)+1)
	args = append(args, now)
	for _, w := range workflows {
		args = append(args, w)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	run, err := scanRun(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next run: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE runs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, run.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated run rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	run.Status = RunRunning
	run.UpdatedAt, _ = parseTime("updated_at", now)
	return &run, nil
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return run, err
}

// ListRuns returns the most recent runs, optionally filtered by status.
func (s *Store) ListRuns(ctx context.Context, status string, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RunSteps returns the checkpoints recorded so far for a run.
func (s *Store) RunSteps(ctx context.Context, runID string) ([]StepState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, name, status, result_json, attempts, last_error, updated_at
		FROM run_steps WHERE run_id = ? ORDER BY rowid ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying steps for run %s: %w", runID, err)
	}
	defer rows.Close()

	var steps []StepState
	for rows.Next() {
		var st StepState
		var updatedAt string
		if err := rows.Scan(&st.RunID, &st.Name, &st.Status, &st.ResultJSON, &st.Attempts, &st.LastError, &updatedAt); err != nil {
			return nil, err
		}
		if st.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// CommitStep records a step as completed (or skipped) together with its
// result in a single transaction. Attempts from earlier failures are kept.
func (s *Store) CommitStep(ctx context.Context, runID, name, status, resultJSON string) error {
	if status != StepCompleted && status != StepSkipped {
		return fmt.Errorf("committing step %s: invalid status %q", name, status)
	}
	now := formatTime(time.Now())
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_steps (run_id, name, status, result_json, attempts, last_error, updated_at)
			VALUES (?, ?, ?, ?, 0, '', ?)
			ON CONFLICT(run_id, name) DO UPDATE SET
				status = excluded.status,
				result_json = excluded.result_json,
				updated_at = excluded.updated_at`,
			runID, name, status, resultJSON, now,
		); err != nil {
			return fmt.Errorf("committing step %s of run %s: %w", name, runID, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE runs SET updated_at = ? WHERE id = ?`, now, runID); err != nil {
			return fmt.Errorf("touching run %s: %w", runID, err)
		}
		return nil
	})
}

// FailStep records a failed attempt of a step. While attempts remain, the run
// goes back to pending with run_after pushed out by delay(attempts); once
// maxAttempts is reached both the step and the run are marked failed.
func (s *Store) FailStep(ctx context.Context, runID, name, errMsg string, maxAttempts int, delay func(attempt int) time.Duration) (StepFailure, error) {
	var out StepFailure
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var attempts int
		err := tx.QueryRowContext(ctx, `SELECT attempts FROM run_steps WHERE run_id = ? AND name = ?`, runID, name).Scan(&attempts)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("reading attempts for step %s: %w", name, err)
		}

		now := time.Now().UTC()
		attempts++
		out.Attempts = attempts
		out.Exhausted = attempts >= maxAttempts

		stepStatus := StepPending
		if out.Exhausted {
			stepStatus = StepFailed
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_steps (run_id, name, status, result_json, attempts, last_error, updated_at)
			VALUES (?, ?, ?, '', ?, ?, ?)
			ON CONFLICT(run_id, name) DO UPDATE SET
				status = excluded.status,
				attempts = excluded.attempts,
				last_error = excluded.last_error,
				updated_at = excluded.updated_at`,
			runID, name, stepStatus, attempts, errMsg, formatTime(now),
		); err != nil {
			return fmt.Errorf("recording failure of step %s: %w", name, err)
		}

		if out.Exhausted {
			_, err = tx.ExecContext(ctx, `
				UPDATE runs SET status = 'failed', failed_step = ?, last_error = ?, updated_at = ?
				WHERE id = ?`,
				name, errMsg, formatTime(now), runID)
		} else {
			out.RetryAt = now.Add(delay(attempts))
			_, err = tx.ExecContext(ctx, `
				UPDATE runs SET status = 'pending', last_error = ?, run_after = ?, updated_at = ?
				WHERE id = ?`,
				errMsg, formatTime(out.RetryAt), formatTime(now), runID)
		}
		if err != nil {
			return fmt.Errorf("updating run %s after step failure: %w", runID, err)
		}
		return nil
	})
	return out, err
}

// CompleteRun marks a run completed and stores its terminal result.
func (s *Store) CompleteRun(ctx context.Context, runID, resultJSON string) error {
	return s.finishRun(ctx, runID, RunCompleted, resultJSON)
}

// MarkCancelled moves a run the engine stopped between steps to cancelled.
func (s *Store) MarkCancelled(ctx context.Context, runID string) error {
	return s.finishRun(ctx, runID, RunCancelled, "")
}

func (s *Store) finishRun(ctx context.Context, runID, status, resultJSON string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, result_json = ?, updated_at = ? WHERE id = ?`,
		status, resultJSON, formatTime(time.Now()), runID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseRun hands a running run back to the queue without counting an
// attempt. Used when the executing process shuts down between steps.
func (s *Store) ReleaseRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET status = 'pending', updated_at = ? WHERE id = ? AND status = 'running'`,
		formatTime(time.Now()), runID)
	return err
}

// RequeueStaleRuns resets runs left running by a process that died, so they
// resume from their last checkpoint. Returns the number of runs requeued.
func (s *Store) RequeueStaleRuns(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = 'pending', updated_at = ? WHERE status = 'running'`,
		formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("requeueing stale runs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CancelRun requests cancellation. Pending runs are cancelled immediately;
// running runs get cancel_requested and stop before their next step.
// Returns the resulting status.
func (s *Store) CancelRun(ctx context.Context, runID string) (string, error) {
	var status string
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		now := formatTime(time.Now())
		switch status {
		case RunPending:
			status = RunCancelled
			_, err = tx.ExecContext(ctx, `UPDATE runs SET status = 'cancelled', cancel_requested = 1, updated_at = ? WHERE id = ?`, now, runID)
		case RunRunning:
			_, err = tx.ExecContext(ctx, `UPDATE runs SET cancel_requested = 1, updated_at = ? WHERE id = ?`, now, runID)
		default:
			return ErrRunTerminal
		}
		return err
	})
	return status, err
}

// IsCancelRequested reports whether cancellation was requested for a run.
func (s *Store) IsCancelRequested(ctx context.Context, runID string) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM runs WHERE id = ?`, runID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return v != 0, err
}

func scanRun(sc rowScanner) (Run, error) {
	var r Run
	var cancel int
	var runAfter, createdAt, updatedAt string
	if err := sc.Scan(&r.ID, &r.Workflow, &r.PayloadJSON, &r.Status, &cancel, &runAfter,
		&r.ResultJSON, &r.LastError, &r.FailedStep, &createdAt, &updatedAt); err != nil {
		return Run{}, err
	}
	r.CancelRequested = cancel != 0

	var err error
	if r.RunAfter, err = parseTime("run_after", runAfter); err != nil {
		return Run{}, err
	}
	if r.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Run{}, err
	}
	if r.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Run{}, err
	}
	return r, nil
}
