package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const runColumns = `id, task_id, agent_id, status, started_at, finished_at,
	error_message, error_meta, pr_url, judged_at, judgement_version`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	var startedAt string
	var finishedAt, judgedAt sql.NullString
	err := row.Scan(&r.ID, &r.TaskID, &r.AgentID, &r.Status, &startedAt, &finishedAt,
		&r.ErrorMessage, &r.ErrorMeta, &r.PRURL, &judgedAt, &r.JudgementVersion)
	if err != nil {
		return nil, err
	}
	r.StartedAt = parseTime(startedAt)
	r.FinishedAt = nullableTime(finishedAt)
	r.JudgedAt = nullableTime(judgedAt)
	return &r, nil
}

// InsertRun records the start of an execution attempt.
func (s *Store) InsertRun(ctx context.Context, r *Run) error {
	if r.Status == "" {
		r.Status = RunRunning
	}
	r.StartedAt = s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, task_id, agent_id, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.AgentID, r.Status, formatTime(r.StartedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert run %s: %w", r.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

// GetRun loads a single run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

// FinishRun finalizes a run with its terminal status and error details.
// The executing agent is the usual caller; stop-all finalizes via CancelRunningRuns.
func (s *Store) FinishRun(ctx context.Context, id string, status RunStatus, errMsg, errMeta, prURL string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, error_message = ?, error_meta = ?, pr_url = ?
		WHERE id = ?`,
		status, formatTime(s.now()), errMsg, errMeta, prURL, id)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	return nil
}

// FinalizeRunIfRunning finalizes a run only when it is still running.
// The launcher uses this after the agent process exits: an agent that
// already reported its own outcome wins, the launcher's view is only a
// crash net. Returns false when the run was already finalized.
func (s *Store) FinalizeRunIfRunning(ctx context.Context, id string, status RunStatus, errMsg, errMeta, prURL string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, error_message = ?, error_meta = ?, pr_url = ?
		WHERE id = ? AND status = ?`,
		status, formatTime(s.now()), errMsg, errMeta, prURL, id, RunRunning)
	if err != nil {
		return false, fmt.Errorf("finalize run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize run %s: rows affected: %w", id, err)
	}
	return n == 1, nil
}

// CancelRunningRunForTask cancels the task's running run, if any. Lease
// reclaim uses this so a dead agent's run cannot shadow re-dispatch forever.
// Returns false when the task had no running run.
func (s *Store) CancelRunningRunForTask(ctx context.Context, taskID, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, error_message = ?
		WHERE task_id = ? AND status = ?`,
		RunCancelled, formatTime(s.now()), reason, taskID, RunRunning)
	if err != nil {
		return false, fmt.Errorf("cancel running run for %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel running run for %s: rows affected: %w", taskID, err)
	}
	return n > 0, nil
}

// HasRunningRun reports whether a running run already exists for the task.
// Dispatch consults this as its idempotency guard before launching.
func (s *Store) HasRunningRun(ctx context.Context, taskID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE task_id = ? AND status = ?`,
		taskID, RunRunning).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count running runs for %s: %w", taskID, err)
	}
	return n > 0, nil
}

// LatestFinishedRun returns the most recently finished run of a task, or
// ErrNotFound if the task never ran to completion.
func (s *Store) LatestFinishedRun(ctx context.Context, taskID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE task_id = ? AND finished_at IS NOT NULL
		ORDER BY finished_at DESC, id DESC LIMIT 1`, taskID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest finished run for %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest finished run for %s: %w", taskID, err)
	}
	return r, nil
}

// LatestRunForTask returns the most recent run of a task in any state, or
// ErrNotFound if the task has never been dispatched.
func (s *Store) LatestRunForTask(ctx context.Context, taskID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE task_id = ?
		ORDER BY started_at DESC, id DESC LIMIT 1`, taskID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest run for %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest run for %s: %w", taskID, err)
	}
	return r, nil
}

// ListUnjudgedFinishedRuns returns finished runs no judge has claimed yet,
// oldest first.
func (s *Store) ListUnjudgedFinishedRuns(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE finished_at IS NOT NULL AND judged_at IS NULL AND status != ?
		ORDER BY finished_at, id`, RunCancelled)
	if err != nil {
		return nil, fmt.Errorf("list unjudged runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// CountUnjudgedSuccessArtifacts counts successful runs that carry a PR or
// worktree artifact and have not been judged. The scheduler's judge-backlog
// gate reads this.
func (s *Store) CountUnjudgedSuccessArtifacts(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM runs
		WHERE status = ? AND judged_at IS NULL AND pr_url != ''`, RunSuccess).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unjudged artifacts: %w", err)
	}
	return n, nil
}

// ClaimRun stamps judged_at and bumps judgement_version, but only if no other
// judge got there first. Returns false when the run was already claimed;
// the loser observes "already judged" and moves on.
func (s *Store) ClaimRun(ctx context.Context, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET judged_at = ?, judgement_version = judgement_version + 1
		WHERE id = ? AND judged_at IS NULL`,
		formatTime(s.now()), runID)
	if err != nil {
		return false, fmt.Errorf("claim run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim run %s: rows affected: %w", runID, err)
	}
	return n == 1, nil
}

// UnclaimRun clears the judged_at stamp so a run whose evaluation failed is
// picked up again on a later judge cycle. The judgement_version bump from
// the claim is kept as an audit trail of attempts.
func (s *Store) UnclaimRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET judged_at = NULL WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("unclaim run %s: %w", runID, err)
	}
	return nil
}

// CancelRunningRuns cancels every running run and returns the affected task
// IDs. Stop-all uses this to make in-flight work consistent.
func (s *Store) CancelRunningRuns(ctx context.Context, reason string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id FROM runs WHERE status = ?`, RunRunning)
	if err != nil {
		return nil, fmt.Errorf("list running runs: %w", err)
	}
	type pair struct{ runID, taskID string }
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.runID, &p.taskID); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan running run: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate running runs: %w", err)
	}
	_ = rows.Close()

	taskIDs := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if err := s.FinishRun(ctx, p.runID, RunCancelled, reason, "", ""); err != nil {
			return taskIDs, err
		}
		taskIDs = append(taskIDs, p.taskID)
	}
	return taskIDs, nil
}

// TaskHasActiveRunForAgent reports whether the agent still owns a running
// run. The supervisor checks this before restarting a stale agent process.
func (s *Store) TaskHasActiveRunForAgent(ctx context.Context, agentID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE agent_id = ? AND status = ?`,
		agentID, RunRunning).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count active runs for agent %s: %w", agentID, err)
	}
	return n > 0, nil
}
