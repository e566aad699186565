package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const taskColumns = `id, title, status, block_reason, priority, risk_level, role, lane, kind,
	depends_on, target_area, allowed_paths, commands, timebox_minutes, retry_count,
	created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var dependsOn, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.Title, &t.Status, &t.BlockReason, &t.Priority, &t.RiskLevel,
		&t.Role, &t.Lane, &t.Kind, &dependsOn, &t.TargetArea, &t.AllowedPaths, &t.Commands,
		&t.TimeboxMinutes, &t.RetryCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.DependsOn = splitIDs(dependsOn)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// InsertTask persists a new task. The planner is the usual caller; the judge
// also inserts follow-up documentation tasks through this path.
func (s *Store) InsertTask(ctx context.Context, t *Task) error {
	now := s.now()
	if t.Status == "" {
		t.Status = TaskQueued
	}
	if t.Lane == "" {
		t.Lane = LaneFeature
	}
	if t.RiskLevel == "" {
		t.RiskLevel = RiskMedium
	}
	if t.Role == "" {
		t.Role = RoleWorker
	}
	if t.Kind == "" {
		t.Kind = KindCode
	}
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Status, t.BlockReason, t.Priority, t.RiskLevel, t.Role, t.Lane,
		t.Kind, joinIDs(t.DependsOn), t.TargetArea, t.AllowedPaths, t.Commands,
		t.TimeboxMinutes, t.RetryCount, formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert task %s: %w", t.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask loads a single task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasksByStatus returns all tasks in any of the given statuses, oldest
// first.
func (s *Store) ListTasksByStatus(ctx context.Context, statuses ...TaskStatus) ([]*Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status IN (?` +
		repeatPlaceholder(len(statuses)-1) + `) ORDER BY created_at, id`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

// TransitionTask performs the conditional status update that guards every
// task state change: the write succeeds only if the row still holds the
// expected status. Returns false when the row moved underneath the caller,
// a benign race, not an error.
func (s *Store) TransitionTask(ctx context.Context, id string, from, to TaskStatus, reason BlockReason) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, block_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		to, reason, formatTime(s.now()), id, from)
	if err != nil {
		return false, fmt.Errorf("transition task %s %s->%s: %w", id, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition task %s: rows affected: %w", id, err)
	}
	return n == 1, nil
}

// RequeueTask forces a task back to queued from any state and bumps its retry
// count. Used by crash recovery, stop-all, and judge verdicts, where the
// caller has already decided the task must run again.
func (s *Store) RequeueTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, block_reason = '', retry_count = retry_count + 1,
			updated_at = ?
		WHERE id = ?`,
		TaskQueued, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("requeue task %s: %w", id, err)
	}
	return nil
}

// CountTasksWhere returns the number of tasks matching status and, when
// reason is non-empty, block_reason.
func (s *Store) CountTasksWhere(ctx context.Context, status TaskStatus, reason BlockReason) (int, error) {
	var n int
	var err error
	if reason == BlockNone {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE status = ?`, status).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE status = ? AND block_reason = ?`, status, reason).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// HasQuotaWaitBacklog reports whether any task anywhere is parked on an
// upstream provider rate limit.
func (s *Store) HasQuotaWaitBacklog(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE block_reason = ?`, BlockQuotaWait).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count quota_wait tasks: %w", err)
	}
	return n > 0, nil
}

// RunningTargetAreas returns the distinct non-empty target areas of running
// tasks, for conflict avoidance.
func (s *Store) RunningTargetAreas(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT target_area FROM tasks WHERE status = ? AND target_area != ''`,
		TaskRunning)
	if err != nil {
		return nil, fmt.Errorf("query running target areas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	areas := make(map[string]bool)
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scan target area: %w", err)
		}
		areas[a] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate target areas: %w", err)
	}
	return areas, nil
}

// ActiveCountByLane returns the number of running tasks per lane.
func (s *Store) ActiveCountByLane(ctx context.Context) (map[Lane]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT lane, COUNT(*) FROM tasks WHERE status = ? GROUP BY lane`, TaskRunning)
	if err != nil {
		return nil, fmt.Errorf("count running by lane: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[Lane]int)
	for rows.Next() {
		var lane Lane
		var n int
		if err := rows.Scan(&lane, &n); err != nil {
			return nil, fmt.Errorf("scan lane count: %w", err)
		}
		if lane == "" {
			lane = LaneFeature
		}
		out[lane] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lane counts: %w", err)
	}
	return out, nil
}
