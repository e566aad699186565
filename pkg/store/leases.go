package store

import (
	"context"
	"fmt"
	"time"
)

// InsertLease attempts the atomic insert that grants exclusive ownership of a
// task. A uniqueness violation is surfaced as ErrDuplicate: the task is
// already leased, which is an expected outcome under contention.
func (s *Store) InsertLease(ctx context.Context, taskID, agentID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (task_id, agent_id, expires_at) VALUES (?, ?, ?)`,
		taskID, agentID, formatTime(expiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("lease task %s: %w", taskID, ErrDuplicate)
		}
		return fmt.Errorf("insert lease %s: %w", taskID, err)
	}
	return nil
}

// DeleteLease releases a task's lease unconditionally. Deleting a
// nonexistent lease is not an error.
func (s *Store) DeleteLease(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("delete lease %s: %w", taskID, err)
	}
	return nil
}

// DeleteExpiredLeases removes every lease past its expiry and returns the
// count removed.
func (s *Store) DeleteExpiredLeases(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE expires_at < ?`, formatTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("delete expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired leases: rows affected: %w", err)
	}
	return int(n), nil
}

// DeleteDanglingLeases removes leases whose task is no longer running,
// repairing partial dispatch failures.
func (s *Store) DeleteDanglingLeases(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM leases WHERE task_id IN (
			SELECT l.task_id FROM leases l
			JOIN tasks t ON t.id = l.task_id
			WHERE t.status != ?
		)`, TaskRunning)
	if err != nil {
		return 0, fmt.Errorf("delete dangling leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("dangling leases: rows affected: %w", err)
	}
	return int(n), nil
}

// DeleteAllLeases wipes the lease table. Stop-all only.
func (s *Store) DeleteAllLeases(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM leases`)
	if err != nil {
		return 0, fmt.Errorf("delete all leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete all leases: rows affected: %w", err)
	}
	return int(n), nil
}

// ListLeases returns every current lease.
func (s *Store) ListLeases(ctx context.Context) ([]*Lease, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, agent_id, expires_at FROM leases`)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Lease
	for rows.Next() {
		var l Lease
		var expires string
		if err := rows.Scan(&l.TaskID, &l.AgentID, &expires); err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		l.ExpiresAt = parseTime(expires)
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leases: %w", err)
	}
	return out, nil
}

// LeasedTaskIDs returns the set of currently leased task IDs.
func (s *Store) LeasedTaskIDs(ctx context.Context) (map[string]bool, error) {
	leases, err := s.ListLeases(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(leases))
	for _, l := range leases {
		out[l.TaskID] = true
	}
	return out, nil
}

// LeasesOwnedBy returns the leases held by any of the given agents.
func (s *Store) LeasesOwnedBy(ctx context.Context, agentIDs []string) ([]*Lease, error) {
	if len(agentIDs) == 0 {
		return nil, nil
	}
	query := `SELECT task_id, agent_id, expires_at FROM leases WHERE agent_id IN (?` +
		repeatPlaceholder(len(agentIDs)-1) + `)`
	args := make([]any, len(agentIDs))
	for i, id := range agentIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list leases by owner: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Lease
	for rows.Next() {
		var l Lease
		var expires string
		if err := rows.Scan(&l.TaskID, &l.AgentID, &expires); err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		l.ExpiresAt = parseTime(expires)
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leases: %w", err)
	}
	return out, nil
}
