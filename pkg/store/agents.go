package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertAgent registers an agent identity or refreshes an existing one.
func (s *Store) UpsertAgent(ctx context.Context, a *Agent) error {
	if a.Status == "" {
		a.Status = AgentIdle
	}
	a.LastHeartbeat = s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, role, status, current_task_id, pid, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			status = excluded.status,
			current_task_id = excluded.current_task_id,
			pid = excluded.pid,
			last_heartbeat = excluded.last_heartbeat`,
		a.ID, a.Role, a.Status, a.CurrentTaskID, a.PID, formatTime(a.LastHeartbeat))
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	return nil
}

// GetAgent loads an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	var hb string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, role, status, current_task_id, pid, last_heartbeat
		FROM agents WHERE id = ?`, id).
		Scan(&a.ID, &a.Role, &a.Status, &a.CurrentTaskID, &a.PID, &hb)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	a.LastHeartbeat = parseTime(hb)
	return &a, nil
}

// HeartbeatAgent records a liveness ping from the agent itself.
func (s *Store) HeartbeatAgent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_heartbeat = ? WHERE id = ?`, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("heartbeat agent %s: %w", id, err)
	}
	return nil
}

// SetAgentState updates an agent's status and current task binding.
func (s *Store) SetAgentState(ctx context.Context, id string, status AgentStatus, currentTaskID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, current_task_id = ? WHERE id = ?`,
		status, currentTaskID, id)
	if err != nil {
		return fmt.Errorf("set agent %s state: %w", id, err)
	}
	return nil
}

// ListAgents returns all registered agents.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, status, current_task_id, pid, last_heartbeat FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Agent
	for rows.Next() {
		var a Agent
		var hb string
		if err := rows.Scan(&a.ID, &a.Role, &a.Status, &a.CurrentTaskID, &a.PID, &hb); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.LastHeartbeat = parseTime(hb)
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return out, nil
}

// IdleAgentsByRole returns idle agents of the given role whose heartbeat is
// within the liveness window.
func (s *Store) IdleAgentsByRole(ctx context.Context, role Role, window time.Duration) ([]*Agent, error) {
	cutoff := s.now().Add(-window)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, status, current_task_id, pid, last_heartbeat FROM agents
		WHERE role = ? AND status = ? AND last_heartbeat >= ?
		ORDER BY last_heartbeat DESC`,
		role, AgentIdle, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list idle agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Agent
	for rows.Next() {
		var a Agent
		var hb string
		if err := rows.Scan(&a.ID, &a.Role, &a.Status, &a.CurrentTaskID, &a.PID, &hb); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.LastHeartbeat = parseTime(hb)
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return out, nil
}

// DeadAgentIDs returns agents whose heartbeat is older than the liveness
// window or whose status is offline.
func (s *Store) DeadAgentIDs(ctx context.Context, window time.Duration) ([]string, error) {
	cutoff := s.now().Add(-window)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM agents WHERE last_heartbeat < ? OR status = ?`,
		formatTime(cutoff), AgentOffline)
	if err != nil {
		return nil, fmt.Errorf("list dead agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent ids: %w", err)
	}
	return out, nil
}

// CountBusyAgents returns the number of agents currently marked busy.
func (s *Store) CountBusyAgents(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE status = ?`, AgentBusy).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count busy agents: %w", err)
	}
	return n, nil
}

// MarkAllAgentsOffline flips every agent to offline. Stop-all only.
func (s *Store) MarkAllAgentsOffline(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, current_task_id = '' WHERE status != ?`,
		AgentOffline, AgentOffline)
	if err != nil {
		return 0, fmt.Errorf("mark agents offline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark agents offline: rows affected: %w", err)
	}
	return int(n), nil
}
