// Package lease implements exclusive, time-bounded task ownership. The
// leases table's primary key on task_id is the mutual-exclusion primitive:
// acquisition is a plain insert, and losing the uniqueness race is an
// expected contention outcome rather than an error condition.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fleet/pkg/store"
)

// ErrAlreadyLeased is returned when another agent holds the task's lease.
var ErrAlreadyLeased = errors.New("lease: task already leased")

// Manager owns the lease lifecycle and the cleanup passes that repair
// orphaned ownership state after crashes.
type Manager struct {
	st  *store.Store
	log *slog.Logger

	// Grace added on top of a task's timebox when computing lease expiry.
	grace time.Duration

	// Heartbeats older than this mark an agent dead for reclaim purposes.
	livenessWindow time.Duration

	nowFunc func() time.Time
}

// New creates a Manager. Zero durations fall back to defaults (5m grace,
// 90s liveness window).
func New(st *store.Store, log *slog.Logger, grace, livenessWindow time.Duration) *Manager {
	if grace == 0 {
		grace = 5 * time.Minute
	}
	if livenessWindow == 0 {
		livenessWindow = 90 * time.Second
	}
	return &Manager{
		st:             st,
		log:            log,
		grace:          grace,
		livenessWindow: livenessWindow,
		nowFunc:        time.Now,
	}
}

// SetNowFunc overrides the clock. Test hook.
func (m *Manager) SetNowFunc(f func() time.Time) {
	m.nowFunc = f
}

// Acquire attempts to take exclusive ownership of the task for the agent.
// The expiry horizon is the task's timebox plus a grace period, so a stale
// claim can never block re-dispatch for longer than one execution window.
// Returns ErrAlreadyLeased when the insert loses the uniqueness race.
func (m *Manager) Acquire(ctx context.Context, task *store.Task, agentID string) error {
	timebox := time.Duration(task.TimeboxMinutes) * time.Minute
	if timebox == 0 {
		timebox = 30 * time.Minute
	}
	expires := m.nowFunc().Add(timebox + m.grace)

	err := m.st.InsertLease(ctx, task.ID, agentID, expires)
	if errors.Is(err, store.ErrDuplicate) {
		m.log.Info("lease contention", "task", task.ID, "agent", agentID)
		return ErrAlreadyLeased
	}
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	return nil
}

// Release drops the task's lease unconditionally.
func (m *Manager) Release(ctx context.Context, taskID string) error {
	return m.st.DeleteLease(ctx, taskID)
}

// CleanupExpired deletes all leases past their expiry and returns the count
// removed.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	n, err := m.st.DeleteExpiredLeases(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Warn("removed expired leases", "count", n)
	}
	return n, nil
}

// CleanupDangling deletes leases whose task is not running, a consistency
// repair against partial dispatch failures.
func (m *Manager) CleanupDangling(ctx context.Context) (int, error) {
	n, err := m.st.DeleteDanglingLeases(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Warn("removed dangling leases", "count", n)
	}
	return n, nil
}

// ReclaimDeadAgents deletes leases owned by agents whose heartbeat is stale
// or who are marked offline, and returns their tasks to queued. Returns the
// number of tasks requeued.
func (m *Manager) ReclaimDeadAgents(ctx context.Context) (int, error) {
	dead, err := m.st.DeadAgentIDs(ctx, m.livenessWindow)
	if err != nil {
		return 0, err
	}
	if len(dead) == 0 {
		return 0, nil
	}

	leases, err := m.st.LeasesOwnedBy(ctx, dead)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, l := range leases {
		if err := m.st.DeleteLease(ctx, l.TaskID); err != nil {
			return requeued, err
		}
		// The dead agent's run must be cancelled too, or the dispatch
		// idempotency guard would skip the requeued task every cycle.
		// "agent restart" keeps the task inside the cooldown bypass.
		if _, err := m.st.CancelRunningRunForTask(ctx, l.TaskID, "agent restart"); err != nil {
			return requeued, err
		}
		ok, err := m.st.TransitionTask(ctx, l.TaskID, store.TaskRunning, store.TaskQueued, store.BlockNone)
		if err != nil {
			return requeued, err
		}
		if ok {
			requeued++
			m.log.Warn("reclaimed lease from dead agent", "task", l.TaskID, "agent", l.AgentID)
		}
	}
	return requeued, nil
}

// RecoverOrphanedRunning returns tasks stuck in running with no active run
// to queued. This is the crash-recovery path: a dispatcher that died between
// the status transition and the launch leaves exactly this shape behind.
func (m *Manager) RecoverOrphanedRunning(ctx context.Context) (int, error) {
	running, err := m.st.ListTasksByStatus(ctx, store.TaskRunning)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, t := range running {
		active, err := m.st.HasRunningRun(ctx, t.ID)
		if err != nil {
			return recovered, err
		}
		if active {
			continue
		}
		ok, err := m.st.TransitionTask(ctx, t.ID, store.TaskRunning, store.TaskQueued, store.BlockNone)
		if err != nil {
			return recovered, err
		}
		if ok {
			_ = m.st.DeleteLease(ctx, t.ID)
			recovered++
			m.log.Warn("recovered orphaned running task", "task", t.ID)
		}
	}
	return recovered, nil
}
