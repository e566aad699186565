// Package agentreg tracks the fleet's agent population: registration,
// heartbeats, and busy/idle bookkeeping. The table row is the source of
// truth; a process that stops heartbeating simply ages out of eligibility.
package agentreg

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fleet/pkg/store"
)

// Registry mediates agent lifecycle against the store.
type Registry struct {
	st  *store.Store
	log *slog.Logger

	// Agents whose last heartbeat is older than this are not offered work.
	livenessWindow time.Duration
}

func New(st *store.Store, log *slog.Logger, livenessWindow time.Duration) *Registry {
	if livenessWindow == 0 {
		livenessWindow = 90 * time.Second
	}
	return &Registry{st: st, log: log, livenessWindow: livenessWindow}
}

// Register creates (or revives) an agent row in idle state and returns its
// ID. An empty id gets a generated one.
func (r *Registry) Register(ctx context.Context, id string, role store.Role, pid int) (string, error) {
	if id == "" {
		id = fmt.Sprintf("%s-%s", role, uuid.NewString()[:8])
	}
	a := &store.Agent{
		ID:     id,
		Role:   role,
		Status: store.AgentIdle,
		PID:    pid,
	}
	if err := r.st.UpsertAgent(ctx, a); err != nil {
		return "", fmt.Errorf("register agent: %w", err)
	}
	if err := r.st.HeartbeatAgent(ctx, id); err != nil {
		return "", fmt.Errorf("initial heartbeat: %w", err)
	}
	r.log.Info("agent registered", "agent", id, "role", role, "pid", pid)
	return id, nil
}

// Heartbeat refreshes the agent's liveness stamp.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	return r.st.HeartbeatAgent(ctx, id)
}

// MarkBusy records that the agent is executing the given task.
func (r *Registry) MarkBusy(ctx context.Context, id, taskID string) error {
	return r.st.SetAgentState(ctx, id, store.AgentBusy, taskID)
}

// MarkIdle clears the agent's current task and returns it to the pool.
func (r *Registry) MarkIdle(ctx context.Context, id string) error {
	return r.st.SetAgentState(ctx, id, store.AgentIdle, "")
}

// MarkOffline removes the agent from scheduling consideration.
func (r *Registry) MarkOffline(ctx context.Context, id string) error {
	return r.st.SetAgentState(ctx, id, store.AgentOffline, "")
}

// IdleForRole returns agents of the role that are idle with a fresh
// heartbeat, eligible to receive a dispatch.
func (r *Registry) IdleForRole(ctx context.Context, role store.Role) ([]*store.Agent, error) {
	return r.st.IdleAgentsByRole(ctx, role, r.livenessWindow)
}

// RoleForTask maps a task to the agent role that executes it. Research
// tasks run on workers too; docser tasks need the docser role.
func RoleForTask(t *store.Task) store.Role {
	if t.Role != "" {
		return t.Role
	}
	if t.EffectiveLane() == store.LaneDocser {
		return store.RoleDocser
	}
	return store.RoleWorker
}
