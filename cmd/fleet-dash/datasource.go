package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fleet/pkg/store"
)

// TaskView is the dashboard's flattened view of a task.
type TaskView struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Blocked  string `json:"blockReason,omitempty"`
	Lane     string `json:"lane"`
	Priority int    `json:"priority"`
}

// AgentView is the dashboard's flattened view of an agent.
type AgentView struct {
	ID            string `json:"id"`
	Role          string `json:"role"`
	Status        string `json:"status"`
	CurrentTaskID string `json:"currentTaskId,omitempty"`
	HeartbeatAge  string `json:"heartbeatAge"`
}

// Snapshot is one refresh of everything the dashboard shows.
type Snapshot struct {
	Tasks  []TaskView  `json:"tasks"`
	Agents []AgentView `json:"agents"`
	Leases int         `json:"leases"`
}

// dbPath resolves the fleet database location from FLEET_HOME or ~/.fleet.
func dbPath() string {
	home := os.Getenv("FLEET_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return "fleet.db"
		}
		home = filepath.Join(userHome, ".fleet")
	}
	return filepath.Join(home, "fleet.db")
}

// fetchSnapshot reads the current fleet state from the store.
func fetchSnapshot(ctx context.Context) (*Snapshot, error) {
	st, err := store.Open(ctx, dbPath())
	if err != nil {
		return nil, fmt.Errorf("open fleet db: %w", err)
	}
	defer st.Close()

	tasks, err := st.ListTasksByStatus(ctx,
		store.TaskQueued, store.TaskRunning, store.TaskBlocked,
		store.TaskDone, store.TaskFailed)
	if err != nil {
		return nil, err
	}
	agents, err := st.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	leases, err := st.ListLeases(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Leases: len(leases)}
	for _, t := range tasks {
		snap.Tasks = append(snap.Tasks, TaskView{
			ID:       t.ID,
			Title:    t.Title,
			Status:   string(t.Status),
			Blocked:  string(t.BlockReason),
			Lane:     string(t.EffectiveLane()),
			Priority: t.Priority,
		})
	}
	now := time.Now()
	for _, a := range agents {
		age := "never"
		if !a.LastHeartbeat.IsZero() {
			age = now.Sub(a.LastHeartbeat).Round(time.Second).String()
		}
		snap.Agents = append(snap.Agents, AgentView{
			ID:            a.ID,
			Role:          string(a.Role),
			Status:        string(a.Status),
			CurrentTaskID: a.CurrentTaskID,
			HeartbeatAge:  age,
		})
	}
	return snap, nil
}
