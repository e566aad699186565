package store

import (
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

// Task status constants.
const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
	TaskBlocked   TaskStatus = "blocked"
	TaskCancelled TaskStatus = "cancelled"
)

// BlockReason qualifies a blocked Task.
type BlockReason string

// Block reason constants. Empty means not blocked.
const (
	BlockNone          BlockReason = ""
	BlockAwaitingJudge BlockReason = "awaiting_judge"
	BlockNeedsRework   BlockReason = "needs_rework"
	BlockQuotaWait     BlockReason = "quota_wait"
)

// RiskLevel classifies how dangerous a Task is to run.
type RiskLevel string

// Risk level constants.
const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Role identifies the executor role a Task requires.
type Role string

// Executor role constants.
const (
	RoleWorker Role = "worker"
	RoleTester Role = "tester"
	RoleDocser Role = "docser"
)

// Lane is the admission-control class of a Task.
type Lane string

// Lane constants.
const (
	LaneFeature          Lane = "feature"
	LaneConflictRecovery Lane = "conflict_recovery"
	LaneDocser           Lane = "docser"
	LaneResearch         Lane = "research"
)

// Kind distinguishes code work from research work.
type Kind string

// Task kind constants.
const (
	KindCode     Kind = "code"
	KindResearch Kind = "research"
)

// Task is a unit of work produced by the planner.
type Task struct {
	ID             string
	Title          string
	Status         TaskStatus
	BlockReason    BlockReason
	Priority       int
	RiskLevel      RiskLevel
	Role           Role
	Lane           Lane
	Kind           Kind
	DependsOn      []string // ordered task IDs
	TargetArea     string
	AllowedPaths   string // opaque to the core
	Commands       string // opaque to the core
	TimeboxMinutes int
	RetryCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EffectiveLane returns the task's lane, defaulting to feature when unset.
func (t *Task) EffectiveLane() Lane {
	if t.Lane == "" {
		return LaneFeature
	}
	return t.Lane
}

// RunStatus is the lifecycle state of a Run.
type RunStatus string

// Run status constants.
const (
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is one execution attempt of a Task.
type Run struct {
	ID               string
	TaskID           string
	AgentID          string
	Status           RunStatus
	StartedAt        time.Time
	FinishedAt       time.Time
	ErrorMessage     string
	ErrorMeta        string
	PRURL            string
	JudgedAt         time.Time
	JudgementVersion int
}

// Finished reports whether the run has reached a terminal state.
func (r *Run) Finished() bool {
	return r.Status != RunRunning
}

// Judged reports whether the run has been claimed by a judge.
func (r *Run) Judged() bool {
	return !r.JudgedAt.IsZero()
}

// Lease is an exclusive, time-bounded claim binding one Task to one agent.
type Lease struct {
	TaskID    string
	AgentID   string
	ExpiresAt time.Time
}

// AgentStatus is the registered state of an executor agent.
type AgentStatus string

// Agent status constants.
const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// Agent is a registered executor identity.
type Agent struct {
	ID            string
	Role          Role
	Status        AgentStatus
	CurrentTaskID string
	PID           int
	LastHeartbeat time.Time
}

// Event is an append-only audit record.
type Event struct {
	ID         int64
	Type       string
	EntityType string
	EntityID   string
	Payload    string
	CreatedAt  time.Time
}

// joinIDs and splitIDs convert between the ordered dependency slice and the
// comma-joined column representation.
func joinIDs(ids []string) string {
	return strings.Join(ids, ",")
}

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
