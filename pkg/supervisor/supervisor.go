// Package supervisor keeps the fleet's resident processes alive. A runtime
// hatch gates all auto-recovery so the supervisor never resurrects a fleet
// the operator deliberately stopped: the hatch arms when execution agents
// are observed alive or when the operator starts something, and disarms on
// stop-all.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"fleet/pkg/store"
)

// Kind classifies a managed process.
type Kind string

// Process kinds.
const (
	KindPlanner      Kind = "planner"
	KindDispatcher   Kind = "dispatcher"
	KindCycleManager Kind = "cycle-manager"
	KindReviewer     Kind = "reviewer"
	KindWorker       Kind = "worker"
	KindTester       Kind = "tester"
	KindDocser       Kind = "docser"
	KindService      Kind = "service"
	KindGateway      Kind = "gateway"
)

// ProcStatus is the supervisor's view of a managed process.
type ProcStatus string

// Process status constants.
const (
	ProcIdle      ProcStatus = "idle"
	ProcRunning   ProcStatus = "running"
	ProcCompleted ProcStatus = "completed"
	ProcFailed    ProcStatus = "failed"
	ProcStopped   ProcStatus = "stopped"
)

// ProcessSpec describes one expected resident process.
type ProcessSpec struct {
	Name string
	Kind Kind

	// AgentID binds the process to an agent row; liveness then follows
	// the agent's heartbeat instead of the OS process table.
	AgentID string

	Argv      []string
	Stoppable bool
}

// StartPayload is the optional argument to a process start. At most one
// field may be set.
type StartPayload struct {
	RequirementPath string `json:"requirementPath,omitempty"`
	Content         string `json:"content,omitempty"`
	ResearchJobID   string `json:"researchJobId,omitempty"`
}

func (p *StartPayload) validate() error {
	if p == nil {
		return nil
	}
	set := 0
	for _, v := range []string{p.RequirementPath, p.Content, p.ResearchJobID} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return ErrInvalidPayload
	}
	return nil
}

// ManagedProcessRuntime is the in-memory state of one expected process.
// It lives only as long as the supervisor; on restart it is reconstructed
// from agent heartbeats.
type ManagedProcessRuntime struct {
	Spec          ProcessSpec
	Status        ProcStatus
	PID           int
	StopRequested bool
	LastPayload   *StartPayload

	restartAttempts int
	windowStart     time.Time
	lastLaunch      time.Time
}

// Discriminated outcomes for the control surface.
var (
	ErrUnknownProcess  = errors.New("supervisor: unknown process")
	ErrUnstoppable     = errors.New("supervisor: process cannot be stopped")
	ErrAlreadyRunning  = errors.New("supervisor: process already running or start locked")
	ErrBacklogNotEmpty = errors.New("supervisor: backlog must drain before planning")
	ErrInvalidPayload  = errors.New("supervisor: invalid start payload")
)

// ProcessManager abstracts subprocess control so tests can fake it.
type ProcessManager interface {
	Spawn(spec ProcessSpec) (*os.Process, error)
	Kill(name string) error
	PIDOf(name string) int
	TrackedPIDs() map[int]bool
}

// Config holds supervisor tunables.
type Config struct {
	SelfHeal       bool
	TickInterval   time.Duration
	StartupGrace   time.Duration
	LivenessWindow time.Duration

	// RestartMax restarts within RestartWindow before a process is
	// marked failed and left alone.
	RestartMax    int
	RestartWindow time.Duration

	// OrphanPattern matches command lines of fleet processes during the
	// stop-all orphan sweep.
	OrphanPattern string
}

func (c Config) withDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = 15 * time.Second
	}
	if c.StartupGrace == 0 {
		c.StartupGrace = 30 * time.Second
	}
	if c.LivenessWindow == 0 {
		c.LivenessWindow = 90 * time.Second
	}
	if c.RestartMax == 0 {
		c.RestartMax = 5
	}
	if c.RestartWindow == 0 {
		c.RestartWindow = 10 * time.Minute
	}
	if c.OrphanPattern == "" {
		c.OrphanPattern = "fleet-agent"
	}
	return c
}

// StopAllResult reports what a stop-all touched.
type StopAllResult struct {
	StoppedProcesses int   `json:"stoppedProcesses"`
	CancelledRuns    int   `json:"cancelledRuns"`
	RequeuedTasks    int   `json:"requeuedTasks"`
	KilledOrphans    []int `json:"killedOrphans"`
}

// Supervisor owns the process table and the runtime hatch. One instance
// per daemon; running two concurrently is unsupported.
type Supervisor struct {
	st  *store.Store
	pm  ProcessManager
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	runtimes map[string]*ManagedProcessRuntime
	hatch    bool

	// plannerMu is the singleton start-lock for planner-kind processes.
	plannerMu sync.Mutex

	tickInFlight atomic.Bool

	// orphanScan finds untracked fleet process PIDs. Overridable in tests.
	orphanScan func(pattern string, tracked map[int]bool) []int

	nowFunc func() time.Time
}

func New(st *store.Store, pm ProcessManager, cfg Config, log *slog.Logger) *Supervisor {
	return &Supervisor{
		st:         st,
		pm:         pm,
		cfg:        cfg.withDefaults(),
		log:        log,
		runtimes:   make(map[string]*ManagedProcessRuntime),
		orphanScan: scanProcOrphans,
		nowFunc:    time.Now,
	}
}

// SetNowFunc overrides the clock. Test hook.
func (s *Supervisor) SetNowFunc(f func() time.Time) {
	s.nowFunc = f
}

// SetOrphanScan overrides the orphan process scanner. Test hook.
func (s *Supervisor) SetOrphanScan(f func(pattern string, tracked map[int]bool) []int) {
	s.orphanScan = f
}

// Register adds an expected process to the table in idle state.
func (s *Supervisor) Register(spec ProcessSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtimes[spec.Name] = &ManagedProcessRuntime{Spec: spec, Status: ProcIdle}
}

// Processes returns a snapshot of every runtime, sorted by name.
func (s *Supervisor) Processes() []ManagedProcessRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ManagedProcessRuntime, 0, len(s.runtimes))
	for _, rt := range s.runtimes {
		out = append(out, *rt)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Spec.Name < out[j-1].Spec.Name; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Get returns a snapshot of one runtime.
func (s *Supervisor) Get(name string) (ManagedProcessRuntime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[name]
	if !ok {
		return ManagedProcessRuntime{}, fmt.Errorf("%s: %w", name, ErrUnknownProcess)
	}
	return *rt, nil
}

// HatchArmed reports the hatch state.
func (s *Supervisor) HatchArmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hatch
}

// ArmHatch enables auto-recovery and records why.
func (s *Supervisor) ArmHatch(ctx context.Context, reason string) {
	s.mu.Lock()
	armed := s.hatch
	s.hatch = true
	s.mu.Unlock()
	if armed {
		return
	}
	s.log.Info("runtime hatch armed", "reason", reason)
	if err := s.st.AppendEvent(ctx, "supervisor.hatch_armed", "supervisor", "", reason); err != nil {
		s.log.Error("record hatch arm failed", "error", err)
	}
}

// DisarmHatch disables auto-recovery and records why.
func (s *Supervisor) DisarmHatch(ctx context.Context, reason string) {
	s.mu.Lock()
	armed := s.hatch
	s.hatch = false
	s.mu.Unlock()
	if !armed {
		return
	}
	s.log.Info("runtime hatch disarmed", "reason", reason)
	if err := s.st.AppendEvent(ctx, "supervisor.hatch_disarmed", "supervisor", "", reason); err != nil {
		s.log.Error("record hatch disarm failed", "error", err)
	}
}

// Run drives health ticks until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.cfg.SelfHeal {
		s.log.Info("self-heal disabled; supervisor idle")
		<-ctx.Done()
		return nil
	}
	s.log.Info("supervisor started", "tick", s.cfg.TickInterval)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("supervisor stopping")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one health pass. Reentrancy-guarded: a tick in flight is never
// double-run. Per-process failures are isolated.
func (s *Supervisor) Tick(ctx context.Context) {
	if !s.tickInFlight.CompareAndSwap(false, true) {
		return
	}
	defer s.tickInFlight.Store(false)

	// Any live execution agent means the fleet is working; auto-arm.
	alive, err := s.anyAgentAlive(ctx)
	if err != nil {
		s.log.Error("agent liveness scan failed", "error", err)
	} else if alive {
		s.ArmHatch(ctx, "execution agent observed alive")
	}

	if !s.HatchArmed() {
		return
	}

	for _, name := range s.names() {
		if err := s.healthCheck(ctx, name); err != nil {
			s.log.Error("health check failed", "process", name, "error", err)
		}
	}
}

func (s *Supervisor) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.runtimes))
	for name := range s.runtimes {
		out = append(out, name)
	}
	return out
}

func (s *Supervisor) anyAgentAlive(ctx context.Context) (bool, error) {
	agents, err := s.st.ListAgents(ctx)
	if err != nil {
		return false, err
	}
	cutoff := s.nowFunc().Add(-s.cfg.LivenessWindow)
	for _, a := range agents {
		if a.Status != store.AgentOffline && a.LastHeartbeat.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

// healthCheck reconciles one process. Agent-bound processes follow the
// agent heartbeat; others follow the supervisor's own runtime status.
func (s *Supervisor) healthCheck(ctx context.Context, name string) error {
	s.mu.Lock()
	rt, ok := s.runtimes[name]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	snapshot := *rt
	s.mu.Unlock()

	// An explicit stop wins over self-healing.
	if snapshot.StopRequested {
		return nil
	}
	if snapshot.Status == ProcFailed || snapshot.Status == ProcCompleted {
		return nil
	}

	if snapshot.Spec.AgentID == "" {
		if snapshot.Status != ProcRunning {
			return s.launch(ctx, name)
		}
		return nil
	}

	agent, err := s.st.GetAgent(ctx, snapshot.Spec.AgentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if agent != nil {
		cutoff := s.nowFunc().Add(-s.cfg.LivenessWindow)
		if agent.Status != store.AgentOffline && agent.LastHeartbeat.After(cutoff) {
			// Alive: reconcile status without restarting.
			s.mu.Lock()
			rt.Status = ProcRunning
			if pid := s.pm.PIDOf(name); pid != 0 {
				rt.PID = pid
			}
			s.mu.Unlock()
			return nil
		}
	}

	// Heartbeat stale. Never kill an agent mid-task.
	busy, err := s.st.TaskHasActiveRunForAgent(ctx, snapshot.Spec.AgentID)
	if err != nil {
		return err
	}
	if busy {
		s.log.Info("stale heartbeat but run still active, skipping restart", "process", name)
		return nil
	}
	if !snapshot.lastLaunch.IsZero() && s.nowFunc().Sub(snapshot.lastLaunch) < s.cfg.StartupGrace {
		return nil
	}

	s.log.Warn("agent process unhealthy, relaunching", "process", name, "agent", snapshot.Spec.AgentID)
	_ = s.pm.Kill(name)
	return s.launch(ctx, name)
}

// launch starts a process with restart-storm protection: too many attempts
// inside the window marks the process failed instead of thrashing.
func (s *Supervisor) launch(ctx context.Context, name string) error {
	s.mu.Lock()
	rt, ok := s.runtimes[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrUnknownProcess)
	}
	now := s.nowFunc()
	if now.Sub(rt.windowStart) > s.cfg.RestartWindow {
		rt.windowStart = now
		rt.restartAttempts = 0
	}
	rt.restartAttempts++
	if rt.restartAttempts > s.cfg.RestartMax {
		rt.Status = ProcFailed
		s.mu.Unlock()
		s.log.Error("restart budget exhausted", "process", name, "attempts", s.cfg.RestartMax)
		if err := s.st.AppendEvent(ctx, "supervisor.restart_exhausted", "process", name, ""); err != nil {
			s.log.Error("record restart exhaustion failed", "error", err)
		}
		return nil
	}
	spec := rt.Spec
	s.mu.Unlock()

	proc, err := s.pm.Spawn(spec)
	if err != nil {
		return fmt.Errorf("launch %s: %w", name, err)
	}

	s.mu.Lock()
	rt.Status = ProcRunning
	rt.PID = proc.Pid
	rt.StopRequested = false
	rt.lastLaunch = now
	s.mu.Unlock()
	s.log.Info("process launched", "process", name, "pid", proc.Pid)
	return nil
}

// Start launches a process on operator request. Planner-kind starts are
// serialized by a singleton lock and rejected while task or judge backlog
// remains, forcing a drain before new planning.
func (s *Supervisor) Start(ctx context.Context, name string, payload *StartPayload) error {
	if err := payload.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	rt, ok := s.runtimes[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrUnknownProcess)
	}
	kind := rt.Spec.Kind
	running := rt.Status == ProcRunning
	s.mu.Unlock()

	if kind == KindPlanner {
		if !s.plannerMu.TryLock() {
			return fmt.Errorf("%s: %w", name, ErrAlreadyRunning)
		}
		defer s.plannerMu.Unlock()
		if running {
			return fmt.Errorf("%s: %w", name, ErrAlreadyRunning)
		}
		if err := s.plannerPreflight(ctx); err != nil {
			return err
		}
	} else if running {
		return fmt.Errorf("%s: %w", name, ErrAlreadyRunning)
	}

	s.mu.Lock()
	rt.LastPayload = payload
	rt.StopRequested = false
	// A fresh operator start gets a fresh restart budget.
	rt.restartAttempts = 0
	rt.windowStart = time.Time{}
	if rt.Status == ProcFailed || rt.Status == ProcStopped {
		rt.Status = ProcIdle
	}
	s.mu.Unlock()

	if err := s.launch(ctx, name); err != nil {
		return err
	}

	switch kind {
	case KindPlanner, KindService, KindWorker, KindTester, KindDocser:
		s.ArmHatch(ctx, "operator started "+name)
	}
	return nil
}

// plannerPreflight rejects a planner start while backlog remains anywhere:
// queued tasks, tasks awaiting judgement, or unjudged merge artifacts.
func (s *Supervisor) plannerPreflight(ctx context.Context) error {
	queued, err := s.st.CountTasksWhere(ctx, store.TaskQueued, store.BlockNone)
	if err != nil {
		return fmt.Errorf("preflight queued count: %w", err)
	}
	awaiting, err := s.st.CountTasksWhere(ctx, store.TaskBlocked, store.BlockAwaitingJudge)
	if err != nil {
		return fmt.Errorf("preflight judge count: %w", err)
	}
	unjudged, err := s.st.CountUnjudgedSuccessArtifacts(ctx)
	if err != nil {
		return fmt.Errorf("preflight artifact count: %w", err)
	}
	if queued > 0 || awaiting > 0 || unjudged > 0 {
		s.log.Info("planner start rejected: backlog not drained",
			"queued", queued, "awaiting_judge", awaiting, "unjudged_artifacts", unjudged)
		return fmt.Errorf("queued=%d awaiting_judge=%d unjudged=%d: %w",
			queued, awaiting, unjudged, ErrBacklogNotEmpty)
	}
	return nil
}

// Stop terminates one process on operator request.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	rt, ok := s.runtimes[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrUnknownProcess)
	}
	if !rt.Spec.Stoppable {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrUnstoppable)
	}
	rt.Status = ProcStopped
	rt.StopRequested = true
	rt.PID = 0
	s.mu.Unlock()

	_ = s.pm.Kill(name)
	s.log.Info("process stopped", "process", name)
	if err := s.st.AppendEvent(ctx, "supervisor.process_stopped", "process", name, "operator"); err != nil {
		s.log.Error("record stop failed", "error", err)
	}
	return nil
}

// StopAll brings the whole fleet down: every stoppable process, every
// orphan OS process matching the fleet pattern, every running run and its
// lease. Gateway-kind processes stay up so the operator keeps a UI. The
// hatch disarms last so no tick resurrects anything mid-teardown.
func (s *Supervisor) StopAll(ctx context.Context) (StopAllResult, error) {
	var res StopAllResult

	s.mu.Lock()
	var toStop []string
	for name, rt := range s.runtimes {
		if rt.Spec.Kind == KindGateway || !rt.Spec.Stoppable {
			continue
		}
		rt.Status = ProcStopped
		rt.StopRequested = true
		rt.PID = 0
		toStop = append(toStop, name)
	}
	s.mu.Unlock()

	for _, name := range toStop {
		_ = s.pm.Kill(name)
		res.StoppedProcesses++
	}

	// Orphans: fleet processes the runtime map never knew about.
	orphans := s.orphanScan(s.cfg.OrphanPattern, s.pm.TrackedPIDs())
	for _, pid := range orphans {
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
		res.KilledOrphans = append(res.KilledOrphans, pid)
	}

	cancelled, err := s.st.CancelRunningRuns(ctx, "stop-all")
	if err != nil {
		return res, fmt.Errorf("cancel runs: %w", err)
	}
	res.CancelledRuns = len(cancelled)
	for _, taskID := range cancelled {
		ok, err := s.st.TransitionTask(ctx, taskID, store.TaskRunning, store.TaskQueued, store.BlockNone)
		if err != nil {
			return res, fmt.Errorf("requeue %s: %w", taskID, err)
		}
		if ok {
			res.RequeuedTasks++
		}
	}

	if _, err := s.st.DeleteAllLeases(ctx); err != nil {
		return res, fmt.Errorf("wipe leases: %w", err)
	}
	if _, err := s.st.MarkAllAgentsOffline(ctx); err != nil {
		return res, fmt.Errorf("agents offline: %w", err)
	}

	s.DisarmHatch(ctx, "stop-all")
	s.log.Info("stop-all complete",
		"processes", res.StoppedProcesses, "runs", res.CancelledRuns,
		"tasks", res.RequeuedTasks, "orphans", len(res.KilledOrphans))
	return res, nil
}

// scanProcOrphans walks /proc for command lines matching the fleet pattern
// that are not in the tracked set. Best effort: unreadable entries are
// skipped.
func scanProcOrphans(pattern string, tracked map[int]bool) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	self := os.Getpid()
	var out []int
	for _, e := range entries {
		pid := 0
		if _, err := fmt.Sscanf(e.Name(), "%d", &pid); err != nil || pid <= 0 {
			continue
		}
		if pid == self || tracked[pid] {
			continue
		}
		data, err := os.ReadFile(filepath.Join("/proc", e.Name(), "cmdline"))
		if err != nil {
			continue
		}
		cmdline := strings.ReplaceAll(string(data), "\x00", " ")
		if strings.Contains(cmdline, pattern) {
			out = append(out, pid)
		}
	}
	return out
}
