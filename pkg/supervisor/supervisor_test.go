package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"fleet/pkg/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakePM struct {
	mu       sync.Mutex
	spawned  []string
	killed   []string
	pids     map[string]int
	nextPID  int
	spawnErr error
}

func newFakePM() *fakePM {
	return &fakePM{pids: make(map[string]int), nextPID: 1000}
}

func (f *fakePM) Spawn(spec ProcessSpec) (*os.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.nextPID++
	f.spawned = append(f.spawned, spec.Name)
	f.pids[spec.Name] = f.nextPID
	return &os.Process{Pid: f.nextPID}, nil
}

func (f *fakePM) Kill(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, name)
	delete(f.pids, name)
	return nil
}

func (f *fakePM) PIDOf(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pids[name]
}

func (f *fakePM) TrackedPIDs() map[int]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int]bool)
	for _, pid := range f.pids {
		out[pid] = true
	}
	return out
}

func (f *fakePM) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func newTestSupervisor(t *testing.T, cfg Config) (*Supervisor, *store.Store, *fakePM) {
	t.Helper()
	st, err := store.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	st.SetNowFunc(func() time.Time { return testNow })

	pm := newFakePM()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(st, pm, cfg, log)
	s.SetNowFunc(func() time.Time { return testNow })
	s.orphanScan = func(string, map[int]bool) []int { return nil }
	return s, st, pm
}

func dispatcherSpec() ProcessSpec {
	return ProcessSpec{Name: "dispatcher", Kind: KindDispatcher, Argv: []string{"fleet", "daemon"}, Stoppable: true}
}

func workerSpec(agentID string) ProcessSpec {
	return ProcessSpec{Name: "worker-1", Kind: KindWorker, AgentID: agentID, Argv: []string{"fleet-agent", "--id", agentID}, Stoppable: true}
}

func heartbeatAt(t *testing.T, st *store.Store, id string, at time.Time) {
	t.Helper()
	st.SetNowFunc(func() time.Time { return at })
	if err := st.HeartbeatAgent(context.Background(), id); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	st.SetNowFunc(func() time.Time { return testNow })
}

func TestTickDoesNothingWhileHatchDisarmed(t *testing.T) {
	ctx := context.Background()
	s, _, pm := newTestSupervisor(t, Config{SelfHeal: true})
	s.Register(dispatcherSpec())

	s.Tick(ctx)
	if pm.spawnCount() != 0 {
		t.Fatalf("spawned %v while disarmed", pm.spawned)
	}
}

func TestTickRelaunchesNonAgentBoundProcess(t *testing.T) {
	ctx := context.Background()
	s, _, pm := newTestSupervisor(t, Config{SelfHeal: true})
	s.Register(dispatcherSpec())
	s.ArmHatch(ctx, "test")

	s.Tick(ctx)
	if pm.spawnCount() != 1 {
		t.Fatalf("spawned %v, want [dispatcher]", pm.spawned)
	}

	// Already running: next tick must not double-launch.
	s.Tick(ctx)
	if pm.spawnCount() != 1 {
		t.Fatalf("spawned %v, want no relaunch while running", pm.spawned)
	}
}

func TestHatchAutoArmsOnLiveAgent(t *testing.T) {
	ctx := context.Background()
	s, st, _ := newTestSupervisor(t, Config{SelfHeal: true})

	if err := st.UpsertAgent(ctx, &store.Agent{ID: "w1", Role: store.RoleWorker}); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	heartbeatAt(t, st, "w1", testNow)

	s.Tick(ctx)
	if !s.HatchArmed() {
		t.Fatal("hatch did not arm on live agent")
	}
}

func TestAgentBoundAliveReconcilesWithoutRestart(t *testing.T) {
	ctx := context.Background()
	s, st, pm := newTestSupervisor(t, Config{SelfHeal: true})
	s.Register(workerSpec("w1"))
	s.ArmHatch(ctx, "test")

	if err := st.UpsertAgent(ctx, &store.Agent{ID: "w1", Role: store.RoleWorker}); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	heartbeatAt(t, st, "w1", testNow)

	s.Tick(ctx)
	if pm.spawnCount() != 0 {
		t.Fatalf("spawned %v for a live agent", pm.spawned)
	}
	rt, err := s.Get("worker-1")
	if err != nil {
		t.Fatalf("get runtime: %v", err)
	}
	if rt.Status != ProcRunning {
		t.Fatalf("status = %q, want reconciled to running", rt.Status)
	}
}

func TestAgentBoundStaleSkipsWhileRunActive(t *testing.T) {
	ctx := context.Background()
	s, st, pm := newTestSupervisor(t, Config{SelfHeal: true})
	s.Register(workerSpec("w1"))
	s.ArmHatch(ctx, "test")

	if err := st.UpsertAgent(ctx, &store.Agent{ID: "w1", Role: store.RoleWorker}); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	heartbeatAt(t, st, "w1", testNow.Add(-10*time.Minute))
	run := &store.Run{ID: "r1", TaskID: "t1", AgentID: "w1", Status: store.RunRunning}
	if err := st.InsertRun(ctx, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}

	s.Tick(ctx)
	if pm.spawnCount() != 0 {
		t.Fatalf("spawned %v while run active: must never kill mid-task", pm.spawned)
	}
}

func TestAgentBoundStaleRelaunches(t *testing.T) {
	ctx := context.Background()
	s, st, pm := newTestSupervisor(t, Config{SelfHeal: true})
	s.Register(workerSpec("w1"))
	s.ArmHatch(ctx, "test")

	if err := st.UpsertAgent(ctx, &store.Agent{ID: "w1", Role: store.RoleWorker}); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	heartbeatAt(t, st, "w1", testNow.Add(-10*time.Minute))

	s.Tick(ctx)
	if pm.spawnCount() != 1 {
		t.Fatalf("spawned %v, want relaunch of worker-1", pm.spawned)
	}
}

func TestStartupGraceSkipsRestart(t *testing.T) {
	ctx := context.Background()
	s, st, pm := newTestSupervisor(t, Config{SelfHeal: true, StartupGrace: time.Minute})
	s.Register(workerSpec("w1"))
	s.ArmHatch(ctx, "test")

	if err := st.UpsertAgent(ctx, &store.Agent{ID: "w1", Role: store.RoleWorker}); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	heartbeatAt(t, st, "w1", testNow.Add(-10*time.Minute))

	// First tick launches; heartbeat remains stale but the process was
	// just started, so the second tick stays inside the grace period.
	s.Tick(ctx)
	s.Tick(ctx)
	if pm.spawnCount() != 1 {
		t.Fatalf("spawned %v, want exactly one launch inside grace", pm.spawned)
	}
}

func TestTickReentrancyGuard(t *testing.T) {
	ctx := context.Background()
	s, _, pm := newTestSupervisor(t, Config{SelfHeal: true})
	s.Register(dispatcherSpec())
	s.ArmHatch(ctx, "test")

	s.tickInFlight.Store(true)
	s.Tick(ctx)
	if pm.spawnCount() != 0 {
		t.Fatal("tick ran while another tick was in flight")
	}
}

func TestStopRequestedBlocksResurrection(t *testing.T) {
	ctx := context.Background()
	s, _, pm := newTestSupervisor(t, Config{SelfHeal: true})
	s.Register(dispatcherSpec())
	s.ArmHatch(ctx, "test")

	s.Tick(ctx)
	if err := s.Stop(ctx, "dispatcher"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	s.Tick(ctx)
	if pm.spawnCount() != 1 {
		t.Fatalf("spawned %v, want no resurrection after explicit stop", pm.spawned)
	}
}

func TestStartErrors(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestSupervisor(t, Config{SelfHeal: true})
	s.Register(ProcessSpec{Name: "ui", Kind: KindGateway, Argv: []string{"fleet", "ui"}, Stoppable: false})

	if err := s.Start(ctx, "nope", nil); !errors.Is(err, ErrUnknownProcess) {
		t.Fatalf("start unknown = %v, want ErrUnknownProcess", err)
	}
	if err := s.Stop(ctx, "nope"); !errors.Is(err, ErrUnknownProcess) {
		t.Fatalf("stop unknown = %v, want ErrUnknownProcess", err)
	}
	if err := s.Stop(ctx, "ui"); !errors.Is(err, ErrUnstoppable) {
		t.Fatalf("stop gateway = %v, want ErrUnstoppable", err)
	}

	bad := &StartPayload{RequirementPath: "req.md", Content: "inline"}
	if err := s.Start(ctx, "ui", bad); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("start with double payload = %v, want ErrInvalidPayload", err)
	}
}

func TestPlannerPreflightRejectsBacklog(t *testing.T) {
	ctx := context.Background()
	s, st, _ := newTestSupervisor(t, Config{SelfHeal: true})
	s.Register(ProcessSpec{Name: "planner", Kind: KindPlanner, Argv: []string{"fleet-agent", "plan"}, Stoppable: true})

	task := &store.Task{ID: "t1", Title: "pending work", Status: store.TaskQueued}
	if err := st.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}

	err := s.Start(ctx, "planner", &StartPayload{RequirementPath: "req.md"})
	if !errors.Is(err, ErrBacklogNotEmpty) {
		t.Fatalf("start = %v, want ErrBacklogNotEmpty", err)
	}

	// Drain the backlog; the start must now succeed and arm the hatch.
	if _, err := st.TransitionTask(ctx, "t1", store.TaskQueued, store.TaskCancelled, store.BlockNone); err != nil {
		t.Fatalf("cancel task: %v", err)
	}
	if err := s.Start(ctx, "planner", &StartPayload{RequirementPath: "req.md"}); err != nil {
		t.Fatalf("start after drain: %v", err)
	}
	if !s.HatchArmed() {
		t.Fatal("planner start did not arm hatch")
	}
}

func TestPlannerDoubleStartRejected(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestSupervisor(t, Config{SelfHeal: true})
	s.Register(ProcessSpec{Name: "planner", Kind: KindPlanner, Argv: []string{"fleet-agent", "plan"}, Stoppable: true})

	if err := s.Start(ctx, "planner", nil); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := s.Start(ctx, "planner", nil); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start = %v, want ErrAlreadyRunning", err)
	}
}

func TestRestartBudgetExhaustion(t *testing.T) {
	ctx := context.Background()
	s, _, pm := newTestSupervisor(t, Config{SelfHeal: true, RestartMax: 2})
	s.Register(dispatcherSpec())
	s.ArmHatch(ctx, "test")

	for i := 0; i < 5; i++ {
		s.Tick(ctx)
		// Simulate the process dying between ticks.
		s.mu.Lock()
		s.runtimes["dispatcher"].Status = ProcIdle
		s.mu.Unlock()
	}

	if pm.spawnCount() != 2 {
		t.Fatalf("spawned %d times, want RestartMax=2", pm.spawnCount())
	}
	rt, err := s.Get("dispatcher")
	if err != nil {
		t.Fatalf("get runtime: %v", err)
	}
	if rt.Status != ProcFailed {
		t.Fatalf("status = %q, want failed after budget", rt.Status)
	}
}

func TestStopAll(t *testing.T) {
	ctx := context.Background()
	s, st, pm := newTestSupervisor(t, Config{SelfHeal: true})
	s.Register(dispatcherSpec())
	s.Register(workerSpec("w1"))
	s.Register(ProcessSpec{Name: "ui", Kind: KindGateway, Argv: []string{"fleet", "ui"}, Stoppable: false})
	s.ArmHatch(ctx, "test")
	s.orphanScan = func(string, map[int]bool) []int { return nil }

	// Three running runs with tasks and leases.
	for _, id := range []string{"t1", "t2", "t3"} {
		task := &store.Task{ID: id, Title: "task " + id, Status: store.TaskRunning}
		if err := st.InsertTask(ctx, task); err != nil {
			t.Fatalf("insert task: %v", err)
		}
		if err := st.InsertLease(ctx, id, "w1", testNow.Add(time.Hour)); err != nil {
			t.Fatalf("insert lease: %v", err)
		}
		run := &store.Run{ID: "r-" + id, TaskID: id, AgentID: "w1", Status: store.RunRunning}
		if err := st.InsertRun(ctx, run); err != nil {
			t.Fatalf("insert run: %v", err)
		}
	}
	if err := st.UpsertAgent(ctx, &store.Agent{ID: "w1", Role: store.RoleWorker, Status: store.AgentBusy}); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}

	res, err := s.StopAll(ctx)
	if err != nil {
		t.Fatalf("stop-all: %v", err)
	}
	if res.StoppedProcesses != 2 {
		t.Fatalf("stopped %d processes, want 2 (gateway excluded)", res.StoppedProcesses)
	}
	if res.CancelledRuns != 3 || res.RequeuedTasks != 3 {
		t.Fatalf("runs=%d tasks=%d, want 3/3", res.CancelledRuns, res.RequeuedTasks)
	}

	leases, err := st.ListLeases(ctx)
	if err != nil {
		t.Fatalf("list leases: %v", err)
	}
	if len(leases) != 0 {
		t.Fatalf("leases survived stop-all: %+v", leases)
	}
	agent, err := st.GetAgent(ctx, "w1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status != store.AgentOffline {
		t.Fatalf("agent status = %q, want offline", agent.Status)
	}
	if s.HatchArmed() {
		t.Fatal("hatch still armed after stop-all")
	}
	for _, name := range []string{"dispatcher", "worker-1"} {
		rt, err := s.Get(name)
		if err != nil {
			t.Fatalf("get %s: %v", name, err)
		}
		if rt.Status != ProcStopped || !rt.StopRequested {
			t.Fatalf("%s = %q stopRequested=%v, want stopped/true", name, rt.Status, rt.StopRequested)
		}
	}
	ui, err := s.Get("ui")
	if err != nil {
		t.Fatalf("get ui: %v", err)
	}
	if ui.StopRequested {
		t.Fatal("gateway process was marked stopped")
	}

	// A later tick must not resurrect anything.
	s.Tick(ctx)
	if got := pm.spawnCount(); got != 0 {
		t.Fatalf("spawned %v after stop-all", pm.spawned)
	}
}
