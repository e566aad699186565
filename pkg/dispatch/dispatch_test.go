package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"fleet/pkg/agentreg"
	"fleet/pkg/lease"
	"fleet/pkg/scheduler"
	"fleet/pkg/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
	stopped  []string
	err      error
	notify   chan string
}

func (f *fakeLauncher) Launch(_ context.Context, _ *store.Agent, task *store.Task, _ *store.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.launched = append(f.launched, task.ID)
	if f.notify != nil {
		f.notify <- task.ID
	}
	return nil
}

func (f *fakeLauncher) Stop(agentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, agentID)
}

type fixture struct {
	loop     *Loop
	st       *store.Store
	reg      *agentreg.Registry
	launcher *fakeLauncher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenMemory(ctx)
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	st.SetNowFunc(func() time.Time { return testNow })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	lm := lease.New(st, log, 0, 0)
	lm.SetNowFunc(func() time.Time { return testNow })
	sched := scheduler.New(st, log, scheduler.Config{})
	sched.SetNowFunc(func() time.Time { return testNow })
	reg := agentreg.New(st, log, 90*time.Second)
	launcher := &fakeLauncher{}

	loop := New(st, lm, sched, reg, launcher, cfg, log)
	loop.SetNowFunc(func() time.Time { return testNow })
	t.Cleanup(loop.Shutdown)
	return &fixture{loop: loop, st: st, reg: reg, launcher: launcher}
}

func (f *fixture) addTask(t *testing.T, task *store.Task) *store.Task {
	t.Helper()
	if task.Status == "" {
		task.Status = store.TaskQueued
	}
	if task.Title == "" {
		task.Title = "task " + task.ID
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = testNow
	}
	if err := f.st.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("insert task %s: %v", task.ID, err)
	}
	return task
}

func (f *fixture) addIdleWorker(t *testing.T, id string) {
	t.Helper()
	if _, err := f.reg.Register(context.Background(), id, store.RoleWorker, 1); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestCycleDispatchesQueuedTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	f.addTask(t, &store.Task{ID: "t1", Priority: 5})
	f.addIdleWorker(t, "w1")

	n, err := f.loop.Cycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if n != 1 {
		t.Fatalf("dispatched %d, want 1", n)
	}

	task, err := f.st.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskRunning {
		t.Fatalf("task status = %q, want running", task.Status)
	}
	leases, err := f.st.ListLeases(ctx)
	if err != nil {
		t.Fatalf("list leases: %v", err)
	}
	if len(leases) != 1 || leases[0].TaskID != "t1" || leases[0].AgentID != "w1" {
		t.Fatalf("leases = %+v", leases)
	}
	active, err := f.st.HasRunningRun(ctx, "t1")
	if err != nil {
		t.Fatalf("has running run: %v", err)
	}
	if !active {
		t.Fatal("no running run recorded")
	}
	agent, err := f.st.GetAgent(ctx, "w1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status != store.AgentBusy || agent.CurrentTaskID != "t1" {
		t.Fatalf("agent = %+v", agent)
	}
}

func TestCycleSkipsWhenRunAlreadyActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	f.addTask(t, &store.Task{ID: "t1"})
	f.addIdleWorker(t, "w1")
	run := &store.Run{ID: "r-old", TaskID: "t1", AgentID: "other", Status: store.RunRunning}
	if err := f.st.InsertRun(ctx, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}

	n, err := f.loop.Cycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if n != 0 {
		t.Fatalf("dispatched %d with active run, want 0", n)
	}
}

func TestCycleRespectsMaxWorkers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxWorkers: 2})

	f.addTask(t, &store.Task{ID: "t1", Priority: 3})
	f.addTask(t, &store.Task{ID: "t2", Priority: 2})
	f.addTask(t, &store.Task{ID: "t3", Priority: 1})
	f.addIdleWorker(t, "w1")
	f.addIdleWorker(t, "w2")
	f.addIdleWorker(t, "w3")

	n, err := f.loop.Cycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if n != 2 {
		t.Fatalf("dispatched %d, want 2 (slot budget)", n)
	}
}

func TestQuotaBacklogCapsConcurrency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxWorkers: 4})

	f.addTask(t, &store.Task{ID: "waiting", Status: store.TaskBlocked, BlockReason: store.BlockQuotaWait})
	f.addTask(t, &store.Task{ID: "t1", Priority: 3})
	f.addTask(t, &store.Task{ID: "t2", Priority: 2})
	f.addIdleWorker(t, "w1")
	f.addIdleWorker(t, "w2")

	n, err := f.loop.Cycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if n != 1 {
		t.Fatalf("dispatched %d under quota backlog, want 1", n)
	}
}

func TestCycleSkipsWithoutIdleAgent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	f.addTask(t, &store.Task{ID: "t1"})

	n, err := f.loop.Cycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if n != 0 {
		t.Fatalf("dispatched %d with no agents, want 0", n)
	}
	task, err := f.st.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskQueued {
		t.Fatalf("task status = %q, want still queued", task.Status)
	}
}

func TestIsolatedLaunchSynthesizesAgent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{IsolatedLaunch: true})

	f.addTask(t, &store.Task{ID: "t1"})

	n, err := f.loop.Cycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if n != 1 {
		t.Fatalf("dispatched %d, want 1", n)
	}
	agents, err := f.st.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 1 || agents[0].Role != store.RoleWorker {
		t.Fatalf("agents = %+v", agents)
	}
}

func TestRollbackLaunchRestoresPreDispatchState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	task := f.addTask(t, &store.Task{ID: "t1"})
	f.addIdleWorker(t, "w1")

	n, err := f.loop.Cycle(ctx)
	if err != nil || n != 1 {
		t.Fatalf("cycle: n=%d err=%v", n, err)
	}
	runs, err := f.st.ListUnjudgedFinishedRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("unexpected finished runs before rollback: %+v", runs)
	}

	run, err := f.st.LatestRunForTask(ctx, "t1")
	if err != nil {
		t.Fatalf("latest run: %v", err)
	}
	agent, err := f.st.GetAgent(ctx, "w1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	f.loop.rollbackLaunch(job{agent: agent, task: task, run: run}, errors.New("spawn: no such file"))

	got, err := f.st.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskQueued {
		t.Fatalf("task status after rollback = %q, want queued", got.Status)
	}
	leases, err := f.st.ListLeases(ctx)
	if err != nil {
		t.Fatalf("list leases: %v", err)
	}
	if len(leases) != 0 {
		t.Fatalf("lease survived rollback: %+v", leases)
	}
	gotRun, err := f.st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if gotRun.Status != store.RunCancelled {
		t.Fatalf("run status after rollback = %q, want cancelled", gotRun.Status)
	}
	agent, err = f.st.GetAgent(ctx, "w1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status != store.AgentIdle {
		t.Fatalf("agent status after rollback = %q, want idle", agent.Status)
	}
}

func TestPoolLaunchesAndStops(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	launcher := &fakeLauncher{notify: make(chan string, 1)}
	p := newPool(launcher, log, nil)

	agent := &store.Agent{ID: "w1", Role: store.RoleWorker}
	task := &store.Task{ID: "t1"}
	run := &store.Run{ID: "r1", TaskID: "t1", AgentID: "w1"}

	if !p.enqueue(ctx, job{agent: agent, task: task, run: run}) {
		t.Fatal("enqueue refused")
	}
	select {
	case id := <-launcher.notify:
		if id != "t1" {
			t.Fatalf("launched %q, want t1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("launch never happened")
	}

	p.close()
	launcher.mu.Lock()
	defer launcher.mu.Unlock()
	if len(launcher.stopped) != 1 || launcher.stopped[0] != "w1" {
		t.Fatalf("stopped = %v, want [w1]", launcher.stopped)
	}
	if p.enqueue(ctx, job{agent: agent, task: task, run: run}) {
		t.Fatal("enqueue accepted after close")
	}
}

// blockingLauncher holds Launch open until its context is cancelled, the
// way a real subprocess launch blocks until the command exits.
type blockingLauncher struct {
	started chan string
	mu      sync.Mutex
	stopped []string
}

func (b *blockingLauncher) Launch(ctx context.Context, _ *store.Agent, task *store.Task, _ *store.Run) error {
	b.started <- task.ID
	<-ctx.Done()
	return ctx.Err()
}

func (b *blockingLauncher) Stop(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = append(b.stopped, agentID)
}

func TestPoolCloseCancelsInFlightLaunch(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	launcher := &blockingLauncher{started: make(chan string, 1)}

	var rbMu sync.Mutex
	var rolledBack []string
	p := newPool(launcher, log, func(j job, _ error) {
		rbMu.Lock()
		rolledBack = append(rolledBack, j.task.ID)
		rbMu.Unlock()
	})

	agent := &store.Agent{ID: "w1", Role: store.RoleWorker}
	if !p.enqueue(ctx, job{agent: agent, task: &store.Task{ID: "t1"}, run: &store.Run{ID: "r1"}}) {
		t.Fatal("enqueue refused")
	}
	select {
	case <-launcher.started:
	case <-time.After(2 * time.Second):
		t.Fatal("launch never started")
	}
	// A second job sits buffered behind the in-flight one.
	if !p.enqueue(ctx, job{agent: agent, task: &store.Task{ID: "t2"}, run: &store.Run{ID: "r2"}}) {
		t.Fatal("enqueue refused")
	}

	done := make(chan struct{})
	go func() { p.close(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked on the in-flight command")
	}

	rbMu.Lock()
	defer rbMu.Unlock()
	if len(rolledBack) != 2 {
		t.Fatalf("rolled back %v, want both t1 and t2", rolledBack)
	}
	for _, id := range []string{"t1", "t2"} {
		found := false
		for _, rb := range rolledBack {
			if rb == id {
				found = true
			}
		}
		if !found {
			t.Fatalf("task %s not rolled back: %v", id, rolledBack)
		}
	}
}
