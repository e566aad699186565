package dispatch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleet/pkg/agentreg"
	"fleet/pkg/store"
)

type launcherFixture struct {
	st       *store.Store
	launcher *ExecLauncher
}

func newLauncherFixture(t *testing.T) *launcherFixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenMemory(ctx)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	agents := agentreg.New(st, log, 90*time.Second)
	l := NewExecLauncher(st, agents, t.TempDir(), log)
	return &launcherFixture{st: st, launcher: l}
}

func (f *launcherFixture) seed(t *testing.T, command string) (*store.Agent, *store.Task, *store.Run) {
	t.Helper()
	ctx := context.Background()
	agent := &store.Agent{ID: "worker-1", Role: store.RoleWorker, Status: store.AgentBusy}
	if err := f.st.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	task := &store.Task{ID: "t1", Title: "x", Status: store.TaskRunning, Commands: command}
	if err := f.st.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	run := &store.Run{ID: "r1", TaskID: task.ID, AgentID: agent.ID, Status: store.RunRunning}
	if err := f.st.InsertRun(ctx, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	return agent, task, run
}

func TestLaunchFinalizesSuccessfulRun(t *testing.T) {
	f := newLauncherFixture(t)
	agent, task, run := f.seed(t, "true")
	ctx := context.Background()

	if err := f.launcher.Launch(ctx, agent, task, run); err != nil {
		t.Fatalf("launch: %v", err)
	}

	got, err := f.st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != store.RunSuccess {
		t.Fatalf("run status = %q, want success", got.Status)
	}
	a, err := f.st.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if a.Status != store.AgentIdle {
		t.Fatalf("agent status = %q, want idle", a.Status)
	}
}

func TestLaunchFinalizesFailedRunWithExitStatus(t *testing.T) {
	f := newLauncherFixture(t)
	agent, task, run := f.seed(t, "exit 3")
	ctx := context.Background()

	if err := f.launcher.Launch(ctx, agent, task, run); err != nil {
		t.Fatalf("launch: %v", err)
	}

	got, err := f.st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != store.RunFailed {
		t.Fatalf("run status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "exit status 3") {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}
}

func TestLaunchDoesNotOverrideAgentReportedOutcome(t *testing.T) {
	f := newLauncherFixture(t)
	ctx := context.Background()

	// The command reports its own outcome the way a real agent would:
	// by finalizing the run in the store before exiting. Simulated here
	// by pre-finalizing and running a trivially succeeding command.
	agent, task, run := f.seed(t, "true")
	if err := f.st.FinishRun(ctx, run.ID, store.RunSuccess, "", "", "https://example.com/pr/9"); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	if err := f.launcher.Launch(ctx, agent, task, run); err != nil {
		t.Fatalf("launch: %v", err)
	}

	got, err := f.st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.PRURL != "https://example.com/pr/9" {
		t.Fatalf("launcher stomped the agent's report: %+v", got)
	}
}

func TestLaunchWritesCommandOutputToAgentLog(t *testing.T) {
	f := newLauncherFixture(t)
	agent, task, run := f.seed(t, "echo building widget")
	ctx := context.Background()

	if err := f.launcher.Launch(ctx, agent, task, run); err != nil {
		t.Fatalf("launch: %v", err)
	}

	logPath := filepath.Join(f.launcher.fleetHome, "procs", agent.ID, "output.log")
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "building widget") {
		t.Fatalf("log content = %q", data)
	}
}

func TestStopKillsInFlightCommand(t *testing.T) {
	f := newLauncherFixture(t)
	agent, task, run := f.seed(t, "sleep 30")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- f.launcher.Launch(ctx, agent, task, run) }()

	// Wait for the command to register as running.
	deadline := time.After(5 * time.Second)
	for {
		f.launcher.mu.Lock()
		_, running := f.launcher.running[agent.ID]
		f.launcher.mu.Unlock()
		if running {
			break
		}
		select {
		case <-deadline:
			t.Fatal("command never registered as running")
		case <-time.After(10 * time.Millisecond):
		}
	}

	f.launcher.Stop(agent.ID)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("launch: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("launch did not return after stop")
	}

	got, err := f.st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != store.RunFailed {
		t.Fatalf("run status = %q, want failed after kill", got.Status)
	}
}

func TestLaunchKillsCommandPastExecutionDeadline(t *testing.T) {
	f := newLauncherFixture(t)
	agent, task, run := f.seed(t, "sleep 30")
	ctx := context.Background()

	f.launcher.timeboxGrace = 0
	f.launcher.timeboxFor = func(*store.Task) time.Duration { return 200 * time.Millisecond }

	start := time.Now()
	if err := f.launcher.Launch(ctx, agent, task, run); err != nil {
		t.Fatalf("launch: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("launch blocked %s past the deadline", elapsed)
	}

	got, err := f.st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != store.RunFailed {
		t.Fatalf("run status = %q, want failed after deadline kill", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "execution deadline") {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}
	a, err := f.st.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if a.Status != store.AgentIdle {
		t.Fatalf("agent status = %q, want idle after deadline kill", a.Status)
	}
}

func TestDefaultTaskTimebox(t *testing.T) {
	if got := taskTimebox(&store.Task{TimeboxMinutes: 45}); got != 45*time.Minute {
		t.Fatalf("timebox = %s, want 45m", got)
	}
	if got := taskTimebox(&store.Task{}); got != 30*time.Minute {
		t.Fatalf("zero timebox = %s, want 30m default", got)
	}
}

func TestLaunchRejectsEmptyCommand(t *testing.T) {
	f := newLauncherFixture(t)
	agent, task, run := f.seed(t, "")
	task.Commands = ""

	err := f.launcher.Launch(context.Background(), agent, task, run)
	if err == nil {
		t.Fatal("empty command accepted")
	}
}
