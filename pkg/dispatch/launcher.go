package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"fleet/pkg/agentreg"
	"fleet/pkg/store"
)

// ExecLauncher runs a task's command line as an OS subprocess in the
// agent's name. Each launch gets its own process group so stopping an
// agent takes down whatever tree its command spawned. The agent process
// is expected to report its own run outcome through the store; the
// launcher only finalizes runs the agent left dangling.
type ExecLauncher struct {
	st        *store.Store
	agents    *agentreg.Registry
	fleetHome string
	log       *slog.Logger

	mu      sync.Mutex
	running map[string]*exec.Cmd

	// killGrace is how long SIGTERM gets before SIGKILL.
	killGrace time.Duration

	// heartbeatEvery is the agent heartbeat cadence while a command runs.
	heartbeatEvery time.Duration

	// timeboxGrace pads the task timebox before the hard kill fires, so
	// a command finishing right at the line is not raced to death.
	timeboxGrace time.Duration

	// timeboxFor computes a task's execution deadline. Test hook.
	timeboxFor func(*store.Task) time.Duration
}

func taskTimebox(t *store.Task) time.Duration {
	timebox := time.Duration(t.TimeboxMinutes) * time.Minute
	if timebox == 0 {
		timebox = 30 * time.Minute
	}
	return timebox
}

// NewExecLauncher creates an ExecLauncher. When fleetHome is non-empty,
// command output appends to fleetHome/procs/<agent>/output.log.
func NewExecLauncher(st *store.Store, agents *agentreg.Registry, fleetHome string, log *slog.Logger) *ExecLauncher {
	return &ExecLauncher{
		st:             st,
		agents:         agents,
		fleetHome:      fleetHome,
		log:            log,
		running:        make(map[string]*exec.Cmd),
		killGrace:      3 * time.Second,
		heartbeatEvery: 30 * time.Second,
		timeboxGrace:   time.Minute,
		timeboxFor:     taskTimebox,
	}
}

// Launch runs the task's command to completion. It blocks the agent's
// dispatch queue, which is exactly the serialization we want: one run
// per agent at a time.
func (e *ExecLauncher) Launch(ctx context.Context, agent *store.Agent, task *store.Task, run *store.Run) error {
	if task.Commands == "" {
		return fmt.Errorf("launch %s: task has no command", task.ID)
	}

	//nolint:gosec // the command line comes from the operator's task table
	cmd := exec.Command("/bin/sh", "-c", task.Commands)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(),
		"FLEET_TASK_ID="+task.ID,
		"FLEET_RUN_ID="+run.ID,
		"FLEET_AGENT_ID="+agent.ID,
	)

	var logFile *os.File
	if e.fleetHome == "" {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		logDir := filepath.Join(e.fleetHome, "procs", agent.ID)
		if err := os.MkdirAll(logDir, 0o700); err != nil {
			return fmt.Errorf("launch %s: create log dir: %w", task.ID, err)
		}
		logPath := filepath.Join(logDir, "output.log")
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // deterministic path
		if err != nil {
			return fmt.Errorf("launch %s: open log: %w", task.ID, err)
		}
		cmd.Stdout = f
		cmd.Stderr = f
		logFile = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return fmt.Errorf("launch %s: %w", task.ID, err)
	}
	if logFile != nil {
		// Child holds its own copy of the fd.
		logFile.Close()
	}

	e.mu.Lock()
	e.running[agent.ID] = cmd
	e.mu.Unlock()

	e.log.Info("agent command started",
		"agent", agent.ID, "task", task.ID, "run", run.ID, "pid", cmd.Process.Pid)

	waitErr := e.waitWithHeartbeat(ctx, agent.ID, cmd, e.timeboxFor(task)+e.timeboxGrace)

	e.mu.Lock()
	delete(e.running, agent.ID)
	e.mu.Unlock()

	e.finalize(agent, task, run, waitErr)
	return nil
}

// waitWithHeartbeat waits for the command while keeping the agent's
// heartbeat fresh so lease reclamation does not mistake a long run for a
// dead agent. The deadline is a hard ceiling: a command still alive past
// the task's timebox plus grace is killed, group and all, so a hung
// executor cannot hold a worker slot forever.
func (e *ExecLauncher) waitWithHeartbeat(ctx context.Context, agentID string, cmd *exec.Cmd, deadline time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(e.heartbeatEvery)
	defer ticker.Stop()
	timeout := time.NewTimer(deadline)
	defer timeout.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			if err := e.agents.Heartbeat(ctx, agentID); err != nil {
				e.log.Warn("heartbeat during run failed", "agent", agentID, "error", err)
			}
		case <-timeout.C:
			e.log.Warn("command exceeded execution deadline, killing",
				"agent", agentID, "deadline", deadline)
			e.killGroup(cmd)
			<-done
			return fmt.Errorf("killed after exceeding %s execution deadline", deadline)
		case <-ctx.Done():
			e.killGroup(cmd)
			return <-done
		}
	}
}

// finalize records the run outcome the agent did not record itself and
// returns the agent to the idle pool.
func (e *ExecLauncher) finalize(agent *store.Agent, task *store.Task, run *store.Run, waitErr error) {
	ctx := context.Background()

	status := store.RunSuccess
	errMsg := ""
	if waitErr != nil {
		status = store.RunFailed
		errMsg = waitErr.Error()
	}
	finalized, err := e.st.FinalizeRunIfRunning(ctx, run.ID, status, errMsg, "", "")
	if err != nil {
		e.log.Error("finalize run failed", "run", run.ID, "error", err)
	} else if finalized {
		e.log.Info("run finalized by launcher",
			"run", run.ID, "task", task.ID, "status", status, "error", errMsg)
	}

	if err := e.agents.MarkIdle(ctx, agent.ID); err != nil {
		e.log.Warn("mark agent idle failed", "agent", agent.ID, "error", err)
	}
}

// Stop terminates the agent's in-flight command, process group and all.
func (e *ExecLauncher) Stop(agentID string) {
	e.mu.Lock()
	cmd := e.running[agentID]
	e.mu.Unlock()
	if cmd == nil {
		return
	}
	e.killGroup(cmd)
}

func (e *ExecLauncher) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	deadline := time.After(e.killGrace)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
			return
		case <-tick.C:
			// Signal 0 probes group existence.
			if err := syscall.Kill(-pgid, syscall.Signal(0)); err != nil {
				return
			}
		}
	}
}
