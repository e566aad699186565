package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// ExecManager spawns and kills the fleet's resident OS processes. Each
// child gets its own process group so killing it takes the whole tree
// (agent plus whatever it spawned) down with it.
//
// Thread-safe: the process map is mutex-protected.
type ExecManager struct {
	fleetHome string

	mu    sync.Mutex
	procs map[string]*os.Process
	wg    sync.WaitGroup

	// cmdFactory builds the exec.Cmd for a process spec. Defaults to
	// running the spec's argv directly. Tests override this to spawn a
	// dummy command like sleep.
	cmdFactory func(spec ProcessSpec) *exec.Cmd

	// killGrace is how long SIGTERM gets before SIGKILL.
	killGrace time.Duration
}

// NewExecManager creates an ExecManager. When fleetHome is non-empty, each
// spawned process appends its output to fleetHome/procs/<name>/output.log;
// otherwise output falls back to the daemon's own stdout/stderr.
func NewExecManager(fleetHome string) *ExecManager {
	m := &ExecManager{
		fleetHome: fleetHome,
		procs:     make(map[string]*os.Process),
		killGrace: 3 * time.Second,
	}
	m.cmdFactory = func(spec ProcessSpec) *exec.Cmd {
		//nolint:gosec // argv comes from the operator's process table
		return exec.CommandContext(context.Background(), spec.Argv[0], spec.Argv[1:]...)
	}
	return m
}

// SetCmdFactory replaces the command factory. Test hook.
func (m *ExecManager) SetCmdFactory(factory func(spec ProcessSpec) *exec.Cmd) {
	m.cmdFactory = factory
}

// Spawn starts the process described by spec and tracks it under spec.Name.
func (m *ExecManager) Spawn(spec ProcessSpec) (*os.Process, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("spawn %s: empty argv", spec.Name)
	}
	cmd := m.cmdFactory(spec)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var logFile *os.File
	if m.fleetHome == "" {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		logDir := filepath.Join(m.fleetHome, "procs", spec.Name)
		if err := os.MkdirAll(logDir, 0o700); err != nil {
			return nil, fmt.Errorf("create log dir %s: %w", logDir, err)
		}
		logPath := filepath.Join(logDir, "output.log")
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // deterministic path
		if err != nil {
			return nil, fmt.Errorf("open log %s: %w", logPath, err)
		}
		cmd.Stdout = f
		cmd.Stderr = f
		logFile = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("spawn %s: %w", spec.Name, err)
	}
	// The child holds its own copy of the log fd.
	if logFile != nil {
		_ = logFile.Close()
	}

	proc := cmd.Process
	m.mu.Lock()
	m.procs[spec.Name] = proc
	m.mu.Unlock()

	// Reap in the background to avoid zombies.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = cmd.Wait()
	}()

	return proc, nil
}

// Kill terminates a tracked process: SIGTERM to the process group, a grace
// period, then SIGKILL. The process is untracked regardless of outcome.
func (m *ExecManager) Kill(name string) error {
	m.mu.Lock()
	proc, ok := m.procs[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown process %s", name)
	}
	delete(m.procs, name)
	m.mu.Unlock()

	pgid := proc.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		// Already exited.
		_ = proc.Kill()
		return nil
	}

	done := make(chan struct{})
	go func() {
		_, _ = proc.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.killGrace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-done
	}
	return nil
}

// PIDOf returns the tracked PID for a process name, or 0.
func (m *ExecManager) PIDOf(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.procs[name]; ok {
		return p.Pid
	}
	return 0
}

// TrackedPIDs returns the PIDs of every tracked process.
func (m *ExecManager) TrackedPIDs() map[int]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]bool, len(m.procs))
	for _, p := range m.procs {
		out[p.Pid] = true
	}
	return out
}

// Wait blocks until every reaper goroutine has finished.
func (m *ExecManager) Wait() {
	m.wg.Wait()
}
