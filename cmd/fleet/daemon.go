package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
)

// daemonState classifies the fleet daemon from its PID file: running when
// the recorded process is alive, stale when the file outlived the process,
// stopped when there is no file at all.
type daemonState string

const (
	daemonRunning daemonState = "running"
	daemonStopped daemonState = "stopped"
	daemonStale   daemonState = "stale"
)

func writePIDFile(path string, pid int) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("write fleet pid file: %w", err)
	}
	return nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path derives from the fleet home
	if err != nil {
		return 0, fmt.Errorf("read fleet pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("fleet pid file %s is corrupt: %w", path, err)
	}
	return pid, nil
}

// removePIDFile is idempotent: a missing file is not an error.
func removePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove fleet pid file: %w", err)
	}
	return nil
}

// processAlive probes pid with signal 0, which checks existence without
// delivering anything.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// checkDaemon resolves the daemon's state from its PID file. The returned
// pid is zero when stopped.
func checkDaemon(pidFile string) (daemonState, int, error) {
	pid, err := readPIDFile(pidFile)
	if errors.Is(err, os.ErrNotExist) {
		return daemonStopped, 0, nil
	}
	if err != nil {
		return daemonStopped, 0, err
	}
	if processAlive(pid) {
		return daemonRunning, pid, nil
	}
	return daemonStale, pid, nil
}

// signalDaemon sends SIGTERM to the process the PID file names. The daemon
// removes its own file on the way out.
func signalDaemon(pidFile string) error {
	pid, err := readPIDFile(pidFile)
	if err != nil {
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find fleet daemon pid %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal fleet daemon pid %d: %w", pid, err)
	}
	return nil
}

// notifyShutdown returns a context cancelled on SIGTERM or SIGINT and a
// cleanup func, meant to be deferred, that removes the daemon's PID file.
func notifyShutdown(parent context.Context, pidFile string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, func() {
		cancel()
		_ = removePIDFile(pidFile)
	}
}
