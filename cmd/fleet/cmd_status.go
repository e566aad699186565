package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"fleet/pkg/config"
	"fleet/pkg/store"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// statusSnapshot is the machine-readable status shape.
type statusSnapshot struct {
	Daemon   string         `json:"daemon"`
	PID      int            `json:"pid,omitempty"`
	Tasks    map[string]int `json:"tasks"`
	Blocked  map[string]int `json:"blocked"`
	Agents   map[string]int `json:"agents"`
	Leases   int            `json:"leases"`
	Unjudged int            `json:"unjudgedRuns"`
}

// newStatusCmd creates the "fleet status" subcommand.
func newStatusCmd() *cobra.Command {
	var robot bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show fleet state: tasks, agents, leases, judge backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			snap, err := collectStatus(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			// Non-terminal consumers always get JSON.
			if robot || !isatty.IsTerminal(os.Stdout.Fd()) {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printStatus(cmd, snap)
			return nil
		},
	}
	cmd.Flags().BoolVar(&robot, "robot", false, "emit a JSON snapshot instead of the human summary")
	return cmd
}

func collectStatus(ctx context.Context, cfg config.Config) (*statusSnapshot, error) {
	snap := &statusSnapshot{
		Daemon:  string(daemonStopped),
		Tasks:   make(map[string]int),
		Blocked: make(map[string]int),
		Agents:  make(map[string]int),
	}

	daemonStatus, pid, err := checkDaemon(pidPath(cfg))
	if err != nil {
		return nil, err
	}
	snap.Daemon = string(daemonStatus)
	snap.PID = pid

	st, err := store.Open(ctx, cfg.DBPath())
	if err != nil {
		return nil, err
	}
	defer st.Close()

	statuses := []store.TaskStatus{
		store.TaskQueued, store.TaskRunning, store.TaskBlocked,
		store.TaskDone, store.TaskFailed, store.TaskCancelled,
	}
	for _, status := range statuses {
		n, err := st.CountTasksWhere(ctx, status, "")
		if err != nil {
			return nil, err
		}
		if n > 0 {
			snap.Tasks[string(status)] = n
		}
	}
	for _, reason := range []store.BlockReason{
		store.BlockAwaitingJudge, store.BlockNeedsRework, store.BlockQuotaWait,
	} {
		n, err := st.CountTasksWhere(ctx, store.TaskBlocked, reason)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			snap.Blocked[string(reason)] = n
		}
	}

	agents, err := st.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		snap.Agents[string(a.Status)]++
	}

	leases, err := st.ListLeases(ctx)
	if err != nil {
		return nil, err
	}
	snap.Leases = len(leases)

	unjudged, err := st.CountUnjudgedSuccessArtifacts(ctx)
	if err != nil {
		return nil, err
	}
	snap.Unjudged = unjudged

	return snap, nil
}

func printStatus(cmd *cobra.Command, snap *statusSnapshot) {
	w := cmd.OutOrStdout()

	if snap.Daemon == string(daemonRunning) {
		fmt.Fprintf(w, "daemon: running (PID %d)\n", snap.PID)
	} else {
		fmt.Fprintf(w, "daemon: %s\n", snap.Daemon)
	}

	fmt.Fprint(w, "tasks: ")
	if len(snap.Tasks) == 0 {
		fmt.Fprintln(w, "none")
	} else {
		first := true
		for _, status := range []string{"queued", "running", "blocked", "done", "failed", "cancelled"} {
			if n := snap.Tasks[status]; n > 0 {
				if !first {
					fmt.Fprint(w, ", ")
				}
				fmt.Fprintf(w, "%d %s", n, status)
				first = false
			}
		}
		fmt.Fprintln(w)
	}

	for reason, n := range snap.Blocked {
		fmt.Fprintf(w, "  blocked/%s: %d\n", reason, n)
	}

	fmt.Fprintf(w, "agents: %d idle, %d busy, %d offline\n",
		snap.Agents["idle"], snap.Agents["busy"], snap.Agents["offline"])
	fmt.Fprintf(w, "leases: %d\n", snap.Leases)
	if snap.Unjudged > 0 {
		fmt.Fprintf(w, "unjudged runs: %d (judge backlog)\n", snap.Unjudged)
	}
}
