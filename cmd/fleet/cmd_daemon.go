package main

import (
	"fmt"
	"log/slog"
	"os"

	"fleet/pkg/agentreg"
	"fleet/pkg/config"
	"fleet/pkg/control"
	"fleet/pkg/dispatch"
	"fleet/pkg/judge"
	"fleet/pkg/lease"
	"fleet/pkg/scheduler"
	"fleet/pkg/store"
	"fleet/pkg/supervisor"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// newDaemonCmd creates the "fleet daemon" subcommand: the long-running
// process hosting the dispatch loop, the judge, the supervisor, and the
// control surface.
func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the fleet daemon in the foreground",
		Long:  "Runs the dispatch, judge, and supervisor loops plus the admin HTTP\nsurface until SIGTERM or SIGINT. Writes a PID file under the fleet home.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runDaemon(cmd, cfg)
		},
	}
}

func runDaemon(cmd *cobra.Command, cfg config.Config) error {
	for _, dir := range []string{cfg.Home, cfg.SpoolDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	pidFile := pidPath(cfg)
	status, pid, err := checkDaemon(pidFile)
	if err != nil {
		return err
	}
	if status == daemonRunning {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}
	if err := writePIDFile(pidFile, os.Getpid()); err != nil {
		return err
	}

	ctx, cleanup := notifyShutdown(cmd.Context(), pidFile)
	defer cleanup()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	st, err := store.Open(ctx, cfg.DBPath())
	if err != nil {
		return err
	}
	defer st.Close()

	leases := lease.New(st, log, 0, cfg.Supervisor.LivenessWindow)
	agents := agentreg.New(st, log, cfg.Supervisor.LivenessWindow)
	sched := scheduler.New(st, log, scheduler.Config{
		CooldownDelay:    cfg.Scheduler.CooldownDelay,
		HardJudgeGate:    cfg.Scheduler.HardJudgeGate,
		ConflictMaxSlots: cfg.Scheduler.ConflictMaxSlots,
		FeatureMinSlots:  cfg.Scheduler.FeatureMinSlots,
		DocserMaxSlots:   cfg.Scheduler.DocserMaxSlots,
	})

	launcher := dispatch.NewExecLauncher(st, agents, cfg.Home, log)
	loop := dispatch.New(st, leases, sched, agents, launcher, dispatch.Config{
		PollInterval:   cfg.Dispatcher.PollInterval,
		BackoffCap:     cfg.Dispatcher.BackoffCap,
		MaxWorkers:     cfg.Dispatcher.MaxWorkers,
		IsolatedLaunch: cfg.Dispatcher.IsolatedLaunch,
		SpoolDir:       cfg.SpoolDir(),
	}, log)

	domains, err := judge.LoadRegistry(cfg.JudgesPath(), st, log)
	if err != nil {
		return err
	}
	j := judge.New(st, log, judge.Config{
		AutoRetryRejected: cfg.Judge.AutoRetryRejected,
		SpawnDocFollowup:  cfg.Judge.SpawnDocFollowup,
		MaxRetries:        cfg.Judge.MaxRetries,
		PollInterval:      cfg.Judge.PollInterval,
	}, judge.NewCommandMerger(cfg.Judge.MergeCommand),
		[]judge.Evaluator{judge.NewArtifactPolicy()}, domains)

	pm := supervisor.NewExecManager(cfg.Home)
	sup := supervisor.New(st, pm, supervisor.Config{
		SelfHeal:       cfg.Supervisor.SelfHeal,
		TickInterval:   cfg.Supervisor.TickInterval,
		StartupGrace:   cfg.Supervisor.StartupGrace,
		LivenessWindow: cfg.Supervisor.LivenessWindow,
	}, log)
	for _, p := range cfg.Processes {
		sup.Register(supervisor.ProcessSpec{
			Name:      p.Name,
			Kind:      supervisor.Kind(p.Kind),
			AgentID:   p.AgentID,
			Argv:      p.Argv,
			Stoppable: p.Stoppable,
		})
	}

	ctrl := control.NewServer(sup, control.Config{
		Addr:       cfg.Control.Addr,
		AdminToken: cfg.Control.AdminToken,
	}, log)

	log.Info("fleet daemon starting",
		"home", cfg.Home, "db", cfg.DBPath(), "control", cfg.Control.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return j.Run(gctx) })
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return ctrl.Run(gctx) })

	err = g.Wait()
	pm.Wait()
	log.Info("fleet daemon stopped")
	return err
}
