// Package dispatch runs the fleet's main control loop: repair stale state,
// compute capacity, select tasks, acquire leases, and hand work to agents.
// Every cycle is independent; all coordination happens through the store.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"fleet/pkg/agentreg"
	"fleet/pkg/lease"
	"fleet/pkg/scheduler"
	"fleet/pkg/store"
)

// Config holds the dispatch loop tunables.
type Config struct {
	// PollInterval is the base cycle interval. Idle cycles back off
	// exponentially up to BackoffCap; any dispatch resets to base.
	PollInterval time.Duration
	BackoffCap   time.Duration

	// MaxWorkers caps concurrent busy agents. Zero or negative means
	// unlimited.
	MaxWorkers int

	// IsolatedLaunch synthesizes a fresh agent identity per task instead
	// of requiring a pre-registered idle agent.
	IsolatedLaunch bool

	// SpoolDir, when set, is watched for new task files; a write there
	// wakes the loop immediately instead of waiting out the poll timer.
	SpoolDir string
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 2 * time.Minute
	}
	return c
}

// Loop is the dispatcher. Construct with New, drive with Run, or call Cycle
// directly for a single pass.
type Loop struct {
	st       *store.Store
	leases   *lease.Manager
	sched    *scheduler.Scheduler
	agents   *agentreg.Registry
	pool     *pool
	launcher Launcher
	cfg      Config
	log      *slog.Logger

	// quotaThrottled tracks the circuit-breaker state so the throttle is
	// logged on transitions only, not every cycle.
	quotaThrottled bool

	// interval is the current poll delay including backoff.
	interval time.Duration

	// lastNoAgentLog rate-limits the "no idle agent" line per role.
	lastNoAgentLog map[store.Role]time.Time

	nowFunc func() time.Time
}

func New(st *store.Store, leases *lease.Manager, sched *scheduler.Scheduler, agents *agentreg.Registry, launcher Launcher, cfg Config, log *slog.Logger) *Loop {
	cfg = cfg.withDefaults()
	l := &Loop{
		st:             st,
		leases:         leases,
		sched:          sched,
		agents:         agents,
		launcher:       launcher,
		cfg:            cfg,
		log:            log,
		interval:       cfg.PollInterval,
		lastNoAgentLog: make(map[store.Role]time.Time),
		nowFunc:        time.Now,
	}
	l.pool = newPool(launcher, log, l.rollbackLaunch)
	return l
}

// SetNowFunc overrides the clock. Test hook.
func (l *Loop) SetNowFunc(f func() time.Time) {
	l.nowFunc = f
}

// Run drives cycles until the context is cancelled. A filesystem event in
// the spool directory wakes the loop early; the timer is the safety net.
func (l *Loop) Run(ctx context.Context) error {
	var wake <-chan fsnotify.Event
	if l.cfg.SpoolDir != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("spool watcher: %w", err)
		}
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(l.cfg.SpoolDir); err != nil {
			return fmt.Errorf("watch %s: %w", l.cfg.SpoolDir, err)
		}
		wake = watcher.Events
	}

	l.log.Info("dispatch loop started", "poll", l.cfg.PollInterval, "max_workers", l.cfg.MaxWorkers)
	timer := time.NewTimer(l.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("dispatch loop stopping")
			l.pool.close()
			return nil
		case ev := <-wake:
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			l.interval = l.cfg.PollInterval
		case <-timer.C:
		}

		dispatched, err := l.Cycle(ctx)
		if err != nil {
			l.log.Error("dispatch cycle failed", "error", err)
		}
		if dispatched > 0 {
			l.interval = l.cfg.PollInterval
		} else {
			l.interval = min(l.interval*2, l.cfg.BackoffCap)
		}
		timer.Reset(l.interval)
	}
}

// Cycle performs one dispatch pass and returns how many tasks were handed
// to agents.
func (l *Loop) Cycle(ctx context.Context) (int, error) {
	l.cleanup(ctx)

	busy, err := l.st.CountBusyAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("count busy: %w", err)
	}

	slots, err := l.availableSlots(ctx, busy)
	if err != nil {
		return 0, err
	}
	if slots == 0 {
		return 0, nil
	}

	available, err := l.sched.Available(ctx)
	if err != nil {
		return 0, fmt.Errorf("available tasks: %w", err)
	}
	if len(available) == 0 {
		return 0, nil
	}
	if slots < 0 {
		slots = len(available)
	}

	activeByLane, err := l.st.ActiveCountByLane(ctx)
	if err != nil {
		return 0, fmt.Errorf("active by lane: %w", err)
	}

	selected, err := l.sched.SelectForDispatch(ctx, available, slots, activeByLane)
	if err != nil {
		return 0, fmt.Errorf("select for dispatch: %w", err)
	}

	idleByRole := map[store.Role][]*store.Agent{}
	dispatched := 0
	for _, task := range selected {
		agent, err := l.resolveAgent(ctx, task, idleByRole)
		if err != nil {
			return dispatched, err
		}
		if agent == nil {
			continue
		}
		ok, err := l.dispatchOne(ctx, task, agent)
		if err != nil {
			return dispatched, err
		}
		if ok {
			dispatched++
		}
	}
	return dispatched, nil
}

// cleanup runs the repair passes. Failures are logged, never fatal: a bad
// pass this cycle is retried next cycle.
func (l *Loop) cleanup(ctx context.Context) {
	if _, err := l.leases.CleanupExpired(ctx); err != nil {
		l.log.Error("expired lease cleanup failed", "error", err)
	}
	if _, err := l.leases.CleanupDangling(ctx); err != nil {
		l.log.Error("dangling lease cleanup failed", "error", err)
	}
	if _, err := l.leases.ReclaimDeadAgents(ctx); err != nil {
		l.log.Error("dead agent reclaim failed", "error", err)
	}
	if _, err := l.leases.RecoverOrphanedRunning(ctx); err != nil {
		l.log.Error("orphan recovery failed", "error", err)
	}
}

// availableSlots computes this cycle's budget. A quota_wait backlog anywhere
// trips the global circuit breaker: effective concurrency 1 until it clears.
// Returns -1 for unlimited.
func (l *Loop) availableSlots(ctx context.Context, busy int) (int, error) {
	quotaBacklog, err := l.st.HasQuotaWaitBacklog(ctx)
	if err != nil {
		return 0, fmt.Errorf("quota backlog: %w", err)
	}
	if quotaBacklog != l.quotaThrottled {
		l.quotaThrottled = quotaBacklog
		if quotaBacklog {
			l.log.Warn("provider quota backlog: capping concurrency at 1")
		} else {
			l.log.Info("provider quota backlog cleared")
		}
	}

	limit := l.cfg.MaxWorkers
	if quotaBacklog {
		limit = 1
	}
	if limit <= 0 {
		return -1, nil
	}
	slots := limit - busy
	if slots < 0 {
		slots = 0
	}
	return slots, nil
}

// resolveAgent picks an idle agent of the task's role, or synthesizes one
// in isolated-launch mode. Returns nil (no error) when none is available;
// that log line is rate-limited to once a minute per role.
func (l *Loop) resolveAgent(ctx context.Context, task *store.Task, idleByRole map[store.Role][]*store.Agent) (*store.Agent, error) {
	role := agentreg.RoleForTask(task)

	if l.cfg.IsolatedLaunch {
		id, err := l.agents.Register(ctx, "", role, 0)
		if err != nil {
			return nil, fmt.Errorf("synthesize agent: %w", err)
		}
		return l.st.GetAgent(ctx, id)
	}

	if _, fetched := idleByRole[role]; !fetched {
		idle, err := l.agents.IdleForRole(ctx, role)
		if err != nil {
			return nil, fmt.Errorf("idle agents for %s: %w", role, err)
		}
		idleByRole[role] = idle
	}
	idle := idleByRole[role]
	if len(idle) == 0 {
		now := l.nowFunc()
		if now.Sub(l.lastNoAgentLog[role]) > time.Minute {
			l.lastNoAgentLog[role] = now
			l.log.Info("no idle agent for role", "role", role, "task", task.ID)
		}
		return nil, nil
	}
	agent := idle[0]
	idleByRole[role] = idle[1:]
	return agent, nil
}

// dispatchOne hands one task to one agent. The lease insert and the
// conditional queued→running update are two independent race guards; losing
// either is benign contention, not an error. On launch failure the task and
// lease roll back to their pre-dispatch state.
func (l *Loop) dispatchOne(ctx context.Context, task *store.Task, agent *store.Agent) (bool, error) {
	active, err := l.st.HasRunningRun(ctx, task.ID)
	if err != nil {
		return false, fmt.Errorf("running run check for %s: %w", task.ID, err)
	}
	if active {
		l.log.Info("skip dispatch: run already active", "task", task.ID)
		return false, nil
	}

	if err := l.leases.Acquire(ctx, task, agent.ID); err != nil {
		if errors.Is(err, lease.ErrAlreadyLeased) {
			return false, nil
		}
		return false, err
	}

	ok, err := l.st.TransitionTask(ctx, task.ID, store.TaskQueued, store.TaskRunning, store.BlockNone)
	if err != nil {
		return false, fmt.Errorf("transition %s: %w", task.ID, err)
	}
	if !ok {
		// Lost the status race to another dispatcher. Back out the lease.
		l.log.Info("skip dispatch: lost status race", "task", task.ID)
		_ = l.leases.Release(ctx, task.ID)
		return false, nil
	}

	run := &store.Run{
		ID:      uuid.NewString(),
		TaskID:  task.ID,
		AgentID: agent.ID,
		Status:  store.RunRunning,
	}
	if err := l.st.InsertRun(ctx, run); err != nil {
		_ = l.leases.Release(ctx, task.ID)
		_, _ = l.st.TransitionTask(ctx, task.ID, store.TaskRunning, store.TaskQueued, store.BlockNone)
		return false, fmt.Errorf("insert run for %s: %w", task.ID, err)
	}
	if err := l.agents.MarkBusy(ctx, agent.ID, task.ID); err != nil {
		return false, fmt.Errorf("mark busy %s: %w", agent.ID, err)
	}

	if !l.pool.enqueue(ctx, job{agent: agent, task: task, run: run}) {
		l.rollbackLaunch(job{agent: agent, task: task, run: run}, errors.New("agent queue unavailable"))
		return false, nil
	}

	l.log.Info("dispatched", "task", task.ID, "agent", agent.ID, "run", run.ID, "lane", task.EffectiveLane())
	return true, nil
}

// rollbackLaunch reverts a dispatched task to its pre-dispatch state after
// a launch failure: run cancelled, lease released, task requeued, agent
// idle again.
func (l *Loop) rollbackLaunch(j job, cause error) {
	ctx := context.Background()
	if err := l.st.FinishRun(ctx, j.run.ID, store.RunCancelled, fmt.Sprintf("launch failed: %v", cause), "", ""); err != nil {
		l.log.Error("rollback: finish run failed", "run", j.run.ID, "error", err)
	}
	if err := l.leases.Release(ctx, j.task.ID); err != nil {
		l.log.Error("rollback: lease release failed", "task", j.task.ID, "error", err)
	}
	if _, err := l.st.TransitionTask(ctx, j.task.ID, store.TaskRunning, store.TaskQueued, store.BlockNone); err != nil {
		l.log.Error("rollback: requeue failed", "task", j.task.ID, "error", err)
	}
	if err := l.agents.MarkIdle(ctx, j.agent.ID); err != nil {
		l.log.Error("rollback: mark idle failed", "agent", j.agent.ID, "error", err)
	}
	l.log.Warn("dispatch rolled back", "task", j.task.ID, "cause", cause)
}

// Shutdown stops the pool outside of Run. Safe to call more than once.
func (l *Loop) Shutdown() {
	l.pool.close()
}
