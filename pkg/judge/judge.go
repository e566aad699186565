// Package judge adjudicates completed runs: claim exactly once, evaluate,
// then apply a verdict that merges, requeues, or blocks the originating
// task. The judged_at stamp on the run is the idempotency primitive; two
// concurrent judges can never both process the same run.
package judge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fleet/pkg/store"
)

// ErrAlreadyJudged is returned when a claim attempt loses to another judge.
var ErrAlreadyJudged = errors.New("judge: run already judged")

// Verdict is the outcome of evaluating a completed run.
type Verdict string

// Verdict constants.
const (
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
)

// Merger lands approved work on the base line. Source-control mechanics
// live behind this interface; the judge only sees success or failure.
type Merger interface {
	Merge(ctx context.Context, task *store.Task, run *store.Run) error
}

// Evaluator inspects a successful run and votes. The first rejection wins;
// unanimous approval approves.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, task *store.Task, run *store.Run) (Verdict, string, error)
}

// Config holds the judge tunables.
type Config struct {
	// AutoRetryRejected requeues rejected tasks instead of blocking them
	// as needs_rework.
	AutoRetryRejected bool

	// SpawnDocFollowup creates a documentation task after a successful
	// merge.
	SpawnDocFollowup bool

	// MaxRetries marks a task failed once its retry count reaches this.
	// Zero means retry forever.
	MaxRetries int

	// PollInterval between judge passes.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = 10 * time.Second
	}
	return c
}

// Judge is the review state machine.
type Judge struct {
	st         *store.Store
	log        *slog.Logger
	cfg        Config
	merger     Merger
	evaluators []Evaluator
	domains    Registry

	nowFunc func() time.Time
}

func New(st *store.Store, log *slog.Logger, cfg Config, merger Merger, evaluators []Evaluator, domains Registry) *Judge {
	return &Judge{
		st:         st,
		log:        log,
		cfg:        cfg.withDefaults(),
		merger:     merger,
		evaluators: evaluators,
		domains:    domains,
		nowFunc:    time.Now,
	}
}

// SetNowFunc overrides the clock. Test hook.
func (j *Judge) SetNowFunc(f func() time.Time) {
	j.nowFunc = f
}

// Run drives Tick until the context is cancelled.
func (j *Judge) Run(ctx context.Context) error {
	j.log.Info("judge loop started", "poll", j.cfg.PollInterval)
	ticker := time.NewTicker(j.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.log.Info("judge loop stopping")
			return nil
		case <-ticker.C:
			if err := j.Tick(ctx); err != nil {
				j.log.Error("judge pass failed", "error", err)
			}
		}
	}
}

// Tick processes every unjudged finished run once, then gives each domain
// judge a pass over its own pending targets. Per-run failures are isolated:
// one bad run does not abort the pass.
func (j *Judge) Tick(ctx context.Context) error {
	runs, err := j.st.ListUnjudgedFinishedRuns(ctx)
	if err != nil {
		return fmt.Errorf("list unjudged runs: %w", err)
	}
	for _, run := range runs {
		if err := j.judgeRun(ctx, run); err != nil {
			j.log.Error("judging run failed", "run", run.ID, "error", err)
		}
	}
	return j.domains.tick(ctx, j)
}

// Claim stamps judged_at on the run so exactly one evaluator processes it.
// Returns ErrAlreadyJudged for the loser of a concurrent claim.
func (j *Judge) Claim(ctx context.Context, runID string) error {
	ok, err := j.st.ClaimRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("claim run %s: %w", runID, err)
	}
	if !ok {
		return ErrAlreadyJudged
	}
	return nil
}

// judgeRun is the claim-then-evaluate-then-apply protocol for one run. An
// evaluation error releases the claim so the run is retried next pass
// instead of being dropped.
func (j *Judge) judgeRun(ctx context.Context, run *store.Run) error {
	task, err := j.st.GetTask(ctx, run.TaskID)
	if err != nil {
		return fmt.Errorf("task for run %s: %w", run.ID, err)
	}

	// Non-code domains plug in through the registry and follow the same
	// protocol on their own targets; skip them here.
	if j.domains.handles(task.Kind) {
		return nil
	}

	if err := j.Claim(ctx, run.ID); err != nil {
		if errors.Is(err, ErrAlreadyJudged) {
			j.log.Info("run claimed elsewhere", "run", run.ID)
			return nil
		}
		return err
	}

	if run.Status != store.RunSuccess {
		return j.applyFailedRun(ctx, task, run)
	}

	verdict, reason, err := j.evaluate(ctx, task, run)
	if err != nil {
		// Restore the run to unclaimed so the next pass retries it.
		if uerr := j.st.UnclaimRun(ctx, run.ID); uerr != nil {
			j.log.Error("unclaim after evaluation error failed", "run", run.ID, "error", uerr)
		}
		return fmt.Errorf("evaluate run %s: %w", run.ID, err)
	}

	return j.Apply(ctx, task, run, verdict, reason)
}

func (j *Judge) evaluate(ctx context.Context, task *store.Task, run *store.Run) (verdict Verdict, reason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluator panic: %v", r)
		}
	}()

	for _, e := range j.evaluators {
		v, why, err := e.Evaluate(ctx, task, run)
		if err != nil {
			return "", "", fmt.Errorf("evaluator %s: %w", e.Name(), err)
		}
		if v == VerdictRejected {
			return VerdictRejected, fmt.Sprintf("%s: %s", e.Name(), why), nil
		}
	}
	return VerdictApproved, "", nil
}

// Apply mutates the task according to the verdict. Approve merges and
// completes; merge failure requeues with the diagnostic attached. Reject
// requeues or blocks as needs_rework per config.
func (j *Judge) Apply(ctx context.Context, task *store.Task, run *store.Run, verdict Verdict, reason string) error {
	switch verdict {
	case VerdictApproved:
		if err := j.merger.Merge(ctx, task, run); err != nil {
			j.log.Warn("merge failed, requeueing", "task", task.ID, "run", run.ID, "error", err)
			j.appendEvent(ctx, "judge.merge_failed", task.ID, err.Error())
			return j.requeue(ctx, task)
		}
		if _, err := j.st.TransitionTask(ctx, task.ID, store.TaskRunning, store.TaskDone, store.BlockNone); err != nil {
			return fmt.Errorf("complete task %s: %w", task.ID, err)
		}
		j.appendEvent(ctx, "judge.approved", task.ID, run.ID)
		j.log.Info("approved and merged", "task", task.ID, "run", run.ID)
		if j.cfg.SpawnDocFollowup && task.EffectiveLane() != store.LaneDocser {
			if err := j.spawnDocFollowup(ctx, task); err != nil {
				j.log.Error("doc follow-up creation failed", "task", task.ID, "error", err)
			}
		}
		return nil

	case VerdictRejected:
		j.appendEvent(ctx, "judge.rejected", task.ID, reason)
		if j.cfg.AutoRetryRejected {
			j.log.Info("rejected, requeueing", "task", task.ID, "reason", reason)
			return j.requeue(ctx, task)
		}
		j.log.Info("rejected, blocking for rework", "task", task.ID, "reason", reason)
		if _, err := j.st.TransitionTask(ctx, task.ID, store.TaskRunning, store.TaskBlocked, store.BlockNeedsRework); err != nil {
			return fmt.Errorf("block task %s: %w", task.ID, err)
		}
		return nil
	}
	return fmt.Errorf("unknown verdict %q for task %s", verdict, task.ID)
}

// applyFailedRun handles runs the agent reported as failed or that were
// cancelled out from under it: requeue until the retry budget runs out,
// then mark the task failed.
func (j *Judge) applyFailedRun(ctx context.Context, task *store.Task, run *store.Run) error {
	if j.cfg.MaxRetries > 0 && task.RetryCount >= j.cfg.MaxRetries {
		j.log.Warn("retry budget exhausted", "task", task.ID, "retries", task.RetryCount)
		j.appendEvent(ctx, "judge.task_failed", task.ID, run.ErrorMessage)
		if _, err := j.st.TransitionTask(ctx, task.ID, store.TaskRunning, store.TaskFailed, store.BlockNone); err != nil {
			return fmt.Errorf("fail task %s: %w", task.ID, err)
		}
		return nil
	}
	j.log.Info("run failed, requeueing task", "task", task.ID, "run", run.ID, "error", run.ErrorMessage)
	j.appendEvent(ctx, "judge.run_failed", task.ID, run.ErrorMessage)
	return j.requeue(ctx, task)
}

func (j *Judge) requeue(ctx context.Context, task *store.Task) error {
	if err := j.st.DeleteLease(ctx, task.ID); err != nil {
		return fmt.Errorf("release lease for %s: %w", task.ID, err)
	}
	if err := j.st.RequeueTask(ctx, task.ID); err != nil {
		return fmt.Errorf("requeue %s: %w", task.ID, err)
	}
	return nil
}

func (j *Judge) spawnDocFollowup(ctx context.Context, task *store.Task) error {
	doc := &store.Task{
		ID:             task.ID + "-docs",
		Title:          "Document: " + task.Title,
		Status:         store.TaskQueued,
		Priority:       task.Priority,
		RiskLevel:      store.RiskLow,
		Role:           store.RoleDocser,
		Lane:           store.LaneDocser,
		Kind:           store.KindCode,
		DependsOn:      []string{task.ID},
		TimeboxMinutes: 30,
	}
	if err := j.st.InsertTask(ctx, doc); err != nil {
		return err
	}
	j.log.Info("spawned doc follow-up", "task", doc.ID, "parent", task.ID)
	return nil
}

func (j *Judge) appendEvent(ctx context.Context, typ, taskID, payload string) {
	if err := j.st.AppendEvent(ctx, typ, "task", taskID, payload); err != nil {
		j.log.Error("append event failed", "type", typ, "error", err)
	}
}
