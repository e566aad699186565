// Package scheduler ranks queued tasks for dispatch and applies lane
// admission control. It is a pure read-mostly layer over the store: the
// only writes it performs are redirecting misrouted review tasks and
// appending throttle events.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"fleet/pkg/store"
)

// Config holds the scheduling tunables.
type Config struct {
	// CooldownDelay is how long a task sits out after a failed or
	// cancelled run before it may be redispatched.
	CooldownDelay time.Duration

	// HardJudgeGate fully suppresses dispatch while a judge backlog
	// exists. Default is soft: log and continue.
	HardJudgeGate bool

	// Lane limits. Zero means no cap (or no floor, for FeatureMinSlots).
	ConflictMaxSlots int
	FeatureMinSlots  int
	DocserMaxSlots   int
}

// Scheduler computes the ranked dispatch-eligible task set.
type Scheduler struct {
	st  *store.Store
	log *slog.Logger
	cfg Config

	nowFunc func() time.Time
}

func New(st *store.Store, log *slog.Logger, cfg Config) *Scheduler {
	if cfg.CooldownDelay == 0 {
		cfg.CooldownDelay = 5 * time.Minute
	}
	return &Scheduler{st: st, log: log, cfg: cfg, nowFunc: time.Now}
}

// SetNowFunc overrides the clock. Test hook.
func (s *Scheduler) SetNowFunc(f func() time.Time) {
	s.nowFunc = f
}

// Titles shaped like review work belong to the judge, not a worker. The
// planner occasionally emits these into the normal queue.
var reviewTitlePattern = regexp.MustCompile(`(?i)\b(review|judge)\b.*\b(pr|pull request|merge|run)\b`)

// Failure causes that do not indicate anything wrong with the task itself.
// These bypass the redispatch cooldown.
var transientCauses = []string{
	"agent restart",
	"enotempty",
	"quota",
}

func isTransientFailure(msg string) bool {
	lower := strings.ToLower(msg)
	for _, cause := range transientCauses {
		if strings.Contains(lower, cause) {
			return true
		}
	}
	return false
}

// riskMultiplier prefers safer work: low-risk tasks score higher, high-risk
// lower.
func riskMultiplier(r store.RiskLevel) float64 {
	switch r {
	case store.RiskLow:
		return 1.5
	case store.RiskHigh:
		return 0.5
	default:
		return 1.0
	}
}

// Score ranks a task for dispatch: safer, older, and shorter tasks win.
func Score(t *store.Task, now time.Time) float64 {
	score := float64(t.Priority) * 10 * riskMultiplier(t.RiskLevel)
	waitingHours := now.Sub(t.CreatedAt).Hours()
	if waitingHours < 0 {
		waitingHours = 0
	}
	score += math.Min(waitingHours*2, 20)
	if t.TimeboxMinutes > 0 && t.TimeboxMinutes <= 30 {
		score += 5
	}
	return score
}

// Available produces the ranked, dispatch-eligible subset of queued tasks.
// Filters, in order: judge-backlog gate, misrouted-review redirect, failure
// cooldown, active leases, targetArea collisions with running work, and
// unresolved dependencies. Survivors are sorted by descending score.
func (s *Scheduler) Available(ctx context.Context) ([]*store.Task, error) {
	if suppressed, err := s.judgeBacklogGate(ctx); err != nil {
		return nil, err
	} else if suppressed {
		return nil, nil
	}

	queued, err := s.st.ListTasksByStatus(ctx, store.TaskQueued)
	if err != nil {
		return nil, fmt.Errorf("list queued: %w", err)
	}

	leased, err := s.st.LeasedTaskIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("leased ids: %w", err)
	}
	runningAreas, err := s.st.RunningTargetAreas(ctx)
	if err != nil {
		return nil, fmt.Errorf("running areas: %w", err)
	}

	now := s.nowFunc()
	var eligible []*store.Task
	for _, t := range queued {
		if reviewTitlePattern.MatchString(t.Title) {
			ok, err := s.st.TransitionTask(ctx, t.ID, store.TaskQueued, store.TaskBlocked, store.BlockAwaitingJudge)
			if err != nil {
				return nil, fmt.Errorf("redirect review task %s: %w", t.ID, err)
			}
			if ok {
				s.log.Info("redirected review task to judge", "task", t.ID, "title", t.Title)
			}
			continue
		}

		cooling, err := s.inCooldown(ctx, t, now)
		if err != nil {
			return nil, err
		}
		if cooling {
			continue
		}

		if leased[t.ID] {
			continue
		}
		if t.TargetArea != "" && runningAreas[t.TargetArea] {
			continue
		}

		resolved, err := s.dependenciesResolved(ctx, t)
		if err != nil {
			return nil, err
		}
		if !resolved {
			continue
		}

		eligible = append(eligible, t)
	}

	sortByScore(eligible, now)
	return eligible, nil
}

// judgeBacklogGate reports whether dispatch should be suppressed. A backlog
// of tasks awaiting judgement, or unjudged successful runs with artifacts,
// means the judge is falling behind; by default this only logs.
func (s *Scheduler) judgeBacklogGate(ctx context.Context) (bool, error) {
	awaiting, err := s.st.CountTasksWhere(ctx, store.TaskBlocked, store.BlockAwaitingJudge)
	if err != nil {
		return false, fmt.Errorf("count awaiting judge: %w", err)
	}
	unjudged, err := s.st.CountUnjudgedSuccessArtifacts(ctx)
	if err != nil {
		return false, fmt.Errorf("count unjudged artifacts: %w", err)
	}
	if awaiting == 0 && unjudged == 0 {
		return false, nil
	}

	s.log.Warn("judge backlog detected", "awaiting_judge", awaiting, "unjudged_artifacts", unjudged, "hard_gate", s.cfg.HardJudgeGate)
	return s.cfg.HardJudgeGate, nil
}

func (s *Scheduler) inCooldown(ctx context.Context, t *store.Task, now time.Time) (bool, error) {
	last, err := s.st.LatestFinishedRun(ctx, t.ID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("latest run for %s: %w", t.ID, err)
	}
	if last.Status != store.RunFailed && last.Status != store.RunCancelled {
		return false, nil
	}
	if now.Sub(last.FinishedAt) >= s.cfg.CooldownDelay {
		return false, nil
	}
	if isTransientFailure(last.ErrorMessage) {
		return false, nil
	}
	return true, nil
}

// dependenciesResolved reports whether all of the task's dependencies are
// in a terminal state. A failed prerequisite counts as resolved so a bad
// task can never deadlock its dependents forever.
func (s *Scheduler) dependenciesResolved(ctx context.Context, t *store.Task) (bool, error) {
	for _, depID := range t.DependsOn {
		dep, err := s.st.GetTask(ctx, depID)
		if errors.Is(err, store.ErrNotFound) {
			s.log.Warn("dependency references missing task", "task", t.ID, "dep", depID)
			continue
		}
		if err != nil {
			return false, fmt.Errorf("dependency %s of %s: %w", depID, t.ID, err)
		}
		switch dep.Status {
		case store.TaskDone, store.TaskCancelled, store.TaskFailed:
		default:
			return false, nil
		}
	}
	return true, nil
}

func sortByScore(tasks []*store.Task, now time.Time) {
	// Insertion sort keeps ranking stable for equal scores: earlier
	// created tasks stay ahead.
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && Score(tasks[j], now) > Score(tasks[j-1], now); j-- {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
		}
	}
}
