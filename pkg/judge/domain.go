package judge

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"fleet/pkg/store"
)

// Target is one pending unit of domain judgement, always backed by a run so
// the claim stamp applies uniformly.
type Target struct {
	RunID  string
	TaskID string
}

// DomainJudge is the plugin contract for non-code work. Implementations
// follow the same claim-then-evaluate-then-apply protocol as the main loop;
// the claim itself is performed by the caller.
type DomainJudge interface {
	// Kind names the task kind this judge owns.
	Kind() store.Kind

	CollectPendingTargets(ctx context.Context) ([]Target, error)
	EvaluateTarget(ctx context.Context, target Target) (Verdict, error)
	ApplyVerdict(ctx context.Context, target Target, verdict Verdict) error
}

// Registry maps task kinds to their domain judges, resolved once at
// startup.
type Registry map[store.Kind]DomainJudge

func (r Registry) handles(kind store.Kind) bool {
	_, ok := r[kind]
	return ok
}

// tick runs each domain judge over its pending targets with the shared
// claim protocol. An evaluation error restores the target to unclaimed.
func (r Registry) tick(ctx context.Context, j *Judge) error {
	for kind, dj := range r {
		targets, err := dj.CollectPendingTargets(ctx)
		if err != nil {
			j.log.Error("domain target collection failed", "kind", kind, "error", err)
			continue
		}
		for _, target := range targets {
			if err := j.Claim(ctx, target.RunID); err != nil {
				continue
			}
			verdict, err := dj.EvaluateTarget(ctx, target)
			if err != nil {
				if uerr := j.st.UnclaimRun(ctx, target.RunID); uerr != nil {
					j.log.Error("domain unclaim failed", "run", target.RunID, "error", uerr)
				}
				j.log.Error("domain evaluation failed, retrying later", "kind", kind, "run", target.RunID, "error", err)
				continue
			}
			if err := dj.ApplyVerdict(ctx, target, verdict); err != nil {
				j.log.Error("domain verdict apply failed", "kind", kind, "run", target.RunID, "error", err)
			}
		}
	}
	return nil
}

// registryFile is the on-disk shape of judges.yaml.
type registryFile struct {
	Judges []string `yaml:"judges"`
}

// LoadRegistry reads judges.yaml and resolves the named judges against the
// built-in constructors. A missing file means no domain judges, which is
// valid. Unknown names are an error: a typo should not silently disable a
// judge.
func LoadRegistry(path string, st *store.Store, log *slog.Logger) (Registry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Registry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	reg := Registry{}
	for _, name := range file.Judges {
		switch name {
		case "research":
			reg[store.KindResearch] = NewResearchJudge(st)
		default:
			return nil, fmt.Errorf("unknown domain judge %q in %s", name, path)
		}
		log.Info("domain judge enabled", "judge", name)
	}
	return reg, nil
}

// ResearchJudge adjudicates research tasks. Research work produces findings
// rather than mergeable artifacts, so a successful run completes the task
// directly and a failed run requeues it.
type ResearchJudge struct {
	st *store.Store
}

func NewResearchJudge(st *store.Store) *ResearchJudge {
	return &ResearchJudge{st: st}
}

func (r *ResearchJudge) Kind() store.Kind { return store.KindResearch }

func (r *ResearchJudge) CollectPendingTargets(ctx context.Context) ([]Target, error) {
	runs, err := r.st.ListUnjudgedFinishedRuns(ctx)
	if err != nil {
		return nil, err
	}
	var out []Target
	for _, run := range runs {
		task, err := r.st.GetTask(ctx, run.TaskID)
		if err != nil {
			return nil, err
		}
		if task.Kind == store.KindResearch {
			out = append(out, Target{RunID: run.ID, TaskID: task.ID})
		}
	}
	return out, nil
}

func (r *ResearchJudge) EvaluateTarget(ctx context.Context, target Target) (Verdict, error) {
	run, err := r.st.GetRun(ctx, target.RunID)
	if err != nil {
		return "", err
	}
	if run.Status == store.RunSuccess {
		return VerdictApproved, nil
	}
	return VerdictRejected, nil
}

func (r *ResearchJudge) ApplyVerdict(ctx context.Context, target Target, verdict Verdict) error {
	if err := r.st.DeleteLease(ctx, target.TaskID); err != nil {
		return err
	}
	if verdict == VerdictApproved {
		_, err := r.st.TransitionTask(ctx, target.TaskID, store.TaskRunning, store.TaskDone, store.BlockNone)
		return err
	}
	return r.st.RequeueTask(ctx, target.TaskID)
}
