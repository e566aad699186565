package judge

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"fleet/pkg/store"
)

// ArtifactPolicy is the baseline evaluator: a successful code run must
// point at a reviewable artifact. Runs with no PR URL have nothing to
// merge and are rejected so the task goes back for rework instead of
// silently completing.
type ArtifactPolicy struct{}

func NewArtifactPolicy() ArtifactPolicy { return ArtifactPolicy{} }

func (ArtifactPolicy) Name() string { return "artifact-policy" }

func (ArtifactPolicy) Evaluate(_ context.Context, task *store.Task, run *store.Run) (Verdict, string, error) {
	if task.Kind != store.KindCode {
		return VerdictApproved, "", nil
	}
	if run.PRURL == "" {
		return VerdictRejected, "successful run produced no reviewable artifact", nil
	}
	return VerdictApproved, "", nil
}

// CommandMerger shells out to an operator-supplied merge command. The
// command sees the artifact through FLEET_PR_URL and FLEET_TASK_ID; a
// non-zero exit is a merge failure. An empty command records the approval
// without a merge step.
type CommandMerger struct {
	Command string
}

func NewCommandMerger(command string) *CommandMerger {
	return &CommandMerger{Command: command}
}

func (m *CommandMerger) Merge(ctx context.Context, task *store.Task, run *store.Run) error {
	if m.Command == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", m.Command) //nolint:gosec // command comes from the operator's config
	cmd.Env = append(os.Environ(),
		"FLEET_PR_URL="+run.PRURL,
		"FLEET_TASK_ID="+task.ID,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("merge command: %w: %s", err, out)
	}
	return nil
}
