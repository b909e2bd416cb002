package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/endorhq/rover-sub004/internal/models"
	"github.com/endorhq/rover-sub004/internal/reasoning"
)

// Resolver has the reasoner fix merge conflicts and concludes the merge.
type Resolver struct{}

func (Resolver) Config() Config {
	return Config{ActionType: models.ActionResolve, MaxParallel: 1, DedupBy: DedupByTrace}
}

func (Resolver) Dependencies() []Dependency {
	return []Dependency{DepProjectManager, DepRunner, DepReasoner}
}

func (Resolver) Process(ctx context.Context, pending models.PendingAction, sc *Context) (*Result, error) {
	inv, err := begin(ctx, sc, pending, taskMeta(pending))
	if err != nil {
		return nil, err
	}

	taskID := pending.Meta.String(models.MetaTaskID)
	task, ok := sc.Projects.GetTask(taskID)
	if !ok {
		return inv.failf(ctx, "task %q not found", taskID)
	}
	dir := task.WorktreePath

	out, err := inv.git(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return inv.failf(ctx, "list conflicts: %v", err)
	}
	conflicts := splitLines(out)
	if len(conflicts) == 0 {
		return inv.fail(ctx, "no conflicted files to resolve")
	}

	prompt := fmt.Sprintf("Resolve the merge conflicts in these files, keeping the intent of both sides. Remove every conflict marker. Do not commit.\n\nTask: %s\n\nFiles:\n- %s",
		task.Title, strings.Join(conflicts, "\n- "))
	answer, err := inv.reason(ctx, prompt, reasoning.Options{Cwd: dir, Tools: implementationTools})
	if err != nil {
		return inv.failf(ctx, "conflict resolution failed: %v", err)
	}

	out, err = inv.git(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return inv.failf(ctx, "list conflicts: %v", err)
	}
	if remaining := splitLines(out); len(remaining) > 0 {
		return inv.failf(ctx, "unresolved conflicts remain: %s", strings.Join(remaining, ", "))
	}

	if _, err := inv.git(ctx, dir, "add", "-A"); err != nil {
		return inv.failf(ctx, "git add: %v", err)
	}
	if _, err := inv.git(ctx, dir, "commit", "--no-edit"); err != nil {
		return inv.failf(ctx, "git commit: %v", err)
	}

	meta := inv.carry(models.Meta{}, models.MetaSourceActionID, models.MetaTaskID, models.MetaBranchName, models.MetaTaskTitle)
	return inv.complete(ctx, fmt.Sprintf("resolved %d conflict(s)", len(conflicts)), answer, EnqueuedAction{
		ActionType: models.ActionPush,
		Summary:    "push " + task.BranchName,
		Meta:       meta,
	})
}
