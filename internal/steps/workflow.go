package steps

import (
	"context"
	"fmt"

	"github.com/endorhq/rover-sub004/internal/models"
	"github.com/endorhq/rover-sub004/internal/project"
	"github.com/endorhq/rover-sub004/internal/reasoning"
)

// implementationTools are the tools the reasoner may use inside a task worktree.
var implementationTools = []string{"Read", "Edit", "Write", "Glob", "Grep", "Bash"}

// Workflow creates a task with its own branch and worktree and has the
// reasoner implement it there.
type Workflow struct{}

func (Workflow) Config() Config {
	return Config{ActionType: models.ActionWorkflow, MaxParallel: 3, DedupBy: DedupByTrace}
}

func (Workflow) Dependencies() []Dependency {
	return []Dependency{DepProjectManager, DepReasoner}
}

func (Workflow) Process(ctx context.Context, pending models.PendingAction, sc *Context) (*Result, error) {
	title := pending.Meta.String(models.MetaTaskTitle)
	if title == "" {
		title = pending.Summary
	}
	description := pending.Meta.String(models.MetaTaskDescription)

	inv, err := begin(ctx, sc, pending, models.Meta{models.MetaTaskTitle: title})
	if err != nil {
		return nil, err
	}

	spec := project.TaskSpec{Title: title, Description: description}
	if sc.SCM != nil {
		if base, err := sc.SCM.MainBranch(); err == nil {
			spec.BaseBranch = base
		}
	}
	task, err := sc.Projects.CreateTask(ctx, spec)
	if err != nil {
		return inv.failf(ctx, "create task: %v", err)
	}

	if err := sc.Store.SetTaskMapping(ctx, models.TaskMapping{
		ActionID:   pending.ActionID,
		TaskID:     task.ID,
		BranchName: task.BranchName,
	}); err != nil {
		return inv.abort(ctx, fmt.Errorf("record task mapping: %w", err))
	}

	prompt := fmt.Sprintf("Implement the following task in this repository. Do not commit or push; leave the changes in the working tree.\n\nTask: %s\n\n%s",
		title, description)
	out, err := inv.reason(ctx, prompt, reasoning.Options{Cwd: task.WorktreePath, Tools: implementationTools})
	if err != nil {
		return inv.failf(ctx, "implementation of task %s failed: %v", task.ID, err)
	}

	return inv.complete(ctx, fmt.Sprintf("implemented task %s on %s", task.ID, task.BranchName), out, EnqueuedAction{
		ActionType: models.ActionCommit,
		Summary:    "commit " + title,
		Meta: models.Meta{
			models.MetaSourceActionID: pending.ActionID,
			models.MetaTaskID:         task.ID,
			models.MetaBranchName:     task.BranchName,
			models.MetaTaskTitle:      title,
		},
	})
}
