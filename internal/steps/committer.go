package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/endorhq/rover-sub004/internal/models"
	"github.com/endorhq/rover-sub004/internal/reasoning"
)

// Committer commits a task's changes, merges the main branch in and routes
// to conflict resolution or pushing.
type Committer struct{}

func (Committer) Config() Config {
	return Config{ActionType: models.ActionCommit, MaxParallel: 3, DedupBy: DedupByTrace}
}

func (Committer) Dependencies() []Dependency {
	return []Dependency{DepProjectManager, DepRunner, DepReasoner, DepSourceControl}
}

type commitMessage struct {
	Message string `json:"message"`
}

func (Committer) Process(ctx context.Context, pending models.PendingAction, sc *Context) (*Result, error) {
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

	status, err := inv.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return inv.failf(ctx, "git status: %v", err)
	}
	if strings.TrimSpace(status) == "" {
		return inv.fail(ctx, "no changes to commit")
	}

	if _, err := inv.git(ctx, dir, "add", "-A"); err != nil {
		return inv.failf(ctx, "git add: %v", err)
	}
	stat, err := inv.git(ctx, dir, "diff", "--cached", "--stat")
	if err != nil {
		return inv.failf(ctx, "git diff: %v", err)
	}

	prompt := fmt.Sprintf("Write a conventional commit message for these staged changes.\n"+
		`Answer with JSON: {"message": "..."}.`+"\n\nTask: %s\n\n%s", task.Title, stat)
	var msg commitMessage
	if err := inv.reasonJSON(ctx, prompt, reasoning.Options{Cwd: dir}, &msg); err != nil {
		return inv.failf(ctx, "commit message generation failed: %v", err)
	}
	if strings.TrimSpace(msg.Message) == "" {
		return inv.fail(ctx, "commit message generation failed: empty message")
	}

	if _, err := inv.git(ctx, dir, "commit", "-m", msg.Message); err != nil {
		return inv.failf(ctx, "git commit: %v", err)
	}

	mainBranch, err := sc.SCM.MainBranch()
	if err != nil {
		return inv.failf(ctx, "resolve main branch: %v", err)
	}

	meta := inv.carry(models.Meta{}, models.MetaSourceActionID, models.MetaTaskID, models.MetaBranchName, models.MetaTaskTitle)

	if _, mergeErr := inv.git(ctx, dir, "merge", "--no-edit", mainBranch); mergeErr != nil {
		out, err := inv.git(ctx, dir, "diff", "--name-only", "--diff-filter=U")
		conflicts := splitLines(out)
		if err != nil || len(conflicts) == 0 {
			return inv.failf(ctx, "merge %s: %v", mainBranch, mergeErr)
		}
		meta[models.MetaConflictFiles] = conflicts
		return inv.complete(ctx, fmt.Sprintf("committed; %d conflict(s) merging %s", len(conflicts), mainBranch), msg.Message, EnqueuedAction{
			ActionType: models.ActionResolve,
			Summary:    "resolve conflicts with " + mainBranch,
			Meta:       meta,
		})
	}

	return inv.complete(ctx, "committed: "+firstLine(msg.Message), msg.Message, EnqueuedAction{
		ActionType: models.ActionPush,
		Summary:    "push " + task.BranchName,
		Meta:       meta,
	})
}

func taskMeta(pending models.PendingAction) models.Meta {
	return models.Meta{models.MetaTaskID: pending.Meta.String(models.MetaTaskID)}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
