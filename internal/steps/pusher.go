package steps

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/endorhq/rover-sub004/internal/models"
	"github.com/endorhq/rover-sub004/internal/reasoning"
	"github.com/endorhq/rover-sub004/internal/scm"
)

// NoBranchesReason is the reasoning reported when a trace produced nothing to push.
const NoBranchesReason = "no branches found to push"

// Pusher pushes every branch a trace produced and opens or updates the pull
// request. It ends the chain, optionally through a notify action.
type Pusher struct{}

func (Pusher) Config() Config {
	return Config{ActionType: models.ActionPush, MaxParallel: 2, DedupBy: DedupByTrace}
}

func (Pusher) Dependencies() []Dependency {
	return []Dependency{DepOwnerRepo, DepReasoner}
}

type pushOutcome struct {
	Pushed            bool   `json:"pushed"`
	PullRequestURL    string `json:"pullRequestUrl"`
	PullRequestNumber int    `json:"pullRequestNumber"`
	Summary           string `json:"summary"`
}

func (Pusher) Process(ctx context.Context, pending models.PendingAction, sc *Context) (*Result, error) {
	inv, err := begin(ctx, sc, pending, nil)
	if err != nil {
		return nil, err
	}

	branches, err := collectBranches(ctx, sc, pending)
	if err != nil {
		return inv.abort(ctx, fmt.Errorf("collect branches: %w", err))
	}
	if len(branches) == 0 {
		return inv.fail(ctx, NoBranchesReason)
	}

	existing := make(map[string]*scm.PullRequest)
	if sc.PullRequests != nil {
		for _, branch := range branches {
			pr, err := sc.PullRequests.FindPullRequest(ctx, sc.Owner, sc.Repo, branch)
			if err != nil {
				sc.logger().Warn(ctx, "pull request lookup failed", zap.String("branch", branch), zap.Error(err))
				continue
			}
			if pr != nil {
				existing[branch] = pr
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Push the following branches of %s/%s to origin and make sure each has a pull request against the default branch.\n\n", sc.Owner, sc.Repo)
	var open *scm.PullRequest
	for _, branch := range branches {
		pr := existing[branch]
		if pr == nil {
			fmt.Fprintf(&b, "- %s (no pull request yet)\n", branch)
			continue
		}
		fmt.Fprintf(&b, "- %s (existing pull request #%d: %s, state %s)\n", branch, pr.Number, pr.URL, pr.State)
		if pr.State == scm.StateOpen && open == nil {
			open = pr
		}
	}
	if open != nil {
		fmt.Fprintf(&b, "\nPull request #%d is already open; push the new commits to it instead of opening another.\n", open.Number)
	}
	b.WriteString(`
Answer with JSON: {"pushed": true|false, "pullRequestUrl": "...", "pullRequestNumber": 0, "summary": "..."}.`)

	cwd := ""
	if sc.Projects != nil {
		if task, ok := sc.Projects.GetTask(pending.Meta.String(models.MetaTaskID)); ok {
			cwd = task.WorktreePath
		}
	}

	var out pushOutcome
	if err := inv.reasonJSON(ctx, b.String(), reasoning.Options{Cwd: cwd, Tools: []string{"Bash"}}, &out); err != nil {
		return inv.failf(ctx, "push reasoning failed: %v", err)
	}
	if !out.Pushed {
		reason := out.Summary
		if reason == "" {
			reason = "reasoner reported the push did not happen"
		}
		return inv.fail(ctx, reason)
	}

	url, number := out.PullRequestURL, out.PullRequestNumber
	if open != nil {
		url, number = open.URL, open.Number
	}
	summary := out.Summary
	if summary == "" {
		summary = "pushed " + strings.Join(branches, ", ")
	}

	meta := models.Meta{
		models.MetaOutcome:    "pushed",
		models.MetaBranchName: strings.Join(branches, ","),
		"summary":             summary,
	}
	if url != "" {
		meta[models.MetaPullRequestURL] = url
	}
	if number > 0 {
		meta[models.MetaPullRequestNumber] = number
	}

	return inv.complete(ctx, summary, summary, EnqueuedAction{
		ActionType: models.ActionNotify,
		Summary:    "notify: " + summary,
		Meta:       meta,
	})
}

// collectBranches resolves the branches touched by a trace through the task
// mappings of its workflow and commit steps and of the source action.
func collectBranches(ctx context.Context, sc *Context, pending models.PendingAction) ([]string, error) {
	var ids []string
	trace, err := sc.Store.GetTrace(ctx, pending.TraceID)
	if err != nil {
		return nil, err
	}
	if trace != nil {
		for _, s := range trace.Steps {
			if s.Action == models.ActionWorkflow || s.Action == models.ActionCommit {
				ids = append(ids, s.ActionID)
			}
		}
	}
	if src := pending.Meta.String(models.MetaSourceActionID); src != "" {
		ids = append(ids, src)
	}

	var branches []string
	seen := make(map[string]bool)
	for _, id := range ids {
		m, err := sc.Store.GetTaskMapping(ctx, id)
		if err != nil {
			return nil, err
		}
		if m == nil || seen[m.BranchName] {
			continue
		}
		seen[m.BranchName] = true
		branches = append(branches, m.BranchName)
	}
	return branches, nil
}
