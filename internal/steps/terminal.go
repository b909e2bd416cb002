package steps

import (
	"context"
	"fmt"

	"github.com/endorhq/rover-sub004/internal/models"
)

// Notify reports a chain's outcome, commenting on the originating issue or
// pull request when possible.
type Notify struct{}

func (Notify) Config() Config {
	return Config{ActionType: models.ActionNotify, MaxParallel: 1, DedupBy: DedupByChain}
}

func (Notify) Dependencies() []Dependency { return nil }

func (Notify) Process(ctx context.Context, pending models.PendingAction, sc *Context) (*Result, error) {
	inv, err := begin(ctx, sc, pending, nil)
	if err != nil {
		return nil, err
	}

	message := notificationMessage(pending.Meta)

	ev, err := inv.event(ctx)
	if err == nil && sc.PullRequests != nil && ev.Number > 0 && ev.Owner != "" && ev.Repo != "" {
		if err := sc.PullRequests.Comment(ctx, ev.Owner, ev.Repo, ev.Number, message); err != nil {
			return inv.failf(ctx, "post notification: %v", err)
		}
		return inv.complete(ctx, fmt.Sprintf("commented on %s/%s#%d", ev.Owner, ev.Repo, ev.Number), message)
	}
	return inv.complete(ctx, "outcome recorded", message)
}

func notificationMessage(meta models.Meta) string {
	summary := meta.String("summary")
	url := meta.String(models.MetaPullRequestURL)
	switch {
	case url != "" && summary != "":
		return fmt.Sprintf("%s\n\nPull request: %s", summary, url)
	case url != "":
		return "Pull request: " + url
	case summary != "":
		return summary
	}
	return "Automation finished."
}

// Noop ends a chain that needs no action, recording why.
type Noop struct{}

func (Noop) Config() Config {
	return Config{ActionType: models.ActionNoop, MaxParallel: 4}
}

func (Noop) Dependencies() []Dependency { return nil }

func (Noop) Process(ctx context.Context, pending models.PendingAction, sc *Context) (*Result, error) {
	inv, err := begin(ctx, sc, pending, nil)
	if err != nil {
		return nil, err
	}
	reasoning := pending.Meta.String("reasoning")
	if reasoning == "" {
		reasoning = pending.Summary
	}
	return inv.complete(ctx, "no action taken", reasoning)
}
