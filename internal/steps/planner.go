package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/endorhq/rover-sub004/internal/models"
	"github.com/endorhq/rover-sub004/internal/reasoning"
)

// Planner splits a triaged event into independent tasks, forking one trace
// per task.
type Planner struct{}

func (Planner) Config() Config {
	return Config{ActionType: models.ActionPlan, MaxParallel: 2, DedupBy: DedupByChain}
}

func (Planner) Dependencies() []Dependency {
	return []Dependency{DepReasoner}
}

type plannedTask struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type plan struct {
	Tasks     []plannedTask `json:"tasks"`
	Reasoning string        `json:"reasoning"`
}

func (Planner) Process(ctx context.Context, pending models.PendingAction, sc *Context) (*Result, error) {
	inv, err := begin(ctx, sc, pending, nil)
	if err != nil {
		return nil, err
	}
	ev, err := inv.event(ctx)
	if err != nil {
		return inv.failf(ctx, "cannot plan: %v", err)
	}

	limit := sc.maxPlannedTasks()
	var b strings.Builder
	fmt.Fprintf(&b, "Break the following request into at most %d independent implementation tasks.\n", limit)
	b.WriteString("Each task must be completable on its own branch.\n")
	b.WriteString(`Answer with JSON: {"tasks": [{"title": "...", "description": "..."}], "reasoning": "..."}.`)
	fmt.Fprintf(&b, "\n\nTriage summary: %s\n\n%s", pending.Summary, describeEvent(ev))

	var p plan
	if err := inv.reasonJSON(ctx, b.String(), reasoning.Options{}, &p); err != nil {
		return inv.failf(ctx, "planner reasoning failed: %v", err)
	}

	var next []EnqueuedAction
	for _, task := range p.Tasks {
		if strings.TrimSpace(task.Title) == "" {
			continue
		}
		if len(next) == limit {
			break
		}
		next = append(next, EnqueuedAction{
			ActionType: models.ActionWorkflow,
			Summary:    task.Title,
			TraceID:    uuid.New().String(),
			Meta: models.Meta{
				models.MetaTaskTitle:       task.Title,
				models.MetaTaskDescription: task.Description,
			},
		})
	}

	if len(next) == 0 {
		return inv.complete(ctx, "nothing to implement", p.Reasoning, EnqueuedAction{
			ActionType: models.ActionNoop,
			Summary:    "planner produced no tasks",
			Meta:       models.Meta{"reasoning": p.Reasoning},
		})
	}
	return inv.complete(ctx, fmt.Sprintf("planned %d task(s)", len(next)), p.Reasoning, next...)
}
