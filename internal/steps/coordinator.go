package steps

import (
	"context"
	"fmt"

	"github.com/endorhq/rover-sub004/internal/models"
	"github.com/endorhq/rover-sub004/internal/reasoning"
)

// Coordinator triages the event that started a chain and decides whether
// it needs planning.
type Coordinator struct{}

func (Coordinator) Config() Config {
	return Config{ActionType: models.ActionCoordinate, MaxParallel: 2, DedupBy: DedupByChain}
}

func (Coordinator) Dependencies() []Dependency {
	return []Dependency{DepReasoner}
}

type coordinatorDecision struct {
	Action    string `json:"action"`
	Summary   string `json:"summary"`
	Reasoning string `json:"reasoning"`
}

const coordinatorSystemPrompt = `You triage repository events for an automation pipeline.
Answer with a single JSON object: {"action": "plan" | "noop", "summary": "...", "reasoning": "..."}.
Choose "plan" only when the event asks for a code change this repository should make.`

func (Coordinator) Process(ctx context.Context, pending models.PendingAction, sc *Context) (*Result, error) {
	ev, evErr := recoverEvent(ctx, sc, pending)

	meta := models.Meta{}
	if evErr == nil {
		meta[models.MetaEvent] = ev.Meta()
	}
	inv, err := begin(ctx, sc, pending, meta)
	if err != nil {
		return nil, err
	}
	if evErr != nil {
		return inv.failf(ctx, "cannot triage: %v", evErr)
	}

	prompt := fmt.Sprintf("Decide how to handle this event.\n\n%s", describeEvent(ev))
	var d coordinatorDecision
	if err := inv.reasonJSON(ctx, prompt, reasoning.Options{SystemPrompt: coordinatorSystemPrompt}, &d); err != nil {
		return inv.failf(ctx, "coordinator reasoning failed: %v", err)
	}

	summary := d.Summary
	if summary == "" {
		summary = pending.Summary
	}
	switch models.ActionType(d.Action) {
	case models.ActionPlan:
		return inv.complete(ctx, "event needs planning", d.Reasoning, EnqueuedAction{
			ActionType: models.ActionPlan,
			Summary:    summary,
		})
	case models.ActionNoop:
		return inv.complete(ctx, "no action needed", d.Reasoning, EnqueuedAction{
			ActionType: models.ActionNoop,
			Summary:    summary,
			Meta:       models.Meta{"reasoning": d.Reasoning},
		})
	default:
		return inv.failf(ctx, "coordinator returned unknown action %q", d.Action)
	}
}
