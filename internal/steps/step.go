// Package steps defines the Step abstraction the orchestrator dispatches
// pending actions to, and the concrete step for every action type.
package steps

import (
	"context"
	"errors"
	"fmt"

	"github.com/endorhq/rover-sub004/internal/models"
)

// ErrDuplicateStep is returned when two steps register the same action type.
var ErrDuplicateStep = errors.New("step already registered")

// DedupKey extracts the key that at most one in-flight invocation may hold.
type DedupKey func(models.PendingAction) string

// DedupByTrace allows one in-flight invocation per trace.
func DedupByTrace(pa models.PendingAction) string { return pa.TraceID }

// DedupByChain allows one in-flight invocation per chain.
func DedupByChain(pa models.PendingAction) string { return pa.ChainID }

// Config is a step's scheduling policy.
type Config struct {
	ActionType  models.ActionType
	MaxParallel int
	// DedupBy is nil when invocations never exclude each other.
	DedupBy DedupKey
}

// Dependency names a collaborator a step needs from its Context.
type Dependency string

const (
	DepProjectManager Dependency = "project manager"
	DepOwnerRepo      Dependency = "owner/repo"
	DepReasoner       Dependency = "reasoner"
	DepSourceControl  Dependency = "source control"
	DepRunner         Dependency = "runner"
)

// Status is the outcome of one invocation.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
)

// EnqueuedAction is a follow-up action returned by a step. An empty TraceID
// continues the consumed action's trace; a new one forks a trace.
type EnqueuedAction struct {
	ActionID   string            `json:"actionId"`
	ActionType models.ActionType `json:"actionType"`
	Summary    string            `json:"summary"`
	TraceID    string            `json:"traceId,omitempty"`
	Meta       models.Meta       `json:"meta,omitempty"`
}

// Result is what a step reports back after processing a pending action.
type Result struct {
	SpanID    string           `json:"spanId"`
	Terminal  bool             `json:"terminal"`
	Enqueued  []EnqueuedAction `json:"enqueuedActions"`
	Reasoning string           `json:"reasoning"`
	Status    Status           `json:"status"`
}

// Step handles the pending actions of one action type. Process records its
// own span and returns the exact set of follow-up actions; collaborator
// failures are reported as a failed Result, not as an error.
type Step interface {
	Config() Config
	Dependencies() []Dependency
	Process(ctx context.Context, pending models.PendingAction, sc *Context) (*Result, error)
}

// Registry maps action types to steps.
type Registry struct {
	steps map[models.ActionType]Step
	order []models.ActionType
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[models.ActionType]Step)}
}

// Register adds s under its configured action type.
func (r *Registry) Register(s Step) error {
	t := s.Config().ActionType
	if _, ok := r.steps[t]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStep, t)
	}
	r.steps[t] = s
	r.order = append(r.order, t)
	return nil
}

// Lookup returns the step for t.
func (r *Registry) Lookup(t models.ActionType) (Step, bool) {
	s, ok := r.steps[t]
	return s, ok
}

// Types lists registered action types in registration order.
func (r *Registry) Types() []models.ActionType {
	return append([]models.ActionType(nil), r.order...)
}

// Default returns a registry holding every built-in step.
func Default() *Registry {
	r := NewRegistry()
	for _, s := range []Step{
		Coordinator{},
		Planner{},
		Workflow{},
		Committer{},
		Resolver{},
		Pusher{},
		Notify{},
		Noop{},
	} {
		// built-in action types are distinct
		_ = r.Register(s)
	}
	return r
}
