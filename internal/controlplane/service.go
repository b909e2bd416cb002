// Package controlplane provides the HTTP API and service layer of the
// automation daemon.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/endorhq/rover-sub004/internal/events"
	"github.com/endorhq/rover-sub004/internal/logging"
	"github.com/endorhq/rover-sub004/internal/models"
	"github.com/endorhq/rover-sub004/internal/orchestrator"
	"github.com/endorhq/rover-sub004/internal/store"
)

// Version is reported by the health endpoint. Set at build time.
var Version = "dev"

// PendingView is a queued action with its dispatch state.
type PendingView struct {
	models.PendingAction
	InFlight bool `json:"inFlight"`
}

// TraceSummary is the list view of a trace.
type TraceSummary struct {
	ID        string            `json:"id"`
	Summary   string            `json:"summary"`
	Status    models.StepStatus `json:"status"`
	Steps     int               `json:"steps"`
	LastStep  models.ActionType `json:"lastStep,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Service provides the control plane business logic.
type Service struct {
	store  *store.Store
	orch   *orchestrator.Orchestrator
	logger *logging.Logger
}

// NewService creates a new control plane service.
func NewService(s *store.Store, o *orchestrator.Orchestrator, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{store: s, orch: o, logger: logger}
}

// --- Event Operations ---

// SubmitEvent validates e and starts a new chain for it.
func (s *Service) SubmitEvent(ctx context.Context, e *events.Event) (models.PendingAction, error) {
	if err := e.Validate(); err != nil {
		return models.PendingAction{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	pa, err := s.orch.Enqueue(ctx, events.NewChain(e))
	if err != nil {
		return models.PendingAction{}, err
	}
	s.logger.Info(ctx, "chain started",
		zap.String("chain_id", pa.ChainID),
		zap.String("event", e.Summary()),
		zap.String("source", e.Source),
	)
	return pa, nil
}

// Submit adapts SubmitEvent to the inbox callback.
func (s *Service) Submit(ctx context.Context, e *events.Event) error {
	_, err := s.SubmitEvent(ctx, e)
	return err
}

// --- Queue Operations ---

// ListPending returns the queue in creation order.
func (s *Service) ListPending(ctx context.Context) ([]PendingView, error) {
	pending, err := s.store.GetPending(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PendingView, 0, len(pending))
	for _, pa := range pending {
		out = append(out, PendingView{PendingAction: pa, InFlight: s.orch.InFlight(pa.ActionID)})
	}
	return out, nil
}

// RemovePending drops a queued action.
func (s *Service) RemovePending(ctx context.Context, actionID string) error {
	err := s.orch.Remove(ctx, actionID)
	if errors.Is(err, orchestrator.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Drain asks the orchestrator to tick now.
func (s *Service) Drain() {
	s.orch.RequestDrain()
}

// Steps returns the state of every step type.
func (s *Service) Steps() []orchestrator.StepState {
	return s.orch.States()
}

// --- Trace Operations ---

// ListTraces returns trace summaries, newest first.
func (s *Service) ListTraces() []TraceSummary {
	traces := s.orch.Traces()
	out := make([]TraceSummary, 0, len(traces))
	for _, t := range traces {
		ts := TraceSummary{
			ID:        t.ID,
			Summary:   t.Summary,
			Status:    t.Status(),
			Steps:     len(t.Steps),
			CreatedAt: t.CreatedAt,
		}
		if last := t.LastStep(); last != nil {
			ts.LastStep = last.Action
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// GetTrace returns one trace.
func (s *Service) GetTrace(id string) (*models.ActionTrace, error) {
	trace, ok := s.orch.Traces()[id]
	if !ok {
		return nil, ErrNotFound
	}
	return trace, nil
}

// TraceActions returns the audit records of a trace.
func (s *Service) TraceActions(ctx context.Context, traceID string) ([]models.Action, error) {
	if _, err := s.GetTrace(traceID); err != nil {
		return nil, err
	}
	return s.store.ListActions(ctx, traceID)
}

// SpanPath returns the spans from the chain root to spanID.
func (s *Service) SpanPath(ctx context.Context, spanID string) ([]models.Span, error) {
	path, err := s.store.GetSpanTrace(ctx, spanID)
	if err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return nil, ErrNotFound
	}
	return path, nil
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
