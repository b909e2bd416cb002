// Package audit writes the append-only span and action records that form a
// pipeline trace tree.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/endorhq/rover-sub004/internal/models"
	"github.com/endorhq/rover-sub004/internal/store"
)

// SpanWriter records the start and outcome of step invocations.
type SpanWriter struct {
	store *store.Store
	now   func() time.Time
}

// NewSpanWriter creates a new span writer.
func NewSpanWriter(s *store.Store) *SpanWriter {
	return &SpanWriter{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// Start opens a running span. An empty parentID makes it a root span.
func (w *SpanWriter) Start(ctx context.Context, step models.ActionType, parentID string, meta models.Meta) (*models.Span, error) {
	span := &models.Span{
		ID:        uuid.New().String(),
		Step:      step,
		ParentID:  parentID,
		Meta:      meta,
		Status:    models.SpanStatusRunning,
		StartedAt: w.now(),
	}
	if err := w.store.WriteSpan(ctx, span); err != nil {
		return nil, err
	}
	return span, nil
}

// Complete closes span successfully. Non-nil meta is merged into the span meta.
func (w *SpanWriter) Complete(ctx context.Context, span *models.Span, summary string, meta models.Meta) error {
	return w.finish(ctx, span, models.SpanStatusCompleted, summary, meta)
}

// Fail closes span as a step-level failure.
func (w *SpanWriter) Fail(ctx context.Context, span *models.Span, reason string) error {
	return w.finish(ctx, span, models.SpanStatusFailed, reason, models.Meta{models.MetaError: reason})
}

// Error closes span as an unexpected error caught outside the step.
func (w *SpanWriter) Error(ctx context.Context, span *models.Span, reason string) error {
	return w.finish(ctx, span, models.SpanStatusError, reason, models.Meta{models.MetaError: reason})
}

func (w *SpanWriter) finish(ctx context.Context, span *models.Span, status models.SpanStatus, summary string, meta models.Meta) error {
	if len(meta) > 0 {
		merged := span.Meta.Clone()
		for k, v := range meta {
			merged[k] = v
		}
		span.Meta = merged
	}
	done := w.now()
	span.Status = status
	span.Summary = summary
	span.CompletedAt = &done
	return w.store.FinishSpan(ctx, span)
}
