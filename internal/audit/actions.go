package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/endorhq/rover-sub004/internal/models"
	"github.com/endorhq/rover-sub004/internal/store"
)

// ActionWriter records the decisions steps take.
type ActionWriter struct {
	store *store.Store
	now   func() time.Time
}

// NewActionWriter creates a new action writer.
func NewActionWriter(s *store.Store) *ActionWriter {
	return &ActionWriter{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// Record writes an action record for a decision taken inside spanID.
func (w *ActionWriter) Record(ctx context.Context, action models.ActionType, traceID, spanID string, meta models.Meta, reasoning string) (*models.Action, error) {
	a := &models.Action{
		ID:        uuid.New().String(),
		Action:    action,
		Timestamp: w.now(),
		TraceID:   traceID,
		SpanID:    spanID,
		Meta:      meta,
		Reasoning: reasoning,
		InputsHash: hashInputs(map[string]any{
			"action":  action,
			"traceId": traceID,
			"meta":    meta,
		}),
	}
	if err := w.store.WriteAction(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
