package logging

import (
	"context"

	"go.uber.org/zap"
)

type actionCtxKey struct{}

type actionRef struct {
	chainID  string
	traceID  string
	actionID string
}

// WithAction tags ctx with the identifiers of the pending action being processed.
func WithAction(ctx context.Context, chainID, traceID, actionID string) context.Context {
	return context.WithValue(ctx, actionCtxKey{}, actionRef{chainID: chainID, traceID: traceID, actionID: actionID})
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	ref, ok := ctx.Value(actionCtxKey{}).(actionRef)
	if !ok {
		return nil
	}
	fields := make([]zap.Field, 0, 3)
	if ref.chainID != "" {
		fields = append(fields, zap.String("chain_id", ref.chainID))
	}
	if ref.traceID != "" {
		fields = append(fields, zap.String("trace_id", ref.traceID))
	}
	if ref.actionID != "" {
		fields = append(fields, zap.String("action_id", ref.actionID))
	}
	return fields
}
