package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/endorhq/rover-sub004/internal/events"
	"github.com/endorhq/rover-sub004/internal/models"
	"github.com/endorhq/rover-sub004/internal/reasoning"
)

var errNoEvent = errors.New("no originating event found")

// invocation is one Process call with its open span.
type invocation struct {
	sc      *Context
	pending models.PendingAction
	span    *models.Span
}

// begin opens the span for pending, parented on the span that enqueued it.
func begin(ctx context.Context, sc *Context, pending models.PendingAction, meta models.Meta) (*invocation, error) {
	m := meta.Clone()
	m["actionId"] = pending.ActionID
	m["traceId"] = pending.TraceID
	m["chainId"] = pending.ChainID

	span, err := sc.Spans.Start(ctx, pending.Action, pending.Meta.String(models.MetaSpanID), m)
	if err != nil {
		return nil, fmt.Errorf("start %s span: %w", pending.Action, err)
	}
	return &invocation{sc: sc, pending: pending, span: span}, nil
}

// fail closes the span as failed and ends the chain.
func (inv *invocation) fail(ctx context.Context, reason string) (*Result, error) {
	inv.sc.logger().Warn(ctx, "step failed",
		zap.String("step", string(inv.pending.Action)),
		zap.String("reason", reason),
	)
	if err := inv.sc.Spans.Fail(ctx, inv.span, reason); err != nil {
		return nil, err
	}
	meta := models.Meta{models.MetaOutcome: string(StatusFailed)}
	if _, err := inv.sc.Actions.Record(ctx, inv.pending.Action, inv.pending.TraceID, inv.span.ID, meta, reason); err != nil {
		return inv.abort(ctx, fmt.Errorf("record action: %w", err))
	}
	return &Result{
		SpanID:    inv.span.ID,
		Terminal:  true,
		Reasoning: reason,
		Status:    StatusFailed,
	}, nil
}

// abort closes a still running span as errored after an unexpected failure,
// such as a store error, and ends the chain. The span the step opened is the
// one that records the error.
func (inv *invocation) abort(ctx context.Context, cause error) (*Result, error) {
	reason := cause.Error()
	inv.sc.logger().Error(ctx, "step aborted",
		zap.String("step", string(inv.pending.Action)),
		zap.Error(cause),
	)
	if inv.span.Status == models.SpanStatusRunning {
		if err := inv.sc.Spans.Error(ctx, inv.span, reason); err != nil {
			return nil, fmt.Errorf("%w (closing span: %v)", cause, err)
		}
	}
	return &Result{
		SpanID:    inv.span.ID,
		Terminal:  true,
		Reasoning: reason,
		Status:    StatusError,
	}, nil
}

func (inv *invocation) failf(ctx context.Context, format string, args ...any) (*Result, error) {
	return inv.fail(ctx, fmt.Sprintf(format, args...))
}

// complete closes the span successfully and records one action per
// follow-up, or one for the step itself when the chain ends here.
func (inv *invocation) complete(ctx context.Context, summary, reasoning string, next ...EnqueuedAction) (*Result, error) {
	ids := make([]string, 0, len(next))
	for i := range next {
		if next[i].ActionID == "" {
			next[i].ActionID = uuid.New().String()
		}
		ids = append(ids, next[i].ActionID)
	}

	spanMeta := models.Meta{models.MetaOutcome: string(StatusCompleted)}
	if len(ids) > 0 {
		spanMeta["enqueued"] = ids
	}
	if err := inv.sc.Spans.Complete(ctx, inv.span, summary, spanMeta); err != nil {
		return nil, err
	}

	if len(next) == 0 {
		if _, err := inv.sc.Actions.Record(ctx, inv.pending.Action, inv.pending.TraceID, inv.span.ID, spanMeta, reasoning); err != nil {
			return inv.abort(ctx, fmt.Errorf("record action: %w", err))
		}
	}
	for _, ea := range next {
		traceID := ea.TraceID
		if traceID == "" {
			traceID = inv.pending.TraceID
		}
		meta := ea.Meta.Clone()
		meta["actionId"] = ea.ActionID
		meta["summary"] = ea.Summary
		if _, err := inv.sc.Actions.Record(ctx, ea.ActionType, traceID, inv.span.ID, meta, reasoning); err != nil {
			return inv.abort(ctx, fmt.Errorf("record action: %w", err))
		}
	}

	return &Result{
		SpanID:    inv.span.ID,
		Terminal:  len(next) == 0,
		Enqueued:  next,
		Reasoning: reasoning,
		Status:    StatusCompleted,
	}, nil
}

// reason invokes the reasoner, logging the exchange in verbose mode.
func (inv *invocation) reason(ctx context.Context, prompt string, opts reasoning.Options) (string, error) {
	log := inv.sc.logger()
	step := zap.String("step", string(inv.pending.Action))
	if inv.sc.Verbose {
		log.Debug(ctx, "reasoner prompt", step, zap.String("prompt", prompt))
	}
	out, err := inv.sc.Reasoner.Invoke(ctx, prompt, opts)
	if err != nil {
		return "", err
	}
	if inv.sc.Verbose {
		log.Debug(ctx, "reasoner output", step, zap.String("output", out))
	}
	return out, nil
}

// reasonJSON invokes the reasoner in JSON mode and decodes the answer into v.
func (inv *invocation) reasonJSON(ctx context.Context, prompt string, opts reasoning.Options, v any) error {
	opts.JSON = true
	out, err := inv.reason(ctx, prompt, opts)
	if err != nil {
		return err
	}
	return reasoning.ParseJSON(out, v)
}

func (inv *invocation) event(ctx context.Context) (*events.Event, error) {
	return recoverEvent(ctx, inv.sc, inv.pending)
}

// recoverEvent finds the event that started the chain, in the pending meta
// or at the root of the span path.
func recoverEvent(ctx context.Context, sc *Context, pending models.PendingAction) (*events.Event, error) {
	if v, ok := pending.Meta[models.MetaEvent]; ok {
		return events.FromMeta(v)
	}
	path, err := sc.Store.GetSpanTrace(ctx, pending.Meta.String(models.MetaSpanID))
	if err != nil {
		return nil, err
	}
	for _, span := range path {
		if v, ok := span.Meta[models.MetaEvent]; ok {
			return events.FromMeta(v)
		}
	}
	return nil, errNoEvent
}

// git runs a git subcommand through the runner and fails on non-zero exit.
func (inv *invocation) git(ctx context.Context, dir string, args ...string) (string, error) {
	res, err := inv.sc.Runner.Execute(ctx, dir, "git", args)
	if err != nil {
		return "", err
	}
	if err := res.Err(); err != nil {
		return res.Stdout, err
	}
	return res.Stdout, nil
}

// carry copies the listed keys from the pending meta into m.
func (inv *invocation) carry(m models.Meta, keys ...string) models.Meta {
	for _, k := range keys {
		if v, ok := inv.pending.Meta[k]; ok {
			m[k] = v
		}
	}
	return m
}

func describeEvent(e *events.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source: %s\nKind: %s\n", e.Source, e.Kind)
	if e.Owner != "" {
		fmt.Fprintf(&b, "Repository: %s/%s\n", e.Owner, e.Repo)
	}
	if e.Number > 0 {
		fmt.Fprintf(&b, "Number: #%d\n", e.Number)
	}
	if e.Ref != "" {
		fmt.Fprintf(&b, "Ref: %s\n", e.Ref)
	}
	if e.Sender != "" {
		fmt.Fprintf(&b, "Author: %s\n", e.Sender)
	}
	fmt.Fprintf(&b, "Title: %s\n", e.Title)
	if e.Body != "" {
		fmt.Fprintf(&b, "\n%s\n", e.Body)
	}
	return b.String()
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
