// Package orchestrator drains the pending-action queue, dispatching each
// action to the step registered for its type under the step's dedup and
// concurrency policy.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/endorhq/rover-sub004/internal/audit"
	"github.com/endorhq/rover-sub004/internal/logging"
	"github.com/endorhq/rover-sub004/internal/models"
	"github.com/endorhq/rover-sub004/internal/steps"
	"github.com/endorhq/rover-sub004/internal/store"
)

var (
	// ErrNotFound is returned when a pending action does not exist.
	ErrNotFound = errors.New("pending action not found")
	// ErrInFlight is returned when removing an action that is being processed.
	ErrInFlight = errors.New("pending action is being processed")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("orchestrator already started")
)

// Reasonings recorded on trace steps the orchestrator closes itself.
const (
	reasonInterrupted = "interrupted: the process stopped while this step was running"
	reasonOrphaned    = "orphaned: the pending action was lost before dispatch"
	reasonRemoved     = "removed by operator"
)

// Status is the state of one step type.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusError      Status = "error"
)

// StepState is the observable state of one step type.
type StepState struct {
	Action      models.ActionType `json:"action"`
	Status      Status            `json:"status"`
	Processed   int               `json:"processed"`
	Failed      int               `json:"failed"`
	InFlight    int               `json:"inFlight"`
	MaxParallel int               `json:"maxParallel"`
	LastError   string            `json:"lastError,omitempty"`
}

// TraceObserver receives a snapshot of all traces after every change.
type TraceObserver func(map[string]*models.ActionTrace)

// StatusObserver receives a step type's state after every transition.
type StatusObserver func(StepState)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// dispatch is one claimed pending action on its way to a worker.
type dispatch struct {
	step    steps.Step
	pending models.PendingAction
	key     string
}

// Orchestrator runs the scheduling loop.
type Orchestrator struct {
	store    *store.Store
	spans    *audit.SpanWriter
	registry *steps.Registry
	stepCtx  *steps.Context
	config   *Config
	logger   *logging.Logger
	metrics  *Metrics

	mu       sync.Mutex
	traces   map[string]*models.ActionTrace
	inflight map[string]models.ActionType
	keys     map[models.ActionType]map[string]bool
	running  map[models.ActionType]int
	total    int
	states   map[models.ActionType]*StepState
	warned   map[string]bool

	traceObservers  []TraceObserver
	statusObservers []StatusObserver

	drain    chan struct{}
	errs     chan error
	cancel   context.CancelFunc
	loopDone chan struct{}
	workers  sync.WaitGroup
}

// New creates an orchestrator over the given store and registry. Steps
// receive sc on every invocation.
func New(s *store.Store, registry *steps.Registry, sc *steps.Context, cfg *Config, opts ...Option) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if sc == nil {
		sc = &steps.Context{}
	}
	if sc.Store == nil {
		sc.Store = s
	}
	if sc.Spans == nil {
		sc.Spans = audit.NewSpanWriter(s)
	}
	if sc.Actions == nil {
		sc.Actions = audit.NewActionWriter(s)
	}

	o := &Orchestrator{
		store:    s,
		spans:    sc.Spans,
		registry: registry,
		stepCtx:  sc,
		config:   cfg,
		logger:   logging.Nop(),
		traces:   make(map[string]*models.ActionTrace),
		inflight: make(map[string]models.ActionType),
		keys:     make(map[models.ActionType]map[string]bool),
		running:  make(map[models.ActionType]int),
		states:   make(map[models.ActionType]*StepState),
		warned:   make(map[string]bool),
		drain:    make(chan struct{}, 1),
		errs:     make(chan error, 16),
	}
	for _, opt := range opts {
		opt(o)
	}
	for _, t := range registry.Types() {
		step, _ := registry.Lookup(t)
		o.states[t] = &StepState{
			Action:      t,
			Status:      StatusIdle,
			MaxParallel: cfg.StepLimit(t, step.Config().MaxParallel),
		}
	}
	return o
}

// OnTraces registers an observer for trace changes. Observers must be
// registered before Start and must not block.
func (o *Orchestrator) OnTraces(fn TraceObserver) {
	o.traceObservers = append(o.traceObservers, fn)
}

// OnStatus registers an observer for step state transitions.
func (o *Orchestrator) OnStatus(fn StatusObserver) {
	o.statusObservers = append(o.statusObservers, fn)
}

// Errors delivers persistence failures. The host should stop on them.
func (o *Orchestrator) Errors() <-chan error {
	return o.errs
}

// Start recovers interrupted traces and starts the scheduling loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.cancel != nil {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.mu.Unlock()

	if err := o.Recover(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.loopDone = make(chan struct{})
	o.mu.Unlock()

	go o.loop(loopCtx)
	o.logger.Info(ctx, "orchestrator started",
		zap.Duration("tick_interval", o.config.TickInterval),
		zap.Int("global_max", o.config.GlobalMax),
	)
	return nil
}

// Stop halts the scheduling loop and waits for in-flight invocations to
// finish. Their results are still persisted.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.loopDone
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	o.workers.Wait()
	o.logger.Info(context.Background(), "orchestrator stopped")
}

// RequestDrain asks the loop to tick immediately.
func (o *Orchestrator) RequestDrain() {
	select {
	case o.drain <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.loopDone)

	ticker := time.NewTicker(o.config.TickInterval)
	defer ticker.Stop()

	o.tickAndReport(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tickAndReport(ctx)
		case <-o.drain:
			o.tickAndReport(ctx)
		}
	}
}

func (o *Orchestrator) tickAndReport(ctx context.Context) {
	if _, err := o.Tick(ctx); err != nil && ctx.Err() == nil {
		o.report(ctx, err)
	}
}

func (o *Orchestrator) report(ctx context.Context, err error) {
	o.logger.Error(ctx, "orchestrator persistence failure", zap.Error(err))
	select {
	case o.errs <- err:
	default:
	}
}

// Recover loads the trace log and closes steps left open by a previous run:
// running steps were interrupted and pending steps without a queued action
// were lost. Neither is retried. Queued actions missing from the log get a
// pending step.
func (o *Orchestrator) Recover(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	traces, err := o.store.LoadTraces(ctx)
	if err != nil {
		return fmt.Errorf("load traces: %w", err)
	}
	pending, err := o.store.GetPending(ctx)
	if err != nil {
		return fmt.Errorf("read pending actions: %w", err)
	}
	queued := make(map[string]bool, len(pending))
	for _, pa := range pending {
		queued[pa.ActionID] = true
	}

	now := time.Now().UTC()
	recovered := 0
	for _, trace := range traces {
		for i := range trace.Steps {
			step := &trace.Steps[i]
			switch {
			case step.Status == models.StepStatusRunning:
				step.Status, step.Reasoning = models.StepStatusFailed, reasonInterrupted
			case step.Status == models.StepStatusPending && !queued[step.ActionID]:
				step.Status, step.Reasoning = models.StepStatusFailed, reasonOrphaned
			default:
				continue
			}
			step.Timestamp = now
			recovered++
		}
	}
	o.traces = traces
	for _, pa := range pending {
		if t := o.traces[pa.TraceID]; t == nil || t.FindStep(pa.ActionID) == nil {
			o.markStep(pa, models.StepStatusPending, "")
		}
	}

	if err := o.store.SaveTraces(ctx, o.traces); err != nil {
		return fmt.Errorf("save traces: %w", err)
	}
	if recovered > 0 {
		o.logger.Warn(ctx, "closed interrupted trace steps", zap.Int("count", recovered))
	}
	return nil
}

// Tick runs one scheduling pass and returns the number of actions
// dispatched. Invocations run in the background; use Wait to join them.
func (o *Orchestrator) Tick(ctx context.Context) (int, error) {
	o.mu.Lock()

	pending, err := o.store.GetPending(ctx)
	if err != nil {
		o.mu.Unlock()
		return 0, fmt.Errorf("read pending actions: %w", err)
	}
	o.metrics.setPending(len(pending))

	groups := make(map[models.ActionType][]models.PendingAction)
	for _, pa := range pending {
		if _, busy := o.inflight[pa.ActionID]; busy {
			continue
		}
		if _, ok := o.registry.Lookup(pa.Action); !ok {
			if !o.warned[pa.ActionID] {
				o.warned[pa.ActionID] = true
				o.logger.Warn(ctx, "no step registered for action type",
					zap.String("action", string(pa.Action)),
					zap.String("action_id", pa.ActionID),
				)
			}
			continue
		}
		groups[pa.Action] = append(groups[pa.Action], pa)
	}

	var batch []dispatch
	var changed []StepState
scan:
	for _, t := range o.registry.Types() {
		group := groups[t]
		if len(group) == 0 {
			continue
		}
		step, _ := o.registry.Lookup(t)
		cfg := step.Config()
		limit := o.config.StepLimit(t, cfg.MaxParallel)
		before := len(batch)

		for _, pa := range group {
			if o.config.GlobalMax > 0 && o.total >= o.config.GlobalMax {
				if len(batch) > before {
					changed = append(changed, *o.states[t])
				}
				break scan
			}
			if o.running[t] >= limit {
				break
			}
			key := ""
			if cfg.DedupBy != nil {
				key = cfg.DedupBy(pa)
				if key != "" && o.keys[t][key] {
					continue
				}
			}
			o.claim(pa, key)
			batch = append(batch, dispatch{step: step, pending: pa, key: key})
		}
		if len(batch) > before {
			changed = append(changed, *o.states[t])
		}
	}

	if len(batch) == 0 {
		o.mu.Unlock()
		return 0, nil
	}

	if err := o.store.SaveTraces(ctx, o.traces); err != nil {
		for _, d := range batch {
			o.release(d)
			st := o.states[d.pending.Action]
			st.InFlight--
			settle(st)
			o.markStep(d.pending, models.StepStatusPending, "")
		}
		o.mu.Unlock()
		return 0, fmt.Errorf("save traces: %w", err)
	}

	snapshot := o.snapshotLocked()
	o.workers.Add(len(batch))
	o.mu.Unlock()

	o.notify(snapshot, changed)
	workerCtx := context.WithoutCancel(ctx)
	for _, d := range batch {
		o.metrics.started(d.pending.Action)
		go o.run(workerCtx, d)
	}
	return len(batch), nil
}

// Wait blocks until every dispatched invocation has been finalized.
func (o *Orchestrator) Wait() {
	o.workers.Wait()
}

// Flush waits for in-flight work and ticks until a pass dispatches nothing
// with nothing in flight. It drives the pipeline synchronously without the
// loop.
func (o *Orchestrator) Flush(ctx context.Context) error {
	for {
		o.Wait()
		n, err := o.Tick(ctx)
		if err != nil {
			return err
		}
		if n == 0 && o.idle() {
			return nil
		}
	}
}

func (o *Orchestrator) idle() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.total == 0
}

// settle derives a non-error status from the in-flight count.
func settle(st *StepState) {
	if st.Status == StatusError {
		return
	}
	if st.InFlight > 0 {
		st.Status = StatusProcessing
	} else {
		st.Status = StatusIdle
	}
}

// claim marks pa in flight. Caller holds o.mu.
func (o *Orchestrator) claim(pa models.PendingAction, key string) {
	o.inflight[pa.ActionID] = pa.Action
	if key != "" {
		if o.keys[pa.Action] == nil {
			o.keys[pa.Action] = make(map[string]bool)
		}
		o.keys[pa.Action][key] = true
	}
	o.running[pa.Action]++
	o.total++

	st := o.states[pa.Action]
	st.InFlight++
	if st.Status != StatusError {
		st.Status = StatusProcessing
	}
	o.markStep(pa, models.StepStatusRunning, "")
}

// release frees the concurrency slot held by d. Caller holds o.mu.
func (o *Orchestrator) release(d dispatch) {
	delete(o.inflight, d.pending.ActionID)
	if d.key != "" {
		delete(o.keys[d.pending.Action], d.key)
	}
	o.running[d.pending.Action]--
	o.total--
}

func (o *Orchestrator) run(ctx context.Context, d dispatch) {
	defer o.workers.Done()

	pa := d.pending
	ctx = logging.WithAction(ctx, pa.ChainID, pa.TraceID, pa.ActionID)
	o.logger.Debug(ctx, "dispatching action", zap.String("action", string(pa.Action)))

	start := time.Now()
	res, err := o.invoke(ctx, d.step, pa)
	if err != nil || res == nil {
		reason := "step returned no result"
		if err != nil {
			reason = err.Error()
		}
		o.logger.Error(ctx, "step invocation failed", zap.String("action", string(pa.Action)), zap.String("reason", reason))
		res = o.closeSpan(ctx, pa, steps.StatusError, reason)
	}
	o.finalize(ctx, d, res, time.Since(start))
}

// invoke runs the step, converting a panic into an error.
func (o *Orchestrator) invoke(ctx context.Context, step steps.Step, pa models.PendingAction) (res *steps.Result, err error) {
	if dep, missing := o.stepCtx.Missing(step.Dependencies()); missing {
		return o.closeSpan(ctx, pa, steps.StatusFailed, fmt.Sprintf("missing dependency: %s", dep)), nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return step.Process(ctx, pa, o.stepCtx)
}

// closeSpan records a span for an invocation the step itself could not
// finish and returns the matching terminal result.
func (o *Orchestrator) closeSpan(ctx context.Context, pa models.PendingAction, status steps.Status, reason string) *steps.Result {
	res := &steps.Result{Terminal: true, Reasoning: reason, Status: status}

	span, err := o.spans.Start(ctx, pa.Action, pa.Meta.String(models.MetaSpanID), models.Meta{
		"actionId": pa.ActionID,
		"traceId":  pa.TraceID,
		"chainId":  pa.ChainID,
	})
	if err != nil {
		o.report(ctx, fmt.Errorf("record span for %s: %w", pa.ActionID, err))
		return res
	}
	res.SpanID = span.ID
	if status == steps.StatusError {
		err = o.spans.Error(ctx, span, reason)
	} else {
		err = o.spans.Fail(ctx, span, reason)
	}
	if err != nil {
		o.report(ctx, fmt.Errorf("finish span %s: %w", span.ID, err))
	}
	return res
}

// successors turns a result's follow-ups into pending actions.
func successors(pa models.PendingAction, res *steps.Result) []models.PendingAction {
	if res.Status != steps.StatusCompleted || res.Terminal {
		return nil
	}
	now := time.Now().UTC()
	next := make([]models.PendingAction, 0, len(res.Enqueued))
	for _, ea := range res.Enqueued {
		id := ea.ActionID
		if id == "" {
			id = uuid.New().String()
		}
		traceID := ea.TraceID
		if traceID == "" {
			traceID = pa.TraceID
		}
		meta := ea.Meta.Clone()
		if res.SpanID != "" {
			meta[models.MetaSpanID] = res.SpanID
		}
		meta[models.MetaParentActionID] = pa.ActionID
		next = append(next, models.PendingAction{
			ChainID:   pa.ChainID,
			ActionID:  id,
			TraceID:   traceID,
			Action:    ea.ActionType,
			Summary:   ea.Summary,
			CreatedAt: now,
			Meta:      meta,
		})
	}
	return next
}

// finalize persists the outcome of one invocation: successors are queued
// and the consumed action removed in one transaction, then the trace log
// is updated.
func (o *Orchestrator) finalize(ctx context.Context, d dispatch, res *steps.Result, elapsed time.Duration) {
	pa := d.pending
	next := successors(pa, res)

	o.mu.Lock()
	if err := o.store.Advance(ctx, pa.ActionID, next); err != nil {
		// the action stays claimed so it is not run twice
		o.running[pa.Action]--
		o.total--
		if d.key != "" {
			delete(o.keys[pa.Action], d.key)
		}
		o.states[pa.Action].InFlight--
		o.mu.Unlock()
		o.report(ctx, fmt.Errorf("advance %s: %w", pa.ActionID, err))
		return
	}

	stepStatus := models.StepStatusCompleted
	if res.Status != steps.StatusCompleted {
		stepStatus = models.StepStatusFailed
	}
	o.markStep(pa, stepStatus, res.Reasoning)
	for _, n := range next {
		o.markStep(n, models.StepStatusPending, "")
	}
	saveErr := o.store.SaveTraces(ctx, o.traces)

	o.release(d)
	st := o.states[pa.Action]
	st.InFlight--
	st.Processed++
	switch res.Status {
	case steps.StatusError:
		st.Failed++
		st.Status = StatusError
		st.LastError = res.Reasoning
	case steps.StatusFailed:
		st.Failed++
	case steps.StatusCompleted:
		if st.Status == StatusError {
			st.Status = StatusIdle
			st.LastError = ""
		}
	}
	settle(st)
	state := *st
	snapshot := o.snapshotLocked()
	o.mu.Unlock()

	o.metrics.finished(pa.Action, res.Status, elapsed)
	o.logger.Info(ctx, "action processed",
		zap.String("action", string(pa.Action)),
		zap.String("status", string(res.Status)),
		zap.Int("enqueued", len(next)),
		zap.Duration("elapsed", elapsed),
	)
	if saveErr != nil {
		o.report(ctx, fmt.Errorf("save traces: %w", saveErr))
	}

	o.notify(snapshot, []StepState{state})
	if len(next) > 0 {
		o.RequestDrain()
	}
}

// Enqueue adds an externally created action to the queue and its trace,
// then requests a drain. Missing identifiers are generated.
func (o *Orchestrator) Enqueue(ctx context.Context, pa models.PendingAction) (models.PendingAction, error) {
	if pa.ChainID == "" {
		pa.ChainID = uuid.New().String()
	}
	if pa.TraceID == "" {
		pa.TraceID = uuid.New().String()
	}
	if pa.ActionID == "" {
		pa.ActionID = uuid.New().String()
	}
	if pa.CreatedAt.IsZero() {
		pa.CreatedAt = time.Now().UTC()
	}

	o.mu.Lock()
	if err := o.store.AddPending(ctx, pa); err != nil {
		o.mu.Unlock()
		return pa, fmt.Errorf("enqueue %s: %w", pa.ActionID, err)
	}
	o.markStep(pa, models.StepStatusPending, "")
	if err := o.store.SaveTraces(ctx, o.traces); err != nil {
		o.mu.Unlock()
		return pa, fmt.Errorf("save traces: %w", err)
	}
	snapshot := o.snapshotLocked()
	o.mu.Unlock()

	o.logger.Info(ctx, "action enqueued",
		zap.String("action", string(pa.Action)),
		zap.String("action_id", pa.ActionID),
		zap.String("trace_id", pa.TraceID),
	)
	o.notify(snapshot, nil)
	o.RequestDrain()
	return pa, nil
}

// Remove deletes a queued action that is not in flight and closes its trace
// step.
func (o *Orchestrator) Remove(ctx context.Context, actionID string) error {
	o.mu.Lock()
	if _, busy := o.inflight[actionID]; busy {
		o.mu.Unlock()
		return ErrInFlight
	}
	pending, err := o.store.GetPending(ctx)
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("read pending actions: %w", err)
	}
	var found *models.PendingAction
	for i := range pending {
		if pending[i].ActionID == actionID {
			found = &pending[i]
			break
		}
	}
	if found == nil {
		o.mu.Unlock()
		return ErrNotFound
	}
	if err := o.store.RemovePending(ctx, actionID); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("remove %s: %w", actionID, err)
	}
	o.markStep(*found, models.StepStatusFailed, reasonRemoved)
	if err := o.store.SaveTraces(ctx, o.traces); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("save traces: %w", err)
	}
	snapshot := o.snapshotLocked()
	o.mu.Unlock()

	o.notify(snapshot, nil)
	return nil
}

// markStep creates or updates the trace step for pa. Caller holds o.mu.
func (o *Orchestrator) markStep(pa models.PendingAction, status models.StepStatus, reasoning string) {
	trace := o.traces[pa.TraceID]
	if trace == nil {
		created := pa.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		trace = &models.ActionTrace{ID: pa.TraceID, Summary: pa.Summary, CreatedAt: created}
		o.traces[pa.TraceID] = trace
	}
	now := time.Now().UTC()
	if step := trace.FindStep(pa.ActionID); step != nil {
		step.Status = status
		step.Timestamp = now
		if reasoning != "" {
			step.Reasoning = reasoning
		}
		return
	}
	trace.Steps = append(trace.Steps, models.ActionStep{
		ActionID:  pa.ActionID,
		Action:    pa.Action,
		Status:    status,
		Timestamp: now,
		Reasoning: reasoning,
	})
}

func (o *Orchestrator) snapshotLocked() map[string]*models.ActionTrace {
	if len(o.traceObservers) == 0 {
		return nil
	}
	return cloneTraces(o.traces)
}

func (o *Orchestrator) notify(traces map[string]*models.ActionTrace, states []StepState) {
	if traces != nil {
		for _, fn := range o.traceObservers {
			fn(traces)
		}
	}
	for _, st := range states {
		for _, fn := range o.statusObservers {
			fn(st)
		}
	}
}

// Traces returns a copy of the in-memory trace log.
func (o *Orchestrator) Traces() map[string]*models.ActionTrace {
	o.mu.Lock()
	defer o.mu.Unlock()
	return cloneTraces(o.traces)
}

// States returns the state of every registered step type in registry order.
func (o *Orchestrator) States() []StepState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]StepState, 0, len(o.states))
	for _, t := range o.registry.Types() {
		if st := o.states[t]; st != nil {
			out = append(out, *st)
		}
	}
	return out
}

// InFlight reports whether actionID is currently being processed.
func (o *Orchestrator) InFlight(actionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[actionID]
	return ok
}

func cloneTraces(in map[string]*models.ActionTrace) map[string]*models.ActionTrace {
	out := make(map[string]*models.ActionTrace, len(in))
	for id, t := range in {
		out[id] = t.Clone()
	}
	return out
}
