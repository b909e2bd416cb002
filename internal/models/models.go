// Package models defines the core domain types for the action pipeline.
package models

import "time"

// ActionType tags a unit of pipeline work and selects the step that handles it.
type ActionType string

const (
	ActionCoordinate ActionType = "coordinate"
	ActionPlan       ActionType = "plan"
	ActionWorkflow   ActionType = "workflow"
	ActionCommit     ActionType = "commit"
	ActionResolve    ActionType = "resolve"
	ActionPush       ActionType = "push"
	ActionNotify     ActionType = "notify"
	ActionNoop       ActionType = "noop"
)

// ActionTypes lists every known action type in pipeline order.
var ActionTypes = []ActionType{
	ActionCoordinate,
	ActionPlan,
	ActionWorkflow,
	ActionCommit,
	ActionResolve,
	ActionPush,
	ActionNotify,
	ActionNoop,
}

// Known reports whether a is one of the pipeline action types.
func (a ActionType) Known() bool {
	for _, t := range ActionTypes {
		if t == a {
			return true
		}
	}
	return false
}

// Terminal reports whether actions of this type end a trace.
func (a ActionType) Terminal() bool {
	return a == ActionNotify || a == ActionNoop
}

// StepStatus represents the state of one step within a trace.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// SpanStatus represents the outcome of one step invocation.
type SpanStatus string

const (
	SpanStatusRunning   SpanStatus = "running"
	SpanStatusCompleted SpanStatus = "completed"
	SpanStatusFailed    SpanStatus = "failed"
	SpanStatusError     SpanStatus = "error"
)

// Meta is a free-form payload attached to pending actions, spans and actions.
type Meta map[string]any

// Clone returns a shallow copy of m that is safe to mutate at the top level.
func (m Meta) Clone() Meta {
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// String returns the value stored under key when it is a non-empty string.
func (m Meta) String(key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// Int returns the numeric value stored under key. JSON round trips turn
// integers into float64, so both are accepted.
func (m Meta) Int(key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Well-known meta keys shared between steps.
const (
	MetaEvent             = "event"
	MetaSpanID            = "spanId"
	MetaParentActionID    = "parentActionId"
	MetaSourceActionID    = "sourceActionId"
	MetaTaskID            = "taskId"
	MetaTaskTitle         = "taskTitle"
	MetaTaskDescription   = "taskDescription"
	MetaBranchName        = "branchName"
	MetaConflictFiles     = "conflictFiles"
	MetaPullRequestURL    = "pullRequestUrl"
	MetaPullRequestNumber = "pullRequestNumber"
	MetaOutcome           = "outcome"
	MetaError             = "error"
)

// PendingAction is a queued unit of work awaiting a matching step.
type PendingAction struct {
	ChainID   string     `json:"chainId"`
	ActionID  string     `json:"actionId"`
	TraceID   string     `json:"traceId"`
	Action    ActionType `json:"action"`
	Summary   string     `json:"summary"`
	CreatedAt time.Time  `json:"createdAt"`
	Meta      Meta       `json:"meta,omitempty"`
}

// ActionStep is one entry in a trace's ordered history.
type ActionStep struct {
	ActionID  string     `json:"actionId"`
	Action    ActionType `json:"action"`
	Status    StepStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Reasoning string     `json:"reasoning,omitempty"`
}

// ActionTrace is the ordered history of one sub-chain.
type ActionTrace struct {
	ID        string       `json:"id"`
	Summary   string       `json:"summary"`
	CreatedAt time.Time    `json:"createdAt"`
	Steps     []ActionStep `json:"steps"`
}

// Status derives the trace status from its last step.
func (t *ActionTrace) Status() StepStatus {
	if len(t.Steps) == 0 {
		return StepStatusPending
	}
	return t.Steps[len(t.Steps)-1].Status
}

// LastStep returns a pointer to the most recent step, or nil for an empty trace.
func (t *ActionTrace) LastStep() *ActionStep {
	if len(t.Steps) == 0 {
		return nil
	}
	return &t.Steps[len(t.Steps)-1]
}

// FindStep returns the step recorded for actionID, or nil.
func (t *ActionTrace) FindStep(actionID string) *ActionStep {
	for i := range t.Steps {
		if t.Steps[i].ActionID == actionID {
			return &t.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the trace.
func (t *ActionTrace) Clone() *ActionTrace {
	out := *t
	out.Steps = append([]ActionStep(nil), t.Steps...)
	return &out
}

// Span records the lifetime and outcome of one step invocation.
type Span struct {
	ID          string     `json:"id"`
	Step        ActionType `json:"step"`
	ParentID    string     `json:"parentId,omitempty"`
	Meta        Meta       `json:"meta,omitempty"`
	Status      SpanStatus `json:"status"`
	Summary     string     `json:"summary,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Action is an audit record of a decision taken by a step.
type Action struct {
	ID         string     `json:"id"`
	Action     ActionType `json:"action"`
	Timestamp  time.Time  `json:"timestamp"`
	TraceID    string     `json:"traceId"`
	SpanID     string     `json:"spanId"`
	Meta       Meta       `json:"meta,omitempty"`
	Reasoning  string     `json:"reasoning"`
	InputsHash string     `json:"inputsHash"`
}

// TaskMapping associates the action that created a project task with the
// branch it produced.
type TaskMapping struct {
	ActionID   string    `json:"actionId"`
	TaskID     string    `json:"taskId"`
	BranchName string    `json:"branchName"`
	CreatedAt  time.Time `json:"createdAt"`
}
