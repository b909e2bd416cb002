// Package events turns external activity into the first pending action of
// an automation chain.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/endorhq/rover-sub004/internal/models"
)

// Event kinds.
const (
	KindIssue        = "issue"
	KindIssueComment = "issue_comment"
	KindPullRequest  = "pull_request"
	KindPush         = "push"
)

var (
	// ErrIgnored is returned for events the pipeline does not act on.
	ErrIgnored = errors.New("event ignored")
	// ErrInvalidEvent is returned when an event is missing required fields.
	ErrInvalidEvent = errors.New("invalid event")
)

// Event is an external trigger for an automation chain.
type Event struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Kind       string    `json:"kind"`
	Action     string    `json:"action,omitempty"`
	Owner      string    `json:"owner,omitempty"`
	Repo       string    `json:"repo,omitempty"`
	Number     int       `json:"number,omitempty"`
	Title      string    `json:"title,omitempty"`
	Body       string    `json:"body,omitempty"`
	Ref        string    `json:"ref,omitempty"`
	Sender     string    `json:"sender,omitempty"`
	URL        string    `json:"url,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Validate checks the fields every chain needs.
func (e *Event) Validate() error {
	switch e.Kind {
	case KindIssue, KindIssueComment, KindPullRequest, KindPush:
	case "":
		return fmt.Errorf("%w: kind is required", ErrInvalidEvent)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.Kind != KindPush && e.Title == "" && e.Body == "" {
		return fmt.Errorf("%w: title or body is required", ErrInvalidEvent)
	}
	return nil
}

// Summary is a one-line description of the event.
func (e *Event) Summary() string {
	switch e.Kind {
	case KindIssue, KindIssueComment:
		return fmt.Sprintf("issue #%d: %s", e.Number, e.Title)
	case KindPullRequest:
		return fmt.Sprintf("pull request #%d: %s", e.Number, e.Title)
	case KindPush:
		return fmt.Sprintf("push to %s", e.Ref)
	}
	return e.Kind
}

// Meta encodes the event as a generic map for pending action and span meta.
func (e *Event) Meta() models.Meta {
	data, _ := json.Marshal(e)
	var m models.Meta
	_ = json.Unmarshal(data, &m)
	return m
}

// FromMeta decodes an event stored with Meta.
func FromMeta(v any) (*Event, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: no event", ErrInvalidEvent)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode event meta: %w", err)
	}
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode event meta: %w", err)
	}
	return &e, nil
}

// NewChain builds the coordinate action that starts a chain for e.
func NewChain(e *Event) models.PendingAction {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	return models.PendingAction{
		ChainID:   uuid.New().String(),
		ActionID:  uuid.New().String(),
		TraceID:   uuid.New().String(),
		Action:    models.ActionCoordinate,
		Summary:   e.Summary(),
		CreatedAt: time.Now().UTC(),
		Meta:      models.Meta{models.MetaEvent: e.Meta()},
	}
}
