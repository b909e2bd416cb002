package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/endorhq/rover-sub004/internal/models"
	"github.com/endorhq/rover-sub004/internal/store"
)

func TestSpanLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	w := NewSpanWriter(s)

	root, err := w.Start(ctx, models.ActionCoordinate, "", models.Meta{"event": "issue"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	child, err := w.Start(ctx, models.ActionPlan, root.ID, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := w.Complete(ctx, root, "triaged", models.Meta{"decision": "plan"}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := w.Fail(ctx, child, "reasoner output was not JSON"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	got, _ := s.GetSpan(ctx, root.ID)
	if got.Status != models.SpanStatusCompleted || got.Meta.String("decision") != "plan" || got.Meta.String("event") != "issue" {
		t.Errorf("Unexpected root span: %+v", got)
	}

	path, err := s.GetSpanTrace(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetSpanTrace failed: %v", err)
	}
	if len(path) != 2 || path[0].ID != root.ID {
		t.Fatalf("Expected root-first path of 2, got %+v", path)
	}
	if path[1].Status != models.SpanStatusFailed || path[1].Meta.String(models.MetaError) == "" {
		t.Errorf("Expected failed child with error meta, got %+v", path[1])
	}
}

func TestSpanError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	w := NewSpanWriter(s)

	span, _ := w.Start(ctx, models.ActionPush, "", nil)
	if err := w.Error(ctx, span, "panic: boom"); err != nil {
		t.Fatalf("Error failed: %v", err)
	}
	got, _ := s.GetSpan(ctx, span.ID)
	if got.Status != models.SpanStatusError || got.CompletedAt == nil {
		t.Errorf("Unexpected span: %+v", got)
	}
}

func TestActionRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	w := NewActionWriter(s)

	meta := models.Meta{"pullRequestUrl": "https://github.com/o/r/pull/42"}
	a1, err := w.Record(ctx, models.ActionNotify, "t-1", "s-1", meta, "pushed")
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	a2, err := w.Record(ctx, models.ActionNotify, "t-1", "s-2", meta, "pushed again")
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if a1.InputsHash == "" || a1.InputsHash != a2.InputsHash {
		t.Errorf("Expected equal inputs hashes for equal inputs, got %s and %s", a1.InputsHash, a2.InputsHash)
	}
	if a1.ID == a2.ID {
		t.Error("Expected distinct action ids")
	}

	actions, _ := s.ListActions(ctx, "t-1")
	if len(actions) != 2 {
		t.Errorf("Expected 2 actions, got %d", len(actions))
	}
}

func TestHashInputs(t *testing.T) {
	h1 := hashInputs(map[string]string{"a": "1"})
	h2 := hashInputs(map[string]string{"a": "2"})
	if h1 == h2 {
		t.Error("Different inputs should hash differently")
	}
	if hashInputs(func() {}) != "hash_error" {
		t.Error("Unmarshalable inputs should yield hash_error")
	}
}

func newTestStore(t *testing.T) *store.Store {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
