package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/endorhq/rover-sub004/internal/controlplane"
	"github.com/endorhq/rover-sub004/internal/events"
	"github.com/endorhq/rover-sub004/internal/logging"
	"github.com/endorhq/rover-sub004/internal/models"
)

func withAPI(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	viper.Set("api", srv.URL+"/")
	t.Cleanup(func() { viper.Set("api", "") })
}

func TestAPIPostDecodesResponse(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/events" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		var e events.Event
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if e.Kind != events.KindIssue {
			t.Errorf("kind = %q", e.Kind)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(controlplane.SubmitResponse{Status: "accepted", ChainID: "c1"})
	})

	var resp controlplane.SubmitResponse
	if err := apiPost("/events", events.Event{Kind: events.KindIssue, Title: "x"}, &resp); err != nil {
		t.Fatalf("apiPost: %v", err)
	}
	if resp.ChainID != "c1" {
		t.Errorf("chain = %q, want c1", resp.ChainID)
	}
}

func TestAPIErrorsIncludeStatusAndBody(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "action is running", http.StatusConflict)
	})

	err := apiDelete("/pending/a1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "action is running") {
		t.Errorf("error = %v", err)
	}
}

func TestCheckHealthReturnsPayloadOnFailure(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(controlplane.HealthResponse{OK: false, DB: "database is closed"})
	})

	health, err := CheckHealth()
	if err == nil {
		t.Fatal("expected error")
	}
	if health == nil || health.DB != "database is closed" {
		t.Errorf("health = %+v", health)
	}
}

func TestMergeEventOnlyCopiesChangedFlags(t *testing.T) {
	cmd := &cobra.Command{}
	var src events.Event
	cmd.Flags().StringVar(&src.Title, "title", "", "")
	cmd.Flags().StringVar(&src.Body, "body", "", "")
	cmd.Flags().IntVar(&src.Number, "number", 0, "")
	if err := cmd.Flags().Parse([]string{"--title", "from flag", "--number", "7"}); err != nil {
		t.Fatal(err)
	}

	dst := events.Event{Kind: events.KindIssue, Title: "from file", Body: "keep me"}
	mergeEvent(&dst, &src, cmd)

	if dst.Title != "from flag" || dst.Number != 7 {
		t.Errorf("flags not applied: %+v", dst)
	}
	if dst.Body != "keep me" || dst.Kind != events.KindIssue {
		t.Errorf("unset flags overwrote file values: %+v", dst)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abcdefghijkl", 8); got != "abcde..." {
		t.Errorf("truncate = %q", got)
	}
	if got := shortID("0123456789"); got != "01234567" {
		t.Errorf("shortID = %q", got)
	}
}

func TestTraceStatusLoggerReportsChanges(t *testing.T) {
	tl := logging.NewTestLogger()
	observe := traceStatusLogger(tl.Logger)

	trace := &models.ActionTrace{ID: "t1", Summary: "issue #7", Steps: []models.ActionStep{
		{ActionID: "a1", Action: models.ActionCoordinate, Status: models.StepStatusRunning},
	}}
	observe(map[string]*models.ActionTrace{"t1": trace})
	observe(map[string]*models.ActionTrace{"t1": trace})
	if got := tl.FilterMessage("trace status changed").Len(); got != 1 {
		t.Fatalf("logged %d entries for an unchanged trace, want 1", got)
	}

	trace.Steps[0].Status = models.StepStatusCompleted
	observe(map[string]*models.ActionTrace{"t1": trace})
	tl.AssertField(t, "trace status changed", "status", string(models.StepStatusCompleted))
	if got := tl.FilterMessage("trace status changed").Len(); got != 2 {
		t.Errorf("logged %d entries, want 2", got)
	}
}
