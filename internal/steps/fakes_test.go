package steps

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/endorhq/rover-sub004/internal/audit"
	"github.com/endorhq/rover-sub004/internal/connectors"
	"github.com/endorhq/rover-sub004/internal/logging"
	"github.com/endorhq/rover-sub004/internal/models"
	"github.com/endorhq/rover-sub004/internal/project"
	"github.com/endorhq/rover-sub004/internal/reasoning"
	"github.com/endorhq/rover-sub004/internal/scm"
	"github.com/endorhq/rover-sub004/internal/store"
)

// fakeReasoner replies with queued answers and records every prompt.
type fakeReasoner struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts []string
	opts    []reasoning.Options
}

func (f *fakeReasoner) Invoke(ctx context.Context, prompt string, opts reasoning.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "", nil
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply, nil
}

type fakePullRequests struct {
	byBranch map[string]*scm.PullRequest
	comments []string
	err      error
}

func (f *fakePullRequests) FindPullRequest(ctx context.Context, owner, repo, branch string) (*scm.PullRequest, error) {
	return f.byBranch[branch], nil
}

func (f *fakePullRequests) Comment(ctx context.Context, owner, repo string, number int, body string) error {
	if f.err != nil {
		return f.err
	}
	f.comments = append(f.comments, body)
	return nil
}

type fakeProjects struct {
	tasks map[string]*project.Task
	specs []project.TaskSpec
}

func (f *fakeProjects) GetTask(id string) (*project.Task, bool) {
	t, ok := f.tasks[id]
	return t, ok
}

func (f *fakeProjects) CreateTask(ctx context.Context, spec project.TaskSpec) (*project.Task, error) {
	f.specs = append(f.specs, spec)
	t := &project.Task{
		ID:           "7",
		Title:        spec.Title,
		Description:  spec.Description,
		WorktreePath: "/work/.rover/tasks/7/workspace",
		BranchName:   "rover/task-7-abc123",
		BaseBranch:   spec.BaseBranch,
	}
	if f.tasks == nil {
		f.tasks = map[string]*project.Task{}
	}
	f.tasks[t.ID] = t
	return t, nil
}

// fakeRunner answers git commands by subcommand prefix. Each prefix holds a
// queue of results; the last one repeats.
type fakeRunner struct {
	responses map[string][]connectors.ExecResult
	calls     []string
}

func (f *fakeRunner) Name() string { return "fake" }

func (f *fakeRunner) IsAllowed(cmd string, args []string) bool { return true }

func (f *fakeRunner) Execute(ctx context.Context, dir, cmd string, args []string) (*connectors.ExecResult, error) {
	line := strings.Join(args, " ")
	f.calls = append(f.calls, line)
	for prefix, queue := range f.responses {
		if !strings.HasPrefix(line, prefix) || len(queue) == 0 {
			continue
		}
		out := queue[0]
		if len(queue) > 1 {
			f.responses[prefix] = queue[1:]
		}
		out.Command, out.Args, out.Dir = cmd, args, dir
		return &out, nil
	}
	return &connectors.ExecResult{Command: cmd, Args: args, Dir: dir}, nil
}

type fakeSource struct{ main string }

func (f fakeSource) MainBranch() (string, error) { return f.main, nil }
func (f fakeSource) RemoteURL() (string, error) { return "git@github.com:o/r.git", nil }

func newTestContext(t *testing.T) *Context {
	t.Helper()
	sc, _ := openTestContext(t)
	return sc
}

// openTestContext also returns the database path so tests can reach the
// tables behind the store.
func openTestContext(t *testing.T) (*Context, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return &Context{
		Store:   s,
		Spans:   audit.NewSpanWriter(s),
		Actions: audit.NewActionWriter(s),
		Owner:   "o",
		Repo:    "r",
		Logger:  logging.NewTestLogger().Logger,
	}, path
}

// rawExec runs statements against the database at path outside the store.
func rawExec(t *testing.T, path string, stmts ...string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
}

// spanCounts returns the number of spans by status.
func spanCounts(t *testing.T, path string) map[models.SpanStatus]int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	rows, err := db.Query(`SELECT status, COUNT(*) FROM spans GROUP BY status`)
	require.NoError(t, err)
	defer rows.Close()
	out := make(map[models.SpanStatus]int)
	for rows.Next() {
		var status string
		var n int
		require.NoError(t, rows.Scan(&status, &n))
		out[models.SpanStatus(status)] = n
	}
	require.NoError(t, rows.Err())
	return out
}

func newPending(action models.ActionType, meta models.Meta) models.PendingAction {
	return models.PendingAction{
		ChainID:   "chain-1",
		ActionID:  string(action) + "-1",
		TraceID:   "trace-1",
		Action:    action,
		Summary:   string(action) + " something",
		CreatedAt: time.Now().UTC(),
		Meta:      meta,
	}
}

func spanOf(t *testing.T, sc *Context, id string) *models.Span {
	t.Helper()
	span, err := sc.Store.GetSpan(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, span)
	return span
}
