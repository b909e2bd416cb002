package steps

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorhq/rover-sub004/internal/connectors"
	"github.com/endorhq/rover-sub004/internal/events"
	"github.com/endorhq/rover-sub004/internal/models"
	"github.com/endorhq/rover-sub004/internal/project"
)

func TestDefaultRegistry(t *testing.T) {
	r := Default()
	assert.Equal(t, models.ActionTypes, r.Types())

	for _, at := range models.ActionTypes {
		s, ok := r.Lookup(at)
		require.True(t, ok, at)
		cfg := s.Config()
		assert.Equal(t, at, cfg.ActionType)
		assert.Positive(t, cfg.MaxParallel)
	}

	err := r.Register(Pusher{})
	assert.True(t, errors.Is(err, ErrDuplicateStep))

	_, ok := r.Lookup("deploy")
	assert.False(t, ok)
}

func TestStepPolicies(t *testing.T) {
	pa := models.PendingAction{ChainID: "c", TraceID: "t"}
	tests := []struct {
		step        Step
		maxParallel int
		key         string
	}{
		{Coordinator{}, 2, "c"},
		{Planner{}, 2, "c"},
		{Workflow{}, 3, "t"},
		{Committer{}, 3, "t"},
		{Resolver{}, 1, "t"},
		{Pusher{}, 2, "t"},
		{Notify{}, 1, "c"},
	}
	for _, tt := range tests {
		cfg := tt.step.Config()
		assert.Equal(t, tt.maxParallel, cfg.MaxParallel, cfg.ActionType)
		require.NotNil(t, cfg.DedupBy, cfg.ActionType)
		assert.Equal(t, tt.key, cfg.DedupBy(pa), cfg.ActionType)
	}
	assert.Nil(t, Noop{}.Config().DedupBy)
}

func TestContextDependencies(t *testing.T) {
	sc := &Context{}
	d, missing := sc.Missing(Pusher{}.Dependencies())
	assert.True(t, missing)
	assert.Equal(t, DepOwnerRepo, d)

	sc.Owner, sc.Repo = "o", "r"
	d, missing = sc.Missing(Pusher{}.Dependencies())
	assert.True(t, missing)
	assert.Equal(t, DepReasoner, d)

	sc.Reasoner = &fakeReasoner{}
	_, missing = sc.Missing(Pusher{}.Dependencies())
	assert.False(t, missing)
	assert.False(t, sc.Has(DepProjectManager))
	assert.False(t, sc.Has("telepathy"))
}

func issueEvent() *events.Event {
	return &events.Event{Source: "github", Kind: events.KindIssue, Owner: "o", Repo: "r", Number: 7, Title: "Login fails", Body: "500 on submit"}
}

func TestCoordinator(t *testing.T) {
	ctx := context.Background()

	t.Run("plan", func(t *testing.T) {
		sc := newTestContext(t)
		r := &fakeReasoner{replies: []string{"```json\n{\"action\":\"plan\",\"summary\":\"fix login\",\"reasoning\":\"bug report\"}\n```"}}
		sc.Reasoner = r

		res, err := Coordinator{}.Process(ctx, newPending(models.ActionCoordinate, models.Meta{models.MetaEvent: issueEvent().Meta()}), sc)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, res.Status)
		require.Len(t, res.Enqueued, 1)
		assert.Equal(t, models.ActionPlan, res.Enqueued[0].ActionType)
		assert.Equal(t, "fix login", res.Enqueued[0].Summary)
		assert.Contains(t, r.prompts[0], "Login fails")

		// the root span keeps the event for later stages
		span := spanOf(t, sc, res.SpanID)
		ev, err := events.FromMeta(span.Meta[models.MetaEvent])
		require.NoError(t, err)
		assert.Equal(t, 7, ev.Number)
	})

	t.Run("noop", func(t *testing.T) {
		sc := newTestContext(t)
		sc.Reasoner = &fakeReasoner{replies: []string{`{"action":"noop","reasoning":"question, not a bug"}`}}
		res, err := Coordinator{}.Process(ctx, newPending(models.ActionCoordinate, models.Meta{models.MetaEvent: issueEvent().Meta()}), sc)
		require.NoError(t, err)
		require.Len(t, res.Enqueued, 1)
		assert.Equal(t, models.ActionNoop, res.Enqueued[0].ActionType)
	})

	t.Run("unknown decision", func(t *testing.T) {
		sc := newTestContext(t)
		sc.Reasoner = &fakeReasoner{replies: []string{`{"action":"deploy"}`}}
		res, err := Coordinator{}.Process(ctx, newPending(models.ActionCoordinate, models.Meta{models.MetaEvent: issueEvent().Meta()}), sc)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Empty(t, res.Enqueued)
	})

	t.Run("reasoner error", func(t *testing.T) {
		sc := newTestContext(t)
		sc.Reasoner = &fakeReasoner{err: errors.New("rate limited")}
		res, err := Coordinator{}.Process(ctx, newPending(models.ActionCoordinate, models.Meta{models.MetaEvent: issueEvent().Meta()}), sc)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Contains(t, res.Reasoning, "rate limited")
	})

	t.Run("no event", func(t *testing.T) {
		sc := newTestContext(t)
		sc.Reasoner = &fakeReasoner{}
		res, err := Coordinator{}.Process(ctx, newPending(models.ActionCoordinate, nil), sc)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Status)
	})
}

func TestPlannerForksTraces(t *testing.T) {
	ctx := context.Background()
	sc := newTestContext(t)
	sc.MaxPlannedTasks = 2

	root, err := sc.Spans.Start(ctx, models.ActionCoordinate, "", models.Meta{models.MetaEvent: issueEvent().Meta()})
	require.NoError(t, err)

	r := &fakeReasoner{replies: []string{`{"tasks":[{"title":"A","description":"a"},{"title":""},{"title":"B"},{"title":"C"}],"reasoning":"three parts"}`}}
	sc.Reasoner = r

	res, err := Planner{}.Process(ctx, newPending(models.ActionPlan, models.Meta{models.MetaSpanID: root.ID}), sc)
	require.NoError(t, err)

	require.Len(t, res.Enqueued, 2)
	assert.Equal(t, "A", res.Enqueued[0].Summary)
	assert.Equal(t, "B", res.Enqueued[1].Summary)
	assert.NotEqual(t, res.Enqueued[0].TraceID, res.Enqueued[1].TraceID)
	assert.NotEqual(t, "trace-1", res.Enqueued[0].TraceID)
	assert.Equal(t, "a", res.Enqueued[0].Meta[models.MetaTaskDescription])
	assert.Contains(t, r.prompts[0], "Login fails", "event recovered through the span path")

	span := spanOf(t, sc, res.SpanID)
	assert.Equal(t, root.ID, span.ParentID)
}

func TestPlannerNoTasks(t *testing.T) {
	sc := newTestContext(t)
	sc.Reasoner = &fakeReasoner{replies: []string{`{"tasks":[],"reasoning":"already fixed"}`}}

	res, err := Planner{}.Process(context.Background(), newPending(models.ActionPlan, models.Meta{models.MetaEvent: issueEvent().Meta()}), sc)
	require.NoError(t, err)
	require.Len(t, res.Enqueued, 1)
	assert.Equal(t, models.ActionNoop, res.Enqueued[0].ActionType)
}

func TestWorkflow(t *testing.T) {
	ctx := context.Background()
	sc := newTestContext(t)
	projects := &fakeProjects{}
	r := &fakeReasoner{replies: []string{"implemented the fix"}}
	sc.Projects, sc.Reasoner, sc.SCM = projects, r, fakeSource{main: "main"}

	pending := newPending(models.ActionWorkflow, models.Meta{models.MetaTaskTitle: "Fix login", models.MetaTaskDescription: "handle nil session"})
	res, err := Workflow{}.Process(ctx, pending, sc)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	require.Len(t, projects.specs, 1)
	assert.Equal(t, "main", projects.specs[0].BaseBranch)
	assert.Equal(t, "/work/.rover/tasks/7/workspace", r.opts[0].Cwd)

	m, err := sc.Store.GetTaskMapping(ctx, pending.ActionID)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "rover/task-7-abc123", m.BranchName)

	require.Len(t, res.Enqueued, 1)
	commit := res.Enqueued[0]
	assert.Equal(t, models.ActionCommit, commit.ActionType)
	assert.Equal(t, pending.ActionID, commit.Meta[models.MetaSourceActionID])
	assert.Equal(t, "7", commit.Meta[models.MetaTaskID])
}

func TestWorkflowMappingFailureClosesSpan(t *testing.T) {
	sc, path := openTestContext(t)
	r := &fakeReasoner{replies: []string{"implemented"}}
	sc.Projects, sc.Reasoner = &fakeProjects{}, r
	rawExec(t, path, `CREATE TRIGGER reject_mappings BEFORE INSERT ON task_mappings
		BEGIN SELECT RAISE(ABORT, 'mappings are read-only'); END`)

	res, err := Workflow{}.Process(context.Background(), newPending(models.ActionWorkflow, models.Meta{models.MetaTaskTitle: "Fix login"}), sc)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, StatusError, res.Status)
	assert.True(t, res.Terminal)
	assert.Empty(t, res.Enqueued)
	assert.Contains(t, res.Reasoning, "record task mapping")
	assert.Empty(t, r.prompts, "no implementation without a task mapping")
	assert.Equal(t, models.SpanStatusError, spanOf(t, sc, res.SpanID).Status)
	assert.Equal(t, map[models.SpanStatus]int{models.SpanStatusError: 1}, spanCounts(t, path))
}

func commitContext(t *testing.T, runner *fakeRunner, replies ...string) *Context {
	sc := newTestContext(t)
	sc.Projects = &fakeProjects{tasks: map[string]*project.Task{
		"7": {ID: "7", Title: "Fix login", WorktreePath: "/w/7", BranchName: "rover/task-7-abc123"},
	}}
	sc.Runner = runner
	sc.Reasoner = &fakeReasoner{replies: replies}
	sc.SCM = fakeSource{main: "main"}
	return sc
}

func TestCommitter(t *testing.T) {
	ctx := context.Background()
	meta := models.Meta{models.MetaTaskID: "7", models.MetaSourceActionID: "wf-1"}

	t.Run("clean merge pushes", func(t *testing.T) {
		runner := &fakeRunner{responses: map[string][]connectors.ExecResult{
			"status": {{Stdout: " M login.go\n"}},
		}}
		sc := commitContext(t, runner, `{"message":"fix: handle nil session"}`)

		res, err := Committer{}.Process(ctx, newPending(models.ActionCommit, meta), sc)
		require.NoError(t, err)
		require.Len(t, res.Enqueued, 1)
		assert.Equal(t, models.ActionPush, res.Enqueued[0].ActionType)
		assert.Equal(t, "wf-1", res.Enqueued[0].Meta[models.MetaSourceActionID])
		assert.Contains(t, runner.calls, "commit -m fix: handle nil session")
		assert.Contains(t, runner.calls, "merge --no-edit main")
	})

	t.Run("conflicts resolve", func(t *testing.T) {
		runner := &fakeRunner{responses: map[string][]connectors.ExecResult{
			"status": {{Stdout: " M login.go\n"}},
			"merge":  {{ExitCode: 1, Stdout: "CONFLICT (content): Merge conflict in login.go"}},
			"diff --name-only": {{Stdout: "login.go\n"}},
		}}
		sc := commitContext(t, runner, `{"message":"fix: login"}`)

		res, err := Committer{}.Process(ctx, newPending(models.ActionCommit, meta), sc)
		require.NoError(t, err)
		require.Len(t, res.Enqueued, 1)
		assert.Equal(t, models.ActionResolve, res.Enqueued[0].ActionType)
		assert.Equal(t, []string{"login.go"}, res.Enqueued[0].Meta[models.MetaConflictFiles])
	})

	t.Run("no changes", func(t *testing.T) {
		sc := commitContext(t, &fakeRunner{})
		res, err := Committer{}.Process(ctx, newPending(models.ActionCommit, meta), sc)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Equal(t, "no changes to commit", res.Reasoning)
	})

	t.Run("unknown task", func(t *testing.T) {
		sc := commitContext(t, &fakeRunner{})
		res, err := Committer{}.Process(ctx, newPending(models.ActionCommit, models.Meta{models.MetaTaskID: "99"}), sc)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Status)
	})
}

func TestResolver(t *testing.T) {
	ctx := context.Background()
	meta := models.Meta{models.MetaTaskID: "7", models.MetaSourceActionID: "wf-1"}

	t.Run("resolved", func(t *testing.T) {
		runner := &fakeRunner{responses: map[string][]connectors.ExecResult{
			"diff --name-only": {{Stdout: "login.go\n"}, {Stdout: ""}},
		}}
		sc := commitContext(t, runner, "resolved both sides")
		res, err := Resolver{}.Process(ctx, newPending(models.ActionResolve, meta), sc)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, res.Status)
		require.Len(t, res.Enqueued, 1)
		assert.Equal(t, models.ActionPush, res.Enqueued[0].ActionType)
		assert.Contains(t, runner.calls, "commit --no-edit")
	})

	t.Run("conflicts remain", func(t *testing.T) {
		runner := &fakeRunner{responses: map[string][]connectors.ExecResult{
			"diff --name-only": {{Stdout: "login.go\n"}},
		}}
		sc := commitContext(t, runner, "tried")
		res, err := Resolver{}.Process(ctx, newPending(models.ActionResolve, meta), sc)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Contains(t, res.Reasoning, "login.go")
		assert.NotContains(t, runner.calls, "commit --no-edit")
	})
}

func TestNotifyCommentsOnIssue(t *testing.T) {
	ctx := context.Background()
	sc := newTestContext(t)
	prs := &fakePullRequests{}
	sc.PullRequests = prs

	root, err := sc.Spans.Start(ctx, models.ActionCoordinate, "", models.Meta{models.MetaEvent: issueEvent().Meta()})
	require.NoError(t, err)

	pending := newPending(models.ActionNotify, models.Meta{
		models.MetaSpanID:         root.ID,
		models.MetaPullRequestURL: "https://github.com/o/r/pull/42",
		"summary":                 "pushed rover/task-7-abc123",
	})
	res, err := Notify{}.Process(ctx, pending, sc)
	require.NoError(t, err)

	assert.True(t, res.Terminal)
	assert.Equal(t, StatusCompleted, res.Status)
	require.Len(t, prs.comments, 1)
	assert.Contains(t, prs.comments[0], "https://github.com/o/r/pull/42")
}

func TestNotifyCommentFailure(t *testing.T) {
	ctx := context.Background()
	sc := newTestContext(t)
	sc.PullRequests = &fakePullRequests{err: errors.New("forbidden")}

	res, err := Notify{}.Process(ctx, newPending(models.ActionNotify, models.Meta{models.MetaEvent: issueEvent().Meta()}), sc)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, res.Terminal)
}

func TestNoop(t *testing.T) {
	sc := newTestContext(t)
	res, err := Noop{}.Process(context.Background(), newPending(models.ActionNoop, models.Meta{"reasoning": "duplicate issue"}), sc)
	require.NoError(t, err)
	assert.True(t, res.Terminal)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "duplicate issue", res.Reasoning)
}
