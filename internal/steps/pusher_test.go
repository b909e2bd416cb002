package steps

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorhq/rover-sub004/internal/models"
	"github.com/endorhq/rover-sub004/internal/scm"
)

func TestPusherNoBranches(t *testing.T) {
	sc := newTestContext(t)
	r := &fakeReasoner{}
	sc.Reasoner = r

	res, err := Pusher{}.Process(context.Background(), newPending(models.ActionPush, nil), sc)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, res.Terminal)
	assert.Equal(t, "no branches found to push", res.Reasoning)
	assert.Empty(t, res.Enqueued)
	assert.Empty(t, r.prompts, "reasoner must not be consulted without branches")
	assert.Equal(t, models.SpanStatusFailed, spanOf(t, sc, res.SpanID).Status)
}

func TestPusherUnreadableTraceClosesSpan(t *testing.T) {
	sc, path := openTestContext(t)
	r := &fakeReasoner{}
	sc.Reasoner = r
	rawExec(t, path, `INSERT INTO traces (id, summary, steps, created_at)
		VALUES ('trace-1', 'broken', 'not json', '2026-01-01 00:00:00')`)

	res, err := Pusher{}.Process(context.Background(), newPending(models.ActionPush, nil), sc)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, StatusError, res.Status)
	assert.True(t, res.Terminal)
	assert.Empty(t, res.Enqueued)
	assert.Contains(t, res.Reasoning, "collect branches")
	assert.Empty(t, r.prompts)

	assert.Equal(t, models.SpanStatusError, spanOf(t, sc, res.SpanID).Status)
	assert.Equal(t, map[models.SpanStatus]int{models.SpanStatusError: 1}, spanCounts(t, path),
		"the step's own span records the error and nothing stays running")
}

func TestPusherExistingPullRequest(t *testing.T) {
	ctx := context.Background()
	sc := newTestContext(t)
	const url = "https://github.com/o/r/pull/42"

	require.NoError(t, sc.Store.SetTaskMapping(ctx, models.TaskMapping{ActionID: "wf-1", TaskID: "7", BranchName: "rover/task-7-abc123"}))
	r := &fakeReasoner{replies: []string{`{"pushed": true, "pullRequestUrl": "", "pullRequestNumber": 0, "summary": "pushed to existing PR"}`}}
	sc.Reasoner = r
	prs := &fakePullRequests{byBranch: map[string]*scm.PullRequest{
		"rover/task-7-abc123": {Number: 42, URL: url, State: scm.StateOpen},
	}}
	sc.PullRequests = prs

	pending := newPending(models.ActionPush, models.Meta{models.MetaSourceActionID: "wf-1"})
	res, err := Pusher{}.Process(ctx, pending, sc)
	require.NoError(t, err)

	require.Len(t, r.prompts, 1)
	assert.Contains(t, r.prompts[0], "rover/task-7-abc123")
	assert.Contains(t, r.prompts[0], "#42")
	assert.Contains(t, r.prompts[0], url)
	assert.True(t, r.opts[0].JSON)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.False(t, res.Terminal)
	require.Len(t, res.Enqueued, 1)
	notify := res.Enqueued[0]
	assert.Equal(t, models.ActionNotify, notify.ActionType)
	assert.True(t, notify.ActionType.Terminal())
	assert.Equal(t, url, notify.Meta[models.MetaPullRequestURL])
	assert.Equal(t, 42, notify.Meta[models.MetaPullRequestNumber])
	assert.NotEmpty(t, notify.ActionID)

	actions, err := sc.Store.ListActions(ctx, pending.TraceID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionNotify, actions[0].Action)
	assert.Equal(t, url, actions[0].Meta.String(models.MetaPullRequestURL))
}

func TestPusherMalformedOutput(t *testing.T) {
	ctx := context.Background()
	sc := newTestContext(t)
	require.NoError(t, sc.Store.SetTaskMapping(ctx, models.TaskMapping{ActionID: "wf-1", TaskID: "7", BranchName: "rover/task-7-abc123"}))
	sc.Reasoner = &fakeReasoner{replies: []string{"Done! I pushed everything and opened a PR."}}

	res, err := Pusher{}.Process(ctx, newPending(models.ActionPush, models.Meta{models.MetaSourceActionID: "wf-1"}), sc)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, res.Terminal)
	assert.Empty(t, res.Enqueued)
	assert.Contains(t, res.Reasoning, "malformed")
	assert.Equal(t, models.SpanStatusFailed, spanOf(t, sc, res.SpanID).Status)
}

func TestPusherNotPushed(t *testing.T) {
	ctx := context.Background()
	sc := newTestContext(t)
	require.NoError(t, sc.Store.SetTaskMapping(ctx, models.TaskMapping{ActionID: "wf-1", TaskID: "7", BranchName: "b"}))
	sc.Reasoner = &fakeReasoner{replies: []string{`{"pushed": false, "summary": "remote rejected the push"}`}}

	res, err := Pusher{}.Process(ctx, newPending(models.ActionPush, models.Meta{models.MetaSourceActionID: "wf-1"}), sc)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "remote rejected the push", res.Reasoning)
	assert.Empty(t, res.Enqueued)
}

func TestCollectBranchesFromTrace(t *testing.T) {
	ctx := context.Background()
	sc := newTestContext(t)
	now := time.Now().UTC()

	require.NoError(t, sc.Store.SaveTraces(ctx, map[string]*models.ActionTrace{
		"trace-1": {ID: "trace-1", CreatedAt: now, Steps: []models.ActionStep{
			{ActionID: "wf-a", Action: models.ActionWorkflow, Status: models.StepStatusCompleted, Timestamp: now},
			{ActionID: "commit-a", Action: models.ActionCommit, Status: models.StepStatusCompleted, Timestamp: now},
			{ActionID: "plan-a", Action: models.ActionPlan, Status: models.StepStatusCompleted, Timestamp: now},
		}},
	}))
	require.NoError(t, sc.Store.SetTaskMapping(ctx, models.TaskMapping{ActionID: "wf-a", TaskID: "1", BranchName: "rover/task-1-aaaaaa"}))
	require.NoError(t, sc.Store.SetTaskMapping(ctx, models.TaskMapping{ActionID: "plan-a", TaskID: "9", BranchName: "ignored"}))
	require.NoError(t, sc.Store.SetTaskMapping(ctx, models.TaskMapping{ActionID: "wf-b", TaskID: "2", BranchName: "rover/task-2-bbbbbb"}))

	branches, err := collectBranches(ctx, sc, newPending(models.ActionPush, models.Meta{models.MetaSourceActionID: "wf-b"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"rover/task-1-aaaaaa", "rover/task-2-bbbbbb"}, branches)
}
