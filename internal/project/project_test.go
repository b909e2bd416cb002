package project

import (
	"context"
	"errors"
	"os"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorhq/rover-sub004/internal/connectors"
)

type recordingRunner struct {
	calls    [][]string
	exitCode int
}

func (r *recordingRunner) Name() string { return "recording" }
func (r *recordingRunner) IsAllowed(cmd string, args []string) bool { return true }

func (r *recordingRunner) Execute(ctx context.Context, dir, cmd string, args []string) (*connectors.ExecResult, error) {
	r.calls = append(r.calls, append([]string{dir, cmd}, args...))
	if r.exitCode == 0 && len(args) > 4 && args[0] == "worktree" {
		if err := os.MkdirAll(args[4], 0755); err != nil {
			return nil, err
		}
	}
	return &connectors.ExecResult{Command: cmd, Args: args, ExitCode: r.exitCode, Stderr: "fatal: boom"}, nil
}

func TestCreateAndGetTask(t *testing.T) {
	root := t.TempDir()
	runner := &recordingRunner{}
	m := NewFileManager(root, runner)

	t1, err := m.CreateTask(context.Background(), TaskSpec{Title: "Fix login", Description: "users cannot log in", BaseBranch: "main"})
	require.NoError(t, err)
	t2, err := m.CreateTask(context.Background(), TaskSpec{Title: "Add docs"})
	require.NoError(t, err)

	assert.Equal(t, "1", t1.ID)
	assert.Equal(t, "2", t2.ID)
	assert.Regexp(t, regexp.MustCompile(`^rover/task-1-[0-9a-f]{6}$`), t1.BranchName)
	assert.DirExists(t, t1.WorktreePath)

	require.Len(t, runner.calls, 2)
	assert.Equal(t, []string{root, "git", "worktree", "add", "-b", t1.BranchName, t1.WorktreePath, "main"}, runner.calls[0])

	got, ok := m.GetTask("1")
	require.True(t, ok)
	assert.Equal(t, "Fix login", got.Title)
	assert.Equal(t, StatusNew, got.Status)

	require.NoError(t, m.SetStatus("1", StatusCompleted))
	got, _ = m.GetTask("1")
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestGetTaskUnknown(t *testing.T) {
	m := NewFileManager(t.TempDir(), &recordingRunner{})
	_, ok := m.GetTask("9")
	assert.False(t, ok)
	_, ok = m.GetTask("../etc")
	assert.False(t, ok)
}

func TestCreateTaskErrors(t *testing.T) {
	m := NewFileManager(t.TempDir(), &recordingRunner{exitCode: 128})

	_, err := m.CreateTask(context.Background(), TaskSpec{})
	assert.True(t, errors.Is(err, ErrEmptyTitle))

	_, err = m.CreateTask(context.Background(), TaskSpec{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fatal: boom")
}
