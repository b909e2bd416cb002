// Package project resolves the tasks that pipeline steps work on. Each task
// lives under <root>/.rover/tasks/<id>/ with its own git worktree.
package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/endorhq/rover-sub004/internal/connectors"
)

// Task statuses.
const (
	StatusNew        = "NEW"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

const descriptionFile = "description.json"

// ErrEmptyTitle is returned when a task is created without a title.
var ErrEmptyTitle = errors.New("task title is required")

// Task is a unit of work with its own branch and worktree.
type Task struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	WorktreePath string    `json:"worktreePath"`
	BranchName   string    `json:"branchName"`
	BaseBranch   string    `json:"baseBranch,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
}

// TaskSpec describes a task to create.
type TaskSpec struct {
	Title       string
	Description string
	BaseBranch  string
}

// Manager creates and resolves tasks.
type Manager interface {
	GetTask(id string) (*Task, bool)
	CreateTask(ctx context.Context, spec TaskSpec) (*Task, error)
}

// FileManager is a Manager backed by the project's .rover directory.
type FileManager struct {
	root   string
	runner connectors.Connector
	mu     sync.Mutex
}

// NewFileManager creates a manager for the project at root. runner creates worktrees.
func NewFileManager(root string, runner connectors.Connector) *FileManager {
	return &FileManager{root: root, runner: runner}
}

// Root returns the project root.
func (m *FileManager) Root() string {
	return m.root
}

func (m *FileManager) tasksDir() string {
	return filepath.Join(m.root, ".rover", "tasks")
}

// GetTask loads a task by id.
func (m *FileManager) GetTask(id string) (*Task, bool) {
	if _, err := strconv.Atoi(id); err != nil {
		return nil, false
	}
	data, err := os.ReadFile(filepath.Join(m.tasksDir(), id, descriptionFile))
	if err != nil {
		return nil, false
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, false
	}
	return &task, true
}

// CreateTask allocates the next task id, creates a worktree on a fresh branch
// and records the task description.
func (m *FileManager) CreateTask(ctx context.Context, spec TaskSpec) (*Task, error) {
	if spec.Title == "" {
		return nil, ErrEmptyTitle
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.nextID()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(m.tasksDir(), strconv.Itoa(id))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create task directory: %w", err)
	}

	task := &Task{
		ID:           strconv.Itoa(id),
		Title:        spec.Title,
		Description:  spec.Description,
		WorktreePath: filepath.Join(dir, "workspace"),
		BranchName:   fmt.Sprintf("rover/task-%d-%s", id, uuid.New().String()[:6]),
		BaseBranch:   spec.BaseBranch,
		Status:       StatusNew,
		CreatedAt:    time.Now().UTC(),
	}

	args := []string{"worktree", "add", "-b", task.BranchName, task.WorktreePath}
	if spec.BaseBranch != "" {
		args = append(args, spec.BaseBranch)
	}
	res, err := m.runner.Execute(ctx, m.root, "git", args)
	if err != nil {
		return nil, fmt.Errorf("create worktree: %w", err)
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("create worktree: %w", err)
	}

	if err := m.save(task); err != nil {
		return nil, err
	}
	return task, nil
}

// SetStatus updates a task's status.
func (m *FileManager) SetStatus(id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.GetTask(id)
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	task.Status = status
	return m.save(task)
}

func (m *FileManager) save(task *Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	path := filepath.Join(m.tasksDir(), task.ID, descriptionFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write task: %w", err)
	}
	return nil
}

func (m *FileManager) nextID() (int, error) {
	entries, err := os.ReadDir(m.tasksDir())
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("read tasks directory: %w", err)
	}
	highest := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if n, err := strconv.Atoi(e.Name()); err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}
