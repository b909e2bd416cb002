// Package connectors defines the interface for running local commands on
// behalf of pipeline steps.
package connectors

import (
	"context"
	"fmt"
	"strings"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	Dir      string   `json:"dir,omitempty"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// OK reports whether the command exited with status zero.
func (r *ExecResult) OK() bool {
	return r.ExitCode == 0
}

// Err converts a non-zero exit into an error carrying stderr.
func (r *ExecResult) Err() error {
	if r.OK() {
		return nil
	}
	msg := strings.TrimSpace(r.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(r.Stdout)
	}
	return fmt.Errorf("%s %s: exit %d: %s", r.Command, strings.Join(r.Args, " "), r.ExitCode, msg)
}

// Connector defines the interface for executing commands.
type Connector interface {
	// Name returns the connector identifier.
	Name() string

	// Execute runs a command in dir and returns the result. An empty dir
	// uses the connector's default working directory.
	Execute(ctx context.Context, dir, cmd string, args []string) (*ExecResult, error)

	// IsAllowed checks if a command is allowed to execute.
	IsAllowed(cmd string, args []string) bool
}
