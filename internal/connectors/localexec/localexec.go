// Package localexec runs allow-listed commands on the local machine.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/endorhq/rover-sub004/internal/connectors"
)

// Allowlist maps a command to the subcommands that may be run with it.
type Allowlist map[string][]string

// GitAllowlist covers what the pipeline steps and the project manager run.
// Pushing is left to the reasoning agent.
var GitAllowlist = Allowlist{
	"git": {"status", "diff", "add", "commit", "merge", "worktree", "rev-parse", "log"},
}

// maxOutput caps each captured stream.
const maxOutput = 1 << 20

// LocalExec implements connectors.Connector on top of os/exec.
type LocalExec struct {
	workDir string
	allow   Allowlist
	env     []string
}

// Option configures a LocalExec.
type Option func(*LocalExec)

// WithAllowlist replaces GitAllowlist.
func WithAllowlist(a Allowlist) Option {
	return func(l *LocalExec) { l.allow = a }
}

// WithEnv adds KEY=VALUE pairs to the environment of every command.
func WithEnv(kv ...string) Option {
	return func(l *LocalExec) { l.env = append(l.env, kv...) }
}

// New creates a runner whose default working directory is workDir. Git never
// prompts for credentials or an editor.
func New(workDir string, opts ...Option) *LocalExec {
	l := &LocalExec{
		workDir: workDir,
		allow:   GitAllowlist,
		env:     []string{"GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true"},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed reports whether cmd is listed and args start with one of its
// allowed subcommands.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	subcmds, ok := l.allow[cmd]
	if !ok || len(args) == 0 {
		return false
	}
	for _, s := range subcmds {
		if args[0] == s {
			return true
		}
	}
	return false
}

// Execute runs cmd in dir, or in the default working directory when dir is
// empty. A non-zero exit is reported through the result, not the error.
func (l *LocalExec) Execute(ctx context.Context, dir, cmd string, args []string) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("command not allowed: %s %s", cmd, strings.Join(args, " "))
	}
	if dir == "" {
		dir = l.workDir
	}

	c := exec.CommandContext(ctx, cmd, args...)
	c.Dir = dir
	c.Env = append(os.Environ(), l.env...)

	stdout := &cappedBuffer{limit: maxOutput}
	stderr := &cappedBuffer{limit: maxOutput}
	c.Stdout = stdout
	c.Stderr = stderr

	res := &connectors.ExecResult{Command: cmd, Args: args, Dir: dir}
	if err := c.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run %s %s: %w", cmd, strings.Join(args, " "), err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, nil
}

// cappedBuffer keeps the first limit bytes and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
