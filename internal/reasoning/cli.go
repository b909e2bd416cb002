package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single reasoner invocation.
const DefaultTimeout = 10 * time.Minute

// CLIInvoker runs a `claude -p` style command line tool.
type CLIInvoker struct {
	Binary  string
	Model   string
	Timeout time.Duration
}

// NewCLIInvoker creates an invoker for binary. An empty model uses the tool default.
func NewCLIInvoker(binary, model string, timeout time.Duration) *CLIInvoker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &CLIInvoker{Binary: binary, Model: model, Timeout: timeout}
}

// Invoke runs the tool to completion and returns its answer.
func (c *CLIInvoker) Invoke(ctx context.Context, prompt string, opts Options) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Binary, c.args(prompt, opts)...)
	cmd.Dir = opts.Cwd

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%s timed out after %s", c.Binary, c.Timeout)
		}
		return "", fmt.Errorf("run %s: %w: %s", c.Binary, err, strings.TrimSpace(stderr.String()))
	}

	out := stdout.String()
	if opts.JSON {
		return unwrapEnvelope(out), nil
	}
	return strings.TrimSpace(out), nil
}

func (c *CLIInvoker) args(prompt string, opts Options) []string {
	args := []string{"-p", prompt}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	if opts.JSON {
		args = append(args, "--output-format", "json")
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if len(opts.Tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.Tools, ","))
	}
	return args
}

// unwrapEnvelope returns the "result" field of a JSON output envelope, or
// out unchanged when it is not one.
func unwrapEnvelope(out string) string {
	var env struct {
		Result *string `json:"result"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &env); err != nil || env.Result == nil {
		return strings.TrimSpace(out)
	}
	return *env.Result
}
