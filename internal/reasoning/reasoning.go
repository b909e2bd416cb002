// Package reasoning invokes the external reasoning tool that steps consult
// and extracts structured results from its free-form output.
package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedOutput is returned when reasoner output does not contain the
// expected JSON payload.
var ErrMalformedOutput = errors.New("malformed reasoner output")

// Options tune a single invocation.
type Options struct {
	// JSON asks the tool for a JSON payload.
	JSON bool
	// Cwd is the working directory the tool runs in.
	Cwd string
	// SystemPrompt is appended to the tool's own system prompt.
	SystemPrompt string
	// Tools restricts the tools the reasoner may use.
	Tools []string
}

// Invoker runs a prompt and returns the raw text answer.
type Invoker interface {
	Invoke(ctx context.Context, prompt string, opts Options) (string, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, prompt string, opts Options) (string, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, prompt string, opts Options) (string, error) {
	return f(ctx, prompt, opts)
}

// ParseJSON decodes the JSON object embedded in out into v. Markdown code
// fences and leading or trailing prose are tolerated.
func ParseJSON(out string, v any) error {
	body := strings.TrimSpace(out)
	if i := strings.Index(body, "```"); i >= 0 {
		rest := body[i+3:]
		if nl := strings.Index(rest, "\n"); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		body = rest
	}

	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("%w: no JSON object found", ErrMalformedOutput)
	}
	if err := json.Unmarshal([]byte(body[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}
