package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"time"
)

// DefaultCommandTimeout bounds every command step.
const DefaultCommandTimeout = 60 * time.Second

// CommandResult is the outcome of a command that ran to completion. A non-zero exit code is
// reported, not treated as an error.
type CommandResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Executor runs command steps.
type Executor interface {
	Run(ctx context.Context, argv []string) (CommandResult, error)
}

// ShellExecutor runs commands as child processes with a fixed timeout.
type ShellExecutor struct {
	Timeout time.Duration
}

func NewShellExecutor(timeout time.Duration) *ShellExecutor {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &ShellExecutor{Timeout: timeout}
}

func (e *ShellExecutor) Run(ctx context.Context, argv []string) (CommandResult, error) {
	if len(argv) == 0 {
		return CommandResult{}, fmt.Errorf("empty command")
	}

	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return CommandResult{}, fmt.Errorf("%w after %s: %s", ErrStepTimeout, e.Timeout, argv[0])
	}
	if ctx.Err() != nil {
		return CommandResult{}, fmt.Errorf("command %s interrupted: %w", argv[0], ctx.Err())
	}

	result := CommandResult{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return CommandResult{}, fmt.Errorf("failed to run %s: %w", argv[0], err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

var placeholder = regexp.MustCompile(`\{(\w+)\}`)

// expandCommand substitutes {param} placeholders in every argument. Values are never split,
// so a parameter cannot inject extra arguments.
func expandCommand(template []string, params map[string]string) ([]string, error) {
	argv := make([]string, len(template))
	for i, part := range template {
		var missing string
		argv[i] = placeholder.ReplaceAllStringFunc(part, func(match string) string {
			name := match[1 : len(match)-1]
			value, ok := params[name]
			if !ok {
				if missing == "" {
					missing = name
				}
				return match
			}
			return value
		})
		if missing != "" {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParam, missing)
		}
	}
	return argv, nil
}
