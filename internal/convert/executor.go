package convert

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Executor runs external commands.
type Executor interface {
	Execute(ctx context.Context, name string, args ...string) (string, error)
}

type execExecutor struct{}

// NewExecutor returns an Executor backed by os/exec.
func NewExecutor() Executor {
	return &execExecutor{}
}

// Execute runs name with args and returns stdout. Stderr is folded into the error.
func (e *execExecutor) Execute(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", fmt.Errorf("command '%s' failed: %w\nstderr: %s", name, err, stderrStr)
		}
		return "", fmt.Errorf("command '%s' failed: %w", name, err)
	}

	return stdout.String(), nil
}
