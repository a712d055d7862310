package deliberation

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// CLIAdapterConfig configures a backend invoked as a subprocess (e.g. a
// local model CLI). Grounded on the teacher's pattern of shelling out
// to external tools with an explicit working directory rather than
// mutating the server's own cwd (spec §9: "prefer spawning subprocesses
// with an explicit cwd argument instead of chdir whenever the platform
// supports it").
type CLIAdapterConfig struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// CLIAdapter invokes a backend as a subprocess, passing the prompt on
// stdin and the model name as an argument.
type CLIAdapter struct {
	cfg CLIAdapterConfig
}

// NewCLIAdapter constructs a CLIAdapter.
func NewCLIAdapter(cfg CLIAdapterConfig) *CLIAdapter {
	cfg.Timeout = defaultTimeout(cfg.Timeout)
	return &CLIAdapter{cfg: cfg}
}

// Invoke runs the configured command with an explicit working
// directory, piping prompt+context on stdin and returning stdout.
func (a *CLIAdapter) Invoke(ctx context.Context, prompt, model, roundContext string, isDeliberation bool, workingDirectory string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	args := append([]string{}, a.cfg.Args...)
	args = append(args, "--model", model)

	cmd := exec.CommandContext(ctx, a.cfg.Command, args...)
	if workingDirectory != "" {
		cmd.Dir = workingDirectory
	}

	var stdin bytes.Buffer
	if roundContext != "" {
		stdin.WriteString(roundContext)
		stdin.WriteString("\n\n")
	}
	stdin.WriteString(prompt)
	cmd.Stdin = &stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", ErrAdapterTimeout
	}
	if err != nil {
		return "", fmt.Errorf("adapter %s: %w: %s", a.cfg.Command, err, stderr.String())
	}
	return stdout.String(), nil
}
