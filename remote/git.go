// Package remote drives the command-line side of remote scenarios: a git
// client talking to the gateway through a remote helper, and the
// provisioning of that helper from GitHub releases.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// MinBudget is the smallest timeout ever given to a subprocess.
const MinBudget = time.Second

// DefaultWaitDelay bounds how long a subprocess may linger after SIGINT.
const DefaultWaitDelay = 5 * time.Second

// Budget returns the time left before started+timeout, never less than
// MinBudget.
func Budget(started time.Time, timeout time.Duration, now time.Time) time.Duration {
	left := started.Add(timeout).Sub(now)
	if left < MinBudget {
		return MinBudget
	}
	return left
}

// Git runs git subcommands.
type Git struct {
	// Binary defaults to "git".
	Binary string
	// Dir is the working directory.
	Dir string
	// Env is appended to the process environment.
	Env []string
	// WaitDelay defaults to DefaultWaitDelay.
	WaitDelay time.Duration
	Logger    *slog.Logger
}

// Run executes one command with timeout. When the timeout passes the
// process receives SIGINT, then is killed after WaitDelay.
func (g *Git) Run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, bin, args...)
	cmd.Dir = g.Dir
	if len(g.Env) > 0 {
		cmd.Env = append(os.Environ(), g.Env...)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = g.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	start := time.Now()
	output, err := cmd.CombinedOutput()
	logger.Debug("Subprocess finished",
		"cmd", bin,
		"args", strings.Join(args, " "),
		"dir", g.Dir,
		"duration", time.Since(start),
		"error", err)

	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return string(output), fmt.Errorf("%s %s: timed out after %s: %s", bin, firstArg(args), timeout, strings.TrimSpace(string(output)))
		}
		return string(output), fmt.Errorf("%s %s: %w: %s", bin, firstArg(args), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// Clone clones url into dir on branch.
func (g *Git) Clone(ctx context.Context, timeout time.Duration, url, dir, branch string) error {
	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, dir)
	_, err := g.Run(ctx, timeout, args...)
	return err
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
