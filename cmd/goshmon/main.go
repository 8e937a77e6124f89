// Package main provides the goshmon binary entry point.
// Goshmon runs end-to-end monitoring scenarios against a web application
// and a remote gateway, and serves their outcome as prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/goshmon/config"
	"github.com/c360studio/goshmon/metrics"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "goshmon"

	// ModeEnv selects the mode when no positional argument is given.
	ModeEnv = "GOSHMON_MODE"
	// OneShotEnv set to 1 turns the default command into a single run.
	OneShotEnv = "GOSHMON_ONESHOT"
)

// Exit codes outside the 100+result range of one-shot runs.
const (
	exitOK       = 0
	exitConfig   = 1
	exitPanic    = 2
	exitUnknown  = 99
	exitFailBase = 100
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(exitPanic)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	c := &cli{
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		getenv:  os.Getenv,
		environ: os.Environ,
	}
	code := c.execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// cli holds the flags and process surroundings of one invocation.
type cli struct {
	configs  []string
	logLevel string

	stdout  io.Writer
	stderr  io.Writer
	getenv  func(string) string
	environ func() []string
}

// execute runs the command line and maps the outcome to an exit code.
func (c *cli) execute(ctx context.Context, args []string) int {
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(c.stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(c.stderr, "Error: %v\n", err)
	return exitConfig
}

func (c *cli) rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "goshmon [mode]",
		Short: "End-to-end monitoring scenarios as prometheus metrics",
		Long: `Goshmon drives scripted scenarios against a web application and a
remote gateway and publishes each outcome as a small metric set.

The default command serves the configured mode on /metrics. Set
GOSHMON_ONESHOT=1 or global.cron to run it once and exit with its result.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.setup(args)
			if err != nil {
				return err
			}
			if c.getenv(OneShotEnv) == "1" || rt.settings.Cron {
				return c.runOnce(cmd.Context(), rt)
			}
			return c.serve(cmd.Context(), rt)
		},
	}

	cmd.PersistentFlags().StringArrayVarP(&c.configs, "config", "c", nil, "Config file path (YAML or TOML); may repeat")
	cmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		c.modeCmd("serve", "Serve the mode's metrics over HTTP", c.serve),
		c.modeCmd("run", "Run the mode once and exit with its result", c.runOnce),
		c.modeCmd("consume", "Re-run relayed scenarios from the retry queue", c.consume),
		c.modeCmd("monitor", "Run a passive monitor mode until interrupted", c.monitor),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}

func (c *cli) modeCmd(use, short string, fn func(context.Context, *service) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [mode]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.setup(args)
			if err != nil {
				return err
			}
			return fn(cmd.Context(), rt)
		},
	}
}

func (c *cli) logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: parseLevel(c.logLevel)}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// selectMode picks the positional argument, then GOSHMON_MODE.
func selectMode(args []string, getenv func(string) string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if m := getenv(ModeEnv); m != "" {
		return m, nil
	}
	return "", &config.Error{Op: "select mode", Err: fmt.Errorf("no mode given; pass one or set %s", ModeEnv)}
}

// exitCode maps a one-shot result: 0 on success, 100+result otherwise.
func exitCode(m *metrics.Map) int {
	r, ok := m.Result()
	if !ok {
		return exitUnknown
	}
	if r == metrics.ResultSuccess {
		return exitOK
	}
	return exitFailBase + r
}

// classify wraps a run error with its exit code.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if config.IsConfigError(err) {
		return &exitError{code: exitConfig, err: err}
	}
	return &exitError{code: exitUnknown, err: err}
}
