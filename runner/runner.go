package runner

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/c360studio/goshmon/clock"
	"github.com/c360studio/goshmon/driver"
	"github.com/c360studio/goshmon/metrics"
)

// Status tells how a run ended. Failed and exhausted runs share the same
// metrics shape; the status keeps them apart for telemetry.
type Status string

// Run statuses.
const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusExhausted Status = "exhausted"
)

// Report is the outcome of one run.
type Report struct {
	Metrics *metrics.Map
	Status  Status
	Steps   int
	// Err is the step error of a failed run.
	Err error
	// Slow is set when the run crossed the slow threshold.
	Slow bool
}

// Runner executes step lists. A Runner is used for one run at a time.
type Runner struct {
	// Mode names dump files; "error" when empty.
	Mode string
	// SlowAfter is the elapsed time after which a partial dump is taken.
	// Zero disables slow detection.
	SlowAfter time.Duration

	Clock   clock.Clock
	Dumper  *Dumper
	Journal *Journal
	Session *driver.Session
	Logger  *slog.Logger
}

func (r *Runner) tag(prefix string, n int) string {
	mode := r.Mode
	if mode == "" {
		mode = "error"
	}
	return fmt.Sprintf("%s%s-%d", prefix, mode, n)
}

// DoSteps runs steps and returns the metrics of the run.
func (r *Runner) DoSteps(ctx context.Context, steps []Step) *metrics.Map {
	return r.Run(ctx, steps).Metrics
}

// Run executes steps in order until one returns a value or an error.
// The session is closed and the journal cleared before it returns.
func (r *Runner) Run(ctx context.Context, steps []Step) Report {
	clk := clock.Default(r.Clock)
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if r.Journal == nil {
		r.Journal = NewJournal(clk, logger, false)
	}
	ctx = WithJournal(ctx, r.Journal)

	start := clk.Now()
	started := clock.Seconds(start)
	count := 0
	slowTag := ""

	defer func() {
		if err := r.Session.Close(); err != nil {
			logger.Warn("Failed to close page", "mode", r.Mode, "error", err)
		}
		r.Journal.Clear()
	}()

	elapsed := func() float64 {
		return float64(clock.Millis(clk.Now())-clock.Millis(start)) / 1000
	}

	for i, step := range steps {
		if step.mark == "" {
			r.Journal.Logf("step %d: %s", i+1, step.Name)
		}

		out, err := r.invoke(ctx, step)
		if err != nil {
			r.Journal.Logf("step %d failed: %v", i+1, err)
			logger.Warn("Scenario step failed",
				"mode", r.Mode,
				"step", step.Name,
				"completed", count,
				"error", err)
			tag := r.tag("", count)
			if r.Dumper != nil {
				if derr := r.Dumper.Dump(ctx, tag, r.Session.Page(), r.Journal, err.Error()); derr != nil {
					logger.Warn("Failed to write dump", "tag", tag, "error", derr)
				}
			}
			return Report{
				Metrics: partial(count, clk.Now(), elapsed()),
				Status:  StatusFailed,
				Steps:   count,
				Err:     err,
				Slow:    slowTag != "",
			}
		}

		if !out.IsIgnore() {
			count++
		}

		if r.SlowAfter > 0 && slowTag == "" && clk.Now().Sub(start) > r.SlowAfter {
			slowTag = r.tag("slow-", count)
			r.Journal.Logf("slow: %.3fs after %d steps", elapsed(), count)
			logger.Info("Scenario running slow", "mode", r.Mode, "steps", count, "elapsed", elapsed())
			if r.Dumper != nil {
				if derr := r.Dumper.Dump(ctx, slowTag, r.Session.Page(), r.Journal, ""); derr != nil {
					logger.Warn("Failed to write dump", "tag", slowTag, "error", derr)
				}
			}
		}

		if out.IsValue() {
			if slowTag != "" && r.Dumper != nil {
				if derr := r.Dumper.Finalize(slowTag); derr != nil {
					logger.Warn("Failed to finalize dump", "tag", slowTag, "error", derr)
				}
			}
			m := metrics.New()
			m.Set(metrics.KeyResult, metrics.ResultSuccess)
			m.Set(metrics.KeyValue, out.V())
			m.Set(metrics.KeyTimestamp, float64(clock.Seconds(clk.Now())))
			m.Set(metrics.KeyStarted, float64(started))
			m.Set(metrics.KeyDuration, elapsed())
			return Report{Metrics: m, Status: StatusSucceeded, Steps: count, Slow: slowTag != ""}
		}
	}

	r.Journal.Logf("ran out of steps after %d", count)
	return Report{
		Metrics: partial(count, clk.Now(), elapsed()),
		Status:  StatusExhausted,
		Steps:   count,
		Slow:    slowTag != "",
	}
}

func (r *Runner) invoke(ctx context.Context, step Step) (out Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("step %q panicked: %v\n%s", step.Name, rec, debug.Stack())
		}
	}()
	if step.Run == nil {
		return Ignore, nil
	}
	return step.Run(ctx)
}

func partial(count int, now time.Time, duration float64) *metrics.Map {
	m := metrics.New()
	m.Set(metrics.KeyResult, float64(count))
	m.Set(metrics.KeyTimestamp, float64(clock.Seconds(now)))
	m.Set(metrics.KeyDuration, duration)
	return m
}
