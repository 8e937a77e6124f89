// Package app owns the long-lived monitoring state: the cached result of
// the configured mode, the retry relay on failures, and the queue consumer
// that re-runs relayed scenarios.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/c360studio/goshmon/clock"
	"github.com/c360studio/goshmon/config"
	"github.com/c360studio/goshmon/handler"
	"github.com/c360studio/goshmon/metrics"
	"github.com/c360studio/goshmon/queue"
	"github.com/c360studio/goshmon/runner"
)

// publishTimeout bounds one retry publish.
const publishTimeout = 5 * time.Second

// Options configure an Application.
type Options struct {
	// Mode is the scenario served by Inquiry.
	Mode string
	// Interval is the minimum time between two fresh computations.
	Interval time.Duration
	// Format controls the rendering of Inquiry.
	Format metrics.FormatOptions
	// Producer receives retry messages for failed computations. Nil
	// disables the relay.
	Producer  queue.Producer
	Telemetry *Telemetry
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Application caches the result of one mode. At most one computation runs
// at a time and a result is reused until Interval has passed.
type Application struct {
	opts   Options
	clock  clock.Clock
	logger *slog.Logger
	group  singleflight.Group
	relays sync.WaitGroup

	mu          sync.Mutex
	factory     *handler.Factory
	last        *metrics.Map
	lastFetched time.Time
}

// New creates an application serving opts.Mode with factory.
func New(factory *handler.Factory, opts Options) *Application {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Application{
		opts:    opts,
		clock:   clock.Default(opts.Clock),
		logger:  logger,
		factory: factory,
	}
}

// Mode returns the served mode.
func (a *Application) Mode() string { return a.opts.Mode }

// Factory returns the current handler factory.
func (a *Application) Factory() *handler.Factory {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.factory
}

// SwapFactory installs a factory built from reloaded configuration. The
// cached result is kept; the next computation uses the new factory.
func (a *Application) SwapFactory(f *handler.Factory) {
	a.mu.Lock()
	a.factory = f
	a.mu.Unlock()
	a.opts.Telemetry.reloaded()
	a.logger.Info("Handler factory replaced", "mode", a.opts.Mode)
}

// Inquiry returns the formatted result, computing a fresh one when the
// cached result is older than the interval. debug drops the HELP and TYPE
// headers. The error is a configuration failure.
func (a *Application) Inquiry(ctx context.Context, debug bool) (string, error) {
	m, err := a.Fetch(ctx)
	if err != nil {
		return "", err
	}
	opts := a.opts.Format
	opts.Debug = opts.Debug || debug
	return metrics.Format(m, opts), nil
}

// Fetch returns a copy of the cached result or computes a fresh one.
// Concurrent callers that miss the cache share one computation.
func (a *Application) Fetch(ctx context.Context) (*metrics.Map, error) {
	if m := a.cached(); m != nil {
		a.opts.Telemetry.inquiry("hit")
		return m, nil
	}

	v, err, shared := a.group.Do(a.opts.Mode, func() (any, error) {
		if m := a.cached(); m != nil {
			return m, nil
		}
		return a.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	if shared {
		a.opts.Telemetry.inquiry("shared")
	} else {
		a.opts.Telemetry.inquiry("miss")
	}
	return v.(*metrics.Map).Clone(), nil
}

func (a *Application) cached() *metrics.Map {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil || a.clock.Now().Sub(a.lastFetched) >= a.opts.Interval {
		return nil
	}
	return a.last.Clone()
}

// refresh runs the scenario, stores the result and relays failures.
func (a *Application) refresh(ctx context.Context) (*metrics.Map, error) {
	rep, err := a.run(ctx, a.Factory(), a.opts.Mode, a.logger)
	if err != nil {
		return nil, err
	}

	m := rep.Metrics
	a.mu.Lock()
	if !m.Has(metrics.KeyValue) && a.last != nil {
		if v, ok := a.last.Get(metrics.KeyValue); ok {
			m.Set(metrics.KeyValue, v)
		}
	}
	a.last = m
	a.lastFetched = a.clock.Now()
	a.mu.Unlock()

	if r, _ := rep.Metrics.Result(); r != metrics.ResultSuccess {
		a.relay(ctx)
	}
	return m.Clone(), nil
}

// Wait blocks until pending retry publishes have finished.
func (a *Application) Wait() {
	a.relays.Wait()
}

// Once runs the mode a single time, bypassing and leaving the cache.
func (a *Application) Once(ctx context.Context) (runner.Report, error) {
	return a.run(ctx, a.Factory(), a.opts.Mode, a.logger)
}

// run builds a fresh handler for mode from f and runs it.
func (a *Application) run(ctx context.Context, f *handler.Factory, mode string, logger *slog.Logger, extra ...config.Layer) (runner.Report, error) {
	if f == nil {
		return runner.Report{}, &config.Error{Op: "mode " + mode, Err: fmt.Errorf("no handler factory")}
	}
	h, err := f.New(mode, extra...)
	if err != nil {
		return runner.Report{}, err
	}

	start := a.clock.Now()
	logger.Info("Running scenario", "mode", mode, "handler", h.Describe())
	rep, err := h.Handle(ctx)
	if err != nil {
		return runner.Report{}, err
	}
	elapsed := a.clock.Now().Sub(start)
	a.opts.Telemetry.observeRun(mode, rep, elapsed.Seconds())

	r, _ := rep.Metrics.Result()
	if rep.Status == runner.StatusSucceeded {
		logger.Info("Scenario succeeded", "mode", mode, "result", r, "duration", elapsed)
	} else {
		logger.Warn("Scenario did not succeed", "mode", mode, "status", rep.Status,
			"result", r, "duration", elapsed, "error", rep.Err)
	}
	return rep, nil
}

// relay enqueues the resolved configuration of the mode in the background.
// Failures are logged and never reach the caller.
func (a *Application) relay(ctx context.Context) {
	if a.opts.Producer == nil {
		return
	}
	params, err := a.Factory().Resolve(a.opts.Mode)
	if err != nil {
		a.logger.Warn("Failed to resolve retry config", "mode", a.opts.Mode, "error", err)
		a.opts.Telemetry.published(false)
		return
	}
	data, err := queue.Encode(queue.Message{
		Mode:     a.opts.Mode,
		Overlay:  params,
		Enqueued: clock.Seconds(a.clock.Now()),
	})
	if err != nil {
		a.logger.Warn("Failed to encode retry message", "mode", a.opts.Mode, "error", err)
		a.opts.Telemetry.published(false)
		return
	}

	a.relays.Add(1)
	go func() {
		defer a.relays.Done()
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		if err := a.opts.Producer.Publish(ctx, data); err != nil {
			a.logger.Warn("Failed to enqueue retry", "mode", a.opts.Mode, "error", err)
			a.opts.Telemetry.published(false)
			return
		}
		a.opts.Telemetry.published(true)
		a.logger.Info("Enqueued retry", "mode", a.opts.Mode)
	}()
}
