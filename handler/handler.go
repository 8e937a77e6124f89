// Package handler turns a configured mode into a runnable scenario.
//
// A mode's resolved parameters name a Kind through the "handler" key. The
// Factory resolves the layered configuration for the mode, validates the
// kind, and builds a fresh Handler for one invocation. Handlers are never
// reused: the caching Application keeps the Factory, not the Handler.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/goshmon/clock"
	"github.com/c360studio/goshmon/config"
	"github.com/c360studio/goshmon/driver"
	"github.com/c360studio/goshmon/runner"
)

// Handler runs one scenario invocation.
type Handler interface {
	// Describe names the scenario and its target for logs.
	Describe() string
	// Handle runs the scenario. Step and validation failures are reported
	// through the returned metrics; the error is reserved for
	// configuration failures, which are fatal.
	Handle(ctx context.Context) (runner.Report, error)
}

// Deps are the collaborators shared by every handler.
type Deps struct {
	Config   *config.Config
	Loader   *config.Loader
	Launcher driver.Launcher
	Clock    clock.Clock
	Logger   *slog.Logger
	// HTTPClient is used for release lookups and downloads.
	HTTPClient *http.Client

	// ErrorDir receives diagnostic dumps.
	ErrorDir string
	// Interval is the application poll interval; runs slower than it dump.
	Interval time.Duration
	// Trace mirrors every journal line to the log at info level.
	Trace bool
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Deps) newRunner(mode string, slowAfter time.Duration, session *driver.Session) *runner.Runner {
	clk := clock.Default(d.Clock)
	var dumper *runner.Dumper
	if d.ErrorDir != "" {
		dumper = &runner.Dumper{Dir: d.ErrorDir, Clock: clk}
	}
	return &runner.Runner{
		Mode:      mode,
		SlowAfter: slowAfter,
		Clock:     clk,
		Dumper:    dumper,
		Journal:   runner.NewJournal(clk, d.logger().With("mode", mode), d.Trace),
		Session:   session,
		Logger:    d.logger(),
	}
}

// Factory builds handlers for configured modes.
type Factory struct {
	Deps
}

// NewFactory creates a factory.
func NewFactory(deps Deps) *Factory {
	return &Factory{Deps: deps}
}

// Resolve returns the parameters of mode: global, mode section, CONFIG_
// environment, the extra layers in order, and finally the MCONF_<MODE>_
// environment.
func (f *Factory) Resolve(mode string, extra ...config.Layer) (config.Params, error) {
	if f.Config == nil {
		return nil, &config.Error{Op: "resolve " + mode, Err: fmt.Errorf("no configuration loaded")}
	}
	layers := append([]config.Layer(nil), extra...)
	if f.Loader != nil {
		layers = append(layers, f.Loader.ModeEnv(mode))
	}
	return f.Config.Resolve(mode, layers...)
}

// New builds the handler for mode.
func (f *Factory) New(mode string, extra ...config.Layer) (Handler, error) {
	params, err := f.Resolve(mode, extra...)
	if err != nil {
		return nil, err
	}
	kind, err := ParseKind(params.String("handler"))
	if err != nil {
		return nil, &config.Error{Op: "mode " + mode, Err: err}
	}

	h, err := f.build(kind, mode, params)
	if err != nil {
		return nil, &config.Error{Op: "mode " + mode, Err: err}
	}
	return h, nil
}

// Kind returns the kind configured for mode.
func (f *Factory) Kind(mode string) (Kind, error) {
	params, err := f.Resolve(mode)
	if err != nil {
		return "", err
	}
	kind, err := ParseKind(params.String("handler"))
	if err != nil {
		return "", &config.Error{Op: "mode " + mode, Err: err}
	}
	return kind, nil
}

func (f *Factory) build(kind Kind, mode string, params config.Params) (Handler, error) {
	switch kind {
	case KindRead, KindWrite, KindRotate, KindSetup, KindSeed, KindRoot:
		return newAppHandler(&f.Deps, kind, mode, params)
	case KindRemoteRead, KindRemoteWrite:
		return newRemoteHandler(&f.Deps, kind, mode, params)
	case KindScript:
		return newScriptHandler(f, mode, params)
	case KindMonitor:
		return newMonitorHandler(&f.Deps, mode, params)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(kind))
	}
}

// slowThreshold is the poll interval, capped by the scenario timeout for
// long-running remote scenarios.
func slowThreshold(interval, timeout time.Duration, remote bool) time.Duration {
	if remote && timeout > 0 && (interval <= 0 || timeout < interval) {
		return timeout
	}
	return interval
}
