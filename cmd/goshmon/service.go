package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/goshmon/app"
	"github.com/c360studio/goshmon/config"
	"github.com/c360studio/goshmon/driver/htmlpage"
	"github.com/c360studio/goshmon/handler"
	"github.com/c360studio/goshmon/metrics"
	"github.com/c360studio/goshmon/queue"
	"github.com/c360studio/goshmon/server"
)

// releaseTimeout bounds release lookups and downloads.
const releaseTimeout = 2 * time.Minute

// service is the loaded configuration of one invocation and the
// collaborators built from it.
type service struct {
	mode      string
	kind      handler.Kind
	settings  config.Global
	loader    *config.Loader
	factory   *handler.Factory
	telemetry *app.Telemetry
	logger    *slog.Logger
	format    metrics.FormatOptions
}

// setup loads the configuration and resolves the mode. Every failure here
// is a configuration error.
func (c *cli) setup(args []string) (*service, error) {
	logger := c.logger()
	slog.SetDefault(logger)

	mode, err := selectMode(args, c.getenv)
	if err != nil {
		return nil, classify(err)
	}

	loader := config.NewLoader(logger).WithEnviron(c.environ)
	cfg, err := loader.Load(c.configs...)
	if err != nil {
		return nil, classify(err)
	}
	settings, err := cfg.Settings()
	if err != nil {
		return nil, classify(err)
	}
	labels, err := metrics.ParseLabels(settings.Label)
	if err != nil {
		return nil, classify(&config.Error{Op: "global label", Err: err})
	}

	s := &service{
		mode:      mode,
		settings:  settings,
		loader:    loader,
		telemetry: app.NewTelemetry(),
		logger:    logger,
		format:    metrics.FormatOptions{Prefix: settings.Prefix, Labels: labels, Debug: settings.Debug},
	}
	s.factory = s.newFactory(cfg)
	s.kind, err = s.factory.Kind(mode)
	if err != nil {
		return nil, classify(err)
	}
	logger.Debug("Mode selected", "mode", mode, "handler", s.kind)
	return s, nil
}

func (s *service) newFactory(cfg *config.Config) *handler.Factory {
	return handler.NewFactory(handler.Deps{
		Config:     cfg,
		Loader:     s.loader,
		Launcher:   &htmlpage.Launcher{Logger: s.logger},
		Logger:     s.logger,
		HTTPClient: &http.Client{Timeout: releaseTimeout},
		ErrorDir:   s.settings.ErrorDir,
		Interval:   s.interval(),
		Trace:      s.settings.Steps,
	})
}

func (s *service) interval() time.Duration {
	return time.Duration(s.settings.Interval) * time.Second
}

func (s *service) retention() app.Retention {
	return app.Retention{
		MaxAge:   time.Duration(s.settings.RetentionMaxAge) * time.Second,
		MaxFiles: s.settings.RetentionMaxFiles,
		MaxSize:  s.settings.RetentionMaxSize,
		Pattern:  s.settings.RetentionPattern,
	}
}

// connect opens the retry queue. A nil queue means the relay is off.
func (s *service) connect(ctx context.Context) (*queue.JetStream, error) {
	return queue.Connect(ctx, queue.Options{
		URL:             s.settings.QueueURL,
		Stream:          s.settings.QueueStream,
		Subject:         s.settings.QueueSubject,
		Durable:         s.settings.QueueDurable,
		TTL:             time.Duration(s.settings.QueueTTL) * time.Second,
		ConnectAttempts: s.settings.QueueConnectAttempts,
		Logger:          s.logger,
	})
}

func (s *service) application(producer queue.Producer, interval time.Duration) *app.Application {
	return app.New(s.factory, app.Options{
		Mode:      s.mode,
		Interval:  interval,
		Format:    s.format,
		Producer:  producer,
		Telemetry: s.telemetry,
		Logger:    s.logger,
	})
}

// openQueue connects the relay queue. Failures disable it and are logged.
func (s *service) openQueue(ctx context.Context) *queue.JetStream {
	js, err := s.connect(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrDisabled) {
			s.logger.Debug("Retry queue disabled")
		} else {
			s.logger.Warn("Retry queue unavailable, relay disabled", "url", s.settings.QueueURL, "error", err)
		}
		return nil
	}
	return js
}

func (c *cli) serve(ctx context.Context, s *service) error {
	if s.kind == handler.KindMonitor {
		return classify(&config.Error{Op: "mode " + s.mode, Err: fmt.Errorf("monitor modes run with the monitor command")})
	}

	js := s.openQueue(ctx)
	defer js.Close()
	var producer queue.Producer
	if js != nil {
		producer = js
	}
	a := s.application(producer, s.interval())
	defer a.Wait()

	if len(c.configs) > 0 {
		w, err := config.NewWatcher(s.loader, c.configs, func(cfg *config.Config) {
			a.SwapFactory(s.newFactory(cfg))
		}, s.logger)
		if err != nil {
			s.logger.Warn("Config watcher unavailable", "error", err)
		} else if err := w.Start(ctx); err != nil {
			s.logger.Warn("Config watcher unavailable", "error", err)
			w.Stop()
		} else {
			defer w.Stop()
		}
	}

	if spec := s.settings.WarmupSchedule; spec != "" {
		sched, err := app.NewScheduler(ctx, a, spec, s.logger)
		if err != nil {
			return classify(&config.Error{Op: "global warmup_schedule", Err: err})
		}
		sched.Start()
		defer sched.Stop()
	}

	if js != nil {
		consumer := &app.Consumer{App: a, ErrorDir: s.settings.ErrorDir, Retention: s.retention(), Logger: s.logger}
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := consumer.Run(ctx, js); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("Retry consumer stopped", "error", err)
			}
		}()
		defer func() { <-done }()
	}

	srv := server.New(a, server.Config{
		Address:          s.settings.Listen,
		Telemetry:        s.telemetry.Handler(),
		TelemetryAddress: s.settings.TelemetryListen,
		Logger:           s.logger,
	})
	if err := srv.Run(ctx); err != nil {
		return &exitError{code: exitConfig, err: fmt.Errorf("serve: %w", err)}
	}
	s.logger.Info("Goshmon stopped")
	return nil
}

// runOnce computes the mode a single time, prints the metrics and exits
// with the result code. Failures are relayed like in the server.
func (c *cli) runOnce(ctx context.Context, s *service) error {
	if s.kind == handler.KindMonitor {
		return classify(&config.Error{Op: "mode " + s.mode, Err: fmt.Errorf("monitor modes cannot run once")})
	}

	js := s.openQueue(ctx)
	defer js.Close()
	var producer queue.Producer
	if js != nil {
		producer = js
	}

	a := s.application(producer, 0)
	m, err := a.Fetch(ctx)
	a.Wait()
	if err != nil {
		return classify(err)
	}
	fmt.Fprintln(c.stdout, metrics.Format(m, s.format))

	if code := exitCode(m); code != exitOK {
		return &exitError{code: code}
	}
	return nil
}

// consume re-runs relayed scenarios until interrupted. The mode is the
// default for messages that name none.
func (c *cli) consume(ctx context.Context, s *service) error {
	js, err := s.connect(ctx)
	if err != nil {
		return &exitError{code: exitConfig, err: fmt.Errorf("connect queue: %w", err)}
	}
	defer js.Close()

	consumer := &app.Consumer{
		App:       s.application(nil, 0),
		ErrorDir:  s.settings.ErrorDir,
		Retention: s.retention(),
		Logger:    s.logger,
	}
	s.logger.Info("Consuming retries", "subject", s.settings.QueueSubject, "default_mode", s.mode)
	if err := consumer.Run(ctx, js); err != nil && !errors.Is(err, context.Canceled) {
		return &exitError{code: exitUnknown, err: err}
	}
	return nil
}

// monitor runs a passive monitor mode until interrupted.
func (c *cli) monitor(ctx context.Context, s *service) error {
	if s.kind != handler.KindMonitor {
		return classify(&config.Error{Op: "mode " + s.mode, Err: fmt.Errorf("%s is not a monitor mode", s.kind)})
	}
	_, err := s.application(nil, 0).Once(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return classify(err)
	}
	return nil
}
