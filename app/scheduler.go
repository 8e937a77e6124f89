package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler refreshes the cache on a cron schedule so inquiries rarely
// wait for a computation.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler schedules app.Fetch on spec, a standard five-field cron
// expression or a descriptor such as "@every 5m".
func NewScheduler(ctx context.Context, app *Application, spec string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		if _, err := app.Fetch(ctx); err != nil {
			logger.Error("Warm-up failed", "mode", app.Mode(), "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("warm-up schedule %q: %w", spec, err)
	}
	return &Scheduler{cron: c, logger: logger}, nil
}

// Start runs the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Warm-up scheduler started", "entries", len(s.cron.Entries()))
}

// Stop halts the schedule and waits for a running warm-up.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
