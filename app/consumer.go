package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/c360studio/goshmon/clock"
	"github.com/c360studio/goshmon/queue"
)

// Consumer runs relayed scenarios one at a time. A message that arrives
// while a scenario is running is acknowledged and dropped.
type Consumer struct {
	App       *Application
	ErrorDir  string
	Retention Retention
	Logger    *slog.Logger

	busy atomic.Bool
	wg   sync.WaitGroup
}

func (c *Consumer) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Busy reports whether a scenario is running.
func (c *Consumer) Busy() bool { return c.busy.Load() }

// Run consumes from q until ctx is done, then waits for the running
// scenario to finish.
func (c *Consumer) Run(ctx context.Context, q queue.Consumer) error {
	err := q.Consume(ctx, c.Handle)
	c.Wait()
	return err
}

// Wait blocks until no scenario is running.
func (c *Consumer) Wait() { c.wg.Wait() }

// Handle acknowledges d and starts its scenario in the background, or
// drops it when one is already running.
func (c *Consumer) Handle(ctx context.Context, d queue.Delivery) {
	if !c.busy.CompareAndSwap(false, true) {
		c.logger().Info("Consumer busy, dropping message", "bytes", len(d.Data()))
		if err := d.Ack(); err != nil {
			c.logger().Warn("Failed to ack dropped message", "error", err)
		}
		c.App.opts.Telemetry.message("shed")
		return
	}
	c.App.opts.Telemetry.busy(true)

	if err := d.Ack(); err != nil {
		c.logger().Warn("Failed to ack message", "error", err)
	}
	data := append([]byte(nil), d.Data()...)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.busy.Store(false)
			c.App.opts.Telemetry.busy(false)
		}()
		c.process(ctx, data)
	}()
}

// process runs one message. The scenario logs into its own file under
// ErrorDir.
func (c *Consumer) process(ctx context.Context, data []byte) {
	logger := c.logger()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Consumer scenario panicked", "panic", rec)
		}
	}()

	now := c.App.clock.Now()
	purged, err := c.Retention.Apply(c.ErrorDir, now, logger)
	if err != nil {
		logger.Warn("Log retention failed", "dir", c.ErrorDir, "error", err)
	}
	t := c.App.opts.Telemetry
	t.purged("age", purged.Age)
	t.purged("count", purged.Count)
	t.purged("size", purged.Size)

	msg, err := queue.Decode(data)
	if err != nil {
		logger.Warn("Dropping invalid message", "error", err)
		t.message("invalid")
		return
	}
	mode := msg.Mode
	if mode == "" {
		mode = c.App.opts.Mode
	}

	path, file, err := c.openLog(mode, clock.Seconds(now))
	if err != nil {
		logger.Warn("Failed to open invocation log", "mode", mode, "error", err)
		t.message("failed")
		return
	}
	defer file.Close()

	fileLogger := slog.New(slog.NewTextHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug}))
	fileLogger.Info("Retry received", "mode", mode, "enqueued", msg.Enqueued, "overrides", len(msg.Overlay))

	f := c.App.Factory()
	if f == nil {
		logger.Error("No handler factory", "mode", mode)
		t.message("failed")
		return
	}
	local := *f
	local.Logger = fileLogger

	rep, err := c.App.run(ctx, &local, mode, fileLogger, msg.Layer())
	if err != nil {
		fileLogger.Error("Scenario configuration failed", "error", err)
		logger.Error("Retry failed", "mode", mode, "log", path, "error", err)
		t.message("failed")
		return
	}
	if data, err := rep.Metrics.MarshalJSON(); err == nil {
		fileLogger.Info("Retry metrics", "status", rep.Status, "metrics", string(data))
	}
	r, _ := rep.Metrics.Result()
	logger.Info("Retry finished", "mode", mode, "status", rep.Status, "result", r, "log", path)
	t.message("processed")
}

func (c *Consumer) openLog(mode string, unix int64) (string, *os.File, error) {
	if err := os.MkdirAll(c.ErrorDir, 0755); err != nil {
		return "", nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(c.ErrorDir, fmt.Sprintf("%s-%d-%s.log", mode, unix, uuid.NewString()))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return "", nil, fmt.Errorf("create log: %w", err)
	}
	return path, file, nil
}
