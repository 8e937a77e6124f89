package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/c360studio/goshmon/clock"
)

// Journal is the per-run log buffer written into diagnostic dumps. Every
// line is prefixed with the local time it was recorded.
type Journal struct {
	clock  clock.Clock
	logger *slog.Logger
	level  slog.Level

	mu    sync.Mutex
	lines []string
}

// NewJournal creates a journal. Lines are mirrored to logger at debug level,
// or at info when trace is set.
func NewJournal(c clock.Clock, logger *slog.Logger, trace bool) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelDebug
	if trace {
		level = slog.LevelInfo
	}
	return &Journal{clock: clock.Default(c), logger: logger, level: level}
}

// Logf records one line.
func (j *Journal) Logf(format string, args ...any) {
	if j == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)

	j.mu.Lock()
	j.lines = append(j.lines, clock.Locale(j.clock.Now())+" "+msg)
	j.mu.Unlock()

	j.logger.Log(context.Background(), j.level, msg)
}

// Lines returns a copy of the recorded lines.
func (j *Journal) Lines() []string {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.lines...)
}

// String joins the lines with newlines.
func (j *Journal) String() string {
	return strings.Join(j.Lines(), "\n")
}

// Clear drops every line.
func (j *Journal) Clear() {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.lines = nil
	j.mu.Unlock()
}

type journalKey struct{}

// WithJournal attaches j to ctx so steps can reach it through Logf.
func WithJournal(ctx context.Context, j *Journal) context.Context {
	return context.WithValue(ctx, journalKey{}, j)
}

// Logf records a line in the journal carried by ctx, if any.
func Logf(ctx context.Context, format string, args ...any) {
	if j, ok := ctx.Value(journalKey{}).(*Journal); ok {
		j.Logf(format, args...)
	}
}
