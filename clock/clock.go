// Package clock provides the wall-clock helpers shared by the runner,
// handlers and application cache.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source. Production code uses Real; tests use Fake.
type Clock interface {
	Now() time.Time
}

// Real reads the system clock.
type Real struct{}

// Now returns the current system time.
func (Real) Now() time.Time { return time.Now() }

// Default returns c, or Real when c is nil.
func Default(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}

// Seconds returns t as unix seconds.
func Seconds(t time.Time) int64 { return t.Unix() }

// Millis returns t as unix milliseconds.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// SecondsFloat returns t as fractional unix seconds.
func SecondsFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// ISO formats t in UTC with millisecond precision.
func ISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// Locale formats t in the local zone the way journal lines are prefixed.
func Locale(t time.Time) string {
	return t.Local().Format("1/2/2006, 3:04:05 PM")
}

// Fake is a manually advanced clock.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set moves the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}
