// Package driver defines the UI automation surface that scenario handlers
// drive. Every method is a suspension point: implementations enforce their
// own per-action timeout and report a timeout as an ordinary error.
package driver

import (
	"context"
	"errors"
	"time"
)

// DefaultTimeout is the per-action timeout used when none is configured.
const DefaultTimeout = 10 * time.Second

// ErrTimeout is wrapped by errors returned when an action exceeds its timeout.
var ErrTimeout = errors.New("action timed out")

// ErrNotFound is wrapped when a selector matches nothing.
var ErrNotFound = errors.New("element not found")

// Snapshot is a captured view of the page for diagnostic dumps.
type Snapshot struct {
	Data []byte
	// Ext is the file extension including the dot, e.g. ".png" or ".md".
	Ext string
}

// Page is one browser tab.
type Page interface {
	// Goto navigates to url, resolved against the current location.
	Goto(ctx context.Context, url string) error
	// Click activates the first element matching selector.
	Click(ctx context.Context, selector string) error
	// Type sets the value of the input matching selector.
	Type(ctx context.Context, selector, text string) error
	// WaitFor blocks until selector matches or the action times out.
	WaitFor(ctx context.Context, selector string) error
	// Count returns how many elements currently match selector.
	Count(ctx context.Context, selector string) (int, error)
	// Text waits for selector and returns its trimmed text content.
	Text(ctx context.Context, selector string) (string, error)
	// Clipboard returns the last copied text.
	Clipboard(ctx context.Context) (string, error)
	// Screenshot captures the page.
	Screenshot(ctx context.Context) (Snapshot, error)
	// URL returns the current location.
	URL() string
	// Close releases the page and its browser session.
	Close() error
}

// Launcher opens browser sessions.
type Launcher interface {
	Launch(ctx context.Context, opts Options) (Page, error)
}

// Options configure one browser session.
type Options struct {
	// BaseURL resolves relative navigation targets.
	BaseURL string
	// Timeout bounds every individual action.
	Timeout time.Duration
	// UserAgent is sent with every request when set.
	UserAgent string
}

// ActionTimeout returns the configured timeout or DefaultTimeout.
func (o Options) ActionTimeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}
