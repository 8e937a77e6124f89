package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/goshmon/clock"
	"github.com/c360studio/goshmon/driver"
)

const snapshotTimeout = 10 * time.Second

// EndMarker is appended to a slow dump's log once the run completes.
const EndMarker = "End"

// Dumper writes diagnostic dumps: a page snapshot and a log file sharing
// one tag, e.g. errors/slow-read-4.md and errors/slow-read-4.log.
type Dumper struct {
	Dir   string
	Clock clock.Clock
}

// Dump writes the snapshot of page (when non-nil) and the journal. Extra
// text, such as an error message, is appended to the log.
func (d *Dumper) Dump(ctx context.Context, tag string, page driver.Page, j *Journal, extra string) error {
	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return fmt.Errorf("create dump dir: %w", err)
	}

	var firstErr error
	if page != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotTimeout)
		snap, err := page.Screenshot(sctx)
		cancel()
		if err == nil {
			err = os.WriteFile(filepath.Join(d.Dir, tag+snap.Ext), snap.Data, 0644)
		}
		if err != nil {
			firstErr = fmt.Errorf("snapshot: %w", err)
		}
	}

	text := j.String()
	if extra != "" {
		if text != "" {
			text += "\n"
		}
		text += extra
	}
	if err := os.WriteFile(d.LogPath(tag), []byte(text), 0644); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("write log: %w", err)
	}
	return firstErr
}

// Finalize appends the end marker to the log of tag.
func (d *Dumper) Finalize(tag string) error {
	f, err := os.OpenFile(d.LogPath(tag), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "\n%s %s", clock.Locale(clock.Default(d.Clock).Now()), EndMarker)
	return err
}

// LogPath returns the log file path of tag.
func (d *Dumper) LogPath(tag string) string {
	return filepath.Join(d.Dir, tag+".log")
}
