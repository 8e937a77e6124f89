package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Retention bounds the files kept in a log directory. Zero limits are off.
type Retention struct {
	MaxAge   time.Duration
	MaxFiles int
	MaxSize  int64
	// Pattern selects the files the policy applies to; "*" when empty.
	Pattern string
}

// Purged counts the files removed by each pass.
type Purged struct {
	Age   int
	Count int
	Size  int
}

// Total is the number of files removed.
func (p Purged) Total() int { return p.Age + p.Count + p.Size }

type logFile struct {
	path string
	mod  time.Time
	size int64
}

// Enabled reports whether any limit is set.
func (r Retention) Enabled() bool {
	return r.MaxAge > 0 || r.MaxFiles > 0 || r.MaxSize > 0
}

// Apply runs the age, count and size passes in that order over one listing
// of dir. Files are ordered by modification time, oldest first. A missing
// directory is not an error.
func (r Retention) Apply(dir string, now time.Time, logger *slog.Logger) (Purged, error) {
	var purged Purged
	if !r.Enabled() {
		return purged, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	pattern := r.Pattern
	if pattern == "" {
		pattern = "*"
	}
	if !doublestar.ValidatePattern(pattern) {
		return purged, fmt.Errorf("invalid retention pattern %q", pattern)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return purged, nil
		}
		return purged, fmt.Errorf("list %s: %w", dir, err)
	}

	var files []logFile
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if ok, _ := doublestar.Match(pattern, e.Name()); !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{
			path: filepath.Join(dir, e.Name()),
			mod:  info.ModTime(),
			size: info.Size(),
		})
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })

	remove := func(f logFile, pass string) bool {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			logger.Warn("Failed to remove log file", "path", f.path, "pass", pass, "error", err)
			return false
		}
		logger.Debug("Removed log file", "path", f.path, "pass", pass)
		return true
	}

	if r.MaxAge > 0 {
		kept := files[:0]
		for _, f := range files {
			if now.Sub(f.mod) > r.MaxAge && remove(f, "age") {
				purged.Age++
				continue
			}
			kept = append(kept, f)
		}
		files = kept
	}

	if r.MaxFiles > 0 {
		for len(files) > r.MaxFiles {
			if remove(files[0], "count") {
				purged.Count++
			}
			files = files[1:]
		}
	}

	if r.MaxSize > 0 {
		var total int64
		for _, f := range files {
			total += f.size
		}
		for total > r.MaxSize && len(files) > 0 {
			if remove(files[0], "size") {
				purged.Size++
			}
			total -= files[0].size
			files = files[1:]
		}
	}

	if purged.Total() > 0 {
		logger.Info("Log retention pass", "dir", dir,
			"age", purged.Age, "count", purged.Count, "size", purged.Size)
	}
	return purged, nil
}
