package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/goshmon/clock"
)

// DefaultAPIBase is the GitHub REST endpoint.
const DefaultAPIBase = "https://api.github.com"

// Cache file names under ReleaseFetcher.CacheDir.
const (
	ETagFile    = "etag"
	TagFile     = "tag"
	UpdatedFile = "updated"
)

// RateLimitError is returned by the API when the lookup quota is spent.
// Callers treat it as "no update available".
type RateLimitError struct {
	Status int
	Reset  string
}

func (e *RateLimitError) Error() string {
	if e.Reset != "" {
		return fmt.Sprintf("release lookup rate limited (HTTP %d, reset %s)", e.Status, e.Reset)
	}
	return fmt.Sprintf("release lookup rate limited (HTTP %d)", e.Status)
}

// IsRateLimited reports whether err is a *RateLimitError.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// Asset is one downloadable file of a release.
type Asset struct {
	Name string `json:"name"`
	URL  string `json:"browser_download_url"`
}

// Release is the subset of the GitHub release object used here.
type Release struct {
	Tag    string  `json:"tag_name"`
	Assets []Asset `json:"assets"`
}

// ReleaseFetcher looks up the latest release of a repository and remembers
// the ETag, tag and time of the last successful lookup on disk.
type ReleaseFetcher struct {
	Client   *http.Client
	APIBase  string
	Repo     string
	Token    string
	CacheDir string
	// CheckEvery skips lookups made sooner than this after the last one.
	CheckEvery time.Duration
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Lookup is the result of Latest.
type Lookup struct {
	// Release is nil when nothing new was fetched.
	Release *Release
	// Changed is set when the tag differs from the cached one.
	Changed bool
	// CachedTag is the tag recorded before this lookup.
	CachedTag string

	etag    string
	fetched string
}

// Latest fetches the latest release. A 304, a rate limit, or a recent
// lookup yields an empty Lookup. force drops the ETag so a full release
// object is returned. A fetched release is not remembered until Record is
// called with its Lookup.
func (f *ReleaseFetcher) Latest(ctx context.Context, force bool) (Lookup, error) {
	clk := clock.Default(f.Clock)
	logger := f.logger()
	lookup := Lookup{CachedTag: f.readCache(TagFile)}

	if !force && f.CheckEvery > 0 {
		if last, err := strconv.ParseInt(f.readCache(UpdatedFile), 10, 64); err == nil {
			if clk.Now().Sub(time.Unix(last, 0)) < f.CheckEvery {
				logger.Debug("Release lookup skipped", "repo", f.Repo, "last", last)
				return lookup, nil
			}
		}
	}

	etag := ""
	if !force {
		etag = f.readCache(ETagFile)
	}

	rel, newETag, err := f.fetch(ctx, etag)
	if err != nil {
		if IsRateLimited(err) {
			logger.Warn("Release lookup rate limited, assuming no update", "repo", f.Repo, "error", err)
			return lookup, nil
		}
		return lookup, err
	}

	now := strconv.FormatInt(clock.Seconds(clk.Now()), 10)
	if rel == nil {
		f.writeCache(UpdatedFile, now)
		return lookup, nil
	}

	lookup.Release = rel
	lookup.Changed = rel.Tag != lookup.CachedTag
	lookup.etag = newETag
	lookup.fetched = now
	logger.Info("Release fetched", "repo", f.Repo, "tag", rel.Tag, "changed", lookup.Changed)
	return lookup, nil
}

// Record stores the ETag, tag and lookup time of a fetched release so the
// next Latest treats it as current. Lookups without a release are ignored.
func (f *ReleaseFetcher) Record(lookup Lookup) {
	if lookup.Release == nil {
		return
	}
	f.writeCache(ETagFile, lookup.etag)
	f.writeCache(TagFile, lookup.Release.Tag)
	f.writeCache(UpdatedFile, lookup.fetched)
}

func (f *ReleaseFetcher) fetch(ctx context.Context, etag string) (*Release, string, error) {
	base := f.APIBase
	if base == "" {
		base = DefaultAPIBase
	}
	url := strings.TrimRight(base, "/") + "/repos/" + f.Repo + "/releases/latest"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch release: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return nil, "", nil
	case http.StatusForbidden, http.StatusTooManyRequests:
		return nil, "", &RateLimitError{Status: resp.StatusCode, Reset: resp.Header.Get("X-RateLimit-Reset")}
	default:
		return nil, "", fmt.Errorf("release lookup: HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	var rel Release
	if err := json.Unmarshal(body, &rel); err != nil {
		return nil, "", fmt.Errorf("decode release: %w", err)
	}
	return &rel, resp.Header.Get("ETag"), nil
}

func (f *ReleaseFetcher) readCache(name string) string {
	if f.CacheDir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(f.CacheDir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (f *ReleaseFetcher) writeCache(name, value string) {
	if f.CacheDir == "" {
		return
	}
	err := os.MkdirAll(f.CacheDir, 0755)
	if err == nil {
		err = os.WriteFile(filepath.Join(f.CacheDir, name), []byte(value), 0644)
	}
	if err != nil {
		f.logger().Warn("Failed to write release cache", "file", name, "error", err)
	}
}

func (f *ReleaseFetcher) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}
