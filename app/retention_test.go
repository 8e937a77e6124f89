package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var retentionNow = time.Unix(testNow, 0)

// seedLogs writes name -> age files, each of size bytes.
func seedLogs(t *testing.T, ages map[string]time.Duration, size int) string {
	t.Helper()
	dir := t.TempDir()
	for name, age := range ages {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", size)), 0644))
		mod := retentionNow.Add(-age)
		require.NoError(t, os.Chtimes(path, mod, mod))
	}
	return dir
}

func remaining(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRetention_Apply(t *testing.T) {
	ages := map[string]time.Duration{
		"a.log": 10 * time.Minute,
		"b.log": 20 * time.Minute,
		"c.log": 30 * time.Minute,
	}

	tests := []struct {
		name   string
		policy Retention
		want   []string
		purged Purged
	}{
		{
			name:   "disabled",
			policy: Retention{},
			want:   []string{"a.log", "b.log", "c.log"},
		},
		{
			name:   "max age",
			policy: Retention{MaxAge: 15 * time.Minute},
			want:   []string{"a.log"},
			purged: Purged{Age: 2},
		},
		{
			name:   "max files",
			policy: Retention{MaxFiles: 1},
			want:   []string{"a.log"},
			purged: Purged{Count: 2},
		},
		{
			name:   "max size",
			policy: Retention{MaxSize: 250},
			want:   []string{"a.log", "b.log"},
			purged: Purged{Size: 1},
		},
		{
			name:   "passes compose",
			policy: Retention{MaxAge: 25 * time.Minute, MaxFiles: 2, MaxSize: 100},
			want:   []string{"a.log"},
			purged: Purged{Age: 1, Size: 1},
		},
		{
			name:   "pattern",
			policy: Retention{MaxAge: time.Minute, Pattern: "c.*"},
			want:   []string{"a.log", "b.log"},
			purged: Purged{Age: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := seedLogs(t, ages, 100)
			purged, err := tt.policy.Apply(dir, retentionNow, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.purged, purged)
			assert.ElementsMatch(t, tt.want, remaining(t, dir))
		})
	}
}

func TestRetention_MissingDir(t *testing.T) {
	purged, err := Retention{MaxFiles: 1}.Apply(filepath.Join(t.TempDir(), "absent"), retentionNow, nil)
	require.NoError(t, err)
	assert.Zero(t, purged.Total())
}

func TestRetention_InvalidPattern(t *testing.T) {
	_, err := Retention{MaxFiles: 1, Pattern: "[a-"}.Apply(t.TempDir(), retentionNow, nil)
	assert.Error(t, err)
}

func TestRetention_SkipsDirectories(t *testing.T) {
	dir := seedLogs(t, map[string]time.Duration{"old.log": time.Hour}, 1)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0755))

	purged, err := Retention{MaxAge: time.Minute}.Apply(dir, retentionNow, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, purged.Age)
	assert.Equal(t, []string{"nested"}, remaining(t, dir))
}
