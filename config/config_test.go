package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func staticEnv(kv ...string) func() []string {
	return func() []string { return kv }
}

func TestResolve_LaterLayersWin(t *testing.T) {
	global := Layer{Name: "global", Params: Params{"timeout": 60, "org": "acme"}}
	mode := Layer{Name: "mode", Params: Params{"timeout": 30, "Repo": "mon"}}
	env := Layer{Name: "env", Params: Params{"timeout": 5}}

	got := Resolve(global, mode, Layer{Name: "empty"}, env)

	assert.Equal(t, Params{"timeout": 5, "org": "acme", "repo": "mon"}, got)
	assert.Equal(t, 30, mode.Params["timeout"], "inputs are not modified")
}

func TestEnvLayer(t *testing.T) {
	layer := EnvLayer("env", EnvPrefix, []string{
		"CONFIG_TIMEOUT=5",
		"CONFIG_DEBUG=true",
		"CONFIG_ORG=acme",
		"CONFIG_RATIO=0.5",
		"CONFIG_=ignored",
		"HOME=/root",
		"malformed",
	})

	assert.Equal(t, "env", layer.Name)
	assert.Equal(t, Params{
		"timeout": 5,
		"debug":   true,
		"org":     "acme",
		"ratio":   0.5,
	}, layer.Params)
}

func TestParseScalar(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"", ""},
		{"42", 42},
		{"1.5", 1.5},
		{"false", false},
		{"hello", "hello"},
		{"[1, 2]", "[1, 2]"},
		{"a: b", "a: b"},
		{"null", "null"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseScalar(tt.in))
		})
	}
}

func TestModeEnvPrefix(t *testing.T) {
	assert.Equal(t, "MCONF_READ_", ModeEnvPrefix("read"))
	assert.Equal(t, "MCONF_REMOTE_READ_", ModeEnvPrefix("remote-read"))
	assert.Equal(t, "MCONF_A_B_", ModeEnvPrefix("a.b"))
}

func TestParams_Decode(t *testing.T) {
	var out struct {
		Timeout int    `yaml:"timeout"`
		Large   bool   `yaml:"large"`
		Org     string `yaml:"org"`
	}
	require.NoError(t, Params{"timeout": int64(9), "large": true, "org": "acme"}.Decode(&out))
	assert.Equal(t, 9, out.Timeout)
	assert.True(t, out.Large)
	assert.Equal(t, "acme", out.Org)
}

func TestLoader_FilesAndEnv(t *testing.T) {
	dir := t.TempDir()
	yamlPath := writeFile(t, dir, "base.yaml", `
global:
  interval: 30
  prefix: mon_
modes:
  read:
    handler: app-read
    timeout: 10
    org: acme
`)
	tomlPath := writeFile(t, dir, "override.toml", `
[global]
interval = 45

[modes.read]
timeout = 20

[modes.write]
handler = "app-write"
`)

	loader := NewLoader(nil).WithEnviron(staticEnv("CONFIG_DEBUG=true", "CONFIG_ORG=env-org"))
	cfg, err := loader.Load(yamlPath, tomlPath)
	require.NoError(t, err)

	g, err := cfg.Settings()
	require.NoError(t, err)
	assert.Equal(t, 45, g.Interval)
	assert.Equal(t, "mon_", g.Prefix)
	assert.True(t, g.Debug)
	assert.Equal(t, "errors", g.ErrorDir, "defaults survive")

	read, err := cfg.Resolve("read")
	require.NoError(t, err)
	assert.Equal(t, "app-read", read.String("handler"))
	assert.Equal(t, "20", read.String("timeout"))
	assert.Equal(t, "env-org", read.String("org"))

	write, err := cfg.Resolve("write", Layer{Name: "extra", Params: Params{"org": "extra-org"}})
	require.NoError(t, err)
	assert.Equal(t, "app-write", write.String("handler"))
	assert.Equal(t, "extra-org", write.String("org"))

	assert.Equal(t, []string{"read", "write"}, cfg.ModeNames())
}

func TestConfig_UnknownMode(t *testing.T) {
	cfg := NewConfig()
	_, err := cfg.Resolve("missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownMode))
	assert.True(t, IsConfigError(err))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "zero interval",
			modify:  func(c *Config) { c.Global["interval"] = 0 },
			wantErr: true,
		},
		{
			name:    "empty error dir",
			modify:  func(c *Config) { c.Global["error_dir"] = "" },
			wantErr: true,
		},
		{
			name:    "mode without handler",
			modify:  func(c *Config) { c.Modes["read"] = Params{"timeout": 5} },
			wantErr: true,
		},
		{
			name:    "unparsable interval",
			modify:  func(c *Config) { c.Global["interval"] = "soon" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsConfigError(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLoader_MissingFile(t *testing.T) {
	_, err := NewLoader(nil).WithEnviron(staticEnv()).Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestLoader_ModeEnv(t *testing.T) {
	loader := NewLoader(nil).WithEnviron(staticEnv("MCONF_REMOTE_READ_TIMEOUT=3", "MCONF_READ_TIMEOUT=9"))
	layer := loader.ModeEnv("remote-read")
	assert.Equal(t, Params{"timeout": 3}, layer.Params)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "goshmon.yaml", "modes:\n  read:\n    handler: app-read\n")

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(NewLoader(nil).WithEnviron(staticEnv()), []string{path}, func(c *Config) {
		reloaded <- c
	}, nil)
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("modes:\n  read:\n    handler: app-read\n  write:\n    handler: app-write\n"), 0644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, []string{"read", "write"}, cfg.ModeNames())
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}
