package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is the config file looked up when no path is given
	ProjectConfigFile = "goshmon.yaml"
	// ProjectConfigDir holds ProjectConfigFile relative to the working directory
	ProjectConfigDir = "config"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger  *slog.Logger
	environ func() []string
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger, environ: os.Environ}
}

// WithEnviron replaces the environment source, mainly for tests.
func (l *Loader) WithEnviron(environ func() []string) *Loader {
	l.environ = environ
	return l
}

// Load loads configuration with layered precedence:
// 1. Default global section
// 2. Each file in paths, in order (or the project config when none given)
// 3. CONFIG_ environment variables
func (l *Loader) Load(paths ...string) (*Config, error) {
	cfg := NewConfig()

	if len(paths) == 0 {
		if p := l.findProjectConfig(); p != "" {
			paths = []string{p}
		} else {
			l.logger.Debug("No project config found")
		}
	}

	for _, path := range paths {
		fileCfg, err := LoadFromFile(path)
		if err != nil {
			return nil, &Error{Op: "load " + path, Err: err}
		}
		l.logger.Debug("Loaded config", slog.String("path", path), slog.Int("modes", len(fileCfg.Modes)))
		cfg.Merge(fileCfg)
	}

	cfg.Env = EnvLayer("env", EnvPrefix, l.environ())
	if n := len(cfg.Env.Params); n > 0 {
		l.logger.Debug("Applied environment overrides", slog.Int("count", n))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findProjectConfig looks for goshmon.yaml in the working directory and
// its config/ subdirectory.
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for _, candidate := range []string{
		filepath.Join(cwd, ProjectConfigFile),
		filepath.Join(cwd, ProjectConfigDir, ProjectConfigFile),
	} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// ModeEnv returns the MCONF_<MODE>_ layer for a mode, read from the loader's
// environment at call time.
func (l *Loader) ModeEnv(mode string) Layer {
	return EnvLayer(fmt.Sprintf("mconf:%s", mode), ModeEnvPrefix(mode), l.environ())
}
