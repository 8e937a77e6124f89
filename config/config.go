// Package config provides configuration loading and layering for goshmon.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment prefixes.
const (
	// EnvPrefix overrides global and mode keys at process start.
	EnvPrefix = "CONFIG_"
	// ModeEnvRoot is followed by the upper-cased mode name.
	ModeEnvRoot = "MCONF_"
)

// ErrUnknownMode is returned when a mode has no section in the config.
var ErrUnknownMode = errors.New("unknown mode")

// Error is a configuration failure. It is never folded into a metrics map:
// the process exits when one reaches the top level.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "config: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// IsConfigError reports whether err is a configuration failure.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// Config is the loaded configuration: a global section and one section per
// mode. Env holds the CONFIG_ overrides captured at load time.
type Config struct {
	Global Params            `yaml:"global"`
	Modes  map[string]Params `yaml:"modes"`

	Env Layer `yaml:"-"`
}

// Global holds the application-level settings decoded from the global layer.
type Global struct {
	// Interval is the cache freshness interval in seconds.
	Interval int `yaml:"interval"`
	// Debug omits HELP/TYPE headers from /metrics.
	Debug bool `yaml:"debug"`
	// Steps mirrors every step into the log at info level.
	Steps bool `yaml:"steps"`
	// Listen is the HTTP front door address.
	Listen string `yaml:"listen"`
	// Prefix is prepended to every metric name.
	Prefix string `yaml:"prefix"`
	// Label is the label-set prefix, e.g. mode="read".
	Label string `yaml:"label"`
	// ErrorDir receives diagnostic dumps and consumer logs.
	ErrorDir string `yaml:"error_dir"`
	// TelemetryListen serves the service's own prometheus metrics when set.
	TelemetryListen string `yaml:"telemetry_listen"`
	// WarmupSchedule is a cron spec that refreshes the cache in background.
	WarmupSchedule string `yaml:"warmup_schedule"`
	// Cron runs one scenario and exits.
	Cron bool `yaml:"cron"`

	QueueURL             string `yaml:"queue_url"`
	QueueStream          string `yaml:"queue_stream"`
	QueueSubject         string `yaml:"queue_subject"`
	QueueDurable         string `yaml:"queue_durable"`
	QueueTTL             int    `yaml:"queue_ttl"`
	QueueConnectAttempts int    `yaml:"queue_connect_attempts"`

	RetentionMaxAge   int    `yaml:"retention_max_age"`
	RetentionMaxSize  int64  `yaml:"retention_max_size"`
	RetentionMaxFiles int    `yaml:"retention_max_files"`
	RetentionPattern  string `yaml:"retention_pattern"`
}

// DefaultGlobal returns the global defaults as a layer.
func DefaultGlobal() Params {
	return Params{
		"interval":               60,
		"listen":                 ":9100",
		"prefix":                 "gosh_",
		"error_dir":              "errors",
		"queue_stream":           "GOSHMON",
		"queue_subject":          "goshmon.retry",
		"queue_durable":          "goshmon-consumer",
		"queue_ttl":              300,
		"queue_connect_attempts": 5,
		"retention_pattern":      "*",
	}
}

// NewConfig returns an empty config with the global defaults applied.
func NewConfig() *Config {
	return &Config{
		Global: DefaultGlobal(),
		Modes:  make(map[string]Params),
		Env:    Layer{Name: "env", Params: Params{}},
	}
}

// GlobalLayers returns the precedence chain for the global section.
func (c *Config) GlobalLayers() []Layer {
	return []Layer{
		{Name: "global", Params: c.Global},
		c.Env,
	}
}

// Settings decodes the resolved global section.
func (c *Config) Settings() (Global, error) {
	var g Global
	if err := Resolve(c.GlobalLayers()...).Decode(&g); err != nil {
		return g, &Error{Op: "global", Err: err}
	}
	return g, nil
}

// ModeLayers returns global -> mode -> CONFIG_ env for a mode.
func (c *Config) ModeLayers(mode string) ([]Layer, error) {
	section, ok := c.Modes[mode]
	if !ok {
		return nil, &Error{Op: "mode " + mode, Err: ErrUnknownMode}
	}
	return []Layer{
		{Name: "global", Params: c.Global},
		{Name: "mode:" + mode, Params: section},
		c.Env,
	}, nil
}

// Resolve returns the resolved parameters of a mode with extra layers
// applied on top.
func (c *Config) Resolve(mode string, extra ...Layer) (Params, error) {
	layers, err := c.ModeLayers(mode)
	if err != nil {
		return nil, err
	}
	return Resolve(append(layers, extra...)...), nil
}

// ModeNames returns the configured modes.
func (c *Config) ModeNames() []string {
	p := make(Params, len(c.Modes))
	for k := range c.Modes {
		p[k] = nil
	}
	return p.Keys()
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	g, err := c.Settings()
	if err != nil {
		return err
	}
	if g.Interval <= 0 {
		return &Error{Op: "validate", Err: fmt.Errorf("global.interval must be positive")}
	}
	if g.ErrorDir == "" {
		return &Error{Op: "validate", Err: fmt.Errorf("global.error_dir is required")}
	}
	for _, name := range c.ModeNames() {
		if c.Modes[name].String("handler") == "" {
			return &Error{Op: "validate", Err: fmt.Errorf("modes.%s.handler is required", name)}
		}
	}
	return nil
}

// Merge overlays other onto c key by key. Mode sections are merged per key
// rather than replaced.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	for k, v := range other.Global {
		c.Global[strings.ToLower(k)] = v
	}
	for name, section := range other.Modes {
		dst, ok := c.Modes[name]
		if !ok {
			dst = make(Params)
			c.Modes[name] = dst
		}
		for k, v := range section {
			dst[strings.ToLower(k)] = v
		}
	}
}

// LoadFromFile loads one YAML or TOML file. The result carries no defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	raw := make(map[string]any)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg := &Config{Global: Params{}, Modes: map[string]Params{}}
	if err := Params(raw).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Global == nil {
		cfg.Global = Params{}
	}
	for name, section := range cfg.Modes {
		if section == nil {
			cfg.Modes[name] = Params{}
		}
	}
	return cfg, nil
}
