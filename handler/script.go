package handler

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/goshmon/clock"
	"github.com/c360studio/goshmon/config"
	"github.com/c360studio/goshmon/metrics"
	"github.com/c360studio/goshmon/runner"
)

// directiveKey names the mode of a script entry; the value "config" makes
// the entry a config directive instead of a sub-scenario.
const (
	directiveKey    = "_"
	configDirective = "config"
)

// ScriptEntry is one element of a script: a sub-scenario or a config
// directive.
type ScriptEntry struct {
	Mode      string
	Overrides config.Params
	Directive bool
}

// ParseScript decodes a YAML (or JSON) list whose elements are a mode name
// or a map with the mode under "_" and parameter overrides beside it.
func ParseScript(data []byte) ([]ScriptEntry, error) {
	var raw []any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	return scriptEntries(raw)
}

func scriptEntries(raw []any) ([]ScriptEntry, error) {
	entries := make([]ScriptEntry, 0, len(raw))
	for i, item := range raw {
		switch v := item.(type) {
		case string:
			entries = append(entries, ScriptEntry{Mode: v})
		case map[string]any:
			mode, _ := v[directiveKey].(string)
			if mode == "" {
				return nil, fmt.Errorf("script entry %d: missing %q", i+1, directiveKey)
			}
			overrides := make(config.Params, len(v))
			for k, val := range v {
				if k != directiveKey {
					overrides[strings.ToLower(k)] = val
				}
			}
			entries = append(entries, ScriptEntry{
				Mode:      mode,
				Overrides: overrides,
				Directive: mode == configDirective,
			})
		default:
			return nil, fmt.Errorf("script entry %d: unexpected %T", i+1, item)
		}
	}
	return entries, nil
}

// ScriptParams configure the composite handler. Script is either the path
// of a script file or the list of entries itself.
type ScriptParams struct {
	Script any `yaml:"script"`
}

type scriptHandler struct {
	factory *Factory
	mode    string
	entries []ScriptEntry
}

func newScriptHandler(f *Factory, mode string, params config.Params) (*scriptHandler, error) {
	entries, err := loadScript(params)
	if err != nil {
		return nil, err
	}
	if err := f.checkScript(mode, entries, []string{mode}); err != nil {
		return nil, err
	}
	return &scriptHandler{factory: f, mode: mode, entries: entries}, nil
}

func loadScript(params config.Params) ([]ScriptEntry, error) {
	var p ScriptParams
	if err := params.Decode(&p); err != nil {
		return nil, err
	}

	switch v := p.Script.(type) {
	case []any:
		return scriptEntries(v)
	case string:
		data, err := os.ReadFile(v)
		if err != nil {
			return nil, err
		}
		return ParseScript(data)
	case nil:
		return nil, fmt.Errorf("script is required")
	default:
		return nil, fmt.Errorf("script must be a path or a list, got %T", v)
	}
}

// checkScript validates the sub-scenarios of a script and descends into
// nested scripts. chain holds the script modes on the current path; meeting
// one of them again is a cycle.
func (f *Factory) checkScript(mode string, entries []ScriptEntry, chain []string) error {
	for _, e := range entries {
		if e.Directive {
			continue
		}
		if slices.Contains(chain, e.Mode) {
			if e.Mode == mode && len(chain) == 1 {
				return fmt.Errorf("script %s includes itself", mode)
			}
			return fmt.Errorf("script cycle %s -> %s", strings.Join(chain, " -> "), e.Mode)
		}
		kind, err := f.Kind(e.Mode)
		if err != nil {
			return err
		}
		switch kind {
		case KindMonitor:
			return fmt.Errorf("script %s: %s runs only on its own", mode, e.Mode)
		case KindScript:
			params, err := f.Resolve(e.Mode, config.Layer{Name: "script:" + e.Mode, Params: e.Overrides})
			if err != nil {
				return err
			}
			nested, err := loadScript(params)
			if err != nil {
				return fmt.Errorf("script %s: %s: %w", mode, e.Mode, err)
			}
			if err := f.checkScript(e.Mode, nested, append(slices.Clone(chain), e.Mode)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *scriptHandler) Describe() string {
	var modes []string
	for _, e := range h.entries {
		if !e.Directive {
			modes = append(modes, e.Mode)
		}
	}
	return fmt.Sprintf("%s %s [%s]", KindScript, h.mode, strings.Join(modes, " "))
}

// subLayers returns the override layers of one sub-scenario, placed between
// CONFIG_ and MCONF_<MODE>_ by the factory.
func subLayers(directive config.Params, entry ScriptEntry) []config.Layer {
	return []config.Layer{
		{Name: "script:config", Params: directive},
		{Name: "script:" + entry.Mode, Params: entry.Overrides},
	}
}

// Handle runs the sub-scenarios in order and stops at the first one that
// does not succeed. The result is then the 1-based position of that
// sub-scenario among the sub-scenarios; config directives are not counted.
func (h *scriptHandler) Handle(ctx context.Context) (runner.Report, error) {
	clk := clock.Default(h.factory.Clock)
	logger := h.factory.logger().With("mode", h.mode)
	start := clk.Now()

	agg := metrics.New()
	agg.Set(metrics.KeyResult, 0)

	directive := config.Params{}
	n := 0
	for _, entry := range h.entries {
		if entry.Directive {
			directive = config.Resolve(
				config.Layer{Params: directive},
				config.Layer{Params: entry.Overrides},
			)
			continue
		}
		n++

		sub, err := h.factory.New(entry.Mode, subLayers(directive, entry)...)
		if err != nil {
			return runner.Report{}, err
		}
		logger.Debug("Running sub-scenario", "index", n, "sub", sub.Describe())

		rep, err := sub.Handle(ctx)
		if err != nil {
			return runner.Report{}, err
		}
		agg.Namespace(rep.Metrics, metrics.Label{Name: "sub", Value: entry.Mode})

		if !rep.Metrics.Succeeded() {
			logger.Info("Sub-scenario did not succeed", "index", n, "sub", entry.Mode, "status", rep.Status)
			now := clk.Now()
			agg.Set(metrics.KeyResult, float64(n))
			agg.Set(metrics.KeyTimestamp, float64(clock.Seconds(now)))
			agg.Set(metrics.KeyDuration, now.Sub(start).Seconds())
			status := rep.Status
			if status == runner.StatusSucceeded {
				status = runner.StatusFailed
			}
			return runner.Report{Metrics: agg, Status: status, Steps: n, Err: rep.Err}, nil
		}
	}

	now := clk.Now()
	agg.Set(metrics.KeyResult, metrics.ResultSuccess)
	agg.Set(metrics.KeyValue, float64(n))
	agg.Set(metrics.KeyTimestamp, float64(clock.Seconds(now)))
	agg.Set(metrics.KeyStarted, float64(clock.Seconds(start)))
	agg.Set(metrics.KeyDuration, now.Sub(start).Seconds())
	return runner.Report{Metrics: agg, Status: runner.StatusSucceeded, Steps: n}, nil
}
