package config

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Params is one flattened configuration record: lower-case keys mapped to
// YAML scalar values (string, int, float64, bool) or nested values.
type Params map[string]any

// Clone returns a shallow copy.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the value of key rendered as a string.
func (p Params) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Keys returns the keys in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Decode copies the record into a yaml-tagged struct.
func (p Params) Decode(out any) error {
	data, err := yaml.Marshal(map[string]any(p))
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// Layer is one named, immutable step of the configuration precedence chain.
type Layer struct {
	Name   string
	Params Params
}

// Resolve merges layers in order; later layers win per key. The result is a
// fresh record and the inputs are never modified.
func Resolve(layers ...Layer) Params {
	out := make(Params)
	for _, l := range layers {
		for k, v := range l.Params {
			out[strings.ToLower(k)] = v
		}
	}
	return out
}

// EnvLayer collects environment entries ("KEY=value") starting with prefix.
// Keys are stripped of the prefix and lower-cased; values are typed as
// YAML scalars so "5" becomes an int and "true" a bool.
func EnvLayer(name, prefix string, environ []string) Layer {
	params := make(Params)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		key = strings.ToLower(strings.TrimPrefix(key, prefix))
		if key == "" {
			continue
		}
		params[key] = ParseScalar(value)
	}
	return Layer{Name: name, Params: params}
}

// ModeEnvPrefix returns the MCONF_<MODE>_ prefix for a mode name.
func ModeEnvPrefix(mode string) string {
	m := strings.ToUpper(mode)
	m = strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(m)
	return ModeEnvRoot + m + "_"
}

// ParseScalar types a raw string the way a YAML document would.
func ParseScalar(s string) any {
	if s == "" {
		return ""
	}
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	switch v.(type) {
	case string, int, int64, float64, bool:
		return v
	default:
		return s
	}
}
