// Package metrics holds the ordered result map produced by every scenario
// run and renders it in the text exposition format served on /metrics.
package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Well-known keys.
const (
	KeyResult    = "result"
	KeyValue     = "value"
	KeyTimestamp = "timestamp"
	KeyStarted   = "started"
	KeyDuration  = "duration"
)

// ResultSuccess is the result code of a run that reached its terminal check.
const ResultSuccess = 100

// Label is one name="value" pair.
type Label struct {
	Name  string
	Value string
}

// Labels is an ordered label set.
type Labels []Label

// String renders the set without braces: a="x",b="y".
func (l Labels) String() string {
	parts := make([]string, len(l))
	for i, lbl := range l {
		parts[i] = lbl.Name + "=" + strconv.Quote(lbl.Value)
	}
	return strings.Join(parts, ",")
}

// Get returns the value of the named label.
func (l Labels) Get(name string) (string, bool) {
	for _, lbl := range l {
		if lbl.Name == name {
			return lbl.Value, true
		}
	}
	return "", false
}

// Prepend returns a copy of l with prefix placed in front.
func (l Labels) Prepend(prefix ...Label) Labels {
	out := make(Labels, 0, len(prefix)+len(l))
	out = append(out, prefix...)
	return append(out, l...)
}

// ParseLabels parses `a="x",b=y` into a label set. Unquoted values are
// taken verbatim.
func ParseLabels(s string) (Labels, error) {
	s = strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "{}"))
	if s == "" {
		return nil, nil
	}

	var out Labels
	for s != "" {
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("label %q: missing name", s)
		}
		name := strings.TrimSpace(s[:eq])
		rest := strings.TrimSpace(s[eq+1:])

		var value string
		if strings.HasPrefix(rest, `"`) {
			quoted, err := strconv.QuotedPrefix(rest)
			if err != nil {
				return nil, fmt.Errorf("label %q: %w", name, err)
			}
			value, _ = strconv.Unquote(quoted)
			rest = rest[len(quoted):]
		} else {
			end := strings.IndexByte(rest, ',')
			if end < 0 {
				end = len(rest)
			}
			value = strings.TrimSpace(rest[:end])
			rest = rest[end:]
		}
		out = append(out, Label{Name: name, Value: value})

		rest = strings.TrimSpace(rest)
		if rest != "" && rest[0] != ',' {
			return nil, fmt.Errorf("label %q: expected ',' after value", name)
		}
		s = strings.TrimSpace(strings.TrimPrefix(rest, ","))
	}
	return out, nil
}

// Entry is one metric sample.
type Entry struct {
	Name   string
	Labels Labels
	Value  float64
}

// Key renders the sample name with its label block, e.g. result{sub="read"}.
func (e Entry) Key() string {
	if len(e.Labels) == 0 {
		return e.Name
	}
	return e.Name + "{" + e.Labels.String() + "}"
}

// Map is an insertion-ordered set of samples keyed by name and labels.
type Map struct {
	entries []Entry
	index   map[string]int
}

// New creates an empty map.
func New() *Map {
	return &Map{index: make(map[string]int)}
}

// Set stores an unlabeled sample.
func (m *Map) Set(name string, v float64) {
	m.Put(Entry{Name: name, Value: v})
}

// Put stores a sample, replacing one with the same key in place.
func (m *Map) Put(e Entry) {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	k := e.Key()
	if i, ok := m.index[k]; ok {
		m.entries[i].Value = e.Value
		return
	}
	m.index[k] = len(m.entries)
	m.entries = append(m.entries, e)
}

// Get returns an unlabeled sample.
func (m *Map) Get(name string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	i, ok := m.index[name]
	if !ok {
		return 0, false
	}
	return m.entries[i].Value, true
}

// Has reports whether an unlabeled sample exists.
func (m *Map) Has(name string) bool {
	_, ok := m.Get(name)
	return ok
}

// Len returns the number of samples.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Entries returns a copy of the samples in insertion order.
func (m *Map) Entries() []Entry {
	if m == nil {
		return nil
	}
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Clone returns a deep copy.
func (m *Map) Clone() *Map {
	out := New()
	for _, e := range m.Entries() {
		e.Labels = append(Labels(nil), e.Labels...)
		out.Put(e)
	}
	return out
}

// Result returns the result code.
func (m *Map) Result() (int, bool) {
	v, ok := m.Get(KeyResult)
	return int(v), ok
}

// Succeeded reports result == 100 with a value present.
func (m *Map) Succeeded() bool {
	r, ok := m.Result()
	return ok && r == ResultSuccess && m.Has(KeyValue)
}

// Namespace copies every sample of other into m under label. When a sample
// already carries a label of the same name the values are joined with "/"
// so nested namespaces never produce duplicate label names.
func (m *Map) Namespace(other *Map, label Label) {
	for _, e := range other.Entries() {
		labels := append(Labels(nil), e.Labels...)
		merged := false
		for i := range labels {
			if labels[i].Name == label.Name {
				labels[i].Value = label.Value + "/" + labels[i].Value
				merged = true
				break
			}
		}
		if !merged {
			labels = labels.Prepend(label)
		}
		m.Put(Entry{Name: e.Name, Labels: labels, Value: e.Value})
	}
}

// MarshalJSON renders the map as an ordered object of rendered keys.
func (m *Map) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m.Entries() {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Key())
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.WriteString(FormatValue(e.Value))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FormatValue renders a sample value without trailing zeros.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
