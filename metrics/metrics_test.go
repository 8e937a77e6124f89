package metrics

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_OrderAndReplace(t *testing.T) {
	m := New()
	m.Set(KeyResult, 3)
	m.Set(KeyTimestamp, 1700000000)
	m.Set(KeyResult, 100)

	entries := m.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, KeyResult, entries[0].Name)
	assert.Equal(t, 100.0, entries[0].Value)
	assert.Equal(t, KeyTimestamp, entries[1].Name)
}

func TestMap_Succeeded(t *testing.T) {
	tests := []struct {
		name  string
		build func(*Map)
		want  bool
	}{
		{"success with value", func(m *Map) { m.Set(KeyResult, 100); m.Set(KeyValue, 7) }, true},
		{"success without value", func(m *Map) { m.Set(KeyResult, 100) }, false},
		{"partial", func(m *Map) { m.Set(KeyResult, 4) }, false},
		{"empty", func(m *Map) {}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			tt.build(m)
			assert.Equal(t, tt.want, m.Succeeded())
		})
	}
}

func TestMap_Namespace(t *testing.T) {
	inner := New()
	inner.Set(KeyResult, 100)
	inner.Put(Entry{Name: KeyValue, Labels: Labels{{Name: "sub", Value: "read"}}, Value: 5})

	outer := New()
	outer.Namespace(inner, Label{Name: "sub", Value: "script"})

	keys := []string{}
	for _, e := range outer.Entries() {
		keys = append(keys, e.Key())
	}
	assert.Equal(t, []string{`result{sub="script"}`, `value{sub="script/read"}`}, keys)
}

func TestParseLabels(t *testing.T) {
	tests := []struct {
		in      string
		want    Labels
		wantErr bool
	}{
		{in: "", want: nil},
		{in: `mode="x"`, want: Labels{{"mode", "x"}}},
		{in: `{mode="x", inst=prod}`, want: Labels{{"mode", "x"}, {"inst", "prod"}}},
		{in: `a="with,comma"`, want: Labels{{"a", "with,comma"}}},
		{in: `=x`, wantErr: true},
		{in: `a="x" b="y"`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLabels(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMap_MarshalJSON(t *testing.T) {
	m := New()
	m.Set(KeyResult, 100)
	m.Put(Entry{Name: KeyDuration, Labels: Labels{{"sub", "a"}}, Value: 1.5})

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `{"result":100,"duration{sub=\"a\"}":1.5}`, string(data))
}
