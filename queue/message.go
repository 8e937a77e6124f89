// Package queue relays failed scenarios to a consumer that re-runs them.
//
// A message is a JSON object. The "mode" key names the scenario; keys
// prefixed with OverlayPrefix carry configuration overrides, applied with
// the prefix stripped. Every other key is ignored by the consumer.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/c360studio/goshmon/config"
)

const (
	// OverlayPrefix marks keys that override the consumer's configuration.
	OverlayPrefix = "reverb__"
	// ModeKey names the scenario to run.
	ModeKey = "mode"
	// EnqueuedKey records when the producer sent the message, in unix seconds.
	EnqueuedKey = "enqueued"
)

// ErrDisabled is returned by a queue that failed to initialize.
var ErrDisabled = errors.New("queue disabled")

// Message is a decoded retry request.
type Message struct {
	Mode     string
	Overlay  config.Params
	Enqueued int64
}

// Layer returns the overrides as a configuration layer.
func (m Message) Layer() config.Layer {
	return config.Layer{Name: "queue", Params: m.Overlay}
}

// Encode renders a message carrying overrides for mode.
func Encode(m Message) ([]byte, error) {
	obj := make(map[string]any, len(m.Overlay)+2)
	for k, v := range m.Overlay {
		obj[OverlayPrefix+k] = v
	}
	if m.Mode != "" {
		obj[ModeKey] = m.Mode
	}
	if m.Enqueued != 0 {
		obj[EnqueuedKey] = m.Enqueued
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode parses a message. Overlay keys are lower-cased like every other
// configuration key.
func Decode(data []byte) (Message, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if obj == nil {
		return Message{}, fmt.Errorf("decode message: not an object")
	}

	m := Message{Overlay: config.Params{}}
	for k, v := range obj {
		switch {
		case strings.HasPrefix(k, OverlayPrefix):
			if key := strings.ToLower(strings.TrimPrefix(k, OverlayPrefix)); key != "" {
				m.Overlay[key] = normalize(v)
			}
		case k == ModeKey:
			s, ok := v.(string)
			if !ok {
				return Message{}, fmt.Errorf("decode message: %s must be a string", ModeKey)
			}
			m.Mode = s
		case k == EnqueuedKey:
			if f, ok := v.(float64); ok {
				m.Enqueued = int64(f)
			}
		}
	}
	return m, nil
}

// normalize turns integral JSON numbers back into ints so overrides decode
// into int fields.
func normalize(v any) any {
	switch t := v.(type) {
	case float64:
		if t == float64(int64(t)) {
			return int(t)
		}
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
	case map[string]any:
		for k := range t {
			t[k] = normalize(t[k])
		}
	}
	return v
}
