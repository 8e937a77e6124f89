package handler

import (
	"errors"
	"fmt"
)

// Kind is the closed set of scenario kinds a mode's "handler" key may name.
type Kind string

// Scenario kinds.
const (
	KindRead        Kind = "app-read"
	KindWrite       Kind = "app-write"
	KindRotate      Kind = "app-rotate"
	KindSetup       Kind = "app-setup"
	KindSeed        Kind = "app-seed"
	KindRoot        Kind = "app-root"
	KindRemoteRead  Kind = "remote-read"
	KindRemoteWrite Kind = "remote-write"
	KindScript      Kind = "script"
	KindMonitor     Kind = "monitor"
)

// Kinds lists every kind.
var Kinds = []Kind{
	KindRead, KindWrite, KindRotate, KindSetup, KindSeed, KindRoot,
	KindRemoteRead, KindRemoteWrite, KindScript, KindMonitor,
}

// ErrUnknownKind is returned for a handler name outside Kinds.
var ErrUnknownKind = errors.New("no such handler")

// ParseKind validates a handler name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Remote reports whether the kind drives a subprocess rather than a page.
func (k Kind) Remote() bool {
	return k == KindRemoteRead || k == KindRemoteWrite
}
