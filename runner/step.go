// Package runner executes scenarios: ordered lists of named steps whose
// outcome is folded into a metrics map.
package runner

import (
	"context"
	"fmt"
)

type outcomeKind int

const (
	kindContinue outcomeKind = iota
	kindIgnore
	kindValue
)

// Outcome is what a step reports back to the runner.
type Outcome struct {
	kind  outcomeKind
	value float64
}

var (
	// Ignore is not counted as a completed step.
	Ignore = Outcome{kind: kindIgnore}
	// Continue counts the step and moves to the next one.
	Continue = Outcome{kind: kindContinue}
)

// Value ends the run successfully with v.
func Value(v float64) Outcome {
	return Outcome{kind: kindValue, value: v}
}

// IsIgnore reports whether o is Ignore.
func (o Outcome) IsIgnore() bool { return o.kind == kindIgnore }

// IsValue reports whether o carries a terminal value.
func (o Outcome) IsValue() bool { return o.kind == kindValue }

// V returns the terminal value.
func (o Outcome) V() float64 { return o.value }

func (o Outcome) String() string {
	switch o.kind {
	case kindIgnore:
		return "ignore"
	case kindValue:
		return fmt.Sprintf("value %v", o.value)
	default:
		return "continue"
	}
}

// StepFunc is the body of a step.
type StepFunc func(ctx context.Context) (Outcome, error)

// Step is one named unit of a scenario.
type Step struct {
	Name string
	Run  StepFunc

	mark string
}

// Do wraps an action that counts as a step when it succeeds.
func Do(name string, fn func(ctx context.Context) error) Step {
	return Step{Name: name, Run: func(ctx context.Context) (Outcome, error) {
		if err := fn(ctx); err != nil {
			return Continue, err
		}
		return Continue, nil
	}}
}

// Note wraps a side action that is never counted.
func Note(name string, fn func(ctx context.Context)) Step {
	return Step{Name: name, Run: func(ctx context.Context) (Outcome, error) {
		fn(ctx)
		return Ignore, nil
	}}
}

// Finish wraps the terminal check of a scenario.
func Finish(name string, fn func(ctx context.Context) (float64, error)) Step {
	return Step{Name: name, Run: func(ctx context.Context) (Outcome, error) {
		v, err := fn(ctx)
		if err != nil {
			return Continue, err
		}
		return Value(v), nil
	}}
}

func noop(context.Context) (Outcome, error) { return Ignore, nil }
