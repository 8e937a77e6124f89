package runner

import (
	"context"
	"fmt"
)

// Predicate decides a branch when the run reaches it.
type Predicate func(ctx context.Context) (bool, error)

// If returns max(len(whenTrue), len(whenFalse)) steps plus a leading step
// that records the predicate's value. Each position evaluates pred again
// and runs the step of the matching branch at that index; a shorter branch
// is padded with uncounted no-ops.
func If(name string, pred Predicate, whenTrue, whenFalse []Step) []Step {
	n := max(len(whenTrue), len(whenFalse))
	out := make([]Step, 0, n+1)

	out = append(out, Step{Name: "if " + name, Run: func(ctx context.Context) (Outcome, error) {
		ok, err := pred(ctx)
		if err != nil {
			return Ignore, err
		}
		Logf(ctx, "if %s: %t", name, ok)
		return Ignore, nil
	}})

	for i := 0; i < n; i++ {
		t, f := pick(whenTrue, i), pick(whenFalse, i)
		out = append(out, Step{
			Name: fmt.Sprintf("%s ? %s : %s", name, t.Name, f.Name),
			Run: func(ctx context.Context) (Outcome, error) {
				ok, err := pred(ctx)
				if err != nil {
					return Ignore, err
				}
				if ok {
					return t.Run(ctx)
				}
				return f.Run(ctx)
			},
		})
	}
	return out
}

// IfTrue runs steps only when pred holds.
func IfTrue(name string, pred Predicate, steps []Step) []Step {
	return If(name, pred, steps, nil)
}

// IfFalse runs steps only when pred does not hold.
func IfFalse(name string, pred Predicate, steps []Step) []Step {
	return If(name, pred, nil, steps)
}

func pick(steps []Step, i int) Step {
	if i < len(steps) && steps[i].Run != nil {
		return steps[i]
	}
	return Step{Name: "-", Run: noop}
}

// ForEach emits, for every item, an uncounted step naming the item followed
// by the steps gen builds for it.
func ForEach[T any](items []T, gen func(T) []Step) []Step {
	var out []Step
	for _, item := range items {
		label := fmt.Sprint(item)
		out = append(out, Note("for "+label, func(ctx context.Context) {
			Logf(ctx, "for each: %s", label)
		}))
		out = append(out, gen(item)...)
	}
	return out
}

// Mark returns an uncounted marker that UpTo and From slice on.
func Mark(label string) Step {
	return Step{Name: "#" + label, Run: noop, mark: label}
}

// UpTo returns the steps up to and including the marker label. It panics
// when the marker is missing since sequences are built at init time.
func UpTo(steps []Step, label string) []Step {
	i := indexOf(steps, label)
	return append([]Step(nil), steps[:i+1]...)
}

// From returns the steps after the marker label.
func From(steps []Step, label string) []Step {
	i := indexOf(steps, label)
	return append([]Step(nil), steps[i+1:]...)
}

// Concat joins step lists.
func Concat(lists ...[]Step) []Step {
	var out []Step
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}

func indexOf(steps []Step, label string) int {
	for i, s := range steps {
		if s.mark == label {
			return i
		}
	}
	panic(fmt.Sprintf("runner: no marker %q in sequence", label))
}
