package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/peerdoc/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Node     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s", e.Type)
	if e.Node != "" {
		fmt.Fprintf(&buf, " on %s", e.Node)
	}
	fmt.Fprintf(&buf, "\n  Expected: %s\n  Actual: %s", e.Expected, e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages.
func EvaluateAssertions(h *Harness, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(h, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(h *Harness, a Assertion) error {
	switch a.Type {
	case AssertValue:
		return assertValue(h, a)
	case AssertAbsent:
		return assertAbsent(h, a)
	case AssertCount:
		return assertCount(h, a)
	case AssertConverged:
		return assertConverged(h, a)
	case AssertRejected:
		return assertRejected(h, a)
	case AssertCan:
		return assertCan(h, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertValue(h *Harness, a Assertion) error {
	want, err := ir.FromAny(a.Expect)
	if err != nil {
		return fmt.Errorf("expect: %w", err)
	}
	got, ok := h.nodes[a.Node].db.Get(a.Key)
	if !ok {
		return &AssertionError{Type: a.Type, Node: a.Node, Expected: fmt.Sprintf("%s = %s", a.Key, render(want)), Actual: "absent"}
	}
	if !ir.Equal(want, got) {
		return &AssertionError{Type: a.Type, Node: a.Node, Expected: fmt.Sprintf("%s = %s", a.Key, render(want)), Actual: render(got)}
	}
	return nil
}

func assertAbsent(h *Harness, a Assertion) error {
	if got, ok := h.nodes[a.Node].db.Get(a.Key); ok {
		return &AssertionError{Type: a.Type, Node: a.Node, Expected: a.Key + " absent", Actual: render(got)}
	}
	return nil
}

func assertCount(h *Harness, a Assertion) error {
	if got := h.nodes[a.Node].db.Len(); got != a.Count {
		return &AssertionError{Type: a.Type, Node: a.Node, Expected: fmt.Sprintf("%d records", a.Count), Actual: fmt.Sprintf("%d records", got)}
	}
	return nil
}

// assertConverged compares both heads and the visible records of every
// listed node against the first.
func assertConverged(h *Harness, a Assertion) error {
	first := h.nodes[a.Nodes[0]].db
	want, err := ir.MarshalCanonical(h.State()[a.Nodes[0]])
	if err != nil {
		return err
	}
	for _, name := range a.Nodes[1:] {
		db := h.nodes[name].db
		if !slices.Equal(first.Heads().Log, db.Heads().Log) || !slices.Equal(first.Heads().Access, db.Heads().Access) {
			return &AssertionError{
				Type:     a.Type,
				Node:     name,
				Expected: fmt.Sprintf("heads of %s (%d log, %d access)", a.Nodes[0], len(first.Heads().Log), len(first.Heads().Access)),
				Actual:   fmt.Sprintf("%d log, %d access heads that differ", len(db.Heads().Log), len(db.Heads().Access)),
			}
		}
		got, err := ir.MarshalCanonical(h.State()[name])
		if err != nil {
			return err
		}
		if string(want) != string(got) {
			return &AssertionError{Type: a.Type, Node: name, Expected: string(want), Actual: string(got)}
		}
	}
	return nil
}

func assertRejected(h *Harness, a Assertion) error {
	n := h.nodes[a.Node]
	got := 0
	for _, code := range n.rejected {
		if a.Code == "" || string(code) == a.Code {
			got++
		}
	}
	if got != a.Count {
		what := "rejections"
		if a.Code != "" {
			what = a.Code + " " + what
		}
		return &AssertionError{Type: a.Type, Node: a.Node, Expected: fmt.Sprintf("%d %s", a.Count, what), Actual: fmt.Sprintf("%d %s", got, what)}
	}
	return nil
}

func assertCan(h *Harness, a Assertion) error {
	want := true
	if b, ok := a.Expect.(bool); ok {
		want = b
	}
	if got := h.nodes[a.Node].db.Access().Can(a.Capability, h.id(a.Identity)); got != want {
		return &AssertionError{
			Type:     a.Type,
			Node:     a.Node,
			Expected: fmt.Sprintf("can(%s, %s) = %t", a.Capability, a.Identity, want),
			Actual:   fmt.Sprintf("%t", got),
		}
	}
	return nil
}

func render(v ir.IRValue) string {
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
