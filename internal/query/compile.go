package query

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"

	"github.com/roach88/peerdoc/internal/ir"
)

// Whole is the path that addresses the value itself.
const Whole = "."

// Compile checks p and returns its matcher. A nil predicate matches
// everything.
func Compile(p Predicate) (Matcher, error) {
	switch pred := p.(type) {
	case nil:
		return func(ir.IRValue) bool { return true }, nil
	case Equals:
		return compileEquals(pred)
	case *Equals:
		return compileEquals(*pred)
	case Contains:
		return compileContains(pred)
	case *Contains:
		return compileContains(*pred)
	case Compare:
		return compileCompare(pred)
	case *Compare:
		return compileCompare(*pred)
	case And:
		return compileAnd(pred)
	case *And:
		return compileAnd(*pred)
	default:
		return nil, fmt.Errorf("unknown predicate type %T", p)
	}
}

func compileEquals(eq Equals) (Matcher, error) {
	if err := checkPath(eq.Path); err != nil {
		return nil, err
	}
	if eq.Value == nil {
		return nil, fmt.Errorf("equals %s: value is required", eq.Path)
	}
	want := eq.Value
	return func(v ir.IRValue) bool {
		got, ok := Lookup(v, eq.Path)
		return ok && ir.Equal(got, want)
	}, nil
}

func compileContains(c Contains) (Matcher, error) {
	if err := checkPath(c.Path); err != nil {
		return nil, err
	}
	needle := cases.Fold().String(c.Text)
	return func(v ir.IRValue) bool {
		got, ok := Lookup(v, c.Path)
		if !ok {
			return false
		}
		s, ok := got.(ir.IRString)
		if !ok {
			return false
		}
		return strings.Contains(cases.Fold().String(string(s)), needle)
	}, nil
}

func compileCompare(c Compare) (Matcher, error) {
	if err := checkPath(c.Path); err != nil {
		return nil, err
	}
	if c.Op != Greater && c.Op != Less {
		return nil, fmt.Errorf("compare %s: unknown operator %q", c.Path, c.Op)
	}
	return func(v ir.IRValue) bool {
		got, ok := Lookup(v, c.Path)
		if !ok {
			return false
		}
		n, ok := number(got)
		if !ok {
			return false
		}
		if c.Op == Greater {
			return n > c.Value
		}
		return n < c.Value
	}, nil
}

func compileAnd(and And) (Matcher, error) {
	matchers := make([]Matcher, 0, len(and.Predicates))
	for i, p := range and.Predicates {
		if p == nil {
			return nil, fmt.Errorf("and[%d]: nil predicate", i)
		}
		m, err := Compile(p)
		if err != nil {
			return nil, fmt.Errorf("and[%d]: %w", i, err)
		}
		matchers = append(matchers, m)
	}
	return func(v ir.IRValue) bool {
		for _, m := range matchers {
			if !m(v) {
				return false
			}
		}
		return true
	}, nil
}

func checkPath(path string) error {
	if path == Whole {
		return nil
	}
	if path == "" {
		return fmt.Errorf("field path is required")
	}
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return fmt.Errorf("field path %q has an empty segment", path)
		}
	}
	return nil
}

// Lookup resolves a dotted path inside v.
func Lookup(v ir.IRValue, path string) (ir.IRValue, bool) {
	if path == Whole {
		return v, v != nil
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return nil, false
	}
	return obj.Lookup(path)
}

func number(v ir.IRValue) (float64, bool) {
	switch n := v.(type) {
	case ir.IRInt:
		return float64(n), true
	case ir.IRFloat:
		return float64(n), true
	default:
		return 0, false
	}
}
