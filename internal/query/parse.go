package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/peerdoc/internal/ir"
)

// Parse reads conditions in text form and joins them with And.
func Parse(conditions ...string) (Predicate, error) {
	and := And{Predicates: make([]Predicate, 0, len(conditions))}
	for _, c := range conditions {
		p, err := parseCondition(c)
		if err != nil {
			return nil, err
		}
		and.Predicates = append(and.Predicates, p)
	}
	if len(and.Predicates) == 1 {
		return and.Predicates[0], nil
	}
	return and, nil
}

func parseCondition(s string) (Predicate, error) {
	i := strings.IndexAny(s, "=~<>")
	if i <= 0 {
		return nil, fmt.Errorf("condition %q: want path=value, path~text, path>n or path<n", s)
	}
	path, op, raw := strings.TrimSpace(s[:i]), s[i], s[i+1:]
	switch op {
	case '=':
		return Equals{Path: path, Value: literal(raw)}, nil
	case '~':
		return Contains{Path: path, Text: raw}, nil
	default:
		n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("condition %q: %q is not a number", s, raw)
		}
		return Compare{Path: path, Op: CompareOp(op), Value: n}, nil
	}
}

// literal reads raw as JSON, falling back to a plain string.
func literal(raw string) ir.IRValue {
	if v, err := ir.UnmarshalIRValue([]byte(raw)); err == nil {
		return v
	}
	return ir.IRString(raw)
}
