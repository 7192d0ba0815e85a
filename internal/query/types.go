package query

import "github.com/roach88/peerdoc/internal/ir"

// Predicate is a filter condition.
//
// This is a sealed interface; only types in this package implement it.
type Predicate interface {
	predicateNode()
}

// Equals holds when the field equals Value.
type Equals struct {
	Path  string
	Value ir.IRValue
}

func (Equals) predicateNode() {}

// Contains holds when the field is a string containing Text, compared
// under Unicode case folding.
type Contains struct {
	Path string
	Text string
}

func (Contains) predicateNode() {}

// CompareOp selects the ordering of Compare.
type CompareOp string

const (
	Greater CompareOp = ">"
	Less    CompareOp = "<"
)

// Compare holds when the numeric field is ordered against Value by Op.
type Compare struct {
	Path  string
	Op    CompareOp
	Value float64
}

func (Compare) predicateNode() {}

// And holds when every predicate holds.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Matcher reports whether a value satisfies a compiled predicate.
type Matcher func(ir.IRValue) bool
