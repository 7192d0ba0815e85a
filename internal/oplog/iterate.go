package oplog

import (
	"iter"
	"slices"

	"github.com/roach88/peerdoc/internal/ir"
)

// Order selects the traversal direction of Iterate.
type Order int

const (
	// Causal yields ancestors before descendants, ties broken by hash.
	Causal Order = iota
	// ReverseCausal yields descendants first.
	ReverseCausal
)

// Iterate returns a lazy sequence over the applied entries.
//
// Each range over the sequence takes a fresh snapshot, so the sequence is
// restartable and never observes a half-applied merge. Causal order is
// ascending (clock, hash), a linear extension of the DAG.
func (l *Log) Iterate(order Order) iter.Seq[*ir.Entry] {
	return func(yield func(*ir.Entry) bool) {
		l.mu.RLock()
		snapshot := l.order
		l.mu.RUnlock()

		if order == ReverseCausal {
			for _, e := range slices.Backward(snapshot) {
				if !yield(e) {
					return
				}
			}
			return
		}
		for _, e := range snapshot {
			if !yield(e) {
				return
			}
		}
	}
}

// IsAncestor reports whether a is a strict ancestor of b. Unknown hashes are
// never ancestors.
func (l *Log) IsAncestor(a, b string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isAncestor(a, b)
}

func (l *Log) isAncestor(a, b string) bool {
	target, ok := l.entries[a]
	if !ok || a == b {
		return false
	}
	start, ok := l.entries[b]
	if !ok || start.Clock <= target.Clock {
		return false
	}

	visited := map[string]bool{b: true}
	stack := []*ir.Entry{start}
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range e.Parents {
			if p == a {
				return true
			}
			if visited[p] {
				continue
			}
			visited[p] = true
			// Ancestors of a have clocks below a's; skip branches that cannot reach it.
			if parent, ok := l.entries[p]; ok && parent.Clock > target.Clock {
				stack = append(stack, parent)
			}
		}
	}
	return false
}
