// Package index materializes an operation log into a queryable view.
//
// Two projections exist. Keyed serves documents, keyvalue and access pair
// state: for every key it keeps the frontier of entries touching the key
// (those not an ancestor of another such entry) and the lowest hash in the
// frontier decides the value. Events keeps every Add entry in causal order.
// Both are pure functions of the applied entry set, so replicas holding the
// same entries hold identical views regardless of merge order.
//
// Views are published as immutable snapshots swapped through an
// atomic.Pointer. Readers never block behind the writer.
package index

import (
	"iter"

	"github.com/roach88/peerdoc/internal/ir"
)

// Record is one visible item of a view.
type Record struct {
	Key   string     `json:"key"`
	Value ir.IRValue `json:"value"`
	Hash  string     `json:"hash"`
}

// Snapshot is an immutable view of the index at one point.
type Snapshot struct {
	records map[string]Record
	order   []string
	applied int
}

var emptySnapshot = &Snapshot{records: map[string]Record{}}

// Get returns the record for key.
func (s *Snapshot) Get(key string) (Record, bool) {
	r, ok := s.records[key]
	return r, ok
}

// Len returns the number of visible records.
func (s *Snapshot) Len() int {
	return len(s.order)
}

// Applied returns how many entries the view has absorbed.
func (s *Snapshot) Applied() int {
	return s.applied
}

// All returns the visible records: by key for keyed views, causal for events.
func (s *Snapshot) All() []Record {
	out := make([]Record, len(s.order))
	for i, k := range s.order {
		out[i] = s.records[k]
	}
	return out
}

// Records iterates the visible records in the order of All.
func (s *Snapshot) Records() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for _, k := range s.order {
			if !yield(s.records[k]) {
				return
			}
		}
	}
}

// Query returns the records whose value satisfies match. It is a full scan.
func (s *Snapshot) Query(match func(ir.IRValue) bool) []Record {
	var out []Record
	for r := range s.Records() {
		if match(r.Value) {
			out = append(out, r)
		}
	}
	return out
}

// Index is a projection of a log.
type Index interface {
	// Apply absorbs newly accepted entries. Entries must arrive after their
	// ancestors, which the log guarantees.
	Apply(anc Ancestry, entries ...*ir.Entry)

	// Rebuild discards the view and replays entries in causal order.
	Rebuild(anc Ancestry, entries iter.Seq[*ir.Entry])

	// Snapshot returns the current immutable view.
	Snapshot() *Snapshot
}
