package index

import (
	"iter"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/roach88/peerdoc/internal/ir"
)

// Ancestry answers causal questions about applied entries.
type Ancestry interface {
	IsAncestor(a, b string) bool
}

// Keyed is the last-writer view keyed by operation key.
//
// Apply and Rebuild must be called from one writer at a time; Snapshot may be
// called from anywhere.
type Keyed struct {
	frontier map[string][]*ir.Entry
	applied  int
	snap     atomic.Pointer[Snapshot]
}

// NewKeyed returns an empty keyed index.
func NewKeyed() *Keyed {
	k := &Keyed{frontier: make(map[string][]*ir.Entry)}
	k.snap.Store(emptySnapshot)
	return k
}

func (k *Keyed) Snapshot() *Snapshot {
	return k.snap.Load()
}

func (k *Keyed) Rebuild(anc Ancestry, entries iter.Seq[*ir.Entry]) {
	k.frontier = make(map[string][]*ir.Entry)
	k.applied = 0
	k.snap.Store(emptySnapshot)
	k.Apply(anc, slices.Collect(entries)...)
}

func (k *Keyed) Apply(anc Ancestry, entries ...*ir.Entry) {
	if len(entries) == 0 {
		return
	}
	touched := make(map[string]bool)
	for _, e := range entries {
		k.applied++
		key, ok := ir.KeyOf(e.Op)
		if !ok {
			continue
		}
		k.frontier[key] = advance(anc, k.frontier[key], e)
		touched[key] = true
	}

	prev := k.snap.Load()
	records := maps.Clone(prev.records)
	for key := range touched {
		if r, ok := winner(key, k.frontier[key]); ok {
			records[key] = r
		} else {
			delete(records, key)
		}
	}
	order := slices.Sorted(maps.Keys(records))
	k.snap.Store(&Snapshot{records: records, order: order, applied: k.applied})
}

// advance adds e to a key's frontier, dropping members e descends from.
func advance(anc Ancestry, frontier []*ir.Entry, e *ir.Entry) []*ir.Entry {
	next := make([]*ir.Entry, 0, len(frontier)+1)
	for _, m := range frontier {
		if m.Hash == e.Hash {
			return frontier
		}
		if anc.IsAncestor(e.Hash, m.Hash) {
			// A later member already supersedes e.
			return frontier
		}
		if !anc.IsAncestor(m.Hash, e.Hash) {
			next = append(next, m)
		}
	}
	return append(next, e)
}

// winner resolves a frontier: the lowest entry hash decides the key.
func winner(key string, frontier []*ir.Entry) (Record, bool) {
	if len(frontier) == 0 {
		return Record{}, false
	}
	w := slices.MinFunc(frontier, func(a, b *ir.Entry) int {
		switch {
		case a.Hash < b.Hash:
			return -1
		case a.Hash > b.Hash:
			return 1
		}
		return 0
	})
	switch op := w.Op.(type) {
	case ir.Put:
		return Record{Key: key, Value: op.Value, Hash: w.Hash}, true
	case ir.Grant:
		return Record{Key: key, Value: ir.IRBool(true), Hash: w.Hash}, true
	default:
		return Record{}, false
	}
}
