package index

import (
	"iter"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/roach88/peerdoc/internal/ir"
)

// Events is the append-only event list view. Records are keyed by entry hash.
type Events struct {
	entries []*ir.Entry
	applied int
	snap    atomic.Pointer[Snapshot]
}

// NewEvents returns an empty events index.
func NewEvents() *Events {
	ev := &Events{}
	ev.snap.Store(emptySnapshot)
	return ev
}

func (ev *Events) Snapshot() *Snapshot {
	return ev.snap.Load()
}

func (ev *Events) Rebuild(anc Ancestry, entries iter.Seq[*ir.Entry]) {
	ev.entries = nil
	ev.applied = 0
	ev.snap.Store(emptySnapshot)
	ev.Apply(anc, slices.Collect(entries)...)
}

// Apply ignores ancestry: causal order of events is (clock, hash).
func (ev *Events) Apply(_ Ancestry, entries ...*ir.Entry) {
	if len(entries) == 0 {
		return
	}
	prev := ev.snap.Load()
	records := maps.Clone(prev.records)
	for _, e := range entries {
		ev.applied++
		add, ok := e.Op.(ir.Add)
		if !ok {
			continue
		}
		if _, dup := records[e.Hash]; dup {
			continue
		}
		records[e.Hash] = Record{Key: e.Hash, Value: add.Value, Hash: e.Hash}
		ev.entries = append(ev.entries, e)
	}
	// Merged entries may be causally older than ones already listed.
	slices.SortFunc(ev.entries, ir.CompareCausal)
	order := make([]string, len(ev.entries))
	for i, e := range ev.entries {
		order[i] = e.Hash
	}
	ev.snap.Store(&Snapshot{records: records, order: order, applied: ev.applied})
}
