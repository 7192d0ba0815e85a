package oplog

import (
	"context"
	"maps"
	"slices"

	"github.com/roach88/peerdoc/internal/ir"
)

// Rejection pairs a refused entry with the reason.
type Rejection struct {
	Hash string
	Err  *Error
}

// MergeResult reports what a merge did.
type MergeResult struct {
	// Accepted lists newly applied entries in causal order.
	Accepted []*ir.Entry

	// Rejected lists entries refused by this call, including entries that
	// were refused before and were offered again.
	Rejected []Rejection

	// Missing lists the parent hashes that queued entries are waiting for.
	Missing []string

	// MissingRefs lists the hashes of the referenced log that queued entries
	// are waiting for and that log does not know yet.
	MissingRefs []string
}

// MergeBlocks decodes raw blocks and merges them. A block that does not
// decode is rejected as malformed under the hash of its bytes.
func (l *Log) MergeBlocks(ctx context.Context, blocks [][]byte) (MergeResult, error) {
	var (
		entries []*ir.Entry
		bad     []Rejection
	)
	for _, b := range blocks {
		e, err := ir.DecodeEntry(b)
		if err != nil {
			bad = append(bad, Rejection{
				Hash: ir.BlockHash(b),
				Err:  newError(ErrCodeMalformedPayload, ir.BlockHash(b), err, "undecodable block"),
			})
			continue
		}
		entries = append(entries, e)
	}
	res, err := l.Merge(ctx, entries)
	if len(bad) > 0 {
		l.mu.Lock()
		for _, r := range bad {
			if _, seen := l.rejected[r.Hash]; !seen {
				l.reject(ctx, r.Err)
			}
		}
		l.mu.Unlock()
		res.Rejected = append(bad, res.Rejected...)
	}
	return res, err
}

// Merge integrates remote entries.
//
// Entries already present are ignored. Entries rejected before are rejected
// again without re-verification. Entries whose parents or refs are not all
// present are queued and applied automatically once a later merge supplies
// them; merging no entries retries the queue after the referenced log
// advanced. Storage failures abort the call; entries applied before the
// failure stay applied and the failing entry is not applied.
func (l *Log) Merge(ctx context.Context, entries []*ir.Entry) (MergeResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var res MergeResult
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e == nil || seen[e.Hash] {
			continue
		}
		seen[e.Hash] = true
		if _, ok := l.entries[e.Hash]; ok {
			continue
		}
		if prev, ok := l.rejected[e.Hash]; ok {
			res.Rejected = append(res.Rejected, Rejection{Hash: e.Hash, Err: prev})
			continue
		}
		if _, ok := l.pending[e.Hash]; ok {
			continue
		}
		if err := l.check(e); err != nil {
			l.reject(ctx, err)
			res.Rejected = append(res.Rejected, Rejection{Hash: e.Hash, Err: err})
			continue
		}
		l.pending[e.Hash] = e
	}

	accepted, rejected, err := l.resolvePending(ctx)
	res.Accepted = accepted
	res.Rejected = append(res.Rejected, rejected...)
	res.Missing = l.missingAncestors()
	res.MissingRefs = l.missingRefs()
	if len(accepted) > 0 {
		l.logger.Debug("merged entries", "accepted", len(accepted), "pending", len(l.pending), "heads", len(l.heads))
	}
	return res, err
}

// resolvePending applies every queued entry whose parents are all present.
// Caller holds mu.
func (l *Log) resolvePending(ctx context.Context) ([]*ir.Entry, []Rejection, error) {
	var (
		accepted []*ir.Entry
		rejected []Rejection
	)
	for progress := true; progress; {
		progress = false
		// Parents always carry a lower clock, so one causal pass resolves
		// whole chains; the outer loop only catches entries unblocked by a
		// rejection.
		for _, e := range slices.SortedFunc(maps.Values(l.pending), ir.CompareCausal) {
			ready, err := l.ready(e)
			if err != nil {
				delete(l.pending, e.Hash)
				l.reject(ctx, err)
				rejected = append(rejected, Rejection{Hash: e.Hash, Err: err})
				progress = true
				continue
			}
			if !ready {
				continue
			}
			if l.guard != nil {
				if gerr := l.guard(e); gerr != nil {
					err := newError(ErrCodePermissionDenied, e.Hash, gerr, "%s may not append %s", short(e.Signer), e.Op.Kind())
					delete(l.pending, e.Hash)
					l.reject(ctx, err)
					rejected = append(rejected, Rejection{Hash: e.Hash, Err: err})
					progress = true
					continue
				}
			}
			block, berr := e.Block()
			if berr != nil {
				return accepted, rejected, newError(ErrCodeMalformedPayload, e.Hash, berr, "encode entry")
			}
			if aerr := l.apply(ctx, e, block); aerr != nil {
				return accepted, rejected, aerr
			}
			delete(l.pending, e.Hash)
			accepted = append(accepted, e)
			progress = true
		}
	}
	return accepted, rejected, nil
}

// ready reports whether all parents and refs of e are applied. It returns an
// error when e can never be applied: a parent or ref was rejected, the clock
// does not follow from the parents, a queued parent does not precede it, or
// the refs fall behind a parent's.
func (l *Log) ready(e *ir.Entry) (bool, *Error) {
	var highest int64
	for _, p := range e.Parents {
		if perr, ok := l.rejected[p]; ok {
			return false, newError(ErrCodeMissingAncestor, e.Hash, perr, "ancestor %s was rejected", short(p))
		}
		if q, ok := l.pending[p]; ok {
			if q.Clock >= e.Clock {
				return false, newError(ErrCodeMalformedPayload, e.Hash, nil, "parent %s does not precede entry", short(p))
			}
			return false, nil
		}
		parent, ok := l.entries[p]
		if !ok {
			return false, nil
		}
		highest = max(highest, parent.Clock)
	}
	if e.Clock != highest+1 {
		return false, newError(ErrCodeMalformedPayload, e.Hash, nil, "clock %d does not follow parents (want %d)", e.Clock, highest+1)
	}
	return l.refsReady(e)
}

// refsReady is ready for the referenced log. Caller holds mu.
func (l *Log) refsReady(e *ir.Entry) (bool, *Error) {
	if l.refs == nil {
		return true, nil
	}
	for _, r := range e.Refs {
		if rerr, ok := l.refs.Rejected(r); ok {
			return false, newError(ErrCodeMissingAncestor, e.Hash, rerr, "referenced entry %s was rejected", short(r))
		}
		if !l.refs.Has(r) {
			return false, nil
		}
	}
	// An entry cannot claim an earlier capability state than its parents.
	for _, p := range e.Parents {
		parent := l.entries[p]
		if slices.Equal(parent.Refs, e.Refs) {
			continue
		}
		for _, r := range parent.Refs {
			if !l.refs.Covers(e.Refs, r) {
				return false, newError(ErrCodeMalformedPayload, e.Hash, nil, "refs fall behind %s cited by parent %s", short(r), short(p))
			}
		}
	}
	return true, nil
}

// missingAncestors returns the parents queued entries wait for that are not
// themselves queued. Caller holds mu.
func (l *Log) missingAncestors() []string {
	set := make(map[string]struct{})
	for _, e := range l.pending {
		for _, p := range e.Parents {
			if _, ok := l.entries[p]; ok {
				continue
			}
			if _, ok := l.pending[p]; ok {
				continue
			}
			set[p] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// missingRefs returns the refs queued entries wait for that the referenced
// log does not know. Caller holds mu.
func (l *Log) missingRefs() []string {
	if l.refs == nil {
		return nil
	}
	var refs []string
	for _, e := range l.pending {
		refs = append(refs, e.Refs...)
	}
	if len(refs) == 0 {
		return nil
	}
	return l.refs.Missing(refs)
}

// Pending returns the hashes of queued entries, sorted.
func (l *Log) Pending() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Sorted(maps.Keys(l.pending))
}

// MissingAncestors returns the hashes queued entries are waiting for.
func (l *Log) MissingAncestors() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.missingAncestors()
}

// MissingRefs returns the referenced hashes queued entries are waiting for.
func (l *Log) MissingRefs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.missingRefs()
}

// DropPending abandons queued entries after their ancestor fetch gave up.
// With no hashes every queued entry is dropped. Dropped entries are not
// remembered as rejected: a later sync may still deliver their ancestors.
// Applied state never changes.
func (l *Log) DropPending(hashes ...string) []Rejection {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(hashes) == 0 {
		hashes = slices.Collect(maps.Keys(l.pending))
	}
	slices.Sort(hashes)

	var dropped []Rejection
	for _, h := range hashes {
		e, ok := l.pending[h]
		if !ok {
			continue
		}
		delete(l.pending, h)
		dropped = append(dropped, Rejection{
			Hash: h,
			Err:  newError(ErrCodeMissingAncestor, h, nil, "gave up waiting for %d parent(s)", len(e.Parents)),
		})
	}
	if len(dropped) > 0 {
		l.logger.Warn("dropped pending entries", "count", len(dropped))
	}
	return dropped
}
