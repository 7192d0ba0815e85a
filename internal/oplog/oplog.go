// Package oplog implements the operation log: an append-only DAG of signed,
// content-addressed entries.
//
// The log is the system of record. Entries are applied only after every
// parent is present, so the applied set is always causally closed and heads
// are exactly its maximal frontier. Guards judge each entry at the causal
// point it records, never at the validating node's current state, so Merge is
// commutative, associative and idempotent and every rejection is final.
package oplog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/peerdoc/internal/blockstore"
	"github.com/roach88/peerdoc/internal/identity"
	"github.com/roach88/peerdoc/internal/ir"
	"github.com/roach88/peerdoc/internal/store"
)

// Signer creates signatures for appended entries.
type Signer interface {
	ID() string
	SignEntry(e *ir.Entry) error
}

// Guard decides whether e's signer may author it. The decision must depend
// only on e and on entries e records as causally prior (its parents, and its
// refs on a log with references). A non-nil error denies it.
type Guard func(e *ir.Entry) error

// Validator enforces record-type rules on an operation.
type Validator func(op ir.Operation) error

// Ancestry answers causal questions about applied entries.
type Ancestry interface {
	IsAncestor(a, b string) bool
}

// ApplyHook observes every entry as it becomes applied, in causal order,
// while the log is still locked. view is valid only for the duration of the
// call; the hook must not call back into the Log.
type ApplyHook func(view Ancestry, e *ir.Entry)

// References is a second log the entries of this log cite in Refs. A log
// with references applies an entry only once every ref is applied there.
// *Log satisfies it.
type References interface {
	Heads() []string
	Has(hash string) bool
	Rejected(hash string) (*Error, bool)
	Covers(cut []string, hash string) bool
	Missing(hashes []string) []string
}

// Catalog persists log membership so a log can be reloaded after restart.
// *store.Store satisfies it.
type Catalog interface {
	CommitEntry(ctx context.Context, logID string, rec store.EntryRecord, heads []string) error
	RecordRejection(ctx context.Context, logID string, r store.Rejection) error
	ReadEntries(ctx context.Context, logID string) ([]store.EntryRecord, error)
	ReadHeads(ctx context.Context, logID string) ([]string, error)
	ReadRejections(ctx context.Context, logID string) ([]store.Rejection, error)
}

// Option configures a Log.
type Option func(*Log)

// WithGuard installs the capability check.
func WithGuard(g Guard) Option {
	return func(l *Log) { l.guard = g }
}

// WithValidator installs the record-type rules.
func WithValidator(v Validator) Option {
	return func(l *Log) { l.validator = v }
}

// WithReferences makes appended entries cite the heads of r and holds merged
// entries until their refs are applied in r.
func WithReferences(r References) Option {
	return func(l *Log) { l.refs = r }
}

// WithCatalog persists accepted and rejected entries.
func WithCatalog(c Catalog) Option {
	return func(l *Log) { l.catalog = c }
}

// WithApplyHook registers fn to observe applied entries. Hooks have observed
// every ancestor of an entry, including ones applied earlier in the same
// merge, before its guard runs.
func WithApplyHook(fn ApplyHook) Option {
	return func(l *Log) { l.hooks = append(l.hooks, fn) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// Log is one operation log. It is safe for concurrent use.
type Log struct {
	id        string
	blocks    blockstore.Store
	guard     Guard
	refs      References
	validator Validator
	catalog   Catalog
	hooks     []ApplyHook
	logger    *slog.Logger

	mu       sync.RWMutex
	entries  map[string]*ir.Entry
	heads    map[string]struct{}
	order    []*ir.Entry // applied entries in causal order
	pending  map[string]*ir.Entry
	rejected map[string]*Error
}

// New creates an empty log. Call Load to restore persisted state.
func New(logID string, blocks blockstore.Store, opts ...Option) *Log {
	l := &Log{
		id:       logID,
		blocks:   blocks,
		entries:  make(map[string]*ir.Entry),
		heads:    make(map[string]struct{}),
		pending:  make(map[string]*ir.Entry),
		rejected: make(map[string]*Error),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l.logger = l.logger.With("component", "oplog", "log", logID)
	return l
}

// ID returns the log id.
func (l *Log) ID() string {
	return l.id
}

// Append authors a new entry on top of the current heads.
//
// A failed append leaves the log unchanged.
func (l *Log) Append(ctx context.Context, op ir.Operation, signer Signer) (*ir.Entry, error) {
	if l.validator != nil {
		if err := l.validator(op); err != nil {
			return nil, newError(ErrCodeMalformedPayload, "", err, "operation rejected")
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	parents := l.sortedHeads()
	draft := &ir.Entry{LogID: l.id, Op: op, Signer: signer.ID(), Parents: parents, Clock: l.nextClock(parents)}
	if l.refs != nil {
		draft.Refs = l.refs.Heads()
	}
	if l.guard != nil {
		if err := l.guard(draft); err != nil {
			return nil, newError(ErrCodePermissionDenied, "", err, "%s may not append %s", short(signer.ID()), op.Kind())
		}
	}
	if err := signer.SignEntry(draft); err != nil {
		return nil, newError(ErrCodeMalformedPayload, "", err, "sign entry")
	}
	block, err := draft.Block()
	if err != nil {
		return nil, newError(ErrCodeMalformedPayload, "", err, "encode entry")
	}
	// Decoding the block yields the normalized form every peer will see.
	e, err := ir.DecodeEntry(block)
	if err != nil {
		return nil, newError(ErrCodeMalformedPayload, draft.Hash, err, "encode entry")
	}
	if existing, ok := l.entries[e.Hash]; ok {
		return existing, nil
	}
	if err := l.apply(ctx, e, block); err != nil {
		return nil, err
	}
	l.logger.Debug("entry appended", "entry", short(e.Hash), "op", string(op.Kind()), "clock", e.Clock)
	return e, nil
}

// nextClock returns 1 + the largest parent clock.
func (l *Log) nextClock(parents []string) int64 {
	var highest int64
	for _, p := range parents {
		if e, ok := l.entries[p]; ok && e.Clock > highest {
			highest = e.Clock
		}
	}
	return highest + 1
}

// apply stores and records a fully validated entry. Caller holds mu.
// Nothing in memory changes unless both the block and the catalog write succeed.
func (l *Log) apply(ctx context.Context, e *ir.Entry, block []byte) error {
	if err := l.blocks.Put(ctx, e.Hash, block); err != nil {
		return newError(ErrCodeBlockStoreUnavailable, e.Hash, err, "store block")
	}

	heads := maps.Clone(l.heads)
	for _, p := range e.Parents {
		delete(heads, p)
	}
	heads[e.Hash] = struct{}{}

	if l.catalog != nil {
		rec := store.EntryRecord{Hash: e.Hash, Clock: e.Clock}
		if err := l.catalog.CommitEntry(ctx, l.id, rec, slices.Sorted(maps.Keys(heads))); err != nil {
			return newError(ErrCodeBlockStoreUnavailable, e.Hash, err, "catalog entry")
		}
	}

	l.entries[e.Hash] = e
	l.heads = heads
	l.insertOrdered(e)
	for _, fn := range l.hooks {
		fn(lockedView{l}, e)
	}
	return nil
}

// lockedView serves ancestry queries from inside the critical section.
type lockedView struct{ l *Log }

func (v lockedView) IsAncestor(a, b string) bool { return v.l.isAncestor(a, b) }

func (l *Log) insertOrdered(e *ir.Entry) {
	i, _ := slices.BinarySearchFunc(l.order, e, ir.CompareCausal)
	// Copy so previously handed-out snapshots keep their contents.
	next := make([]*ir.Entry, 0, len(l.order)+1)
	next = append(next, l.order[:i]...)
	next = append(next, e)
	next = append(next, l.order[i:]...)
	l.order = next
}

func (l *Log) sortedHeads() []string {
	return slices.Sorted(maps.Keys(l.heads))
}

// Heads returns the current heads, sorted.
func (l *Log) Heads() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sortedHeads()
}

// Len returns the number of applied entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Get returns an applied entry.
func (l *Log) Get(hash string) (*ir.Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[hash]
	return e, ok
}

// Has reports whether hash is applied.
func (l *Log) Has(hash string) bool {
	_, ok := l.Get(hash)
	return ok
}

// Rejected returns the remembered rejection for hash.
func (l *Log) Rejected(hash string) (*Error, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	err, ok := l.rejected[hash]
	return err, ok
}

// Covers reports whether hash is applied and is a member or an ancestor of a
// member of cut.
func (l *Log) Covers(cut []string, hash string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.entries[hash]; !ok {
		return false
	}
	for _, h := range cut {
		if h == hash || l.isAncestor(hash, h) {
			return true
		}
	}
	return false
}

// Entries returns the applied entries among hashes, skipping unknown ones.
func (l *Log) Entries(hashes []string) []*ir.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*ir.Entry, 0, len(hashes))
	for _, h := range hashes {
		if e, ok := l.entries[h]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Missing returns the hashes this log neither holds, has queued, nor has
// rejected. These are the hashes worth fetching from peers.
func (l *Log) Missing(hashes []string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []string
	for _, h := range ir.NormalizeParents(hashes) {
		if l.known(h) {
			continue
		}
		out = append(out, h)
	}
	return out
}

func (l *Log) known(h string) bool {
	if _, ok := l.entries[h]; ok {
		return true
	}
	if _, ok := l.pending[h]; ok {
		return true
	}
	_, ok := l.rejected[h]
	return ok
}

// Load restores the log from the catalog and block store. Cataloged entries
// were validated when they arrived and are not re-checked against the guard.
// The heads rebuilt from them must match the heads committed with the last
// entry, otherwise the catalog is corrupt and nothing is loaded. Apply hooks
// observe every loaded entry in causal order.
func (l *Log) Load(ctx context.Context) error {
	if l.catalog == nil {
		return nil
	}
	records, err := l.catalog.ReadEntries(ctx, l.id)
	if err != nil {
		return newError(ErrCodeBlockStoreUnavailable, "", err, "read catalog")
	}
	rejections, err := l.catalog.ReadRejections(ctx, l.id)
	if err != nil {
		return newError(ErrCodeBlockStoreUnavailable, "", err, "read catalog")
	}

	loaded := make([]*ir.Entry, 0, len(records))
	for _, rec := range records {
		block, err := l.blocks.Get(ctx, rec.Hash)
		if err != nil {
			return newError(ErrCodeBlockStoreUnavailable, rec.Hash, err, "load block")
		}
		e, err := ir.DecodeEntry(block)
		if err != nil || e.Hash != rec.Hash {
			return newError(ErrCodeBlockStoreUnavailable, rec.Hash, err, "corrupt block")
		}
		loaded = append(loaded, e)
	}
	slices.SortFunc(loaded, ir.CompareCausal)

	persisted, err := l.catalog.ReadHeads(ctx, l.id)
	if err != nil {
		return newError(ErrCodeBlockStoreUnavailable, "", err, "read catalog")
	}
	if rebuilt := headsOf(loaded); !slices.Equal(rebuilt, persisted) {
		return newError(ErrCodeBlockStoreUnavailable, "", nil,
			"catalog heads disagree with its entries (%d persisted, %d rebuilt)", len(persisted), len(rebuilt))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fresh := loaded[:0]
	for _, e := range loaded {
		if _, ok := l.entries[e.Hash]; ok {
			continue
		}
		fresh = append(fresh, e)
		l.entries[e.Hash] = e
		for _, p := range e.Parents {
			delete(l.heads, p)
		}
		l.heads[e.Hash] = struct{}{}
	}
	l.order = slices.SortedFunc(maps.Values(l.entries), ir.CompareCausal)
	for _, e := range fresh {
		for _, fn := range l.hooks {
			fn(lockedView{l}, e)
		}
	}
	for _, r := range rejections {
		l.rejected[r.Hash] = &Error{Code: ErrorCode(r.Code), Message: r.Reason, Hash: r.Hash}
	}
	l.logger.Debug("log loaded", "entries", len(l.entries), "rejected", len(l.rejected))
	return nil
}

// headsOf returns the sorted hashes in entries that no other entry names as
// a parent.
func headsOf(entries []*ir.Entry) []string {
	heads := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		heads[e.Hash] = struct{}{}
	}
	for _, e := range entries {
		for _, p := range e.Parents {
			delete(heads, p)
		}
	}
	return slices.Sorted(maps.Keys(heads))
}

// check validates everything about e that does not depend on its ancestors.
func (l *Log) check(e *ir.Entry) *Error {
	block, err := e.Block()
	if err != nil {
		return newError(ErrCodeMalformedPayload, e.Hash, err, "encode entry")
	}
	if ir.BlockHash(block) != e.Hash {
		return newError(ErrCodeMalformedPayload, e.Hash, nil, "hash does not match content")
	}
	if e.LogID != l.id {
		return newError(ErrCodeMalformedPayload, e.Hash, nil, "entry belongs to log %q", e.LogID)
	}
	if e.Clock < 1 {
		return newError(ErrCodeMalformedPayload, e.Hash, nil, "clock %d out of range", e.Clock)
	}
	if len(e.Parents) == 0 && e.Clock != 1 {
		return newError(ErrCodeMalformedPayload, e.Hash, nil, "root entry must have clock 1")
	}
	for i, p := range e.Parents {
		if !ir.IsHash(p) {
			return newError(ErrCodeMalformedPayload, e.Hash, nil, "parent %q is not a hash", p)
		}
		if p == e.Hash {
			return newError(ErrCodeMalformedPayload, e.Hash, nil, "entry lists itself as parent")
		}
		if i > 0 && e.Parents[i-1] >= p {
			return newError(ErrCodeMalformedPayload, e.Hash, nil, "parents must be sorted and unique")
		}
	}
	if len(e.Refs) > 0 && l.refs == nil {
		return newError(ErrCodeMalformedPayload, e.Hash, nil, "log takes no refs")
	}
	for i, r := range e.Refs {
		if !ir.IsHash(r) {
			return newError(ErrCodeMalformedPayload, e.Hash, nil, "ref %q is not a hash", r)
		}
		if i > 0 && e.Refs[i-1] >= r {
			return newError(ErrCodeMalformedPayload, e.Hash, nil, "refs must be sorted and unique")
		}
	}
	if !identity.VerifyEntry(e) {
		return newError(ErrCodeSignatureInvalid, e.Hash, nil, "signature does not verify for %s", short(e.Signer))
	}
	if l.validator != nil {
		if err := l.validator(e.Op); err != nil {
			return newError(ErrCodeMalformedPayload, e.Hash, err, "operation rejected")
		}
	}
	return nil
}

// reject remembers a failed entry. Caller holds mu.
func (l *Log) reject(ctx context.Context, e *Error) {
	l.rejected[e.Hash] = e
	l.logger.Warn("entry rejected", "entry", short(e.Hash), "code", string(e.Code), "reason", e.Error())
	if l.catalog == nil {
		return
	}
	r := store.Rejection{Hash: e.Hash, Code: string(e.Code), Reason: e.Message}
	if err := l.catalog.RecordRejection(ctx, l.id, r); err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Error("failed to record rejection", "entry", short(e.Hash), "error", err)
	}
}

// String describes the log for diagnostics.
func (l *Log) String() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fmt.Sprintf("log %s: %d entries, %d heads, %d pending", l.id, len(l.entries), len(l.heads), len(l.pending))
}
