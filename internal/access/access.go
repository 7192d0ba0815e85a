// Package access implements the capability controller of a database.
//
// Capabilities start from the manifest baseline and are then overridden per
// (capability, identity) pair by a replicated access sub-log. The sub-log is
// an ordinary operation log of Grant and Revoke entries, materialized with the
// same keyed frontier rule as documents: Grant wins means present, Revoke wins
// means absent, concurrent entries are decided by the lowest hash.
//
// Checks are causal and never retroactive. A sub-log entry is judged by the
// state its parents describe. A main-log entry is judged by the state at the
// sub-log heads it cites in Refs, and waits until those are applied. Every
// replica therefore reaches the same verdict whatever order entries arrive
// in, and a revoke never reaches back to entries authored before it.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/roach88/peerdoc/internal/blockstore"
	"github.com/roach88/peerdoc/internal/index"
	"github.com/roach88/peerdoc/internal/ir"
	"github.com/roach88/peerdoc/internal/oplog"
)

// ErrDenied is wrapped by guard failures.
var ErrDenied = errors.New("capability not held")

// KnownCapabilities lists the capabilities, in display order.
var KnownCapabilities = []string{ir.CapAdmin, ir.CapWrite}

// Option configures a Controller.
type Option func(*config)

type config struct {
	catalog oplog.Catalog
	logger  *slog.Logger
}

// WithCatalog persists the access sub-log.
func WithCatalog(c oplog.Catalog) Option {
	return func(cfg *config) { cfg.catalog = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) { cfg.logger = l }
}

// view is one immutable capability state.
type view struct {
	caps map[string]map[string]struct{}
}

func (v *view) has(capability, id string) bool {
	set := v.caps[capability]
	if _, ok := set[id]; ok {
		return true
	}
	_, ok := set[ir.Wildcard]
	return ok
}

// maxViews bounds the cache of views at past cuts.
const maxViews = 64

// Controller answers capability questions for one database.
type Controller struct {
	baseline ir.AccessSpec
	log      *oplog.Log
	pairs    *index.Keyed
	touched  map[string]struct{} // pair keys the sub-log has ever mentioned
	logger   *slog.Logger

	current atomic.Pointer[view]

	mu      sync.Mutex
	entries map[string]*ir.Entry // applied sub-log entries
	views   map[string]*view     // keyed by the joined cut
}

// New creates the controller for the database at addr. Call Load to restore
// a persisted sub-log.
func New(addr ir.Address, baseline ir.AccessSpec, blocks blockstore.Store, opts ...Option) *Controller {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}

	c := &Controller{
		baseline: baseline,
		pairs:    index.NewKeyed(),
		touched:  make(map[string]struct{}),
		entries:  make(map[string]*ir.Entry),
		views:    make(map[string]*view),
		logger:   cfg.logger.With("component", "access", "db", addr.String()),
	}
	logOpts := []oplog.Option{
		oplog.WithGuard(c.canAdminister),
		oplog.WithValidator(ValidateOperation),
		oplog.WithApplyHook(c.observe),
		oplog.WithLogger(cfg.logger),
	}
	if cfg.catalog != nil {
		logOpts = append(logOpts, oplog.WithCatalog(cfg.catalog))
	}
	c.log = oplog.New(addr.AccessLogID(), blocks, logOpts...)
	c.publish()
	return c
}

// Load restores the sub-log from the catalog.
func (c *Controller) Load(ctx context.Context) error {
	return c.log.Load(ctx)
}

// Log exposes the access sub-log for replication.
func (c *Controller) Log() *oplog.Log {
	return c.log
}

// Grant gives id the capability. The signer must hold admin.
func (c *Controller) Grant(ctx context.Context, capability, id string, signer oplog.Signer) (*ir.Entry, error) {
	e, err := c.log.Append(ctx, ir.Grant{Capability: capability, Identity: id}, signer)
	if err != nil {
		return nil, err
	}
	c.logger.Info("capability granted", "capability", capability, "identity", id, "by", signer.ID())
	return e, nil
}

// Revoke withdraws the capability from id. The signer must hold admin.
func (c *Controller) Revoke(ctx context.Context, capability, id string, signer oplog.Signer) (*ir.Entry, error) {
	e, err := c.log.Append(ctx, ir.Revoke{Capability: capability, Identity: id}, signer)
	if err != nil {
		return nil, err
	}
	c.logger.Info("capability revoked", "capability", capability, "identity", id, "by", signer.ID())
	return e, nil
}

// Merge integrates replicated access entries.
func (c *Controller) Merge(ctx context.Context, entries []*ir.Entry) (oplog.MergeResult, error) {
	return c.log.Merge(ctx, entries)
}

// Can reports whether id currently holds the capability.
func (c *Controller) Can(capability, id string) bool {
	return c.current.Load().has(capability, id)
}

// Capabilities returns every capability with its holders, sorted.
func (c *Controller) Capabilities() map[string][]string {
	v := c.current.Load()
	out := make(map[string][]string, len(KnownCapabilities))
	for _, name := range KnownCapabilities {
		out[name] = slices.Sorted(maps.Keys(v.caps[name]))
	}
	return out
}

// CanAppend is the guard of the main log. Writers need write; admins may
// always write. The entry is judged at the sub-log heads it cites, which the
// main log has already applied here.
func (c *Controller) CanAppend(e *ir.Entry) error {
	v := c.viewAt(e.Refs)
	if v.has(ir.CapWrite, e.Signer) || v.has(ir.CapAdmin, e.Signer) {
		return nil
	}
	return fmt.Errorf("%w: %s lacks %s", ErrDenied, e.Signer, ir.CapWrite)
}

// canAdminister is the guard of the access sub-log. The entry is judged at
// its parents.
func (c *Controller) canAdminister(e *ir.Entry) error {
	if c.viewAt(e.Parents).has(ir.CapAdmin, e.Signer) {
		return nil
	}
	return fmt.Errorf("%w: %s lacks %s", ErrDenied, e.Signer, ir.CapAdmin)
}

// observe runs inside the sub-log's critical section for every applied
// entry.
func (c *Controller) observe(anc oplog.Ancestry, e *ir.Entry) {
	c.mu.Lock()
	c.entries[e.Hash] = e
	c.mu.Unlock()

	if key, ok := ir.KeyOf(e.Op); ok {
		c.touched[key] = struct{}{}
	}
	c.pairs.Apply(anc, e)
	c.publish()
}

// publish recomputes the current capability view. Only the sub-log's writer
// calls it after construction.
func (c *Controller) publish() {
	c.current.Store(buildView(c.baseline, c.pairs.Snapshot(), c.touched))
}

// viewAt returns the capability state described by the applied sub-log
// entries cut names and their ancestors. Unknown hashes are ignored.
func (c *Controller) viewAt(cut []string) *view {
	key := strings.Join(cut, ",")
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.views[key]; ok {
		return v
	}

	past := c.closure(cut)
	ordered := slices.SortedFunc(maps.Values(past), ir.CompareCausal)
	touched := make(map[string]struct{})
	for _, e := range ordered {
		if k, ok := ir.KeyOf(e.Op); ok {
			touched[k] = struct{}{}
		}
	}
	pairs := index.NewKeyed()
	pairs.Apply(past, ordered...)
	v := buildView(c.baseline, pairs.Snapshot(), touched)

	if len(c.views) >= maxViews {
		clear(c.views)
	}
	c.views[key] = v
	return v
}

// closure collects cut and its ancestors. Caller holds mu.
func (c *Controller) closure(cut []string) dag {
	past := make(dag)
	stack := slices.Clone(cut)
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := past[h]; seen {
			continue
		}
		e, ok := c.entries[h]
		if !ok {
			continue
		}
		past[h] = e
		stack = append(stack, e.Parents...)
	}
	return past
}

// dag is a causally closed set of sub-log entries.
type dag map[string]*ir.Entry

// IsAncestor walks parents from b, pruning branches whose clock is already
// at or below a's.
func (d dag) IsAncestor(a, b string) bool {
	target, ok := d[a]
	if !ok || a == b {
		return false
	}
	stack := []string{b}
	visited := map[string]bool{b: true}
	for len(stack) > 0 {
		e, ok := d[stack[len(stack)-1]]
		stack = stack[:len(stack)-1]
		if !ok {
			continue
		}
		for _, p := range e.Parents {
			if p == a {
				return true
			}
			if visited[p] {
				continue
			}
			visited[p] = true
			if parent, ok := d[p]; ok && parent.Clock > target.Clock {
				stack = append(stack, p)
			}
		}
	}
	return false
}

func buildView(baseline ir.AccessSpec, snap *index.Snapshot, touched map[string]struct{}) *view {
	caps := map[string]map[string]struct{}{
		ir.CapAdmin: setOf(baseline.Admins),
		ir.CapWrite: setOf(baseline.Write),
	}
	for key := range touched {
		capability, id, ok := strings.Cut(key, "\x00")
		if !ok || caps[capability] == nil {
			continue
		}
		if _, granted := snap.Get(key); granted {
			caps[capability][id] = struct{}{}
		} else {
			delete(caps[capability], id)
		}
	}
	return &view{caps: caps}
}

func setOf(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// ValidateOperation accepts only well-formed Grant and Revoke operations.
func ValidateOperation(op ir.Operation) error {
	var capability, id string
	switch o := op.(type) {
	case ir.Grant:
		capability, id = o.Capability, o.Identity
	case ir.Revoke:
		capability, id = o.Capability, o.Identity
	case nil:
		return fmt.Errorf("operation is required")
	default:
		return fmt.Errorf("access log accepts only %s and %s, got %s", ir.OpGrant, ir.OpRevoke, op.Kind())
	}
	if !slices.Contains(KnownCapabilities, capability) {
		return fmt.Errorf("unknown capability %q", capability)
	}
	if id == "" {
		return fmt.Errorf("identity is required")
	}
	if strings.ContainsRune(id, 0) {
		return fmt.Errorf("identity must not contain NUL")
	}
	return nil
}
