package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/roach88/peerdoc/internal/blockstore"
	"github.com/roach88/peerdoc/internal/docstore"
	"github.com/roach88/peerdoc/internal/identity"
	"github.com/roach88/peerdoc/internal/ir"
	"github.com/roach88/peerdoc/internal/oplog"
	"github.com/roach88/peerdoc/internal/store"
	"github.com/roach88/peerdoc/internal/testutil"
)

// Outcomes that are not log error codes.
const (
	OutcomeOK       = "ok"
	OutcomeNotFound = "NOT_FOUND"
	OutcomeWrong    = "WRONG_TYPE"
	OutcomeError    = "ERROR"
)

// Harness holds the nodes of one scenario run.
type Harness struct {
	scenario *Scenario
	nodes    map[string]*node
	names    map[string]string // node id to name
	clock    docstore.Clock
	logger   *slog.Logger
}

type node struct {
	name     string
	kp       *identity.Keypair
	blocks   *blockstore.MemStore
	catalog  *store.Store
	mgr      *docstore.Manager
	db       *docstore.Database
	rejected map[string]oplog.ErrorCode // entry hash to code
	forged   []*ir.Entry                // signed past the local guard, never applied here
}

// Run executes a scenario and returns the result.
//
// Each run starts fresh nodes with in-memory block stores and catalogs.
// A step that misses its expectation or a failed assertion marks the result
// as failed; an error is returned only when the nodes cannot be set up.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()
	h, err := New(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	result := NewResult()
	for i, step := range scenario.Steps {
		h.execute(ctx, i, step, result)
	}
	for _, msg := range EvaluateAssertions(h, scenario.Assertions) {
		result.AddError(msg)
	}
	result.State = h.State()
	return result, nil
}

// New starts the scenario's nodes, creates the database on its owner and
// opens it on every other node.
func New(ctx context.Context, scenario *Scenario) (*Harness, error) {
	h := &Harness{
		scenario: scenario,
		nodes:    make(map[string]*node, len(scenario.Nodes)),
		names:    make(map[string]string, len(scenario.Nodes)),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, name := range scenario.Nodes {
		if err := h.startNode(name); err != nil {
			h.Close()
			return nil, fmt.Errorf("start node %s: %w", name, err)
		}
	}

	spec := scenario.Database
	owner := h.nodes[spec.Owner]
	db, err := owner.mgr.Create(ctx, spec.Name, docstore.CreateOptions{
		Type:    ir.DatabaseType(spec.Type),
		IndexBy: spec.IndexBy,
		Admins:  h.ids(spec.Admins),
		Write:   h.ids(spec.Write),
	})
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("create database: %w", err)
	}
	owner.db = db

	for _, name := range scenario.Nodes {
		n := h.nodes[name]
		if n == owner {
			continue
		}
		if n.db, err = n.mgr.Open(ctx, db.Address().String()); err != nil {
			h.Close()
			return nil, fmt.Errorf("open database on %s: %w", name, err)
		}
	}
	return h, nil
}

func (h *Harness) startNode(name string) error {
	kp, err := testutil.Keypair(name)
	if err != nil {
		return err
	}
	catalog, err := store.Open(":memory:")
	if err != nil {
		return err
	}
	n := &node{
		name:     name,
		kp:       kp,
		blocks:   blockstore.NewMemStore(),
		catalog:  catalog,
		rejected: make(map[string]oplog.ErrorCode),
	}
	n.mgr, err = docstore.NewManager(docstore.Config{
		Signer:  kp,
		Blocks:  n.blocks,
		Catalog: catalog,
		Logger:  h.logger,
	})
	if err != nil {
		catalog.Close()
		return err
	}
	n.mgr.SetFetcher(h)
	h.nodes[name] = n
	h.names[kp.ID()] = name
	return nil
}

// FetchBlock looks the block up in every node's store, in node order.
func (h *Harness) FetchBlock(ctx context.Context, hash string) ([]byte, error) {
	for _, name := range h.scenario.Nodes {
		n, ok := h.nodes[name]
		if !ok {
			continue
		}
		b, err := n.blocks.Get(ctx, hash)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, blockstore.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("block %s: %w", hash, blockstore.ErrNotFound)
}

// Close closes every node.
func (h *Harness) Close() {
	for _, n := range h.nodes {
		n.mgr.Close()
		n.catalog.Close()
	}
}

// Database returns the database as seen by the named node.
func (h *Harness) Database(name string) (*docstore.Database, bool) {
	n, ok := h.nodes[name]
	if !ok || n.db == nil {
		return nil, false
	}
	return n.db, true
}

// id maps a node name to its identity. The wildcard passes through.
func (h *Harness) id(name string) string {
	if n, ok := h.nodes[name]; ok {
		return n.kp.ID()
	}
	return name
}

func (h *Harness) ids(names []string) []string {
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = h.id(name)
	}
	return out
}

// name maps an identity back to a node name. Unknown ids pass through.
func (h *Harness) name(id string) string {
	if name, ok := h.names[id]; ok {
		return name
	}
	return id
}

// execute runs one step and records it in the trace. A step whose outcome
// differs from its expectation adds an error to the result.
func (h *Harness) execute(ctx context.Context, index int, step Step, result *Result) {
	n := h.nodes[step.Node]
	ev := TraceEvent{Seq: h.clock.Next(), Node: step.Node, Op: step.Op()}

	var err error
	switch ev.Op {
	case OpPut:
		ev.Key, _ = step.Put[n.db.Manifest().IndexBy].(string)
		err = withValue(step.Put, func(v ir.IRValue) error {
			_, err := n.db.Put(ctx, v)
			return err
		})
	case OpSet:
		ev.Key = step.Set.Key
		err = withValue(step.Set.Value, func(v ir.IRValue) error {
			_, err := n.db.Set(ctx, step.Set.Key, v)
			return err
		})
	case OpAdd:
		err = withValue(step.Add, func(v ir.IRValue) error {
			_, err := n.db.Add(ctx, v)
			return err
		})
	case OpDelete:
		ev.Key = step.Delete
		_, err = n.db.Delete(ctx, step.Delete)
	case OpGrant:
		ev.Capability, ev.Identity = step.Grant.Capability, step.Grant.Identity
		_, err = n.db.Grant(ctx, step.Grant.Capability, h.id(step.Grant.Identity))
	case OpRevoke:
		ev.Capability, ev.Identity = step.Revoke.Capability, step.Revoke.Identity
		_, err = n.db.Revoke(ctx, step.Revoke.Capability, h.id(step.Revoke.Identity))
	case OpSync:
		ev.From = step.Sync
		err = h.sync(ctx, n, h.nodes[step.Sync], &ev)
	case OpForge:
		ev.Key = step.Forge.Key
		err = withValue(step.Forge.Value, func(v ir.IRValue) error {
			return n.forge(ir.Put{Key: step.Forge.Key, Value: v})
		})
	}
	ev.Outcome = outcome(err)
	result.AddTrace(ev)

	want := step.Expect
	if want == "" {
		want = OutcomeOK
	}
	if ev.Outcome != want {
		msg := fmt.Sprintf("steps[%d]: %s on %s: expected %s, got %s", index, ev.Op, step.Node, want, ev.Outcome)
		if err != nil {
			msg += ": " + err.Error()
		}
		result.AddError(msg)
	}
}

func withValue(raw any, fn func(ir.IRValue) error) error {
	v, err := ir.FromAny(raw)
	if err != nil {
		return &oplog.Error{Code: oplog.ErrCodeMalformedPayload, Message: err.Error(), Err: err}
	}
	return fn(v)
}

// forge signs op on top of the node's heads, citing its access heads, and
// keeps it for syncing peers without applying it locally.
func (n *node) forge(op ir.Operation) error {
	heads := n.db.Log().Heads()
	var clock int64
	for _, e := range n.db.Log().Entries(heads) {
		clock = max(clock, e.Clock)
	}
	e := &ir.Entry{
		LogID:   n.db.Log().ID(),
		Op:      op,
		Parents: heads,
		Refs:    n.db.Access().Log().Heads(),
		Clock:   clock + 1,
	}
	if err := n.kp.SignEntry(e); err != nil {
		return err
	}
	n.forged = append(n.forged, e)
	return nil
}

// sync pulls src's access log and then its main log into dst, each in
// causal order. Entries src forged follow its main log.
func (h *Harness) sync(ctx context.Context, dst, src *node, ev *TraceEvent) error {
	acc, err := dst.db.MergeAccess(ctx, slices.Collect(src.db.Access().Log().Iterate(oplog.Causal)))
	if err != nil {
		return err
	}
	entries := slices.Collect(src.db.Log().Iterate(oplog.Causal))
	res, err := dst.db.Merge(ctx, append(entries, src.forged...))
	if err != nil {
		return err
	}
	ev.Accepted = len(acc.Accepted) + len(res.Accepted)
	for _, r := range append(acc.Rejected, res.Rejected...) {
		ev.Rejected = append(ev.Rejected, string(r.Err.Code))
		dst.rejected[r.Hash] = r.Err.Code
	}
	sort.Strings(ev.Rejected)
	return nil
}

func outcome(err error) string {
	var le *oplog.Error
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &le):
		return string(le.Code)
	case errors.Is(err, docstore.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, docstore.ErrWrongType):
		return OutcomeWrong
	default:
		return OutcomeError
	}
}

// State returns the final state of every node: capability holders by node
// name, records, and record count. Events databases list values in log
// order; the others map keys to values.
func (h *Harness) State() map[string]any {
	out := make(map[string]any, len(h.nodes))
	for name, n := range h.nodes {
		caps := make(map[string]any)
		for capability, ids := range n.db.Access().Capabilities() {
			holders := make([]string, len(ids))
			for i, id := range ids {
				holders[i] = h.name(id)
			}
			sort.Strings(holders)
			caps[capability] = toList(holders)
		}

		var records any
		if n.db.Type() == ir.TypeEvents {
			list := []any{}
			for _, r := range n.db.All() {
				list = append(list, r.Value)
			}
			records = list
		} else {
			obj := map[string]any{}
			for _, r := range n.db.All() {
				obj[r.Key] = r.Value
			}
			records = obj
		}

		out[name] = map[string]any{
			"caps":    caps,
			"records": records,
			"size":    n.db.Len(),
		}
	}
	return out
}

func toList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
