package docstore

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/peerdoc/internal/access"
	"github.com/roach88/peerdoc/internal/blockstore"
	"github.com/roach88/peerdoc/internal/index"
	"github.com/roach88/peerdoc/internal/ir"
	"github.com/roach88/peerdoc/internal/metrics"
	"github.com/roach88/peerdoc/internal/oplog"
	"github.com/roach88/peerdoc/internal/query"
	"github.com/roach88/peerdoc/internal/schema"
)

// Heads is the replication frontier of a database: the main log and the
// access sub-log.
type Heads struct {
	Log    []string `json:"log"`
	Access []string `json:"access"`
}

// Database is one opened replicated database.
//
// Thread-safety model:
//   - writes (Put, Set, Add, Delete, Merge, Grant, Revoke) are serialized by
//     one writer mutex
//   - reads (Get, All, Query, Iterator) use index snapshots and never wait
//     for writers
//   - subscribers run on one dispatcher goroutine, in event order
type Database struct {
	addr     ir.Address
	manifest *ir.Manifest
	signer   oplog.Signer
	log      *oplog.Log
	access   *access.Controller
	index    index.Index
	schema   *schema.Schema // documents databases only
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu     sync.Mutex // writer mutex
	queue  *eventQueue
	clock  Clock
	closed atomic.Bool
	done   chan struct{}

	subMu   sync.RWMutex
	subs    map[uint64]func(Event)
	nextSub uint64

	onClose func()
}

// dbDeps are the node resources a database is opened with.
type dbDeps struct {
	signer  oplog.Signer
	blocks  blockstore.Store
	catalog oplog.Catalog
	schema  *schema.Schema
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// openDatabase builds a database over m and restores persisted state.
func openDatabase(ctx context.Context, addr ir.Address, m *ir.Manifest, deps dbDeps) (*Database, error) {
	db := &Database{
		addr:     addr,
		manifest: m,
		signer:   deps.signer,
		metrics:  deps.metrics,
		logger:   deps.logger.With("component", "docstore", "db", addr.String(), "name", m.Name),
		queue:    newEventQueue(),
		done:     make(chan struct{}),
		subs:     make(map[uint64]func(Event)),
	}
	switch m.Type {
	case ir.TypeEvents:
		db.index = index.NewEvents()
	case ir.TypeDocuments:
		db.index = index.NewKeyed()
		db.schema = deps.schema
	default:
		db.index = index.NewKeyed()
	}

	db.access = access.New(addr, m.Access, deps.blocks,
		access.WithCatalog(deps.catalog),
		access.WithLogger(deps.logger),
	)
	db.log = oplog.New(addr.String(), deps.blocks,
		oplog.WithGuard(db.access.CanAppend),
		oplog.WithReferences(db.access.Log()),
		oplog.WithValidator(recordValidator(m)),
		oplog.WithCatalog(deps.catalog),
		oplog.WithApplyHook(func(anc oplog.Ancestry, e *ir.Entry) { db.index.Apply(anc, e) }),
		oplog.WithLogger(deps.logger),
	)

	if err := db.access.Load(ctx); err != nil {
		return nil, fmt.Errorf("load access log: %w", err)
	}
	if err := db.log.Load(ctx); err != nil {
		return nil, fmt.Errorf("load log: %w", err)
	}

	go db.dispatch()
	db.logger.Debug("database opened", "type", string(m.Type), "entries", db.log.Len())
	return db, nil
}

// Address returns the database address.
func (db *Database) Address() ir.Address { return db.addr }

// Manifest returns the database manifest. Callers must not modify it.
func (db *Database) Manifest() *ir.Manifest { return db.manifest }

// Type returns the database type.
func (db *Database) Type() ir.DatabaseType { return db.manifest.Type }

// Log exposes the main operation log.
func (db *Database) Log() *oplog.Log { return db.log }

// Access exposes the access controller.
func (db *Database) Access() *access.Controller { return db.access }

// Identity returns the id entries are signed with.
func (db *Database) Identity() string { return db.signer.ID() }

// Put stores a document under the value of its key field. Documents
// databases only. A configured schema is checked here, on local writes;
// replicated documents are not held to this node's schema.
func (db *Database) Put(ctx context.Context, doc ir.IRValue) (*ir.Entry, error) {
	if db.manifest.Type != ir.TypeDocuments {
		return nil, fmt.Errorf("put: %w: %s", ErrWrongType, db.manifest.Type)
	}
	key, err := documentKey(db.manifest.IndexBy, doc)
	if err != nil {
		return nil, fmt.Errorf("put: %w", malformed(err))
	}
	if db.schema != nil {
		if err := db.schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("put: %w", malformed(err))
		}
	}
	return db.append(ctx, ir.Put{Key: key, Value: doc})
}

func malformed(err error) *oplog.Error {
	return &oplog.Error{Code: oplog.ErrCodeMalformedPayload, Message: err.Error(), Err: err}
}

// Set stores value under key. Keyvalue databases only.
func (db *Database) Set(ctx context.Context, key string, value ir.IRValue) (*ir.Entry, error) {
	if db.manifest.Type != ir.TypeKeyValue {
		return nil, fmt.Errorf("set: %w: %s", ErrWrongType, db.manifest.Type)
	}
	return db.append(ctx, ir.Put{Key: key, Value: value})
}

// Add appends an event. Events databases only.
func (db *Database) Add(ctx context.Context, value ir.IRValue) (*ir.Entry, error) {
	if db.manifest.Type != ir.TypeEvents {
		return nil, fmt.Errorf("add: %w: %s", ErrWrongType, db.manifest.Type)
	}
	return db.append(ctx, ir.Add{Value: value})
}

// Delete removes key. Deleting a key that holds nothing fails with
// ErrNotFound.
func (db *Database) Delete(ctx context.Context, key string) (*ir.Entry, error) {
	if db.manifest.Type == ir.TypeEvents {
		return nil, fmt.Errorf("delete: %w: %s", ErrWrongType, db.manifest.Type)
	}
	if _, ok := db.index.Snapshot().Get(key); !ok {
		return nil, fmt.Errorf("delete %q: %w", key, ErrNotFound)
	}
	return db.append(ctx, ir.Delete{Key: key})
}

func (db *Database) append(ctx context.Context, op ir.Operation) (*ir.Entry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed.Load() {
		return nil, ErrClosed
	}

	e, err := db.log.Append(ctx, op, db.signer)
	if err != nil {
		return nil, err
	}
	db.metrics.Appended(db.log.ID())
	db.emitUpdates(e)
	return e, nil
}

// Merge integrates replicated main-log entries and emits an update event for
// each accepted one.
func (db *Database) Merge(ctx context.Context, entries []*ir.Entry) (oplog.MergeResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed.Load() {
		return oplog.MergeResult{}, ErrClosed
	}

	res, err := db.log.Merge(ctx, entries)
	db.record(db.log, res)
	db.emitUpdates(res.Accepted...)
	return res, err
}

// MergeAccess integrates replicated access sub-log entries. Main-log entries
// that were waiting for them are applied in the same call and emit update
// events.
func (db *Database) MergeAccess(ctx context.Context, entries []*ir.Entry) (oplog.MergeResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed.Load() {
		return oplog.MergeResult{}, ErrClosed
	}

	res, err := db.access.Merge(ctx, entries)
	db.record(db.access.Log(), res)
	if err != nil || len(res.Accepted) == 0 || len(db.log.Pending()) == 0 {
		return res, err
	}
	released, err := db.log.Merge(ctx, nil)
	db.record(db.log, released)
	db.emitUpdates(released.Accepted...)
	return res, err
}

// DropPending abandons queued entries of either log whose ancestors could
// not be fetched.
func (db *Database) DropPending() []oplog.Rejection {
	db.mu.Lock()
	defer db.mu.Unlock()

	dropped := db.access.Log().DropPending()
	dropped = append(dropped, db.log.DropPending()...)
	db.metrics.Pending(db.log.ID(), 0)
	db.metrics.Pending(db.access.Log().ID(), 0)
	return dropped
}

func (db *Database) record(l *oplog.Log, res oplog.MergeResult) {
	db.metrics.Merged(l.ID(), len(res.Accepted))
	for _, r := range res.Rejected {
		db.metrics.Rejected(l.ID(), string(r.Err.Code))
	}
	db.metrics.Pending(l.ID(), len(l.Pending()))
}

// Grant gives id the capability, signed by this node.
func (db *Database) Grant(ctx context.Context, capability, id string) (*ir.Entry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed.Load() {
		return nil, ErrClosed
	}
	e, err := db.access.Grant(ctx, capability, id, db.signer)
	if err == nil {
		db.metrics.Appended(db.access.Log().ID())
	}
	return e, err
}

// Revoke withdraws the capability from id, signed by this node.
func (db *Database) Revoke(ctx context.Context, capability, id string) (*ir.Entry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed.Load() {
		return nil, ErrClosed
	}
	e, err := db.access.Revoke(ctx, capability, id, db.signer)
	if err == nil {
		db.metrics.Appended(db.access.Log().ID())
	}
	return e, err
}

// Heads returns both frontiers.
func (db *Database) Heads() Heads {
	return Heads{Log: db.log.Heads(), Access: db.access.Log().Heads()}
}

// Get returns the current value of key. For events databases the key is the
// entry hash.
func (db *Database) Get(key string) (ir.IRValue, bool) {
	rec, ok := db.index.Snapshot().Get(key)
	if !ok {
		return nil, false
	}
	return rec.Value, true
}

// All returns every record: by key for documents and keyvalue, in causal
// order for events.
func (db *Database) All() []index.Record {
	return db.index.Snapshot().All()
}

// Len returns the number of live records.
func (db *Database) Len() int {
	return db.index.Snapshot().Len()
}

// Query returns the records whose value satisfies p, in All order.
func (db *Database) Query(p query.Predicate) ([]index.Record, error) {
	match, err := query.Compile(p)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return db.index.Snapshot().Query(match), nil
}

// IterOption configures Iterator.
type IterOption func(*iterConfig)

type iterConfig struct {
	reverse bool
	limit   int
}

// Reverse iterates newest (or highest key) first.
func Reverse() IterOption {
	return func(c *iterConfig) { c.reverse = true }
}

// Limit stops after n records. n <= 0 means no limit.
func Limit(n int) IterOption {
	return func(c *iterConfig) { c.limit = n }
}

// Iterator returns a lazy sequence over one snapshot of the records.
func (db *Database) Iterator(opts ...IterOption) iter.Seq[index.Record] {
	var cfg iterConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return func(yield func(index.Record) bool) {
		snap := db.index.Snapshot()
		seq := snap.Records()
		if cfg.reverse {
			all := snap.All()
			seq = func(yield func(index.Record) bool) {
				for _, rec := range slices.Backward(all) {
					if !yield(rec) {
						return
					}
				}
			}
		}
		n := 0
		for rec := range seq {
			if cfg.limit > 0 && n == cfg.limit {
				return
			}
			if !yield(rec) {
				return
			}
			n++
		}
	}
}

// Subscribe registers fn for every future event. fn runs on the dispatcher
// goroutine and must not block for long. The returned func unsubscribes.
func (db *Database) Subscribe(fn func(Event)) (cancel func()) {
	db.subMu.Lock()
	id := db.nextSub
	db.nextSub++
	db.subs[id] = fn
	db.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			db.subMu.Lock()
			delete(db.subs, id)
			db.subMu.Unlock()
		})
	}
}

// NotifyPeer queues a peer join or leave event.
func (db *Database) NotifyPeer(t EventType, peer string) {
	db.queue.Enqueue(Event{Type: t, Seq: db.clock.Next(), Peer: peer})
}

// emitUpdates queues update events. Caller holds mu, which keeps Seq order
// equal to causal apply order.
func (db *Database) emitUpdates(entries ...*ir.Entry) {
	for _, e := range entries {
		db.queue.Enqueue(Event{Type: EventUpdate, Seq: db.clock.Next(), Entry: e})
	}
}

// dispatch delivers queued events until the queue is closed and drained.
func (db *Database) dispatch() {
	defer close(db.done)
	for {
		if ev, ok := db.queue.TryDequeue(); ok {
			db.deliver(ev)
			continue
		}
		if _, open := <-db.queue.Wait(); !open {
			// Closed: deliver what is left.
			for {
				ev, ok := db.queue.TryDequeue()
				if !ok {
					return
				}
				db.deliver(ev)
			}
		}
	}
}

func (db *Database) deliver(ev Event) {
	db.subMu.RLock()
	ids := make([]uint64, 0, len(db.subs))
	for id := range db.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, db.subs[id])
	}
	db.subMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Done is closed once the database has closed and delivered its last event.
func (db *Database) Done() <-chan struct{} { return db.done }

// Close stops accepting writes and waits until queued events are delivered.
func (db *Database) Close() error {
	db.mu.Lock()
	if db.closed.Swap(true) {
		db.mu.Unlock()
		return nil
	}
	db.queue.Close()
	db.mu.Unlock()

	<-db.done
	if db.onClose != nil {
		db.onClose()
	}
	db.logger.Debug("database closed")
	return nil
}

// String describes the database for diagnostics.
func (db *Database) String() string {
	return fmt.Sprintf("%s (%s %s)", db.addr, db.manifest.Type, db.manifest.Name)
}
