package gossip

import (
	"errors"
	"sync"

	"github.com/roach88/peerdoc/internal/blockstore"
	"github.com/roach88/peerdoc/internal/docstore"
	"github.com/roach88/peerdoc/internal/transport"
)

// Replicator runs one Engine for every database a Manager opens and serves
// the node's blocks to peers.
type Replicator struct {
	tr     transport.Transport
	blocks *BlockService
	cfg    Config
	opts   []Option

	mu      sync.Mutex
	engines map[string]*Engine
	closed  bool
	done    chan struct{}
}

// NewReplicator attaches to m: databases already open and every database
// opened later get an engine, and m fetches unknown manifests through the
// replicator's block service.
func NewReplicator(m *docstore.Manager, tr transport.Transport, blocks blockstore.Store, cfg Config, opts ...Option) *Replicator {
	r := &Replicator{
		tr:      tr,
		blocks:  NewBlockService(tr, blocks, opts...),
		cfg:     cfg,
		opts:    opts,
		engines: make(map[string]*Engine),
		done:    make(chan struct{}),
	}
	m.SetFetcher(r.blocks)
	m.OnOpen(r.attach)
	return r
}

func (r *Replicator) attach(db *docstore.Database) {
	key := db.Address().String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, ok := r.engines[key]; ok {
		return
	}
	eng := NewEngine(db, r.tr, r.blocks, r.cfg, r.opts...)
	r.engines[key] = eng
	go func() {
		select {
		case <-db.Done():
		case <-r.done:
			return
		}
		r.mu.Lock()
		if r.engines[key] == eng {
			delete(r.engines, key)
		}
		r.mu.Unlock()
	}()
}

// Engine returns the engine replicating the database at addr.
func (r *Replicator) Engine(addr string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[addr]
	return e, ok
}

// Blocks returns the node's block service.
func (r *Replicator) Blocks() *BlockService { return r.blocks }

// Close stops every engine and the block service. The transport belongs to
// the caller.
func (r *Replicator) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	engines := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.engines = nil
	r.mu.Unlock()

	var errs []error
	for _, e := range engines {
		errs = append(errs, e.Close())
	}
	r.blocks.Close()
	return errors.Join(errs...)
}
