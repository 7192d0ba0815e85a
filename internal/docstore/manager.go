package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/peerdoc/internal/blockstore"
	"github.com/roach88/peerdoc/internal/ir"
	"github.com/roach88/peerdoc/internal/metrics"
	"github.com/roach88/peerdoc/internal/oplog"
	"github.com/roach88/peerdoc/internal/schema"
	"github.com/roach88/peerdoc/internal/store"
)

// BlockFetcher retrieves a block this node does not hold. The sync engine's
// block service implements it; Open uses it to fetch unknown manifests.
type BlockFetcher interface {
	FetchBlock(ctx context.Context, hash string) ([]byte, error)
}

// Config holds the resources a Manager shares across databases.
type Config struct {
	Signer  oplog.Signer
	Blocks  blockstore.Store
	Catalog *store.Store
	Schema  *schema.Schema   // optional, checked on local documents writes
	Metrics *metrics.Metrics // optional
	Logger  *slog.Logger     // optional
}

// CreateOptions describes a new database.
type CreateOptions struct {
	Type    ir.DatabaseType
	IndexBy string   // documents only; defaults to "_id"
	Admins  []string // in addition to this node
	Write   []string // in addition to this node; "*" lets anyone write
}

// Manager creates and opens databases on one node.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	open    map[string]*Database // by address
	fetcher BlockFetcher
	onOpen  []func(*Database)
	closed  bool
}

// NewManager returns a manager over the node resources in cfg.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Signer == nil {
		return nil, errors.New("docstore: signer is required")
	}
	if cfg.Blocks == nil {
		return nil, errors.New("docstore: block store is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("docstore: catalog is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "docstore"),
		open:   make(map[string]*Database),
	}, nil
}

// SetFetcher installs the fetcher used for manifests this node lacks.
func (m *Manager) SetFetcher(f BlockFetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetcher = f
}

// OnOpen registers fn to run for every database opened from now on and for
// those already open.
func (m *Manager) OnOpen(fn func(*Database)) {
	m.mu.Lock()
	m.onOpen = append(m.onOpen, fn)
	dbs := m.databases()
	m.mu.Unlock()
	for _, db := range dbs {
		fn(db)
	}
}

// Identity returns the id of this node.
func (m *Manager) Identity() string {
	return m.cfg.Signer.ID()
}

// Create publishes a new manifest and opens its database. This node is
// always an admin and a writer.
func (m *Manager) Create(ctx context.Context, name string, opts CreateOptions) (*Database, error) {
	self := m.cfg.Signer.ID()
	man := &ir.Manifest{
		Name:    name,
		Type:    opts.Type,
		IndexBy: opts.IndexBy,
		Access: ir.AccessSpec{
			Admins: append([]string{self}, opts.Admins...),
			Write:  append([]string{self}, opts.Write...),
		},
	}
	man.Normalize()
	if err := man.Validate(); err != nil {
		return nil, err
	}
	block, err := man.Block()
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	hash := ir.ManifestHash(block)
	if err := m.cfg.Blocks.Put(ctx, hash, block); err != nil {
		return nil, fmt.Errorf("store manifest: %w", err)
	}
	if err := m.remember(ctx, hash, man, block); err != nil {
		return nil, err
	}
	m.logger.Info("database created", "name", name, "type", string(man.Type), "address", ir.Address{Hash: hash}.String())
	return m.openManifest(ctx, ir.Address{Hash: hash}, man)
}

// Open opens a database by address, or by local name. A name resolves to the
// most recently recorded manifest with that name. An address whose manifest
// is not held locally is fetched from peers when a fetcher is installed.
func (m *Manager) Open(ctx context.Context, token string) (*Database, error) {
	if !ir.IsAddress(token) {
		recs, err := m.cfg.Catalog.FindManifests(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("find %q: %w", token, err)
		}
		if len(recs) == 0 {
			return nil, fmt.Errorf("open %q: %w", token, ErrUnknownDatabase)
		}
		token = recs[0].Hash
	}
	addr, err := ir.ParseAddress(token)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if db, ok := m.open[addr.String()]; ok {
		m.mu.Unlock()
		return db, nil
	}
	m.mu.Unlock()

	man, err := m.loadManifest(ctx, addr)
	if err != nil {
		return nil, err
	}
	return m.openManifest(ctx, addr, man)
}

// OpenOrCreate opens token when it resolves, and otherwise creates a
// database named token.
func (m *Manager) OpenOrCreate(ctx context.Context, token string, opts CreateOptions) (*Database, error) {
	db, err := m.Open(ctx, token)
	if err == nil || !errors.Is(err, ErrUnknownDatabase) || ir.IsAddress(token) {
		return db, err
	}
	return m.Create(ctx, token, opts)
}

// loadManifest reads the manifest block locally or from peers and checks it
// against the address.
func (m *Manager) loadManifest(ctx context.Context, addr ir.Address) (*ir.Manifest, error) {
	block, err := m.cfg.Blocks.Get(ctx, addr.Hash)
	if errors.Is(err, blockstore.ErrNotFound) {
		m.mu.Lock()
		f := m.fetcher
		m.mu.Unlock()
		if f == nil {
			return nil, fmt.Errorf("open %s: %w", addr, ErrUnknownDatabase)
		}
		block, err = f.FetchBlock(ctx, addr.Hash)
		if err != nil {
			return nil, fmt.Errorf("fetch manifest %s: %w", addr, err)
		}
		if ir.ManifestHash(block) != addr.Hash {
			return nil, fmt.Errorf("fetch manifest %s: content does not match address", addr)
		}
		if err := m.cfg.Blocks.Put(ctx, addr.Hash, block); err != nil {
			return nil, fmt.Errorf("store manifest: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", addr, err)
	}

	man, err := ir.DecodeManifest(block)
	if err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", addr, err)
	}
	if err := m.remember(ctx, addr.Hash, man, block); err != nil {
		return nil, err
	}
	return man, nil
}

func (m *Manager) remember(ctx context.Context, hash string, man *ir.Manifest, block []byte) error {
	rec := store.ManifestRecord{Hash: hash, Name: man.Name, Type: string(man.Type), Block: block}
	if err := m.cfg.Catalog.WriteManifest(ctx, rec); err != nil {
		return fmt.Errorf("catalog manifest: %w", err)
	}
	return nil
}

func (m *Manager) openManifest(ctx context.Context, addr ir.Address, man *ir.Manifest) (*Database, error) {
	key := addr.String()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if db, ok := m.open[key]; ok {
		m.mu.Unlock()
		return db, nil
	}

	db, err := openDatabase(ctx, addr, man, dbDeps{
		signer:  m.cfg.Signer,
		blocks:  m.cfg.Blocks,
		catalog: m.cfg.Catalog,
		schema:  m.cfg.Schema,
		metrics: m.cfg.Metrics,
		logger:  m.cfg.Logger,
	})
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	db.onClose = func() {
		m.mu.Lock()
		if m.open[key] == db {
			delete(m.open, key)
		}
		m.mu.Unlock()
	}
	m.open[key] = db
	hooks := slices.Clone(m.onOpen)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(db)
	}
	return db, nil
}

// Databases returns the open databases ordered by address.
func (m *Manager) Databases() []*Database {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.databases()
}

func (m *Manager) databases() []*Database {
	out := make([]*Database, 0, len(m.open))
	for _, db := range m.open {
		out = append(out, db)
	}
	slices.SortFunc(out, func(a, b *Database) int {
		switch {
		case a.addr.Hash < b.addr.Hash:
			return -1
		case a.addr.Hash > b.addr.Hash:
			return 1
		}
		return 0
	})
	return out
}

// Known lists every manifest this node has recorded, oldest first.
func (m *Manager) Known(ctx context.Context) ([]store.ManifestRecord, error) {
	return m.cfg.Catalog.ListManifests(ctx)
}

// Close closes every open database. The block store and catalog belong to
// the caller.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	dbs := m.databases()
	m.mu.Unlock()

	var errs []error
	for _, db := range dbs {
		errs = append(errs, db.Close())
	}
	return errors.Join(errs...)
}
