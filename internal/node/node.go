// Package node assembles a peerdoc node from its configuration: identity,
// block store, catalog and database manager, plus the network side while
// Serve runs.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/peerdoc/internal/blockstore"
	"github.com/roach88/peerdoc/internal/config"
	"github.com/roach88/peerdoc/internal/docstore"
	"github.com/roach88/peerdoc/internal/gossip"
	"github.com/roach88/peerdoc/internal/identity"
	"github.com/roach88/peerdoc/internal/metrics"
	"github.com/roach88/peerdoc/internal/schema"
	"github.com/roach88/peerdoc/internal/store"
	"github.com/roach88/peerdoc/internal/transport"
)

// Node owns the local resources of one peer.
type Node struct {
	cfg      *config.Config
	logger   *slog.Logger
	kp       *identity.Keypair
	blocks   blockstore.Store
	catalog  *store.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	manager  *docstore.Manager
}

// Open loads or creates the node identity and opens its storage. It does not
// touch the network.
func Open(cfg *config.Config, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(cfg.Node.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	kp, created, err := identity.LoadOrCreate(cfg.Node.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if created {
		logger.Info("identity created", "id", kp.ID(), "path", cfg.Node.KeyPath)
	}

	var sch *schema.Schema
	if cfg.Node.Schema != "" {
		if sch, err = schema.Load(cfg.Node.Schema); err != nil {
			return nil, fmt.Errorf("load schema: %w", err)
		}
	}

	blocks, err := blockstore.Open(cfg.Storage.Backend, cfg.Storage.BlocksDir)
	if err != nil {
		return nil, fmt.Errorf("open block store: %w", err)
	}
	catalog, err := store.Open(cfg.Storage.CatalogPath)
	if err != nil {
		blocks.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	mgr, err := docstore.NewManager(docstore.Config{
		Signer:  kp,
		Blocks:  blocks,
		Catalog: catalog,
		Schema:  sch,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		catalog.Close()
		blocks.Close()
		return nil, err
	}

	return &Node{
		cfg:      cfg,
		logger:   logger,
		kp:       kp,
		blocks:   blocks,
		catalog:  catalog,
		registry: reg,
		metrics:  m,
		manager:  mgr,
	}, nil
}

// ID returns the node identity.
func (n *Node) ID() string { return n.kp.ID() }

// Manager returns the database manager.
func (n *Node) Manager() *docstore.Manager { return n.manager }

// Registry returns the registry the node's metrics are registered with.
func (n *Node) Registry() *prometheus.Registry { return n.registry }

// Serve joins the network and replicates every open database, and every
// database opened later, until ctx is cancelled. ready, when not nil, is
// called with the url peers can dial once the transport is up ("" when the
// node does not listen).
func (n *Node) Serve(ctx context.Context, ready func(url string)) error {
	ws, err := transport.NewWebSocket(transport.WSConfig{
		Signer:          n.kp,
		Listen:          n.cfg.Transport.Listen,
		MaxMessageBytes: n.cfg.Transport.MaxMessageBytes,
		RedialInterval:  n.cfg.MaxBackoff(),
		Logger:          n.logger,
	})
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	repl := gossip.NewReplicator(n.manager, ws, n.blocks, gossip.Config{
		AnnounceInterval: n.cfg.AnnounceInterval(),
		MaxFetchRetries:  n.cfg.Sync.MaxFetchRetries,
		InitialBackoff:   n.cfg.InitialBackoff(),
		MaxBackoff:       n.cfg.MaxBackoff(),
	},
		gossip.WithLogger(n.logger),
		gossip.WithMetrics(n.metrics),
		gossip.WithRateLimit(n.cfg.Transport.RateMsgsPerSec, n.cfg.Transport.RateBurst),
		gossip.WithFetchTimeout(n.cfg.FetchTimeout()),
	)
	defer func() {
		if err := repl.Close(); err != nil {
			n.logger.Warn("replicator close failed", "error", err)
		}
		if err := ws.Close(); err != nil {
			n.logger.Warn("transport close failed", "error", err)
		}
	}()

	n.logger.Info("node serving", "id", n.kp.ID(), "url", ws.URL(), "databases", len(n.manager.Databases()))
	if ready != nil {
		ready(ws.URL())
	}

	g, gctx := errgroup.WithContext(ctx)
	if urls := n.cfg.Transport.Bootstrap; len(urls) > 0 {
		g.Go(func() error {
			ws.DialBootstrap(gctx, urls, n.bootstrapPolicy)
			return nil
		})
	}
	if addr := n.cfg.Metrics.Listen; addr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, addr, n.registry, n.logger)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	n.logger.Info("node stopped")
	return nil
}

// bootstrapPolicy retries a bootstrap dial for about a minute before the
// transport pauses and starts over.
func (n *Node) bootstrapPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.cfg.InitialBackoff()
	b.MaxInterval = n.cfg.MaxBackoff()
	b.MaxElapsedTime = time.Minute
	return b
}

// Close closes every database and the node's storage.
func (n *Node) Close() error {
	return errors.Join(
		n.manager.Close(),
		n.catalog.Close(),
		n.blocks.Close(),
	)
}
