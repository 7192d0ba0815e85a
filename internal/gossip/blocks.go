package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roach88/peerdoc/internal/blockstore"
	"github.com/roach88/peerdoc/internal/metrics"
	"github.com/roach88/peerdoc/internal/transport"
)

// DefaultFetchTimeout bounds how long one peer may take to answer a fetch.
const DefaultFetchTimeout = 5 * time.Second

// ErrBlockUnavailable is returned when no peer supplied a requested block.
var ErrBlockUnavailable = errors.New("block unavailable")

// Option configures a BlockService or an Engine.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	metrics      *metrics.Metrics
	limit        rate.Limit
	burst        int
	fetchTimeout time.Duration
}

func buildOptions(opts []Option) options {
	o := options{
		logger:       slog.New(slog.DiscardHandler),
		fetchTimeout: DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRateLimit limits inbound messages per peer. A zero limit disables it.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *options) {
		o.limit = rate.Limit(perSecond)
		o.burst = burst
	}
}

// WithFetchTimeout bounds a single fetch request to one peer.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.fetchTimeout = d
		}
	}
}

// BlockService answers fetch requests from the local block store and fetches
// blocks this node lacks from connected peers.
type BlockService struct {
	tr      transport.Transport
	blocks  blockstore.Store
	opts    options
	logger  *slog.Logger
	metrics *metrics.Metrics
	limits  *limiters

	mu      sync.Mutex
	waiting map[string]*request
	closed  bool
	unsub   func()
}

type request struct {
	peer string
	ch   chan map[string][]byte
}

// NewBlockService subscribes to the block topic on tr.
func NewBlockService(tr transport.Transport, blocks blockstore.Store, opts ...Option) *BlockService {
	o := buildOptions(opts)
	s := &BlockService{
		tr:      tr,
		blocks:  blocks,
		opts:    o,
		logger:  o.logger.With("component", "blocks"),
		metrics: o.metrics,
		limits:  newLimiters(o.limit, o.burst),
		waiting: make(map[string]*request),
	}
	s.unsub = tr.Subscribe(BlockTopic, s.handle)
	return s
}

func (s *BlockService) handle(from transport.PeerID, data []byte) {
	if !s.limits.allow(from) {
		s.metrics.Dropped("rate")
		return
	}
	env, err := decodeEnvelope(data)
	if err != nil {
		s.drop(from, err)
		return
	}
	s.metrics.Message("in", env.Type)

	switch env.Type {
	case KindFetch:
		var req FetchPayload
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			s.drop(from, fmt.Errorf("%w: %v", errMalformed, err))
			return
		}
		if err := req.validate(); err != nil {
			s.drop(from, err)
			return
		}
		s.serve(from, req)
	case KindBlocks:
		var resp BlocksPayload
		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			s.drop(from, fmt.Errorf("%w: %v", errMalformed, err))
			return
		}
		if err := resp.validate(); err != nil {
			s.drop(from, err)
			return
		}
		s.resolve(from, resp)
	default:
		s.drop(from, fmt.Errorf("%w: unknown kind %q", errMalformed, env.Type))
	}
}

func (s *BlockService) drop(from string, err error) {
	s.metrics.Dropped("malformed")
	s.logger.Debug("dropped message", "peer", from, "error", err)
}

// serve answers a fetch with the requested blocks held locally. Hashes this
// node lacks are left out; an empty answer still goes back so the requester
// need not wait for its timeout.
func (s *BlockService) serve(from string, req FetchPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.fetchTimeout)
	defer cancel()

	found := make(map[string][]byte, len(req.Hashes))
	for _, h := range req.Hashes {
		b, err := s.blocks.Get(ctx, h)
		if err != nil {
			if !errors.Is(err, blockstore.ErrNotFound) {
				s.logger.Warn("read block failed", "hash", h, "error", err)
			}
			continue
		}
		found[h] = b
	}
	data, err := encode(KindBlocks, BlocksPayload{ID: req.ID, Blocks: found})
	if err != nil {
		s.logger.Error("encode blocks failed", "error", err)
		return
	}
	if err := s.tr.Send(ctx, from, BlockTopic, data); err != nil {
		s.logger.Debug("answer fetch failed", "peer", from, "error", err)
		return
	}
	s.metrics.Message("out", KindBlocks)
}

func (s *BlockService) resolve(from string, resp BlocksPayload) {
	s.mu.Lock()
	req, ok := s.waiting[resp.ID]
	if ok && req.peer == from {
		delete(s.waiting, resp.ID)
	}
	s.mu.Unlock()
	if !ok || req.peer != from {
		s.metrics.Dropped("unsolicited")
		return
	}
	req.ch <- resp.Blocks
}

// Request asks one peer for hashes and waits for its answer. Only blocks
// that were asked for are returned; their content is not verified here.
func (s *BlockService) Request(ctx context.Context, peer string, hashes []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(hashes))
	for start := 0; start < len(hashes); start += maxFetchHashes {
		batch := hashes[start:min(start+maxFetchHashes, len(hashes))]
		got, err := s.request(ctx, peer, batch)
		if err != nil {
			return out, err
		}
		for _, h := range batch {
			if b, ok := got[h]; ok {
				out[h] = b
			}
		}
	}
	return out, nil
}

func (s *BlockService) request(ctx context.Context, peer string, hashes []string) (map[string][]byte, error) {
	id := uuid.Must(uuid.NewV7()).String()
	req := &request{peer: peer, ch: make(chan map[string][]byte, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, transport.ErrClosed
	}
	s.waiting[id] = req
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiting, id)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.opts.fetchTimeout)
	defer cancel()

	data, err := encode(KindFetch, FetchPayload{ID: id, Hashes: hashes})
	if err != nil {
		return nil, err
	}
	if err := s.tr.Send(ctx, peer, BlockTopic, data); err != nil {
		return nil, err
	}
	s.metrics.Message("out", KindFetch)

	select {
	case blocks := <-req.ch:
		return blocks, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch from %s: %w", peer, ctx.Err())
	}
}

// Fetch collects hashes from the local block store, then from prefer, then
// from every other connected peer at once. It returns whatever it found and
// ErrBlockUnavailable when some hashes remain unfound.
func (s *BlockService) Fetch(ctx context.Context, prefer string, hashes []string) (map[string][]byte, error) {
	found := make(map[string][]byte, len(hashes))
	var remote []string
	for _, h := range hashes {
		b, err := s.blocks.Get(ctx, h)
		switch {
		case err == nil:
			found[h] = b
		case errors.Is(err, blockstore.ErrNotFound):
			remote = append(remote, h)
		default:
			return found, fmt.Errorf("read block %s: %w", h, err)
		}
	}
	local := len(found)
	missing := func() []string {
		var out []string
		for _, h := range remote {
			if _, ok := found[h]; !ok {
				out = append(out, h)
			}
		}
		return out
	}

	if want := missing(); len(want) > 0 && prefer != "" {
		got, err := s.Request(ctx, prefer, want)
		if err != nil {
			s.logger.Debug("fetch from preferred peer failed", "peer", prefer, "error", err)
		}
		for h, b := range got {
			found[h] = b
		}
	}

	if want := missing(); len(want) > 0 {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, peer := range s.tr.Connections() {
			if peer == prefer {
				continue
			}
			g.Go(func() error {
				got, err := s.Request(gctx, peer, want)
				if err != nil {
					s.logger.Debug("fetch failed", "peer", peer, "error", err)
				}
				mu.Lock()
				for h, b := range got {
					found[h] = b
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	s.metrics.BlocksFetched(len(found) - local)
	if err := ctx.Err(); err != nil {
		return found, err
	}
	if n := len(missing()); n > 0 {
		return found, fmt.Errorf("%d of %d blocks: %w", n, len(hashes), ErrBlockUnavailable)
	}
	return found, nil
}

// FetchBlock returns one block from the local store or any connected peer.
// The caller verifies the content against the hash.
func (s *BlockService) FetchBlock(ctx context.Context, hash string) ([]byte, error) {
	got, err := s.Fetch(ctx, "", []string{hash})
	if b, ok := got[hash]; ok {
		return b, nil
	}
	if err == nil {
		err = ErrBlockUnavailable
	}
	return nil, fmt.Errorf("fetch %s: %w", hash, err)
}

// Close stops answering fetches. Outstanding requests run to their timeout.
func (s *BlockService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.unsub()
}
