package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/peerdoc/internal/docstore"
	"github.com/roach88/peerdoc/internal/ir"
	"github.com/roach88/peerdoc/internal/metrics"
	"github.com/roach88/peerdoc/internal/oplog"
	"github.com/roach88/peerdoc/internal/transport"
)

// State is where a peer's sync round stands.
type State int32

const (
	Idle State = iota
	ExchangingHeads
	Fetching
	Merging
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ExchangingHeads:
		return "exchanging-heads"
	case Fetching:
		return "fetching"
	case Merging:
		return "merging"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config tunes the sync engine.
type Config struct {
	AnnounceInterval time.Duration
	MaxFetchRetries  uint64
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		AnnounceInterval: 10 * time.Second,
		MaxFetchRetries:  5,
		InitialBackoff:   100 * time.Millisecond,
		MaxBackoff:       5 * time.Second,
	}
}

// Engine replicates one database with every connected peer by anti-entropy
// gossip: it announces its heads, fetches what peers announce and it lacks,
// merges, and announces again when its heads advanced.
type Engine struct {
	db      *docstore.Database
	tr      transport.Transport
	blocks  *BlockService
	cfg     Config
	topic   string
	logger  *slog.Logger
	metrics *metrics.Metrics
	limits  *limiters

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	peers map[string]*peerSync
	unsub []func()
	once  sync.Once
}

// peerSync serializes the rounds with one peer. Heads that arrive while a
// round runs replace any earlier waiting heads and start the next round.
type peerSync struct {
	round sync.Mutex
	state atomic.Int32

	mu      sync.Mutex
	running bool
	next    *HeadsPayload
}

func (p *peerSync) set(s State) { p.state.Store(int32(s)) }

// NewEngine starts replicating db over tr. Blocks are fetched through blocks,
// which the engine shares with every other engine on the node.
func NewEngine(db *docstore.Database, tr transport.Transport, blocks *BlockService, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = def.AnnounceInterval
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.InitialBackoff)
	}
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		db:      db,
		tr:      tr,
		blocks:  blocks,
		cfg:     cfg,
		topic:   db.Address().String(),
		logger:  o.logger.With("component", "gossip", "db", db.Address().String()),
		metrics: o.metrics,
		limits:  newLimiters(o.limit, o.burst),
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[string]*peerSync),
	}
	e.unsub = append(e.unsub,
		tr.Subscribe(e.topic, e.handle),
		tr.Notify(e.peerEvent),
	)

	e.wg.Add(1)
	go e.run()
	return e
}

func (e *Engine) run() {
	defer e.wg.Done()
	e.announce(e.ctx)

	ticker := time.NewTicker(e.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.db.Done():
			go e.Close()
			return
		case <-ticker.C:
			e.announce(e.ctx)
		}
	}
}

// Announce publishes the database heads to every connected peer.
func (e *Engine) Announce(ctx context.Context) error {
	data, err := e.headsMessage()
	if err != nil {
		return err
	}
	if err := e.tr.Publish(ctx, e.topic, data); err != nil {
		return fmt.Errorf("announce heads: %w", err)
	}
	e.metrics.Message("out", KindHeads)
	return nil
}

func (e *Engine) announce(ctx context.Context) {
	if err := e.Announce(ctx); err != nil && ctx.Err() == nil {
		e.logger.Debug("announce failed", "error", err)
	}
}

func (e *Engine) headsMessage() ([]byte, error) {
	h := e.db.Heads()
	return encode(KindHeads, HeadsPayload{Log: h.Log, Access: h.Access})
}

// State returns where the current round with peer stands. Unknown peers are
// Idle.
func (e *Engine) State(peer string) State {
	e.mu.Lock()
	p, ok := e.peers[peer]
	e.mu.Unlock()
	if !ok {
		return Idle
	}
	return State(p.state.Load())
}

func (e *Engine) peer(id string) *peerSync {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[id]
	if !ok {
		p = &peerSync{}
		e.peers[id] = p
	}
	return p
}

func (e *Engine) peerEvent(ev transport.PeerEvent) {
	switch ev.Type {
	case transport.PeerJoined:
		e.db.NotifyPeer(docstore.EventPeerJoin, ev.Peer)
		e.spawn(func() { e.sendHeads(ev.Peer) })
	case transport.PeerLeft:
		e.db.NotifyPeer(docstore.EventPeerLeave, ev.Peer)
		e.limits.forget(ev.Peer)
	}
	e.metrics.Peers(len(e.tr.Connections()))
}

func (e *Engine) sendHeads(peer string) {
	data, err := e.headsMessage()
	if err != nil {
		e.logger.Error("encode heads failed", "error", err)
		return
	}
	if err := e.tr.Send(e.ctx, peer, e.topic, data); err != nil {
		e.logger.Debug("send heads failed", "peer", peer, "error", err)
		return
	}
	e.metrics.Message("out", KindHeads)
}

func (e *Engine) handle(from transport.PeerID, data []byte) {
	if !e.limits.allow(from) {
		e.metrics.Dropped("rate")
		return
	}
	env, err := decodeEnvelope(data)
	if err == nil && env.Type != KindHeads {
		err = fmt.Errorf("%w: unexpected kind %q", errMalformed, env.Type)
	}
	var heads HeadsPayload
	if err == nil {
		if jerr := json.Unmarshal(env.Payload, &heads); jerr != nil {
			err = fmt.Errorf("%w: %v", errMalformed, jerr)
		} else {
			err = heads.validate()
		}
	}
	if err != nil {
		e.metrics.Dropped("malformed")
		e.logger.Debug("dropped message", "peer", from, "error", err)
		return
	}
	e.metrics.Message("in", KindHeads)
	e.schedule(from, heads)
}

// schedule runs a round for heads in the background unless one is already
// running for the peer, in which case heads wait for it.
func (e *Engine) schedule(peer string, heads HeadsPayload) {
	p := e.peer(peer)
	p.mu.Lock()
	if p.running {
		p.next = &heads
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	started := e.spawn(func() {
		for {
			if err := e.Sync(e.ctx, peer, heads); err != nil && e.ctx.Err() == nil {
				e.logger.Warn("sync failed", "peer", peer, "error", err)
			}
			p.mu.Lock()
			if p.next == nil || e.ctx.Err() != nil {
				p.running = false
				p.next = nil
				p.mu.Unlock()
				return
			}
			heads = *p.next
			p.next = nil
			p.mu.Unlock()
		}
	})
	if !started {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}
}

// spawn runs fn in a tracked goroutine unless the engine is closing.
func (e *Engine) spawn(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx.Err() != nil {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

// Sync runs one round against heads announced by peer: the access sub-log
// first, then the main log, then any access entries main entries wait for.
// It re-announces when either advanced. A round
// that cannot fetch some ancestors drops the entries waiting on them and
// returns a SyncIncompleteError.
func (e *Engine) Sync(ctx context.Context, peer string, heads HeadsPayload) error {
	p := e.peer(peer)
	p.round.Lock()
	defer p.round.Unlock()
	p.set(ExchangingHeads)
	defer p.set(Idle)

	e.logger.Debug("sync round", "peer", peer, "log_heads", len(heads.Log), "access_heads", len(heads.Access))
	accessAdvanced, err := e.syncLog(ctx, peer, p, e.db.Access().Log(), heads.Access, e.db.MergeAccess)
	if err == nil {
		var logAdvanced bool
		logAdvanced, err = e.syncLog(ctx, peer, p, e.db.Log(), heads.Log, e.db.Merge)
		accessAdvanced = accessAdvanced || logAdvanced
	}
	// Main entries can cite access entries beyond the announced heads.
	if refs := e.db.Log().MissingRefs(); err == nil && len(refs) > 0 {
		var refsAdvanced bool
		refsAdvanced, err = e.syncLog(ctx, peer, p, e.db.Access().Log(), refs, e.db.MergeAccess)
		accessAdvanced = accessAdvanced || refsAdvanced
	}
	if accessAdvanced {
		e.announce(ctx)
	}

	switch {
	case err == nil:
		e.metrics.SyncRound("ok")
	case IsSyncIncomplete(err):
		e.metrics.SyncRound("incomplete")
	default:
		e.metrics.SyncRound("error")
	}
	return err
}

type mergeFunc func(ctx context.Context, entries []*ir.Entry) (oplog.MergeResult, error)

// syncLog fetches what heads reference and l lacks, merges it, and follows
// the missing ancestors the merge reports until none remain.
func (e *Engine) syncLog(ctx context.Context, peer string, p *peerSync, l *oplog.Log, heads []string, merge mergeFunc) (bool, error) {
	advanced := false
	for want := l.Missing(heads); len(want) > 0; {
		p.set(Fetching)
		got, fetchErr := e.fetchEntries(ctx, peer, want)

		p.set(Merging)
		entries := make([]*ir.Entry, 0, len(got))
		for _, h := range want {
			if en, ok := got[h]; ok {
				entries = append(entries, en)
			}
		}
		res, err := merge(ctx, entries)
		if len(res.Accepted) > 0 {
			advanced = true
		}
		for _, r := range res.Rejected {
			e.logger.Warn("entry rejected", "peer", peer, "log", l.ID(), "hash", r.Hash, "code", string(r.Err.Code))
		}
		if err != nil {
			return advanced, fmt.Errorf("merge %s: %w", l.ID(), err)
		}
		if fetchErr != nil {
			if ctx.Err() != nil {
				return advanced, ctx.Err()
			}
			missing := l.Missing(want)
			dropped := e.db.DropPending()
			e.logger.Warn("giving up on ancestors", "peer", peer, "missing", len(missing), "dropped", len(dropped))
			return advanced, &SyncIncompleteError{Peer: peer, Missing: missing}
		}
		want = l.Missing(res.Missing)
	}
	return advanced, nil
}

// fetchEntries fetches and decodes want, retrying with exponential backoff
// until every hash decoded to a matching entry or the retry budget ran out.
func (e *Engine) fetchEntries(ctx context.Context, peer string, want []string) (map[string]*ir.Entry, error) {
	got := make(map[string]*ir.Entry, len(want))
	remaining := func() []string {
		var out []string
		for _, h := range want {
			if _, ok := got[h]; !ok {
				out = append(out, h)
			}
		}
		return out
	}

	op := func() error {
		blocks, err := e.blocks.Fetch(ctx, peer, remaining())
		for h, b := range blocks {
			en, derr := ir.DecodeEntry(b)
			if derr != nil || en.Hash != h {
				e.metrics.Dropped("bad_block")
				continue
			}
			got[h] = en
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if n := len(remaining()); n > 0 {
			if err == nil {
				err = fmt.Errorf("%d blocks did not decode", n)
			}
			return err
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.InitialBackoff
	policy.MaxInterval = e.cfg.MaxBackoff
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, e.cfg.MaxFetchRetries), ctx)
	notify := func(err error, next time.Duration) {
		e.logger.Debug("fetch retry", "peer", peer, "missing", len(remaining()), "retry_in", next, "error", err)
	}
	err := backoff.RetryNotify(op, b, notify)
	return got, err
}

// Close stops the engine and waits for running rounds to finish.
func (e *Engine) Close() error {
	e.once.Do(func() {
		e.mu.Lock()
		e.cancel()
		e.mu.Unlock()
		for _, fn := range e.unsub {
			fn()
		}
		e.wg.Wait()
	})
	return nil
}
