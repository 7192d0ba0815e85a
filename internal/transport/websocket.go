package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	// Path is the HTTP path peers connect to.
	Path = "/peerdoc"

	// DefaultMaxMessageBytes bounds a single inbound frame.
	DefaultMaxMessageBytes = 4 << 20

	wsWriteTimeout     = 10 * time.Second
	wsHandshakeTimeout = 10 * time.Second
)

const (
	frameHello = "hello"
	frameAuth  = "auth"
	frameMsg   = "msg"
)

// frame is the wire envelope between two WebSocket peers.
type frame struct {
	Type  string `json:"type"`
	From  string `json:"from,omitempty"`
	Nonce []byte `json:"nonce,omitempty"`
	Sig   string `json:"sig,omitempty"`
	Topic string `json:"topic,omitempty"`
	Data  []byte `json:"data,omitempty"`
}

// DefaultRedialInterval is the pause before a bootstrap peer that went away,
// or could not be reached, is dialed again.
const DefaultRedialInterval = 5 * time.Second

// WSConfig configures a WebSocket transport.
type WSConfig struct {
	Signer          Signer // its ID is the local peer id
	Listen          string // host:port; empty disables inbound connections
	MaxMessageBytes int64
	RedialInterval  time.Duration
	Logger          *slog.Logger
}

// WebSocket is a Transport over full-duplex WebSocket connections. Peers
// prove their ids with a signed nonce exchange before any message flows.
// Each pair of peers shares one connection. When both sides dial at once,
// the connection dialed by the lower id survives on both ends.
type WebSocket struct {
	cfg    WSConfig
	id     PeerID
	reg    *registry
	box    *mailbox
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[PeerID]*wsConn
	closed bool

	ln  net.Listener
	srv *http.Server
}

var _ Transport = (*WebSocket)(nil)

// NewWebSocket starts the transport, listening when cfg.Listen is set.
func NewWebSocket(cfg WSConfig) (*WebSocket, error) {
	if cfg.Signer == nil || cfg.Signer.ID() == "" {
		return nil, errors.New("transport: signer is required")
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.RedialInterval <= 0 {
		cfg.RedialInterval = DefaultRedialInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	reg := newRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	w := &WebSocket{
		cfg:    cfg,
		id:     cfg.Signer.ID(),
		reg:    reg,
		box:    newMailbox(reg),
		logger: cfg.Logger.With("component", "transport"),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[PeerID]*wsConn),
	}
	if cfg.Listen == "" {
		return w, nil
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		cancel()
		w.box.close()
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(Path, w.handleAccept)
	w.ln = ln
	w.srv = &http.Server{Handler: mux, ReadHeaderTimeout: wsHandshakeTimeout}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("listener stopped", "error", err)
		}
	}()
	w.logger.Info("transport listening", "addr", w.URL())
	return w, nil
}

// URL returns the address peers dial, or "" when not listening.
func (w *WebSocket) URL() string {
	if w.ln == nil {
		return ""
	}
	return "ws://" + w.ln.Addr().String() + Path
}

func (w *WebSocket) ID() PeerID { return w.id }

func (w *WebSocket) handleAccept(rw http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(rw, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	conn.SetReadLimit(w.cfg.MaxMessageBytes)

	hctx, cancel := context.WithTimeout(r.Context(), wsHandshakeTimeout)
	peer, err := w.acceptHandshake(hctx, conn)
	cancel()
	if err != nil {
		w.logger.Debug("inbound handshake failed", "remote", r.RemoteAddr, "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}
	if !w.register(peer, conn, false) {
		return
	}
	w.wg.Add(1)
	defer w.wg.Done()
	// The request context ends with this handler, so the read loop runs here.
	w.readLoop(w.ctx, peer, conn)
}

// Dial connects to the peer listening at url and returns its id.
func (w *WebSocket) Dial(ctx context.Context, url string) (PeerID, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(w.cfg.MaxMessageBytes)

	hctx, cancel := context.WithTimeout(ctx, wsHandshakeTimeout)
	defer cancel()
	peer, err := w.dialHandshake(hctx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return "", fmt.Errorf("handshake %s: %w", url, err)
	}
	if !w.register(peer, conn, true) {
		return peer, nil
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.readLoop(w.ctx, peer, conn)
	}()
	return peer, nil
}

// DialBootstrap keeps a connection to every url until ctx ends. Each url is
// dialed with a fresh copy of the policy from newPolicy. Once its peer
// disconnects, or the policy gives up, the url is dialed again after the
// redial interval.
func (w *WebSocket) DialBootstrap(ctx context.Context, urls []string, newPolicy func() backoff.BackOff) {
	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.keepDialing(ctx, url, newPolicy)
		}()
	}
	wg.Wait()
}

func (w *WebSocket) keepDialing(ctx context.Context, url string, newPolicy func() backoff.BackOff) {
	notify := func(err error, next time.Duration) {
		w.logger.Debug("bootstrap dial failed", "url", url, "retry_in", next, "error", err)
	}
	for {
		var peer PeerID
		op := func() error {
			var err error
			peer, err = w.Dial(ctx, url)
			if errors.Is(err, ErrUnauthenticated) {
				return backoff.Permanent(err)
			}
			return err
		}
		err := backoff.RetryNotify(op, backoff.WithContext(newPolicy(), ctx), notify)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			w.logger.Warn("bootstrap peer unreachable", "url", url, "error", err)
		case peer == w.id:
			w.logger.Warn("bootstrap url is this node", "url", url)
			return
		default:
			w.logger.Debug("bootstrap peer connected", "url", url, "peer", peer)
			if !w.waitGone(ctx, peer) {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.RedialInterval):
		}
	}
}

// waitGone blocks until peer is disconnected. It reports false when ctx ends
// first.
func (w *WebSocket) waitGone(ctx context.Context, peer PeerID) bool {
	gone := make(chan struct{})
	var once sync.Once
	unsub := w.Notify(func(ev PeerEvent) {
		if ev.Type == PeerLeft && ev.Peer == peer {
			once.Do(func() { close(gone) })
		}
	})
	defer unsub()
	if !w.connected(peer) {
		return true
	}
	select {
	case <-gone:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *WebSocket) connected(peer PeerID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.conns[peer]
	return ok
}

type wsConn struct {
	*websocket.Conn
	outbound bool
}

// register records conn as the connection to peer. It reports false, and
// closes conn, when the transport closed or an existing connection to peer
// is preferred.
func (w *WebSocket) register(peer PeerID, conn *websocket.Conn, outbound bool) bool {
	w.mu.Lock()
	if w.closed || peer == w.id {
		w.mu.Unlock()
		_ = conn.Close(websocket.StatusPolicyViolation, "not accepting")
		return false
	}
	old, dup := w.conns[peer]
	if dup && !w.prefer(peer, outbound, old.outbound) {
		w.mu.Unlock()
		_ = conn.Close(websocket.StatusPolicyViolation, "duplicate connection")
		return false
	}
	w.conns[peer] = &wsConn{Conn: conn, outbound: outbound}
	w.mu.Unlock()

	if dup {
		// The replaced connection's read loop exits without a PeerLeft.
		_ = old.Close(websocket.StatusPolicyViolation, "duplicate connection")
		return true
	}
	w.logger.Debug("peer connected", "peer", peer)
	w.box.put(delivery{event: &PeerEvent{Type: PeerJoined, Peer: peer}})
	return true
}

// prefer reports whether a new connection replaces the existing one. The
// connection dialed by the lower id wins; same-direction duplicates lose.
func (w *WebSocket) prefer(peer PeerID, newOut, oldOut bool) bool {
	if newOut == oldOut {
		return false
	}
	selfLower := w.id < peer
	return newOut == selfLower
}

func (w *WebSocket) unregister(peer PeerID, conn *websocket.Conn) {
	w.mu.Lock()
	if cur, ok := w.conns[peer]; !ok || cur.Conn != conn {
		w.mu.Unlock()
		return
	}
	delete(w.conns, peer)
	w.mu.Unlock()

	w.logger.Debug("peer disconnected", "peer", peer)
	w.box.put(delivery{event: &PeerEvent{Type: PeerLeft, Peer: peer}})
}

func (w *WebSocket) readLoop(ctx context.Context, peer PeerID, conn *websocket.Conn) {
	defer w.unregister(peer, conn)
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				w.logger.Debug("read failed", "peer", peer, "error", err)
			}
			_ = conn.Close(websocket.StatusGoingAway, "read failed")
			return
		}
		if f.Type != frameMsg || f.Topic == "" {
			continue
		}
		w.box.put(delivery{from: peer, topic: f.Topic, data: f.Data})
	}
}

func (w *WebSocket) write(ctx context.Context, conn *websocket.Conn, f frame) error {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, f)
}

func (w *WebSocket) Publish(ctx context.Context, topic string, data []byte) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	conns := make(map[PeerID]*websocket.Conn, len(w.conns))
	for id, c := range w.conns {
		conns[id] = c.Conn
	}
	w.mu.Unlock()

	var errs []error
	f := frame{Type: frameMsg, Topic: topic, Data: data}
	for id, c := range conns {
		if err := w.write(ctx, c, f); err != nil {
			errs = append(errs, fmt.Errorf("publish to %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (w *WebSocket) Send(ctx context.Context, peer PeerID, topic string, data []byte) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	conn, ok := w.conns[peer]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", peer, ErrNotConnected)
	}
	if err := w.write(ctx, conn.Conn, frame{Type: frameMsg, Topic: topic, Data: data}); err != nil {
		return fmt.Errorf("send to %s: %w", peer, err)
	}
	return nil
}

func (w *WebSocket) Subscribe(topic string, h Handler) func() {
	return w.reg.subscribe(topic, h)
}

func (w *WebSocket) Connections() []PeerID {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]PeerID, 0, len(w.conns))
	for id := range w.conns {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (w *WebSocket) Notify(fn func(PeerEvent)) func() {
	return w.reg.notify(fn)
}

// Close disconnects every peer and stops the listener.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conns := make([]*websocket.Conn, 0, len(w.conns))
	for _, c := range w.conns {
		conns = append(conns, c.Conn)
	}
	w.mu.Unlock()

	w.cancel()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "shutting down")
	}
	var err error
	if w.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = w.srv.Shutdown(ctx)
		cancel()
	}
	w.wg.Wait()
	w.box.close()
	return err
}
