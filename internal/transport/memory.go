package transport

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Hub connects in-process transports. Tests and the scenario harness use it
// to build networks and partition them.
type Hub struct {
	mu    sync.Mutex
	nodes map[PeerID]*Memory
	links map[PeerID]map[PeerID]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		nodes: make(map[PeerID]*Memory),
		links: make(map[PeerID]map[PeerID]struct{}),
	}
}

// Join creates the transport of peer id. It starts with no connections.
func (h *Hub) Join(id PeerID) *Memory {
	h.mu.Lock()
	defer h.mu.Unlock()
	reg := newRegistry()
	m := &Memory{id: id, hub: h, reg: reg, box: newMailbox(reg)}
	h.nodes[id] = m
	h.links[id] = make(map[PeerID]struct{})
	return m
}

// Connect links a and b in both directions. Connecting linked peers is a
// no-op.
func (h *Hub) Connect(a, b PeerID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	na, nb := h.nodes[a], h.nodes[b]
	if na == nil || nb == nil {
		return fmt.Errorf("connect %s-%s: %w", a, b, ErrNotConnected)
	}
	if a == b {
		return fmt.Errorf("connect %s to itself", a)
	}
	if _, ok := h.links[a][b]; ok {
		return nil
	}
	h.links[a][b] = struct{}{}
	h.links[b][a] = struct{}{}
	na.box.put(delivery{event: &PeerEvent{Type: PeerJoined, Peer: b}})
	nb.box.put(delivery{event: &PeerEvent{Type: PeerJoined, Peer: a}})
	return nil
}

// ConnectAll links every pair of joined peers.
func (h *Hub) ConnectAll() {
	h.mu.Lock()
	ids := slices.Sorted(maps.Keys(h.nodes))
	h.mu.Unlock()
	for i, a := range ids {
		for _, b := range ids[i+1:] {
			_ = h.Connect(a, b)
		}
	}
}

// Disconnect removes the link between a and b.
func (h *Hub) Disconnect(a, b PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unlink(a, b)
}

// unlink removes a link and tells both ends. Caller holds mu.
func (h *Hub) unlink(a, b PeerID) {
	if _, ok := h.links[a][b]; !ok {
		return
	}
	delete(h.links[a], b)
	delete(h.links[b], a)
	if n := h.nodes[a]; n != nil {
		n.box.put(delivery{event: &PeerEvent{Type: PeerLeft, Peer: b}})
	}
	if n := h.nodes[b]; n != nil {
		n.box.put(delivery{event: &PeerEvent{Type: PeerLeft, Peer: a}})
	}
}

func (h *Hub) deliver(from, to PeerID, topic string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.links[from][to]; !ok {
		return fmt.Errorf("send to %s: %w", to, ErrNotConnected)
	}
	h.nodes[to].box.put(delivery{from: from, topic: topic, data: slices.Clone(data)})
	return nil
}

func (h *Hub) broadcast(from PeerID, topic string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for to := range h.links[from] {
		h.nodes[to].box.put(delivery{from: from, topic: topic, data: slices.Clone(data)})
	}
}

func (h *Hub) peers(id PeerID) []PeerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Sorted(maps.Keys(h.links[id]))
}

func (h *Hub) leave(id PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for peer := range h.links[id] {
		h.unlink(id, peer)
	}
	delete(h.nodes, id)
	delete(h.links, id)
}

// Memory is an in-process Transport attached to a Hub.
type Memory struct {
	id   PeerID
	hub  *Hub
	reg  *registry
	box  *mailbox
	once sync.Once
}

var _ Transport = (*Memory)(nil)

func (m *Memory) ID() PeerID { return m.id }

func (m *Memory) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.hub.broadcast(m.id, topic, data)
	return nil
}

func (m *Memory) Send(ctx context.Context, peer PeerID, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.hub.deliver(m.id, peer, topic, data)
}

func (m *Memory) Subscribe(topic string, h Handler) func() {
	return m.reg.subscribe(topic, h)
}

func (m *Memory) Connections() []PeerID {
	return m.hub.peers(m.id)
}

func (m *Memory) Notify(fn func(PeerEvent)) func() {
	return m.reg.notify(fn)
}

// Close leaves the hub. Connected peers observe PeerLeft.
func (m *Memory) Close() error {
	m.once.Do(func() {
		m.hub.leave(m.id)
		m.box.close()
	})
	return nil
}
