// Package transport moves opaque messages between peers.
//
// A Transport offers topic publish/subscribe to every connected peer, direct
// sends to one peer, and connection notifications. The sync engine is the
// only consumer; it never assumes ordering across peers, only per-peer FIFO.
package transport

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// PeerID names a peer. For peerdoc nodes it is the node identity.
type PeerID = string

// Handler receives a message published on a subscribed topic.
type Handler func(from PeerID, data []byte)

// PeerEventType distinguishes connection changes.
type PeerEventType int

const (
	PeerJoined PeerEventType = iota + 1
	PeerLeft
)

func (t PeerEventType) String() string {
	switch t {
	case PeerJoined:
		return "join"
	case PeerLeft:
		return "leave"
	default:
		return "unknown"
	}
}

// PeerEvent reports a connection change.
type PeerEvent struct {
	Type PeerEventType
	Peer PeerID
}

// Transport is the peer messaging contract.
type Transport interface {
	// ID returns the local peer id.
	ID() PeerID
	// Publish sends data on topic to every connected peer.
	Publish(ctx context.Context, topic string, data []byte) error
	// Send sends data on topic to one connected peer.
	Send(ctx context.Context, peer PeerID, topic string, data []byte) error
	// Subscribe registers h for topic. The returned func unsubscribes.
	Subscribe(topic string, h Handler) (cancel func())
	// Connections returns the connected peers, sorted.
	Connections() []PeerID
	// Notify registers fn for connection changes. The returned func
	// unregisters it.
	Notify(fn func(PeerEvent)) (cancel func())
	// Close disconnects from every peer.
	Close() error
}

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport closed")
	// ErrNotConnected is returned by Send to an unknown peer.
	ErrNotConnected = errors.New("peer not connected")
)

// registry holds the subscriptions shared by both transports.
type registry struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[string]map[uint64]Handler
	watchers map[uint64]func(PeerEvent)
}

func newRegistry() *registry {
	return &registry{
		handlers: make(map[string]map[uint64]Handler),
		watchers: make(map[uint64]func(PeerEvent)),
	}
}

func (r *registry) subscribe(topic string, h Handler) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	if r.handlers[topic] == nil {
		r.handlers[topic] = make(map[uint64]Handler)
	}
	r.handlers[topic][id] = h
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.handlers[topic], id)
			r.mu.Unlock()
		})
	}
}

func (r *registry) notify(fn func(PeerEvent)) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	r.watchers[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.watchers, id)
			r.mu.Unlock()
		})
	}
}

// dispatch calls the topic handlers in subscription order.
func (r *registry) dispatch(from PeerID, topic string, data []byte) {
	r.mu.RLock()
	subs := r.handlers[topic]
	ids := make([]uint64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, subs[id])
	}
	r.mu.RUnlock()

	for _, h := range hs {
		h(from, data)
	}
}

func (r *registry) peerEvent(ev PeerEvent) {
	r.mu.RLock()
	ids := make([]uint64, 0, len(r.watchers))
	for id := range r.watchers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(PeerEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.watchers[id])
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
