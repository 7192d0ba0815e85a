package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// inbox records what a peer receives on one topic.
type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (b *inbox) handler(from PeerID, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, from+":"+string(data))
}

func (b *inbox) get() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.msgs...)
}

type peerLog struct {
	mu     sync.Mutex
	events []PeerEvent
}

func (p *peerLog) record(ev PeerEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *peerLog) get() []PeerEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PeerEvent(nil), p.events...)
}

func TestMemoryPublish(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, b, c := hub.Join("a"), hub.Join("b"), hub.Join("c")
	defer a.Close()
	defer b.Close()
	defer c.Close()
	require.NoError(t, hub.Connect("a", "b"))

	var gotB, gotC inbox
	b.Subscribe("t", gotB.handler)
	c.Subscribe("t", gotC.handler)

	require.NoError(t, a.Publish(ctx, "t", []byte("one")))
	require.NoError(t, a.Publish(ctx, "other", []byte("ignored")))
	require.NoError(t, a.Publish(ctx, "t", []byte("two")))

	require.Eventually(t, func() bool { return len(gotB.get()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"a:one", "a:two"}, gotB.get())
	assert.Empty(t, gotC.get(), "c is not connected")
	assert.Equal(t, []PeerID{"b"}, a.Connections())
}

func TestMemorySend(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, b, c := hub.Join("a"), hub.Join("b"), hub.Join("c")
	defer a.Close()
	defer b.Close()
	defer c.Close()
	hub.ConnectAll()

	var gotB, gotC inbox
	b.Subscribe("t", gotB.handler)
	c.Subscribe("t", gotC.handler)

	require.NoError(t, a.Send(ctx, "c", "t", []byte("hi")))
	require.Eventually(t, func() bool { return len(gotC.get()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"a:hi"}, gotC.get())
	assert.Empty(t, gotB.get())

	err := a.Send(ctx, "nobody", "t", []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMemorySendCopiesPayload(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, b := hub.Join("a"), hub.Join("b")
	defer a.Close()
	defer b.Close()
	require.NoError(t, hub.Connect("a", "b"))

	var got inbox
	b.Subscribe("t", got.handler)
	buf := []byte("abc")
	require.NoError(t, a.Send(ctx, "b", "t", buf))
	buf[0] = 'z'
	require.Eventually(t, func() bool { return len(got.get()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"a:abc"}, got.get())
}

func TestMemoryPeerEvents(t *testing.T) {
	hub := NewHub()
	a, b := hub.Join("a"), hub.Join("b")
	defer a.Close()

	var events peerLog
	a.Notify(events.record)
	require.NoError(t, hub.Connect("a", "b"))
	require.NoError(t, hub.Connect("a", "b"))
	hub.Disconnect("a", "b")
	require.NoError(t, hub.Connect("b", "a"))
	require.NoError(t, b.Close())

	want := []PeerEvent{
		{Type: PeerJoined, Peer: "b"},
		{Type: PeerLeft, Peer: "b"},
		{Type: PeerJoined, Peer: "b"},
		{Type: PeerLeft, Peer: "b"},
	}
	require.Eventually(t, func() bool { return len(events.get()) == len(want) }, waitFor, 5*time.Millisecond)
	assert.Equal(t, want, events.get())
	assert.Empty(t, a.Connections())
}

func TestMemoryConnectErrors(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")
	defer a.Close()

	assert.ErrorIs(t, hub.Connect("a", "ghost"), ErrNotConnected)
	assert.Error(t, hub.Connect("a", "a"))
}

func TestMemoryUnsubscribe(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, b := hub.Join("a"), hub.Join("b")
	defer a.Close()
	defer b.Close()
	require.NoError(t, hub.Connect("a", "b"))

	var got, marker inbox
	cancel := b.Subscribe("t", got.handler)
	b.Subscribe("done", marker.handler)
	cancel()
	cancel()

	require.NoError(t, a.Publish(ctx, "t", []byte("lost")))
	require.NoError(t, a.Publish(ctx, "done", []byte("x")))
	require.Eventually(t, func() bool { return len(marker.get()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Empty(t, got.get())
}

func TestMemoryHandlerMaySend(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, b := hub.Join("a"), hub.Join("b")
	defer a.Close()
	defer b.Close()
	require.NoError(t, hub.Connect("a", "b"))

	// b answers every ping from inside its handler.
	b.Subscribe("ping", func(from PeerID, data []byte) {
		_ = b.Send(ctx, from, "pong", data)
	})
	var got inbox
	a.Subscribe("pong", got.handler)

	require.NoError(t, a.Send(ctx, "b", "ping", []byte("1")))
	require.Eventually(t, func() bool { return len(got.get()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"b:1"}, got.get())
}

func TestPeerEventTypeString(t *testing.T) {
	assert.Equal(t, "join", PeerJoined.String())
	assert.Equal(t, "leave", PeerLeft.String())
	assert.Equal(t, "unknown", PeerEventType(0).String())
}
