package transport

import (
	"context"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/peerdoc/internal/identity"
	"github.com/roach88/peerdoc/internal/testutil"
)

func startWS(t *testing.T, cfg WSConfig) *WebSocket {
	t.Helper()
	w, err := NewWebSocket(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func newWS(t *testing.T, name string, max int64) *WebSocket {
	t.Helper()
	return startWS(t, WSConfig{Signer: testutil.Identity(t, name), Listen: "127.0.0.1:0", MaxMessageBytes: max})
}

// impostor claims id but signs with its own key.
type impostor struct {
	id string
	kp *identity.Keypair
}

func (i impostor) ID() string                 { return i.id }
func (i impostor) Sign(payload []byte) string { return i.kp.Sign(payload) }

func sorted(ids ...PeerID) []PeerID {
	return slices.Sorted(slices.Values(ids))
}

func TestWebSocketExchange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, b := newWS(t, "a", 0), newWS(t, "b", 0)

	var gotA, gotB inbox
	a.Subscribe("t", gotA.handler)
	b.Subscribe("t", gotB.handler)
	var eventsB peerLog
	b.Notify(eventsB.record)

	peer, err := a.Dial(ctx, b.URL())
	require.NoError(t, err)
	assert.Equal(t, b.ID(), peer)
	require.Eventually(t, func() bool { return len(b.Connections()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []PeerID{b.ID()}, a.Connections())
	assert.Equal(t, []PeerID{a.ID()}, b.Connections())

	require.NoError(t, a.Publish(ctx, "t", []byte("hello")))
	require.NoError(t, b.Send(ctx, a.ID(), "t", []byte("back")))

	require.Eventually(t, func() bool { return len(gotB.get()) == 1 && len(gotA.get()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{a.ID() + ":hello"}, gotB.get())
	assert.Equal(t, []string{b.ID() + ":back"}, gotA.get())

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return len(eventsB.get()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []PeerEvent{
		{Type: PeerJoined, Peer: a.ID()},
		{Type: PeerLeft, Peer: a.ID()},
	}, eventsB.get())
	assert.Empty(t, b.Connections())

	assert.ErrorIs(t, a.Publish(ctx, "t", nil), ErrClosed)
	assert.ErrorIs(t, b.Send(ctx, a.ID(), "t", nil), ErrNotConnected)
}

func TestWebSocketDuplicateDial(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, b := newWS(t, "a", 0), newWS(t, "b", 0)

	_, err := a.Dial(ctx, b.URL())
	require.NoError(t, err)
	_, err = a.Dial(ctx, b.URL())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(b.Connections()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []PeerID{b.ID()}, a.Connections())
}

func TestWebSocketOversizedMessageDropsPeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, b := newWS(t, "a", 0), newWS(t, "b", 512)

	_, err := a.Dial(ctx, b.URL())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(b.Connections()) == 1 }, waitFor, 5*time.Millisecond)

	_ = a.Send(ctx, b.ID(), "t", make([]byte, 4096))
	require.Eventually(t, func() bool { return len(b.Connections()) == 0 }, waitFor, 5*time.Millisecond)
}

func TestWebSocketDialBootstrap(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, b, c := newWS(t, "a", 0), newWS(t, "b", 0), newWS(t, "c", 0)

	policy := func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 2)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.DialBootstrap(ctx, []string{b.URL(), c.URL(), "ws://127.0.0.1:1/peerdoc"}, policy)
	}()
	require.Eventually(t, func() bool { return len(a.Connections()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, sorted(b.ID(), c.ID()), a.Connections())

	cancel()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("DialBootstrap did not return after cancel")
	}
}

func TestWebSocketRedialsBootstrapPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bob := testutil.Identity(t, "bob")
	a := startWS(t, WSConfig{Signer: testutil.Identity(t, "alice"), RedialInterval: 20 * time.Millisecond})
	b, err := NewWebSocket(WSConfig{Signer: bob, Listen: "127.0.0.1:0"})
	require.NoError(t, err)
	addr := strings.TrimSuffix(strings.TrimPrefix(b.URL(), "ws://"), Path)

	policy := func() backoff.BackOff { return backoff.NewConstantBackOff(20 * time.Millisecond) }
	go a.DialBootstrap(ctx, []string{b.URL()}, policy)
	require.Eventually(t, func() bool { return slices.Equal(a.Connections(), []PeerID{bob.ID()}) }, waitFor, 5*time.Millisecond)

	// bob restarts on the same address; alice dials him again.
	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return len(a.Connections()) == 0 }, waitFor, 5*time.Millisecond)
	startWS(t, WSConfig{Signer: bob, Listen: addr})
	require.Eventually(t, func() bool { return slices.Equal(a.Connections(), []PeerID{bob.ID()}) }, waitFor, 5*time.Millisecond)
}

func TestWebSocketRefusesImpostor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	alice, bob, mallory := testutil.Identity(t, "alice"), testutil.Identity(t, "bob"), testutil.Identity(t, "mallory")
	a := startWS(t, WSConfig{Signer: alice, Listen: "127.0.0.1:0"})
	var events peerLog
	a.Notify(events.record)

	// mallory listens as bob: alice's dial fails before anything registers.
	fake := startWS(t, WSConfig{Signer: impostor{id: bob.ID(), kp: mallory}, Listen: "127.0.0.1:0"})
	_, err := a.Dial(ctx, fake.URL())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Empty(t, a.Connections())

	// mallory dials as bob: alice drops the connection during the handshake.
	dialer := startWS(t, WSConfig{Signer: impostor{id: bob.ID(), kp: mallory}})
	_, _ = dialer.Dial(ctx, a.URL())
	require.Eventually(t, func() bool { return len(dialer.Connections()) == 0 }, waitFor, 5*time.Millisecond)
	assert.Empty(t, a.Connections())
	assert.Empty(t, events.get())

	// The real bob still gets in.
	genuine := startWS(t, WSConfig{Signer: bob})
	peer, err := genuine.Dial(ctx, a.URL())
	require.NoError(t, err)
	assert.Equal(t, alice.ID(), peer)
	require.Eventually(t, func() bool { return slices.Equal(a.Connections(), []PeerID{bob.ID()}) }, waitFor, 5*time.Millisecond)
}

func TestNewWebSocketRequiresSigner(t *testing.T) {
	_, err := NewWebSocket(WSConfig{})
	assert.Error(t, err)
	_, err = NewWebSocket(WSConfig{Signer: impostor{}})
	assert.Error(t, err)
}

func TestHandshakeChallengeBindsBothIDs(t *testing.T) {
	nonce := make([]byte, nonceSize)
	assert.NotEqual(t, challenge(nonce, "a", "b"), challenge(nonce, "b", "a"))
	assert.NotEqual(t, challenge(nonce, "a", "b"), challenge(append([]byte{1}, nonce[1:]...), "a", "b"))
}
