package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/roach88/peerdoc/internal/identity"
)

// ErrUnauthenticated is returned when a peer cannot prove the id it claims.
var ErrUnauthenticated = errors.New("peer failed authentication")

// Signer proves the local peer id during the handshake.
// *identity.Keypair satisfies it.
type Signer interface {
	ID() string
	Sign(payload []byte) string
}

const nonceSize = 32

// The handshake is mutual: each side sends a fresh nonce in its hello and
// signs the nonce it received. The dialer opens with a bare hello, the
// acceptor answers with its own hello signed over the dialer's nonce, and
// the dialer closes with an auth frame signed over the acceptor's nonce.

func newNonce() ([]byte, error) {
	n := make([]byte, nonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return n, nil
}

// challenge is the payload signer signs to answer the nonce peer sent it.
// Both ids are bound so a signature cannot be replayed to a third peer.
func challenge(nonce []byte, signer, peer PeerID) []byte {
	var b bytes.Buffer
	b.WriteString("peerdoc-handshake\x00")
	b.Write(nonce)
	b.WriteString("\x00" + signer + "\x00" + peer)
	return b.Bytes()
}

func (w *WebSocket) verify(peer PeerID, nonce []byte, sig string) error {
	if !identity.Verify(peer, challenge(nonce, peer, w.id), sig) {
		return fmt.Errorf("%w: %.12s", ErrUnauthenticated, peer)
	}
	return nil
}

// dialHandshake runs the dialer side and returns the authenticated peer id.
func (w *WebSocket) dialHandshake(ctx context.Context, conn *websocket.Conn) (PeerID, error) {
	nonce, err := newNonce()
	if err != nil {
		return "", err
	}
	if err := wsjson.Write(ctx, conn, frame{Type: frameHello, From: w.id, Nonce: nonce}); err != nil {
		return "", err
	}
	var hello frame
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		return "", err
	}
	if hello.Type != frameHello || hello.From == "" || len(hello.Nonce) != nonceSize {
		return "", fmt.Errorf("unexpected %q frame", hello.Type)
	}
	if err := w.verify(hello.From, nonce, hello.Sig); err != nil {
		return "", err
	}
	auth := frame{Type: frameAuth, Sig: w.cfg.Signer.Sign(challenge(hello.Nonce, w.id, hello.From))}
	if err := wsjson.Write(ctx, conn, auth); err != nil {
		return "", err
	}
	return hello.From, nil
}

// acceptHandshake runs the acceptor side and returns the authenticated peer
// id.
func (w *WebSocket) acceptHandshake(ctx context.Context, conn *websocket.Conn) (PeerID, error) {
	var hello frame
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		return "", err
	}
	if hello.Type != frameHello || hello.From == "" || len(hello.Nonce) != nonceSize {
		return "", fmt.Errorf("unexpected %q frame", hello.Type)
	}
	nonce, err := newNonce()
	if err != nil {
		return "", err
	}
	reply := frame{
		Type:  frameHello,
		From:  w.id,
		Nonce: nonce,
		Sig:   w.cfg.Signer.Sign(challenge(hello.Nonce, w.id, hello.From)),
	}
	if err := wsjson.Write(ctx, conn, reply); err != nil {
		return "", err
	}
	var auth frame
	if err := wsjson.Read(ctx, conn, &auth); err != nil {
		return "", err
	}
	if auth.Type != frameAuth {
		return "", fmt.Errorf("unexpected %q frame", auth.Type)
	}
	if err := w.verify(hello.From, nonce, auth.Sig); err != nil {
		return "", err
	}
	return hello.From, nil
}
