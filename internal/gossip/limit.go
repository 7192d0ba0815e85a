package gossip

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiters hands out one token bucket per peer.
type limiters struct {
	limit rate.Limit
	burst int

	mu    sync.Mutex
	peers map[string]*rate.Limiter
}

func newLimiters(limit rate.Limit, burst int) *limiters {
	if burst < 1 {
		burst = 1
	}
	return &limiters{limit: limit, burst: burst, peers: make(map[string]*rate.Limiter)}
}

// allow reports whether peer may deliver one more message now. A zero limit
// disables limiting.
func (l *limiters) allow(peer string) bool {
	if l == nil || l.limit == 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.peers[peer]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.peers[peer] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *limiters) forget(peer string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.peers, peer)
	l.mu.Unlock()
}
