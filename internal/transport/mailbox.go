package transport

import "sync"

// delivery is one inbound item: a message, or a peer event when event is set.
type delivery struct {
	from  PeerID
	topic string
	data  []byte
	event *PeerEvent
}

// mailbox decouples senders from handlers. One goroutine drains it, so
// handlers see deliveries in arrival order and may themselves send without
// deadlocking the sender.
type mailbox struct {
	mu     sync.Mutex
	items  []delivery
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func newMailbox(r *registry) *mailbox {
	m := &mailbox{signal: make(chan struct{}, 1), done: make(chan struct{})}
	go m.run(r)
	return m
}

func (m *mailbox) put(d delivery) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.items = append(m.items, d)
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) take() (delivery, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return delivery{}, false
	}
	d := m.items[0]
	m.items[0] = delivery{}
	m.items = m.items[1:]
	return d, true
}

func (m *mailbox) run(r *registry) {
	defer close(m.done)
	for {
		d, ok := m.take()
		if !ok {
			if _, open := <-m.signal; !open {
				return
			}
			continue
		}
		if d.event != nil {
			r.peerEvent(*d.event)
			continue
		}
		r.dispatch(d.from, d.topic, d.data)
	}
}

// close drops undelivered items and waits for the current handler to return.
func (m *mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.closed = true
	m.items = nil
	close(m.signal)
	m.mu.Unlock()
	<-m.done
}
