package docstore

import (
	"sync"

	"github.com/roach88/peerdoc/internal/ir"
)

// EventType distinguishes database events.
type EventType int

const (
	// EventUpdate reports a newly applied entry, local or replicated.
	EventUpdate EventType = iota + 1
	// EventPeerJoin reports a peer that started replicating this database.
	EventPeerJoin
	// EventPeerLeave reports a peer that went away.
	EventPeerLeave
)

func (t EventType) String() string {
	switch t {
	case EventUpdate:
		return "update"
	case EventPeerJoin:
		return "peer.join"
	case EventPeerLeave:
		return "peer.leave"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers in Seq order.
type Event struct {
	Type  EventType
	Seq   int64
	Entry *ir.Entry // EventUpdate only
	Peer  string    // peer events only
}

// eventQueue is an unbounded FIFO between writers and the dispatcher.
//
// Writers enqueue while holding the database writer mutex, so they must
// never block on slow subscribers.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}
	e := q.events[0]
	// Clear the slot so the entry can be collected.
	q.events[0] = Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait returns a channel that signals when events may be available. It is
// closed when the queue closes.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops further enqueues and wakes the dispatcher. Queued events are
// still delivered.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
