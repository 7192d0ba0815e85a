package docstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()
	for i := int64(1); i <= 3; i++ {
		require.True(t, q.Enqueue(Event{Type: EventPeerJoin, Seq: i}))
	}
	assert.Equal(t, 3, q.Len())

	for want := int64(1); want <= 3; want++ {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got.Seq)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestEventQueue_CloseKeepsQueuedEvents(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(Event{Seq: 1})
	q.Close()
	q.Close()

	assert.False(t, q.Enqueue(Event{Seq: 2}), "enqueue after close")
	_, open := <-q.Wait()
	assert.False(t, open, "wait channel closed")

	got, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, int64(1), got.Seq)
}

func TestEventQueue_ThreadSafe(t *testing.T) {
	q := newEventQueue()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				q.Enqueue(Event{Type: EventUpdate})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, q.Len())
}

func TestClock(t *testing.T) {
	var c Clock
	assert.Equal(t, int64(0), c.Current())
	assert.Equal(t, int64(1), c.Next())
	assert.Equal(t, int64(2), c.Next())
	assert.Equal(t, int64(2), c.Current())
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "update", EventUpdate.String())
	assert.Equal(t, "peer.join", EventPeerJoin.String())
	assert.Equal(t, "peer.leave", EventPeerLeave.String())
	assert.Equal(t, "unknown", EventType(0).String())
}
