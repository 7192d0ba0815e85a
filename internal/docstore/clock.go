package docstore

import "sync/atomic"

// Clock stamps events with strictly increasing local sequence numbers.
// It is unrelated to entry Lamport clocks and never leaves the node.
type Clock struct {
	seq atomic.Int64
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last sequence number handed out.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
