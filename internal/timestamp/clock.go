package timestamp

import (
	"sync/atomic"
	"time"
)

// Clock maps between the host clock and the hub's clock. Hub stamps are
// processed in the hub's timebase and converted for consumers.
type Clock struct {
	now    func() time.Time
	offset atomic.Int64 // host - peer, nanoseconds
	synced atomic.Bool
}

// NewClock creates a clock; now nil selects time.Now
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// HostNow returns the host time in nanoseconds
func (c *Clock) HostNow() int64 {
	return c.now().UnixNano()
}

// Observe records a peer clock sample and returns the new offset
func (c *Clock) Observe(peer int64) int64 {
	off := c.HostNow() - peer
	c.offset.Store(off)
	c.synced.Store(true)
	return off
}

// Synced reports whether a peer sample has been observed
func (c *Clock) Synced() bool {
	return c.synced.Load()
}

// Offset returns host minus peer in nanoseconds
func (c *Clock) Offset() int64 {
	return c.offset.Load()
}

// PeerNow is the current time in the hub's timebase
func (c *Clock) PeerNow() int64 {
	return c.HostNow() - c.offset.Load()
}

// ToHost converts a peer stamp to the host timebase
func (c *Clock) ToHost(peer int64) int64 {
	return peer + c.offset.Load()
}
