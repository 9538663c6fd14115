package gossip

import (
	"sync/atomic"
	"time"
)

// Clock hands out monotonically non-decreasing ticks. All timeouts in this
// package are expressed in ticks.
type Clock interface {
	Now() int64
}

// ManualClock only moves when told to. The simulator and tests share one
// between every node.
type ManualClock struct {
	now atomic.Int64
}

func NewManualClock(start int64) *ManualClock {
	c := &ManualClock{}
	c.now.Store(start)
	return c
}

func (c *ManualClock) Now() int64 {
	return c.now.Load()
}

// Advance moves the clock forward by n ticks and returns the new time.
// Negative n is ignored.
func (c *ManualClock) Advance(n int64) int64 {
	if n <= 0 {
		return c.now.Load()
	}
	return c.now.Add(n)
}

// WallClock counts fixed-length periods since the Unix epoch. Using the
// epoch rather than process start keeps ticks from different nodes
// comparable, which the admission gate relies on.
type WallClock struct {
	Period time.Duration
	now    func() time.Time
}

func NewWallClock(period time.Duration) *WallClock {
	if period <= 0 {
		period = time.Second
	}
	return &WallClock{Period: period, now: time.Now}
}

func (c *WallClock) Now() int64 {
	return c.now().UnixNano() / int64(c.Period)
}
