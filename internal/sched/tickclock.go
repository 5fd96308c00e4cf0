// internal/sched/tickclock.go

package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
)

// TickClock emits ticks from a clock and counts them atomically.
type TickClock struct {
	Ch    chan struct{}
	clock clock.Clock
	count atomic.Int64
	stop  chan struct{}
	once  sync.Once
}

// NewTickClock creates a clock but does not start it.
func NewTickClock(clk clock.Clock, buffer int) *TickClock {
	if clk == nil {
		clk = clock.WallClock
	}
	return &TickClock{
		Ch:    make(chan struct{}, buffer),
		clock: clk,
		stop:  make(chan struct{}),
	}
}

// Start begins emitting ticks at the given interval. Deadlines are
// computed from the start time so a slow consumer does not accumulate drift.
func (c *TickClock) Start(interval time.Duration) {
	next := c.clock.Now().Add(interval)
	timer := c.clock.NewTimer(interval)
	go func() {
		defer timer.Stop()
		for {
			select {
			case <-timer.Chan():
				c.count.Add(1)
				select {
				case c.Ch <- struct{}{}:
				case <-c.stop:
					close(c.Ch)
					return
				}
				next = next.Add(interval)
				wait := next.Sub(c.clock.Now())
				if wait < 0 {
					wait = 0
				}
				timer.Reset(wait)
			case <-c.stop:
				close(c.Ch)
				return
			}
		}
	}()
}

// Stop signals the clock to stop emitting ticks. Safe to call twice.
func (c *TickClock) Stop() {
	c.once.Do(func() { close(c.stop) })
}

// Count returns the number of ticks emitted so far.
func (c *TickClock) Count() int64 {
	return c.count.Load()
}
