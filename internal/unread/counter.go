// Package unread tracks how many accepted alerts the user has not seen.
package unread

import (
	"sync/atomic"

	"cbalert/internal/eventbus"
)

// TypeChanged is published with the new count as an int64.
const TypeChanged = "unread.changed"

// Counter is safe for concurrent use and never goes below zero.
type Counter struct {
	n   atomic.Int64
	bus eventbus.Bus
}

// New returns a zeroed counter. bus may be nil.
func New(bus eventbus.Bus) *Counter { return &Counter{bus: bus} }

func (c *Counter) Increment() { c.publish(c.n.Add(1)) }

func (c *Counter) Decrement() {
	for {
		cur := c.n.Load()
		if cur <= 0 {
			return
		}
		if c.n.CompareAndSwap(cur, cur-1) {
			c.publish(cur - 1)
			return
		}
	}
}

func (c *Counter) Reset() {
	c.n.Store(0)
	c.publish(0)
}

func (c *Counter) Value() int64 { return c.n.Load() }

func (c *Counter) publish(v int64) {
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: TypeChanged, Data: v})
	}
}
