package queue

import (
	"fmt"
	"math"
	"time"

	"github.com/signalsfoundry/link-emulator/core"
	"github.com/signalsfoundry/link-emulator/timectrl"
)

// CoDel is a FIFO with Controlled Delay queue management (RFC 8289). Drops
// happen at dequeue time based on how long the head packet waited.
type CoDel struct {
	clock    timectrl.Clock
	limits   Limits
	target   uint64 // ms
	interval uint64 // ms

	q     fifo
	drops uint64

	dropping   bool
	firstAbove uint64
	dropNext   uint64
	count      uint64
	lastCount  uint64
}

// NewCoDel returns a CoDel queue. Limits, when set, are enforced drop-tail
// style on arrival.
func NewCoDel(target, interval time.Duration, limits Limits, clock timectrl.Clock) *CoDel {
	return &CoDel{
		clock:    clock,
		limits:   limits,
		target:   uint64(target / time.Millisecond),
		interval: uint64(interval / time.Millisecond),
	}
}

func (c *CoDel) Enqueue(p core.QueuedPacket) {
	if !c.limits.allows(c.q.len()+1, c.q.bytes+len(p.Contents)) {
		c.drops++
		return
	}
	c.q.push(p)
}

// doDequeue pops the head and reports whether it has been above target for
// at least an interval.
func (c *CoDel) doDequeue(now uint64) (core.QueuedPacket, bool, bool) {
	p, ok := c.q.pop()
	if !ok {
		c.firstAbove = 0
		return p, false, false
	}

	var sojourn uint64
	if now > p.ArrivalTime {
		sojourn = now - p.ArrivalTime
	}
	okToDrop := false
	if sojourn < c.target || c.q.bytes <= core.MaxPacketSize {
		c.firstAbove = 0
	} else if c.firstAbove == 0 {
		c.firstAbove = now + c.interval
	} else if now >= c.firstAbove {
		okToDrop = true
	}
	return p, okToDrop, true
}

func (c *CoDel) controlLaw(t uint64, count uint64) uint64 {
	return t + uint64(float64(c.interval)/math.Sqrt(float64(count)))
}

func (c *CoDel) Dequeue() (core.QueuedPacket, error) {
	now := c.clock.Now()

	p, okToDrop, ok := c.doDequeue(now)
	if !ok {
		c.dropping = false
		return core.QueuedPacket{}, core.ErrQueueEmpty
	}

	if c.dropping {
		if !okToDrop {
			c.dropping = false
		}
		for c.dropping && now >= c.dropNext {
			c.drops++
			c.count++
			p, okToDrop, ok = c.doDequeue(now)
			if !ok {
				c.dropping = false
				return core.QueuedPacket{}, core.ErrQueueEmpty
			}
			if !okToDrop {
				c.dropping = false
			} else {
				c.dropNext = c.controlLaw(c.dropNext, c.count)
			}
		}
	} else if okToDrop {
		c.drops++
		p, _, ok = c.doDequeue(now)
		if !ok {
			return core.QueuedPacket{}, core.ErrQueueEmpty
		}
		c.dropping = true

		delta := c.count - c.lastCount
		if c.count > c.lastCount && delta > 1 && int64(now)-int64(c.dropNext) < int64(16*c.interval) {
			c.count = delta
		} else {
			c.count = 1
		}
		c.dropNext = c.controlLaw(now, c.count)
		c.lastCount = c.count
	}
	return p, nil
}

func (c *CoDel) Empty() bool { return c.q.len() == 0 }

func (c *CoDel) String() string {
	s := fmt.Sprintf("%s [target=%d, interval=%d", TypeCoDel, c.target, c.interval)
	if l := c.limits.String(); l != "" {
		s += ", " + l
	}
	return s + "]"
}

// Drops implements Dropper.
func (c *CoDel) Drops() uint64 { return c.drops }

// Len returns the number of queued packets.
func (c *CoDel) Len() int { return c.q.len() }
