package queue

import (
	"fmt"

	"github.com/signalsfoundry/link-emulator/core"
)

// Infinite never drops.
type Infinite struct {
	q fifo
}

// NewInfinite returns an unbounded FIFO.
func NewInfinite() *Infinite { return &Infinite{} }

func (i *Infinite) Enqueue(p core.QueuedPacket) { i.q.push(p) }

func (i *Infinite) Dequeue() (core.QueuedPacket, error) {
	p, ok := i.q.pop()
	if !ok {
		return core.QueuedPacket{}, core.ErrQueueEmpty
	}
	return p, nil
}

func (i *Infinite) Empty() bool    { return i.q.len() == 0 }
func (i *Infinite) String() string { return TypeInfinite }

// Len returns the number of queued packets.
func (i *Infinite) Len() int { return i.q.len() }

// DropTail discards arriving packets that would push the queue over its
// limits.
type DropTail struct {
	limits Limits
	q      fifo
	drops  uint64
}

// NewDropTail returns a drop-tail queue bounded by limits.
func NewDropTail(limits Limits) *DropTail { return &DropTail{limits: limits} }

func (d *DropTail) Enqueue(p core.QueuedPacket) {
	if !d.limits.allows(d.q.len()+1, d.q.bytes+len(p.Contents)) {
		d.drops++
		return
	}
	d.q.push(p)
}

func (d *DropTail) Dequeue() (core.QueuedPacket, error) {
	p, ok := d.q.pop()
	if !ok {
		return core.QueuedPacket{}, core.ErrQueueEmpty
	}
	return p, nil
}

func (d *DropTail) Empty() bool { return d.q.len() == 0 }

func (d *DropTail) String() string {
	return fmt.Sprintf("%s [%s]", TypeDropTail, d.limits)
}

// Drops implements Dropper.
func (d *DropTail) Drops() uint64 { return d.drops }

// Len returns the number of queued packets.
func (d *DropTail) Len() int { return d.q.len() }

// DropHead admits every arrival and discards the oldest packets until the
// queue is back within its limits.
type DropHead struct {
	limits Limits
	q      fifo
	drops  uint64
}

// NewDropHead returns a drop-head queue bounded by limits.
func NewDropHead(limits Limits) *DropHead { return &DropHead{limits: limits} }

func (d *DropHead) Enqueue(p core.QueuedPacket) {
	d.q.push(p)
	for !d.limits.allows(d.q.len(), d.q.bytes) {
		if _, ok := d.q.pop(); !ok {
			return
		}
		d.drops++
	}
}

func (d *DropHead) Dequeue() (core.QueuedPacket, error) {
	p, ok := d.q.pop()
	if !ok {
		return core.QueuedPacket{}, core.ErrQueueEmpty
	}
	return p, nil
}

func (d *DropHead) Empty() bool { return d.q.len() == 0 }

func (d *DropHead) String() string {
	return fmt.Sprintf("%s [%s]", TypeDropHead, d.limits)
}

// Drops implements Dropper.
func (d *DropHead) Drops() uint64 { return d.drops }

// Len returns the number of queued packets.
func (d *DropHead) Len() int { return d.q.len() }
