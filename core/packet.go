package core

import (
	"errors"
	"math"
)

const (
	// MaxPacketSize is the number of bytes granted by one delivery
	// opportunity, and the largest payload the link accepts.
	MaxPacketSize = 1504

	// ReferencePacketSize is the packet size used to turn a bitrate into a
	// number of delivery opportunities per second.
	ReferencePacketSize = 1500

	// Never is the instant reported once a link is finished.
	Never uint64 = math.MaxUint64
)

var (
	// ErrPacketTooLarge is returned by Accept for payloads longer than
	// MaxPacketSize. Payloads are never truncated or split.
	ErrPacketTooLarge = errors.New("packet size is greater than maximum")

	// ErrQueueEmpty is returned by PacketQueue.Dequeue on an empty queue.
	ErrQueueEmpty = errors.New("dequeue from empty queue")
)

// QueuedPacket is a whole packet waiting in (or leaving) a PacketQueue.
type QueuedPacket struct {
	Contents []byte
	// ArrivalTime is the instant, in link milliseconds, the packet was
	// accepted.
	ArrivalTime uint64
}

// Size returns the payload length in bytes.
func (p QueuedPacket) Size() int { return len(p.Contents) }

// PacketQueue is the queueing policy sitting in front of the link. The link
// treats it as an opaque source of whole packets: admission limits, dropping
// and ordering all belong to the policy.
type PacketQueue interface {
	Enqueue(p QueuedPacket)
	// Dequeue removes the next packet, failing with ErrQueueEmpty when
	// Empty would have returned true.
	Dequeue() (QueuedPacket, error)
	Empty() bool
	// String describes the policy and its parameters.
	String() string
}
