// Package core implements the link-emulation engine: a simulated link of
// externally controlled capacity that decides when, and how much of, the
// traffic handed to it may leave.
//
// A Link never runs on its own. The owning event loop hands it packets with
// Accept, asks TimeUntilNextEvent how long it may block, and collects
// delivered packets with DrainOutput. All instants are milliseconds since an
// epoch fixed by the caller, and must be non-decreasing across calls.
package core

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/link-emulator/internal/control"
)

// Link is a single emulated link. It is not safe for concurrent use; the
// control source is the only state other processes may mutate.
type Link struct {
	clock    DeliveryClock
	control  control.Source
	queue    PacketQueue
	observer Observer

	// baseTimestamp is the instant of the last consumed opportunity.
	baseTimestamp uint64
	// deliveredCount indexes the dithering permutation; never reset.
	deliveredCount uint64

	inTransit     QueuedPacket
	inTransitLeft int

	output   [][]byte
	finished bool

	discarded uint64
}

// Option configures a Link.
type Option func(*Link)

// WithObserver attaches an observer. A nil observer is ignored.
func WithObserver(o Observer) Option {
	return func(l *Link) {
		if o != nil {
			l.observer = o
		}
	}
}

// NewLink constructs a link whose first opportunity is scheduled relative to
// now.
func NewLink(clock DeliveryClock, src control.Source, queue PacketQueue, now uint64, opts ...Option) (*Link, error) {
	if clock == nil {
		return nil, errors.New("delivery clock is nil")
	}
	if src == nil {
		return nil, errors.New("control source is nil")
	}
	if queue == nil {
		return nil, errors.New("packet queue is nil")
	}

	l := &Link{
		clock:         clock,
		control:       src,
		queue:         queue,
		observer:      NoopObserver{},
		baseTimestamp: now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Accept offers a packet arriving at now. Oversized payloads are rejected
// with ErrPacketTooLarge. When the control signal has the link disabled the
// packet is discarded without error; packets accepted earlier keep draining.
//
// The link takes ownership of payload.
func (l *Link) Accept(payload []byte, now uint64) error {
	if len(payload) > MaxPacketSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrPacketTooLarge, len(payload), MaxPacketSize)
	}

	if err := l.Rationalize(now); err != nil {
		return err
	}

	l.observer.OnArrival(now, len(payload))

	sig, err := l.readControl()
	if err != nil {
		return err
	}
	if !sig.Enabled {
		l.discarded++
		return nil
	}
	l.queue.Enqueue(QueuedPacket{Contents: payload, ArrivalTime: now})
	return nil
}

// Rationalize emulates the link up to now, consuming every delivery
// opportunity scheduled at or before now. Opportunities left behind by a
// long pause are consumed one by one at their own instants.
func (l *Link) Rationalize(now uint64) error {
	for {
		at, err := l.scheduled()
		if err != nil {
			return err
		}
		if at == Never || at > now {
			return nil
		}

		l.useOpportunity(at)

		budget := MaxPacketSize
		for budget > 0 {
			if l.inTransitLeft == 0 {
				if l.queue.Empty() {
					// Unused capacity is forfeited.
					break
				}
				p, err := l.queue.Dequeue()
				if errors.Is(err, ErrQueueEmpty) {
					// The policy dropped everything it held.
					break
				}
				if err != nil {
					return fmt.Errorf("dequeue from %s: %w", l.queue, err)
				}
				l.inTransit = p
				l.inTransitLeft = len(p.Contents)
				if l.inTransitLeft == 0 {
					l.depart(at)
					continue
				}
			}

			n := min(budget, l.inTransitLeft)
			l.inTransitLeft -= n
			budget -= n

			if l.inTransitLeft == 0 {
				l.depart(at)
			}
		}
	}
}

// NextDeliveryTime returns the instant of the next delivery opportunity. An
// overdue opportunity is reported as now, never in the past. A finished link
// returns Never.
func (l *Link) NextDeliveryTime(now uint64) (uint64, error) {
	at, err := l.scheduled()
	if err != nil {
		return 0, err
	}
	if at == Never || at > now {
		return at, nil
	}
	return now, nil
}

// TimeUntilNextEvent rationalizes up to now and returns how many
// milliseconds the caller may wait before calling back. Zero means an
// opportunity is already due. A finished link returns Never-now.
func (l *Link) TimeUntilNextEvent(now uint64) (uint64, error) {
	if err := l.Rationalize(now); err != nil {
		return 0, err
	}
	next, err := l.NextDeliveryTime(now)
	if err != nil {
		return 0, err
	}
	if next <= now {
		return 0, nil
	}
	return next - now, nil
}

// DrainOutput removes and returns every delivered payload in delivery order.
// It returns an empty slice when nothing is pending.
func (l *Link) DrainOutput() [][]byte {
	if len(l.output) == 0 {
		return [][]byte{}
	}
	out := l.output
	l.output = nil
	return out
}

// HasPendingOutput reports whether DrainOutput would return packets.
func (l *Link) HasPendingOutput() bool { return len(l.output) > 0 }

// Finish stops opportunity generation. Packets still queued or in flight
// stay where they are.
func (l *Link) Finish() { l.finished = true }

// Finished reports whether Finish has been called.
func (l *Link) Finished() bool { return l.finished }

// BaseTimestamp returns the instant of the last consumed opportunity.
func (l *Link) BaseTimestamp() uint64 { return l.baseTimestamp }

// DeliveredCount returns the number of opportunities consumed so far.
func (l *Link) DeliveredCount() uint64 { return l.deliveredCount }

// Discarded returns how many packets were discarded at admission because the
// link was disabled.
func (l *Link) Discarded() uint64 { return l.discarded }

// InFlight returns the bytes still to be sent of the packet being drained.
func (l *Link) InFlight() int { return l.inTransitLeft }

// QueueDescription describes the queueing policy.
func (l *Link) QueueDescription() string { return l.queue.String() }

func (l *Link) readControl() (control.Signal, error) {
	sig, err := l.control.Read()
	if err != nil {
		return control.Signal{}, fmt.Errorf("read control signal: %w", err)
	}
	return sig, nil
}

// scheduled returns the unclamped instant of the next opportunity.
func (l *Link) scheduled() (uint64, error) {
	if l.finished {
		return Never, nil
	}
	sig, err := l.readControl()
	if err != nil {
		return 0, err
	}
	interval, err := l.clock.Interval(sig, l.deliveredCount)
	if err != nil {
		return 0, err
	}
	// Saturate: an interval past the end of time means no more opportunities.
	if interval >= Never-l.baseTimestamp {
		return Never, nil
	}
	return l.baseTimestamp + interval, nil
}

func (l *Link) useOpportunity(at uint64) {
	l.observer.OnOpportunity(at, MaxPacketSize)
	l.baseTimestamp = at
	l.deliveredCount++
}

func (l *Link) depart(at uint64) {
	p := l.inTransit
	l.observer.OnDeparture(at, len(p.Contents), at-p.ArrivalTime)
	l.output = append(l.output, p.Contents)
	l.inTransit = QueuedPacket{}
	l.inTransitLeft = 0
}
