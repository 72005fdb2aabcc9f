package core

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/signalsfoundry/link-emulator/internal/control"
)

// DitherSlots is the cycle length of the dithering permutation. Over any N
// consecutive opportunities the accumulated interval differs from the ideal
// one by at most one millisecond.
const DitherSlots = 30

// ErrZeroRate is returned when the control signal carries a zero bitrate or
// tick interval. It is a configuration error, not a transient condition.
var ErrZeroRate = errors.New("control value cannot be 0")

// DeliveryClock turns the current control signal into the number of
// milliseconds between the last consumed delivery opportunity and the next
// one. delivered is the number of opportunities consumed so far.
type DeliveryClock interface {
	Interval(sig control.Signal, delivered uint64) (uint64, error)
}

// NewDeliveryClock returns the strategy for mode. rng seeds the dithering
// permutation of the bitrate strategy; nil picks a random seed.
func NewDeliveryClock(mode control.Mode, rng *rand.Rand) (DeliveryClock, error) {
	switch mode {
	case control.ModeBitrate, "":
		return NewBitrateClock(rng), nil
	case control.ModeInterval:
		return TickIntervalClock{}, nil
	default:
		return nil, fmt.Errorf("unsupported control mode %q", mode)
	}
}

// BitrateClock derives the opportunity interval from a target bitrate.
//
// The ideal interval is rarely a whole number of milliseconds. It is
// rounded down, and the fractional remainder is emulated by adding one
// millisecond to a subset of opportunities: with threshold = floor(frac*N),
// the opportunity with index i gets the extra unit when
// perm[i mod N] <= threshold, which is exactly threshold+1 opportunities in
// every cycle of N. The permutation is drawn once and never regenerated.
type BitrateClock struct {
	perm []int
}

// NewBitrateClock draws the dithering permutation from rng, or from a
// randomly seeded generator when rng is nil.
func NewBitrateClock(rng *rand.Rand) *BitrateClock {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &BitrateClock{perm: rng.Perm(DitherSlots)}
}

// Permutation returns a copy of the dithering permutation.
func (c *BitrateClock) Permutation() []int {
	out := make([]int, len(c.perm))
	copy(out, c.perm)
	return out
}

// Interval implements DeliveryClock.
func (c *BitrateClock) Interval(sig control.Signal, delivered uint64) (uint64, error) {
	if sig.Value == 0 {
		return 0, fmt.Errorf("bitrate: %w", ErrZeroRate)
	}

	pps := float64(sig.Value) / (8 * ReferencePacketSize)
	trueInterval := 1000.0 / pps

	interval := uint64(trueInterval)
	frac := trueInterval - float64(interval)
	if frac > 0 {
		threshold := uint64(frac * DitherSlots)
		if uint64(c.perm[delivered%DitherSlots]) <= threshold {
			interval++
		}
	}
	return interval, nil
}

// TickIntervalClock is the legacy strategy: the control value is the
// interval itself, in milliseconds.
type TickIntervalClock struct{}

// Interval implements DeliveryClock.
func (TickIntervalClock) Interval(sig control.Signal, _ uint64) (uint64, error) {
	if sig.Value == 0 {
		return 0, fmt.Errorf("tick interval: %w", ErrZeroRate)
	}
	return sig.Value, nil
}
