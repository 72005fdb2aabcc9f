// Package timectrl provides the millisecond clocks that drive emulated
// links, in real time or accelerated.
package timectrl

import (
	"context"
	"math"
	"sync"
	"time"
)

// Clock reports link time: milliseconds since a fixed epoch chosen when the
// clock was created. Successive readings never decrease.
type Clock interface {
	// Now returns the current link time in milliseconds.
	Now() uint64
	// Epoch returns the wall-clock instant link time 0 corresponds to.
	Epoch() time.Time
}

// ToTime converts a link instant into wall-clock time.
func ToTime(c Clock, ms uint64) time.Time {
	return c.Epoch().Add(time.Duration(ms) * time.Millisecond)
}

// Mode describes how the TimeController advances link time.
type Mode int

const (
	// RealTime advances according to the monotonic wall clock.
	RealTime Mode = iota
	// Accelerated jumps straight to the next event instead of sleeping.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

// MonotonicClock measures link time with the runtime's monotonic clock.
type MonotonicClock struct {
	epoch time.Time
}

// NewMonotonicClock starts a clock whose epoch is the current instant.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{epoch: time.Now()}
}

// Now implements Clock.
func (c *MonotonicClock) Now() uint64 {
	return uint64(time.Since(c.epoch) / time.Millisecond)
}

// Epoch implements Clock.
func (c *MonotonicClock) Epoch() time.Time { return c.epoch }

// ManualClock is a Clock that only moves when told to.
type ManualClock struct {
	mu      sync.RWMutex
	epoch   time.Time
	current uint64
}

// NewManualClock constructs a clock reading start.
func NewManualClock(epoch time.Time, start uint64) *ManualClock {
	return &ManualClock{epoch: epoch, current: start}
}

// Now implements Clock.
func (c *ManualClock) Now() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Epoch implements Clock.
func (c *ManualClock) Epoch() time.Time { return c.epoch }

// Set moves the clock to ms. Attempts to move it backwards are ignored.
func (c *ManualClock) Set(ms uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ms > c.current {
		c.current = ms
	}
}

// Advance moves the clock forward by d milliseconds.
func (c *ManualClock) Advance(d uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > math.MaxUint64-c.current {
		c.current = math.MaxUint64
		return
	}
	c.current += d
}

// MaxWait is the longest real-time wait, in milliseconds, a single Wait
// sleeps for. Longer waits are cut short to it.
const MaxWait = uint64(math.MaxInt64 / int64(time.Millisecond))

// TimeController owns a Clock and the way waiting advances it, and notifies
// registered listeners every time a wait completes.
type TimeController struct {
	Mode Mode

	clock  Clock
	manual *ManualClock

	listeners []func(now uint64)
}

// NewTimeController builds a controller for mode. Accelerated controllers
// start at link time 0 with epoch set to the current wall-clock instant.
func NewTimeController(mode Mode) *TimeController {
	tc := &TimeController{Mode: mode}
	if mode == Accelerated {
		tc.manual = NewManualClock(time.Now(), 0)
		tc.clock = tc.manual
	} else {
		tc.clock = NewMonotonicClock()
	}
	return tc
}

// Clock returns the controller's clock.
func (tc *TimeController) Clock() Clock { return tc.clock }

// Now returns the current link time.
func (tc *TimeController) Now() uint64 { return tc.clock.Now() }

// AddListener registers a callback invoked after every Wait.
func (tc *TimeController) AddListener(fn func(now uint64)) {
	tc.listeners = append(tc.listeners, fn)
}

// Wait lets d milliseconds of link time pass. In real time it blocks until
// they have elapsed or ctx is done; in accelerated mode it advances the
// clock immediately.
func (tc *TimeController) Wait(ctx context.Context, d uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if tc.manual != nil {
		tc.manual.Advance(d)
	} else if d > 0 {
		timer := time.NewTimer(time.Duration(min(d, MaxWait)) * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	now := tc.clock.Now()
	for _, fn := range tc.listeners {
		fn(now)
	}
	return nil
}
