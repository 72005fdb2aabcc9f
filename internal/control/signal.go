// Package control models the live configuration an emulated link reads on
// every scheduling decision: the target capacity and the enabled flag.
//
// The values live in a small region of two unsigned 64-bit slots that is
// written by an outside controller. Slot 0 holds the capacity (bits per
// second, or a raw tick interval in milliseconds in the legacy mode) and slot
// 1 holds the enabled flag, where 1 means enabled and any other value means
// disabled.
package control

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

const (
	// SlotValue is the slot holding the bitrate or tick interval.
	SlotValue = 0
	// SlotEnabled is the slot holding the link-enabled flag.
	SlotEnabled = 1
	// Slots is the number of 64-bit slots in a control region.
	Slots = 2
	// RegionSize is the size in bytes of a control region.
	RegionSize = Slots * 8

	// EnabledFlag is the only slot-1 value that enables the link.
	EnabledFlag uint64 = 1
)

// ErrControlUnavailable is returned when a control region cannot be opened or
// has been closed.
var ErrControlUnavailable = errors.New("control region unavailable")

// Signal is a snapshot of the control region.
type Signal struct {
	// Value is the raw slot-0 value: bits per second in bitrate mode, or
	// milliseconds between opportunities in interval mode.
	Value uint64
	// Enabled reports whether slot 1 held EnabledFlag.
	Enabled bool
}

// Source is a live configuration source. Every call observes the most recent
// values written by the controller; no consistency across calls is implied.
type Source interface {
	Read() (Signal, error)
}

// Region is a fixed-size set of 64-bit slots shared with a controller.
type Region interface {
	Load(slot int) (uint64, error)
	Store(slot int, v uint64) error
	Close() error
}

// Mode selects how slot 0 is interpreted.
type Mode string

const (
	// ModeBitrate interprets slot 0 as bits per second.
	ModeBitrate Mode = "bitrate"
	// ModeInterval interprets slot 0 as milliseconds between opportunities.
	ModeInterval Mode = "interval"
)

// ParseMode parses a mode name; the empty string selects ModeBitrate.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ModeBitrate), "bps":
		return ModeBitrate, nil
	case string(ModeInterval), "tick", "legacy":
		return ModeInterval, nil
	default:
		return "", fmt.Errorf("unknown control mode %q", s)
	}
}

// BitsPerSecondFromMbps converts megabits per second to bits per second,
// truncating toward zero.
func BitsPerSecondFromMbps(mbps float64) uint64 {
	if mbps <= 0 {
		return 0
	}
	return uint64(mbps * 1e6)
}

// FlagValue returns the slot-1 encoding of enabled.
func FlagValue(enabled bool) uint64 {
	if enabled {
		return EnabledFlag
	}
	return 0
}

// RegionSource reads signals from a Region.
type RegionSource struct {
	Region Region
}

// NewRegionSource wraps r as a Source.
func NewRegionSource(r Region) *RegionSource {
	return &RegionSource{Region: r}
}

// Read implements Source.
func (s *RegionSource) Read() (Signal, error) {
	if s == nil || s.Region == nil {
		return Signal{}, ErrControlUnavailable
	}
	value, err := s.Region.Load(SlotValue)
	if err != nil {
		return Signal{}, err
	}
	flag, err := s.Region.Load(SlotEnabled)
	if err != nil {
		return Signal{}, err
	}
	return Signal{Value: value, Enabled: flag == EnabledFlag}, nil
}

// MemoryRegion is an in-process Region. It is safe for concurrent use, which
// lets a controller goroutine mutate it while a link reads it.
type MemoryRegion struct {
	slots  [Slots]atomic.Uint64
	closed atomic.Bool
}

// NewMemoryRegion returns a region initialised with value and enabled.
func NewMemoryRegion(value uint64, enabled bool) *MemoryRegion {
	r := &MemoryRegion{}
	r.slots[SlotValue].Store(value)
	r.slots[SlotEnabled].Store(FlagValue(enabled))
	return r
}

// Load implements Region.
func (r *MemoryRegion) Load(slot int) (uint64, error) {
	if r.closed.Load() {
		return 0, ErrControlUnavailable
	}
	if err := checkSlot(slot); err != nil {
		return 0, err
	}
	return r.slots[slot].Load(), nil
}

// Store implements Region.
func (r *MemoryRegion) Store(slot int, v uint64) error {
	if r.closed.Load() {
		return ErrControlUnavailable
	}
	if err := checkSlot(slot); err != nil {
		return err
	}
	r.slots[slot].Store(v)
	return nil
}

// Close implements Region. Subsequent loads and stores fail.
func (r *MemoryRegion) Close() error {
	r.closed.Store(true)
	return nil
}

func checkSlot(slot int) error {
	if slot < 0 || slot >= Slots {
		return fmt.Errorf("control slot %d out of range [0, %d)", slot, Slots)
	}
	return nil
}
