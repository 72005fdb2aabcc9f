// Package queue provides the queueing policies that sit in front of an
// emulated link: unbounded FIFO, drop-tail, drop-head and CoDel.
package queue

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/link-emulator/core"
	"github.com/signalsfoundry/link-emulator/timectrl"
)

// Policy names accepted by New.
const (
	TypeInfinite = "infinite"
	TypeDropTail = "droptail"
	TypeDropHead = "drophead"
	TypeCoDel    = "codel"
)

// Config selects and parameterises a policy.
type Config struct {
	Type string `yaml:"type"`
	// Packets and Bytes bound the queue; zero means unlimited.
	Packets int `yaml:"packets,omitempty"`
	Bytes   int `yaml:"bytes,omitempty"`
	// Target and Interval tune CoDel.
	Target   time.Duration `yaml:"target,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`
}

// ApplyDefaults fills in an empty type and CoDel's RFC 8289 defaults.
func (c Config) ApplyDefaults() Config {
	if c.Type == "" {
		c.Type = TypeInfinite
	}
	c.Type = strings.ToLower(c.Type)
	if c.Type == TypeCoDel {
		if c.Target <= 0 {
			c.Target = 5 * time.Millisecond
		}
		if c.Interval <= 0 {
			c.Interval = 100 * time.Millisecond
		}
	}
	return c
}

// Validate checks the configuration without constructing a policy.
func (c Config) Validate() error {
	if c.Packets < 0 || c.Bytes < 0 {
		return fmt.Errorf("queue limits must be non-negative (packets=%d, bytes=%d)", c.Packets, c.Bytes)
	}
	switch c.Type {
	case TypeInfinite:
		if c.Packets != 0 || c.Bytes != 0 {
			return fmt.Errorf("%s queue does not take limits", c.Type)
		}
	case TypeDropTail, TypeDropHead:
		if c.Packets == 0 && c.Bytes == 0 {
			return fmt.Errorf("%s queue needs a packet or byte limit", c.Type)
		}
	case TypeCoDel:
		if c.Target <= 0 || c.Interval <= 0 {
			return fmt.Errorf("codel needs positive target and interval")
		}
	default:
		return fmt.Errorf("unknown queue type %q", c.Type)
	}
	return nil
}

// Dropper is implemented by policies that discard packets.
type Dropper interface {
	Drops() uint64
}

// New builds the policy described by cfg. clock is only used by CoDel.
func New(cfg Config, clock timectrl.Clock) (core.PacketQueue, error) {
	cfg = cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	limits := Limits{Packets: cfg.Packets, Bytes: cfg.Bytes}
	switch cfg.Type {
	case TypeInfinite:
		return NewInfinite(), nil
	case TypeDropTail:
		return NewDropTail(limits), nil
	case TypeDropHead:
		return NewDropHead(limits), nil
	case TypeCoDel:
		if clock == nil {
			return nil, fmt.Errorf("codel queue needs a clock")
		}
		return NewCoDel(cfg.Target, cfg.Interval, limits, clock), nil
	}
	return nil, fmt.Errorf("unknown queue type %q", cfg.Type)
}

// Limits bounds a queue; zero fields are unlimited.
type Limits struct {
	Packets int
	Bytes   int
}

func (l Limits) allows(packets, bytes int) bool {
	if l.Packets > 0 && packets > l.Packets {
		return false
	}
	if l.Bytes > 0 && bytes > l.Bytes {
		return false
	}
	return true
}

func (l Limits) String() string {
	var parts []string
	if l.Bytes > 0 {
		parts = append(parts, "bytes="+strconv.Itoa(l.Bytes))
	}
	if l.Packets > 0 {
		parts = append(parts, "packets="+strconv.Itoa(l.Packets))
	}
	return strings.Join(parts, ", ")
}

// fifo is a slice-backed packet FIFO tracking its byte size.
type fifo struct {
	pkts  []core.QueuedPacket
	head  int
	bytes int
}

func (f *fifo) push(p core.QueuedPacket) {
	f.pkts = append(f.pkts, p)
	f.bytes += len(p.Contents)
}

func (f *fifo) pop() (core.QueuedPacket, bool) {
	if f.len() == 0 {
		return core.QueuedPacket{}, false
	}
	p := f.pkts[f.head]
	f.pkts[f.head] = core.QueuedPacket{}
	f.head++
	f.bytes -= len(p.Contents)

	if f.head == len(f.pkts) {
		f.pkts = f.pkts[:0]
		f.head = 0
	} else if f.head >= 64 && f.head*2 >= len(f.pkts) {
		n := copy(f.pkts, f.pkts[f.head:])
		f.pkts = f.pkts[:n]
		f.head = 0
	}
	return p, true
}

func (f *fifo) len() int { return len(f.pkts) - f.head }
