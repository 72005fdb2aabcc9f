// Package emulator drives a core.Link: it admits offered traffic, applies
// scripted control changes, hands delivered packets to an egress callback and
// waits for the next event on a timectrl.TimeController.
package emulator

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/signalsfoundry/link-emulator/core"
	"golang.org/x/time/rate"
)

// SeqSize is the number of leading payload bytes carrying the sequence number.
const SeqSize = 8

// Generator releases fixed-size, sequence-numbered payloads at an offered
// bitrate. It runs on link time: the token bucket is consulted at virtual
// instants derived from link milliseconds, never at wall-clock time.
type Generator struct {
	limiter *rate.Limiter
	size    int
	seq     uint64

	epoch  time.Time
	cursor time.Time
}

// NewGenerator offers bps bits per second in packets of size bytes starting
// at link time start. burst is how many packets may leave back to back.
func NewGenerator(bps uint64, size, burst int, start uint64) (*Generator, error) {
	if bps == 0 {
		return nil, fmt.Errorf("generator needs a positive rate")
	}
	if size < 0 || size > core.MaxPacketSize {
		return nil, fmt.Errorf("%w: generator packet size %d", core.ErrPacketTooLarge, size)
	}
	if burst < 1 {
		burst = 1
	}
	bucket := max(size*burst, 1)
	epoch := time.Unix(0, 0)
	g := &Generator{
		limiter: rate.NewLimiter(rate.Limit(float64(bps)/8), bucket),
		size:    size,
		epoch:   epoch,
		cursor:  epoch.Add(time.Duration(start) * time.Millisecond),
	}
	// cursor always holds the release instant of a packet whose tokens are
	// already reserved.
	g.advance()
	return g, nil
}

// NextAt returns the link instant of the next release, rounded to the
// nearest millisecond so nanosecond truncation in the bucket cannot pull a
// release into the previous millisecond.
func (g *Generator) NextAt() uint64 {
	return uint64((g.cursor.Sub(g.epoch) + time.Millisecond/2) / time.Millisecond)
}

// Due returns every payload released at or before now, in sequence order.
func (g *Generator) Due(now uint64) [][]byte {
	var out [][]byte
	for g.NextAt() <= now {
		out = append(out, g.payload())
		g.advance()
	}
	return out
}

// Sent returns how many payloads have been released.
func (g *Generator) Sent() uint64 { return g.seq }

func (g *Generator) payload() []byte {
	p := make([]byte, g.size)
	var seq [SeqSize]byte
	binary.BigEndian.PutUint64(seq[:], g.seq)
	copy(p, seq[:])
	g.seq++
	return p
}

func (g *Generator) advance() {
	n := max(g.size, 1)
	r := g.limiter.ReserveN(g.cursor, n)
	g.cursor = g.cursor.Add(r.DelayFrom(g.cursor))
}

// Sequence extracts the sequence number written by a Generator. Payloads
// shorter than SeqSize carry a truncated number and report false.
func Sequence(payload []byte) (uint64, bool) {
	if len(payload) < SeqSize {
		return 0, false
	}
	return binary.BigEndian.Uint64(payload[:SeqSize]), true
}
