package emulator

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/signalsfoundry/link-emulator/core"
	"github.com/signalsfoundry/link-emulator/internal/control"
	"github.com/signalsfoundry/link-emulator/internal/queue"
	"github.com/signalsfoundry/link-emulator/timectrl"
)

func TestGeneratorPacesAtOfferedRate(t *testing.T) {
	// 1500-byte packets at 12 Mbit/s leave once per millisecond.
	g, err := NewGenerator(12_000_000, 1500, 1, 0)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	due := g.Due(9)
	if len(due) != 10 {
		t.Fatalf("Due(9) released %d packets, want 10", len(due))
	}
	for i, p := range due {
		seq, ok := Sequence(p)
		if !ok || seq != uint64(i) {
			t.Fatalf("packet %d has sequence %d (ok=%v)", i, seq, ok)
		}
		if len(p) != 1500 {
			t.Fatalf("packet %d has %d bytes", i, len(p))
		}
	}
	if g.NextAt() != 10 {
		t.Fatalf("NextAt = %d, want 10", g.NextAt())
	}
	if got := g.Due(9); len(got) != 0 {
		t.Fatalf("second Due(9) released %d packets", len(got))
	}
}

func TestGeneratorBurst(t *testing.T) {
	// 1500 bytes at 1.2 Mbit/s is one packet per 10 ms after the burst.
	g, err := NewGenerator(1_200_000, 1500, 4, 100)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	if got := len(g.Due(99)); got != 0 {
		t.Fatalf("released %d packets before start", got)
	}
	if got := len(g.Due(100)); got != 4 {
		t.Fatalf("burst released %d packets, want 4", got)
	}
	if g.NextAt() != 110 {
		t.Fatalf("NextAt after burst = %d, want 110", g.NextAt())
	}
	if g.Sent() != 4 {
		t.Fatalf("Sent = %d, want 4", g.Sent())
	}
}

func TestGeneratorRejectsBadInput(t *testing.T) {
	if _, err := NewGenerator(0, 1500, 1, 0); err == nil {
		t.Fatalf("zero rate accepted")
	}
	if _, err := NewGenerator(1_000_000, core.MaxPacketSize+1, 1, 0); !errors.Is(err, core.ErrPacketTooLarge) {
		t.Fatalf("oversized packets: err = %v", err)
	}
}

func TestSequenceShortPayload(t *testing.T) {
	if _, ok := Sequence([]byte{1, 2, 3}); ok {
		t.Fatalf("Sequence reported ok for a short payload")
	}
}

type fixture struct {
	tc     *timectrl.TimeController
	region *control.MemoryRegion
	source control.Source
	queue  core.PacketQueue
	link   *core.Link
}

func newFixture(t *testing.T, bps uint64) fixture {
	t.Helper()
	tc := timectrl.NewTimeController(timectrl.Accelerated)
	region := control.NewMemoryRegion(bps, true)
	src := control.NewRegionSource(region)
	q := queue.NewInfinite()
	link, err := core.NewLink(core.NewBitrateClock(rand.New(rand.NewPCG(1, 2))), src, q, tc.Now())
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	return fixture{tc: tc, region: region, source: src, queue: q, link: link}
}

type statusRecorder struct {
	sig       control.Signal
	admission uint64
	calls     int
}

func (s *statusRecorder) SetControl(sig control.Signal) { s.sig = sig; s.calls++ }
func (s *statusRecorder) SetDrops(_, admission uint64)  { s.admission = admission }
func (s *statusRecorder) SetInFlight(bool)              {}

func TestRunnerDeliversInOrder(t *testing.T) {
	f := newFixture(t, 12_000_000)
	gen, err := NewGenerator(6_000_000, 1500, 1, f.tc.Now())
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	var seqs []uint64
	status := &statusRecorder{}
	r, err := NewRunner(f.link, f.tc, f.source, f.queue,
		WithGenerator(gen),
		WithDuration(time.Second),
		WithStatus(status),
		WithEgress(func(now uint64, payloads [][]byte) {
			for _, p := range payloads {
				seq, _ := Sequence(p)
				seqs = append(seqs, seq)
			}
		}),
	)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := r.Stats()
	// Arrivals every 2 ms from 0 through 1000; the last one is still queued.
	if stats.Offered != 501 {
		t.Fatalf("offered = %d, want 501", stats.Offered)
	}
	if stats.Delivered != 500 || len(seqs) != 500 {
		t.Fatalf("delivered = %d (%d seen), want 500", stats.Delivered, len(seqs))
	}
	for i, s := range seqs {
		if s != uint64(i) {
			t.Fatalf("delivery %d carried sequence %d", i, s)
		}
	}
	if !f.link.Finished() {
		t.Fatalf("link not finished after the run duration")
	}
	if status.calls == 0 || status.sig.Value != 12_000_000 {
		t.Fatalf("status sink saw %d updates, last %+v", status.calls, status.sig)
	}
	if r.Elapsed() != time.Second {
		t.Fatalf("elapsed = %v, want 1s", r.Elapsed())
	}
}

func TestRunnerAppliesSchedule(t *testing.T) {
	f := newFixture(t, 12_000_000)
	gen, err := NewGenerator(6_000_000, 1500, 1, f.tc.Now())
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	off := false
	sched := control.NewScheduler(f.region, &control.Schedule{Steps: []control.Step{
		{At: 100 * time.Millisecond, Enabled: &off},
	}})
	status := &statusRecorder{}

	r, err := NewRunner(f.link, f.tc, f.source, f.queue,
		WithGenerator(gen),
		WithScheduler(sched),
		WithDuration(200*time.Millisecond),
		WithStatus(status),
	)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := r.Stats()
	// Arrivals at 0..98 are admitted; arrivals at 100..200 meet a disabled link.
	if stats.Offered != 101 || stats.Discarded != 51 || stats.Delivered != 50 {
		t.Fatalf("stats = %+v, want offered 101, discarded 51, delivered 50", stats)
	}
	if status.admission != 51 || status.sig.Enabled {
		t.Fatalf("status = %+v", status)
	}
	if !sched.Done() {
		t.Fatalf("schedule not fully applied")
	}
}

func TestRunnerPropagatesZeroRate(t *testing.T) {
	f := newFixture(t, 0)
	r, err := NewRunner(f.link, f.tc, f.source, f.queue, WithDuration(time.Second))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if err := r.Run(context.Background()); !errors.Is(err, core.ErrZeroRate) {
		t.Fatalf("Run = %v, want ErrZeroRate", err)
	}
}

func TestRunnerStopsOnCancel(t *testing.T) {
	tc := timectrl.NewTimeController(timectrl.RealTime)
	src := control.NewRegionSource(control.NewMemoryRegion(12_000_000, true))
	q := queue.NewInfinite()
	link, err := core.NewLink(core.NewBitrateClock(nil), src, q, tc.Now())
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	r, err := NewRunner(link, tc, src, q)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancellation")
	}
	if link.DeliveredCount() == 0 {
		t.Fatalf("no opportunities consumed in real time")
	}
}

func TestNewRunnerRequiresCollaborators(t *testing.T) {
	if _, err := NewRunner(nil, nil, nil, nil); err == nil {
		t.Fatalf("NewRunner accepted nil collaborators")
	}
}
