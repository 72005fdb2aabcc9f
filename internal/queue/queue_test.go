package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/link-emulator/core"
	"github.com/signalsfoundry/link-emulator/timectrl"
)

func pkt(size int, at uint64) core.QueuedPacket {
	return core.QueuedPacket{Contents: make([]byte, size), ArrivalTime: at}
}

func drain(t *testing.T, q core.PacketQueue) []core.QueuedPacket {
	t.Helper()
	var out []core.QueuedPacket
	for !q.Empty() {
		p, err := q.Dequeue()
		if errors.Is(err, core.ErrQueueEmpty) {
			break
		}
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func TestInfiniteKeepsOrder(t *testing.T) {
	q := NewInfinite()
	for i := 0; i < 200; i++ {
		q.Enqueue(pkt(10, uint64(i)))
	}
	out := drain(t, q)
	if len(out) != 200 {
		t.Fatalf("dequeued %d packets, want 200", len(out))
	}
	for i, p := range out {
		if p.ArrivalTime != uint64(i) {
			t.Fatalf("packet %d has arrival %d", i, p.ArrivalTime)
		}
	}
	if _, err := q.Dequeue(); !errors.Is(err, core.ErrQueueEmpty) {
		t.Fatalf("Dequeue on empty queue = %v, want ErrQueueEmpty", err)
	}
}

func TestDropTailDropsArrivals(t *testing.T) {
	tests := []struct {
		name      string
		limits    Limits
		sizes     []int
		wantKept  []uint64
		wantDrops uint64
	}{
		{
			name:      "packet limit",
			limits:    Limits{Packets: 2},
			sizes:     []int{100, 100, 100},
			wantKept:  []uint64{0, 1},
			wantDrops: 1,
		},
		{
			name:      "byte limit",
			limits:    Limits{Bytes: 1000},
			sizes:     []int{600, 500, 400},
			wantKept:  []uint64{0, 2},
			wantDrops: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewDropTail(tt.limits)
			for i, s := range tt.sizes {
				q.Enqueue(pkt(s, uint64(i)))
			}
			out := drain(t, q)
			if len(out) != len(tt.wantKept) {
				t.Fatalf("kept %d packets, want %d", len(out), len(tt.wantKept))
			}
			for i, p := range out {
				if p.ArrivalTime != tt.wantKept[i] {
					t.Fatalf("kept packet %d = arrival %d, want %d", i, p.ArrivalTime, tt.wantKept[i])
				}
			}
			if q.Drops() != tt.wantDrops {
				t.Fatalf("Drops() = %d, want %d", q.Drops(), tt.wantDrops)
			}
		})
	}
}

func TestDropHeadDropsOldest(t *testing.T) {
	q := NewDropHead(Limits{Packets: 2})
	for i := 0; i < 4; i++ {
		q.Enqueue(pkt(100, uint64(i)))
	}
	out := drain(t, q)
	if len(out) != 2 || out[0].ArrivalTime != 2 || out[1].ArrivalTime != 3 {
		t.Fatalf("drophead kept %+v, want arrivals 2 and 3", out)
	}
	if q.Drops() != 2 {
		t.Fatalf("Drops() = %d, want 2", q.Drops())
	}
}

func TestDescriptions(t *testing.T) {
	if got := NewInfinite().String(); got != "infinite" {
		t.Fatalf("infinite description = %q", got)
	}
	if got := NewDropTail(Limits{Packets: 100}).String(); got != "droptail [packets=100]" {
		t.Fatalf("droptail description = %q", got)
	}
	if got := NewDropHead(Limits{Packets: 10, Bytes: 9000}).String(); got != "drophead [bytes=9000, packets=10]" {
		t.Fatalf("drophead description = %q", got)
	}
	clock := timectrl.NewManualClock(time.Unix(0, 0), 0)
	if got := NewCoDel(5*time.Millisecond, 100*time.Millisecond, Limits{}, clock).String(); got != "codel [target=5, interval=100]" {
		t.Fatalf("codel description = %q", got)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	clock := timectrl.NewManualClock(time.Unix(0, 0), 0)

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default is infinite", cfg: Config{}},
		{name: "droptail", cfg: Config{Type: "DropTail", Packets: 10}},
		{name: "droptail without limit", cfg: Config{Type: TypeDropTail}, wantErr: true},
		{name: "infinite with limit", cfg: Config{Type: TypeInfinite, Bytes: 10}, wantErr: true},
		{name: "negative limit", cfg: Config{Type: TypeDropHead, Packets: -1}, wantErr: true},
		{name: "codel defaults", cfg: Config{Type: TypeCoDel}},
		{name: "unknown", cfg: Config{Type: "pie"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := New(tt.cfg, clock)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("New(%+v) succeeded, want error", tt.cfg)
				}
				return
			}
			if err != nil {
				t.Fatalf("New(%+v): %v", tt.cfg, err)
			}
			if q == nil {
				t.Fatalf("New returned nil queue")
			}
		})
	}

	if _, err := New(Config{Type: TypeCoDel}, nil); err == nil {
		t.Fatalf("codel without a clock should fail")
	}
}

func TestCoDelPassesShortSojourns(t *testing.T) {
	clock := timectrl.NewManualClock(time.Unix(0, 0), 0)
	q := NewCoDel(5*time.Millisecond, 100*time.Millisecond, Limits{}, clock)

	for i := 0; i < 50; i++ {
		q.Enqueue(pkt(core.MaxPacketSize, clock.Now()))
		clock.Advance(1)
		if _, err := q.Dequeue(); err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
	}
	if q.Drops() != 0 {
		t.Fatalf("Drops() = %d, want 0 for a queue that never builds up", q.Drops())
	}
}

func TestCoDelDropsPersistentQueue(t *testing.T) {
	clock := timectrl.NewManualClock(time.Unix(0, 0), 0)
	q := NewCoDel(5*time.Millisecond, 100*time.Millisecond, Limits{}, clock)

	// Arrivals outpace departures two to one for two seconds.
	for ms := uint64(0); ms < 2000; ms++ {
		clock.Set(ms)
		q.Enqueue(pkt(core.MaxPacketSize, ms))
		q.Enqueue(pkt(core.MaxPacketSize, ms))
		if _, err := q.Dequeue(); err != nil && !errors.Is(err, core.ErrQueueEmpty) {
			t.Fatalf("Dequeue: %v", err)
		}
	}
	if q.Drops() == 0 {
		t.Fatalf("CoDel never dropped under a standing queue")
	}
}
