package instrument

import (
	"fmt"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
)

// Summary accumulates totals and per-packet delays for an end-of-run report.
// It is not safe for concurrent use.
type Summary struct {
	arrivals, departures, opportunities         uint64
	arrivalBytes, departureBytes, capacityBytes uint64

	first, last uint64
	seen        bool

	delays stats.Float64Data
}

// NewSummary returns an empty summary.
func NewSummary() *Summary { return &Summary{} }

func (s *Summary) OnArrival(at uint64, size int) {
	s.observe(at)
	s.arrivals++
	s.arrivalBytes += uint64(size)
}

func (s *Summary) OnOpportunity(at uint64, size int) {
	s.observe(at)
	s.opportunities++
	s.capacityBytes += uint64(size)
}

func (s *Summary) OnDeparture(at uint64, size int, delay uint64) {
	s.observe(at)
	s.departures++
	s.departureBytes += uint64(size)
	s.delays = append(s.delays, float64(delay))
}

func (s *Summary) observe(at uint64) {
	if !s.seen || at < s.first {
		s.first = at
	}
	if !s.seen || at > s.last {
		s.last = at
	}
	s.seen = true
}

// Report is a snapshot of a Summary. Rates are in megabits per second over
// the span between the first and last event; delays are in milliseconds.
type Report struct {
	Span time.Duration

	Arrivals, Departures, Opportunities         uint64
	ArrivalBytes, DepartureBytes, CapacityBytes uint64

	CapacityMbps float64
	IngressMbps  float64
	EgressMbps   float64
	Utilization  float64

	DelayMean float64
	DelayP50  float64
	DelayP95  float64
	DelayP99  float64
	DelayMax  float64
}

// Report computes rates and delay percentiles. Delay fields stay zero when
// nothing departed.
func (s *Summary) Report() Report {
	r := Report{
		Arrivals:       s.arrivals,
		Departures:     s.departures,
		Opportunities:  s.opportunities,
		ArrivalBytes:   s.arrivalBytes,
		DepartureBytes: s.departureBytes,
		CapacityBytes:  s.capacityBytes,
	}
	if s.seen && s.last > s.first {
		span := s.last - s.first
		r.Span = time.Duration(span) * time.Millisecond
		r.CapacityMbps = mbps(s.capacityBytes, span)
		r.IngressMbps = mbps(s.arrivalBytes, span)
		r.EgressMbps = mbps(s.departureBytes, span)
	}
	if s.capacityBytes > 0 {
		r.Utilization = float64(s.departureBytes) / float64(s.capacityBytes)
	}

	if len(s.delays) > 0 {
		r.DelayMean, _ = stats.Mean(s.delays)
		r.DelayP50, _ = stats.Percentile(s.delays, 50)
		r.DelayP95, _ = stats.Percentile(s.delays, 95)
		r.DelayP99, _ = stats.Percentile(s.delays, 99)
		r.DelayMax, _ = stats.Max(s.delays)
	}
	return r
}

func mbps(bytes, ms uint64) float64 {
	return float64(bytes) * 8 / float64(ms) / 1000
}

func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "span: %s\n", r.Span)
	fmt.Fprintf(&b, "average capacity: %.2f Mbits/s\n", r.CapacityMbps)
	fmt.Fprintf(&b, "average ingress: %.2f Mbits/s\n", r.IngressMbps)
	fmt.Fprintf(&b, "average throughput: %.2f Mbits/s (%.1f%% utilization)\n", r.EgressMbps, 100*r.Utilization)
	fmt.Fprintf(&b, "packets: %d arrived, %d departed\n", r.Arrivals, r.Departures)
	fmt.Fprintf(&b, "95th percentile per-packet delay: %.0f ms\n", r.DelayP95)
	fmt.Fprintf(&b, "delay mean/p50/p99/max: %.1f/%.0f/%.0f/%.0f ms", r.DelayMean, r.DelayP50, r.DelayP99, r.DelayMax)
	return b.String()
}
