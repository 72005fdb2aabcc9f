package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/signalsfoundry/link-emulator/core"
	"github.com/signalsfoundry/link-emulator/internal/control"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ core.Observer = (*LinkCollector)(nil)

func TestLinkCollectorCountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewLinkCollector(reg, "uplink")
	if err != nil {
		t.Fatalf("NewLinkCollector: %v", err)
	}

	c.OnArrival(0, 1000)
	c.OnArrival(1, 500)
	c.OnOpportunity(2, core.MaxPacketSize)
	c.OnDeparture(2, 1000, 2)
	c.OnDeparture(4, 500, 3)

	if got := testutil.ToFloat64(c.ArrivalPackets); got != 2 {
		t.Fatalf("arrival packets = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.ArrivalBytes); got != 1500 {
		t.Fatalf("arrival bytes = %v, want 1500", got)
	}
	if got := testutil.ToFloat64(c.CapacityBytes); got != core.MaxPacketSize {
		t.Fatalf("capacity bytes = %v, want %d", got, core.MaxPacketSize)
	}
	if got := testutil.ToFloat64(c.DepartureBytes); got != 1500 {
		t.Fatalf("departure bytes = %v, want 1500", got)
	}
	if count := histogramSampleCount(t, reg, "link_packet_delay_milliseconds", map[string]string{"link": "uplink"}); count != 2 {
		t.Fatalf("delay sample_count = %d, want 2", count)
	}
}

func TestLinkCollectorGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewLinkCollector(reg, "uplink")
	if err != nil {
		t.Fatalf("NewLinkCollector: %v", err)
	}

	c.SetControl(control.Signal{Value: 12_000_000, Enabled: true})
	c.SetDrops(3, 4)
	c.SetInFlight(true)

	if got := testutil.ToFloat64(c.ControlValue); got != 12_000_000 {
		t.Fatalf("control value = %v", got)
	}
	if got := testutil.ToFloat64(c.Enabled); got != 1 {
		t.Fatalf("enabled = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.QueueDrops); got != 3 {
		t.Fatalf("queue drops = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.AdmissionDrops); got != 4 {
		t.Fatalf("admission drops = %v, want 4", got)
	}

	// Totals are cumulative: only growth is added to the counters.
	c.SetDrops(3, 10)
	c.SetDrops(5, 10)
	if got := testutil.ToFloat64(c.QueueDrops); got != 5 {
		t.Fatalf("queue drops = %v, want 5", got)
	}
	if got := testutil.ToFloat64(c.AdmissionDrops); got != 10 {
		t.Fatalf("admission drops = %v, want 10", got)
	}
	c.SetDrops(1, 10)
	c.SetDrops(2, 10)
	if got := testutil.ToFloat64(c.QueueDrops); got != 6 {
		t.Fatalf("queue drops after a lower total = %v, want 6", got)
	}

	c.SetControl(control.Signal{Value: 0, Enabled: false})
	c.SetInFlight(false)
	if got := testutil.ToFloat64(c.Enabled); got != 0 {
		t.Fatalf("enabled = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.PacketsInFlight); got != 0 {
		t.Fatalf("in flight = %v, want 0", got)
	}
}

func TestLinkCollectorReusesRegisteredSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewLinkCollector(reg, "uplink")
	if err != nil {
		t.Fatalf("NewLinkCollector: %v", err)
	}
	second, err := NewLinkCollector(reg, "downlink")
	if err != nil {
		t.Fatalf("second NewLinkCollector: %v", err)
	}

	first.OnArrival(0, 100)
	second.OnArrival(0, 100)
	second.OnArrival(1, 100)

	if got := testutil.ToFloat64(first.ArrivalPackets); got != 1 {
		t.Fatalf("uplink arrivals = %v, want 1", got)
	}
	if got := testutil.ToFloat64(second.ArrivalPackets); got != 2 {
		t.Fatalf("downlink arrivals = %v, want 2", got)
	}
}

func TestNilLinkCollectorIsSafe(t *testing.T) {
	var c *LinkCollector
	c.OnArrival(0, 1)
	c.OnOpportunity(0, 1)
	c.OnDeparture(0, 1, 0)
	c.SetControl(control.Signal{})
	c.SetDrops(0, 0)
	c.SetInFlight(true)
}

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "OK")); got != 1 {
		t.Fatalf("linkemu_requests_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "linkemu_request_duration_seconds", map[string]string{
		"service": "Health",
		"method":  "Check",
	}); count != 1 {
		t.Fatalf("linkemu_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "NotFound")); got != 1 {
		t.Fatalf("linkemu_requests_total error label = %v, want 1", got)
	}
}

func TestMetricsHandlerExposesLinkSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	link, err := NewLinkCollector(reg, "uplink")
	if err != nil {
		t.Fatalf("NewLinkCollector: %v", err)
	}
	rpc, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}
	link.OnDeparture(10, 1500, 7)
	rpc.RPCRequests.WithLabelValues("svc", "method", "OK").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	link.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		`link_departure_bytes_total{link="uplink"} 1500`,
		"link_packet_delay_milliseconds_bucket",
		"linkemu_requests_total",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output:\n%s", metric, body)
		}
	}
}

func TestSplitMethod(t *testing.T) {
	tests := []struct {
		in, service, method string
	}{
		{"/grpc.health.v1.Health/Check", "Health", "Check"},
		{"Health/Watch", "Health", "Watch"},
		{"", "unknown", "unknown"},
		{"/nomethod", "unknown", "unknown"},
	}
	for _, tt := range tests {
		service, method := SplitMethod(tt.in)
		if service != tt.service || method != tt.method {
			t.Fatalf("SplitMethod(%q) = %q, %q; want %q, %q", tt.in, service, method, tt.service, tt.method)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
