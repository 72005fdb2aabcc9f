package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/signalsfoundry/link-emulator/internal/control"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// delayBuckets covers queueing delay in milliseconds, from a single
// opportunity up to multi-second standing queues.
var delayBuckets = []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000}

// LinkCollector bundles Prometheus metrics for one emulated link. It
// satisfies core.Observer so a Link can feed it directly.
type LinkCollector struct {
	gatherer prometheus.Gatherer

	ArrivalPackets   prometheus.Counter
	ArrivalBytes     prometheus.Counter
	Opportunities    prometheus.Counter
	CapacityBytes    prometheus.Counter
	DeparturePackets prometheus.Counter
	DepartureBytes   prometheus.Counter
	Delay            prometheus.Observer

	QueueDrops     prometheus.Counter
	AdmissionDrops prometheus.Counter

	ControlValue    prometheus.Gauge
	Enabled         prometheus.Gauge
	PacketsInFlight prometheus.Gauge

	// last totals seen by SetDrops
	queueDrops, admissionDrops uint64
}

// NewLinkCollector registers link metrics labeled with name against reg,
// defaulting to the global Prometheus registry when nil. Registering the same
// link twice returns collectors backed by the existing series.
func NewLinkCollector(reg prometheus.Registerer, name string) (*LinkCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	counter := func(metric, help string) (prometheus.Counter, error) {
		vec, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metric,
			Help: help,
		}, []string{"link"}), metric)
		if err != nil {
			return nil, err
		}
		return vec.WithLabelValues(name), nil
	}
	gauge := func(metric, help string) (prometheus.Gauge, error) {
		vec, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metric,
			Help: help,
		}, []string{"link"}), metric)
		if err != nil {
			return nil, err
		}
		return vec.WithLabelValues(name), nil
	}

	c := &LinkCollector{gatherer: gatherer}
	var err error
	if c.ArrivalPackets, err = counter("link_arrival_packets_total", "Packets offered to the link."); err != nil {
		return nil, err
	}
	if c.ArrivalBytes, err = counter("link_arrival_bytes_total", "Bytes offered to the link."); err != nil {
		return nil, err
	}
	if c.Opportunities, err = counter("link_opportunities_total", "Delivery opportunities consumed."); err != nil {
		return nil, err
	}
	if c.CapacityBytes, err = counter("link_capacity_bytes_total", "Bytes of delivery capacity offered by consumed opportunities."); err != nil {
		return nil, err
	}
	if c.DeparturePackets, err = counter("link_departure_packets_total", "Packets that finished crossing the link."); err != nil {
		return nil, err
	}
	if c.DepartureBytes, err = counter("link_departure_bytes_total", "Bytes that finished crossing the link."); err != nil {
		return nil, err
	}

	delay, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "link_packet_delay_milliseconds",
		Help:    "Time from arrival to departure per packet, in milliseconds.",
		Buckets: delayBuckets,
	}, []string{"link"}), "link_packet_delay_milliseconds")
	if err != nil {
		return nil, err
	}
	c.Delay = delay.WithLabelValues(name)

	if c.ControlValue, err = gauge("link_control_value", "Last control value read: bits per second, or milliseconds per opportunity in interval mode."); err != nil {
		return nil, err
	}
	if c.Enabled, err = gauge("link_enabled", "1 when the control signal admits arrivals."); err != nil {
		return nil, err
	}
	if c.QueueDrops, err = counter("link_queue_drops_total", "Packets discarded by the queue discipline."); err != nil {
		return nil, err
	}
	if c.AdmissionDrops, err = counter("link_admission_drops_total", "Packets discarded at arrival while the link was disabled."); err != nil {
		return nil, err
	}
	if c.PacketsInFlight, err = gauge("link_packets_in_flight", "1 while a packet is partially transmitted."); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *LinkCollector) OnArrival(_ uint64, size int) {
	if c == nil {
		return
	}
	c.ArrivalPackets.Inc()
	c.ArrivalBytes.Add(float64(size))
}

func (c *LinkCollector) OnOpportunity(_ uint64, size int) {
	if c == nil {
		return
	}
	c.Opportunities.Inc()
	c.CapacityBytes.Add(float64(size))
}

func (c *LinkCollector) OnDeparture(_ uint64, size int, delay uint64) {
	if c == nil {
		return
	}
	c.DeparturePackets.Inc()
	c.DepartureBytes.Add(float64(size))
	c.Delay.Observe(float64(delay))
}

// SetControl publishes the most recent control signal.
func (c *LinkCollector) SetControl(sig control.Signal) {
	if c == nil {
		return
	}
	c.ControlValue.Set(float64(sig.Value))
	if sig.Enabled {
		c.Enabled.Set(1)
	} else {
		c.Enabled.Set(0)
	}
}

// SetDrops takes cumulative drop totals from the queue and the link and adds
// whatever grew since the previous call to the drop counters. A total that
// went down (a replaced queue) becomes the new baseline.
func (c *LinkCollector) SetDrops(queue, admission uint64) {
	if c == nil {
		return
	}
	c.QueueDrops.Add(float64(dropDelta(&c.queueDrops, queue)))
	c.AdmissionDrops.Add(float64(dropDelta(&c.admissionDrops, admission)))
}

func dropDelta(last *uint64, total uint64) uint64 {
	var d uint64
	if total > *last {
		d = total - *last
	}
	*last = total
	return d
}

// SetInFlight reports whether a packet is mid-transmission.
func (c *LinkCollector) SetInFlight(inFlight bool) {
	if c == nil {
		return
	}
	if inFlight {
		c.PacketsInFlight.Set(1)
	} else {
		c.PacketsInFlight.Set(0)
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *LinkCollector) Handler() http.Handler {
	return handlerFor(c.gatherer)
}

// RPCCollector records request counts and latency for the emulator's gRPC
// control plane.
type RPCCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

// NewRPCCollector registers control-plane RPC metrics against reg, defaulting
// to the global Prometheus registry when nil.
func NewRPCCollector(reg prometheus.Registerer) (*RPCCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkemu_requests_total",
		Help: "Total number of handled control-plane RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"})
	requests, err := registerCounterVec(reg, requests, "linkemu_requests_total")
	if err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "linkemu_request_duration_seconds",
		Help:    "Control-plane RPC latency in seconds.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1},
	}, []string{"service", "method"})
	durations, err = registerHistogramVec(reg, durations, "linkemu_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &RPCCollector{
		gatherer:     gatherer,
		RPCRequests:  requests,
		RPCDurations: durations,
	}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *RPCCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		c.RPCRequests.WithLabelValues(service, method, code).Inc()
		c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RPCCollector) Handler() http.Handler {
	return handlerFor(c.gatherer)
}

func handlerFor(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
