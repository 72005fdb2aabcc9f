package observability

import (
	"context"

	"github.com/signalsfoundry/link-emulator/timectrl"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const packetTracerName = "github.com/signalsfoundry/link-emulator/internal/observability"

// PacketTracer records one span per departed packet, running from its arrival
// to its departure on the emulation clock. Arrivals and opportunities carry no
// span of their own.
type PacketTracer struct {
	tracer trace.Tracer
	clock  timectrl.Clock
	attrs  []attribute.KeyValue
}

// NewPacketTracer builds a tracer for link name. A nil provider uses the
// global otel provider.
func NewPacketTracer(tp trace.TracerProvider, clock timectrl.Clock, name string) *PacketTracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &PacketTracer{
		tracer: tp.Tracer(packetTracerName),
		clock:  clock,
		attrs:  []attribute.KeyValue{attribute.String("link.name", name)},
	}
}

func (p *PacketTracer) OnArrival(uint64, int)     {}
func (p *PacketTracer) OnOpportunity(uint64, int) {}

func (p *PacketTracer) OnDeparture(at uint64, size int, delay uint64) {
	arrival := at
	if delay <= at {
		arrival = at - delay
	}
	attrs := append([]attribute.KeyValue{
		attribute.Int("packet.size", size),
		attribute.Int64("packet.delay_ms", int64(delay)),
	}, p.attrs...)

	_, span := p.tracer.Start(context.Background(), "link.packet",
		trace.WithTimestamp(timectrl.ToTime(p.clock, arrival)),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	span.End(trace.WithTimestamp(timectrl.ToTime(p.clock, at)))
}
