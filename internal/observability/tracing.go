package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/signalsfoundry/link-emulator/internal/logging"
	"github.com/signalsfoundry/link-emulator/timectrl"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracing exporters.
const (
	ExporterStdout = "stdout"
	ExporterFile   = "file"
	ExporterOTLP   = "otlp"
)

const tracingShutdownTimeout = 5 * time.Second

// TracingConfig selects where packet spans go.
type TracingConfig struct {
	Enabled     bool
	Exporter    string
	Endpoint    string // otlp collector, host:port
	File        string // destination of the file exporter
	SampleRatio float64
	// Output receives the stdout exporter's spans. It defaults to os.Stderr
	// so span dumps never interleave with reports printed on stdout.
	Output io.Writer
}

// TracingConfigFromEnv reads LINK_TRACING_ENABLED, LINK_TRACING_EXPORTER,
// LINK_TRACING_FILE, LINK_TRACING_SAMPLE_RATIO and LINK_OTLP_ENDPOINT.
// Out-of-range ratios fall back to 1.
func TracingConfigFromEnv() TracingConfig {
	cfg := TracingConfig{
		Enabled:     strings.EqualFold(os.Getenv("LINK_TRACING_ENABLED"), "true"),
		Exporter:    strings.ToLower(os.Getenv("LINK_TRACING_EXPORTER")),
		Endpoint:    os.Getenv("LINK_OTLP_ENDPOINT"),
		File:        os.Getenv("LINK_TRACING_FILE"),
		SampleRatio: 1,
	}
	if cfg.Exporter == "" {
		cfg.Exporter = ExporterStdout
	}
	if raw := os.Getenv("LINK_TRACING_SAMPLE_RATIO"); raw != "" {
		if r, err := strconv.ParseFloat(raw, 64); err == nil && r >= 0 && r <= 1 {
			cfg.SampleRatio = r
		}
	}
	return cfg
}

// LinkInfo identifies the traced link. It becomes the resource of every span.
type LinkInfo struct {
	Name    string
	Queue   string
	Control string
	Mode    string
}

func (l LinkInfo) attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("service.name", "link-emulator"),
		attribute.String("service.instance.id", l.Name),
		attribute.String("link.name", l.Name),
		attribute.String("link.queue", l.Queue),
		attribute.String("link.control", l.Control),
		attribute.String("link.control_mode", l.Mode),
	}
}

// LinkTracing owns the tracer provider of one emulated link. Every packet is
// its own root span, so sampling keeps or drops whole packets.
type LinkTracing struct {
	link     LinkInfo
	provider *sdktrace.TracerProvider
	closer   io.Closer
	log      logging.Logger
}

// NewLinkTracing builds the provider described by cfg. A disabled config
// yields a LinkTracing whose PacketTracer is nil and whose Close is a no-op.
func NewLinkTracing(ctx context.Context, cfg TracingConfig, link LinkInfo, log logging.Logger) (*LinkTracing, error) {
	if log == nil {
		log = logging.Noop()
	}
	lt := &LinkTracing{link: link, log: log}
	if !cfg.Enabled {
		return lt, nil
	}

	exp, closer, err := linkExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	lt.closer = closer
	lt.provider = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(link.attributes()...)),
	)

	log.Info(ctx, "packet tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.Float64("sample_ratio", cfg.SampleRatio),
	)
	return lt, nil
}

// Enabled reports whether spans are being recorded.
func (t *LinkTracing) Enabled() bool { return t != nil && t.provider != nil }

// PacketTracer returns an observer that records packet spans on clock, or nil
// when tracing is disabled.
func (t *LinkTracing) PacketTracer(clock timectrl.Clock) *PacketTracer {
	if !t.Enabled() {
		return nil
	}
	return NewPacketTracer(t.provider, clock, t.link.Name)
}

// Close flushes buffered spans, waiting at most a few seconds, and closes the
// trace file if there is one.
func (t *LinkTracing) Close() error {
	if !t.Enabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), tracingShutdownTimeout)
	defer cancel()

	var errs *multierror.Error
	if err := t.provider.Shutdown(ctx); err != nil {
		t.log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
		errs = multierror.Append(errs, err)
	}
	if t.closer != nil {
		if err := t.closer.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func linkExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, io.Closer, error) {
	switch strings.ToLower(cfg.Exporter) {
	case ExporterStdout, "":
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithPrettyPrint())
		return exp, nil, err
	case ExporterFile:
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("file tracing exporter needs a path")
		}
		f, err := os.Create(cfg.File)
		if err != nil {
			return nil, nil, fmt.Errorf("create trace file: %w", err)
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			_ = f.Close()
			return nil, nil, err
		}
		return exp, f, nil
	case ExporterOTLP, "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		exp, err := otlptrace.New(ctx, client)
		return exp, nil, err
	default:
		return nil, nil, fmt.Errorf("unsupported tracing exporter %q", cfg.Exporter)
	}
}
