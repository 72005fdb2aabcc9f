// Command linkemu runs one emulated link whose capacity follows a shared
// control signal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/signalsfoundry/link-emulator/core"
	"github.com/signalsfoundry/link-emulator/internal/config"
	"github.com/signalsfoundry/link-emulator/internal/control"
	"github.com/signalsfoundry/link-emulator/internal/emulator"
	"github.com/signalsfoundry/link-emulator/internal/instrument"
	"github.com/signalsfoundry/link-emulator/internal/logging"
	"github.com/signalsfoundry/link-emulator/internal/observability"
	"github.com/signalsfoundry/link-emulator/internal/queue"
	"github.com/signalsfoundry/link-emulator/timectrl"
	"google.golang.org/grpc"
)

// errConfig marks failures caused by the configuration rather than the run.
var errConfig = errors.New("configuration error")

func main() {
	configPath := flag.String("config", "", "Path to a YAML run configuration")
	name := flag.String("name", "", "Link name used in logs, metrics and the event log")
	controlFile := flag.String("control", "", "Shared control file; empty uses an in-process control region")
	mode := flag.String("mode", "", "Control mode: bitrate or interval")
	create := flag.Bool("create", false, "Initialise the control file before running")
	mbps := flag.Float64("mbps", 0, "Initial capacity in Mbits/s for a created or in-process control region")
	queueType := flag.String("queue", "", "Queue policy: infinite, droptail, drophead or codel")
	queuePackets := flag.Int("queue-packets", 0, "Queue limit in packets")
	queueBytes := flag.Int("queue-bytes", 0, "Queue limit in bytes")
	offered := flag.Float64("offered-mbps", 0, "Offered load of the built-in generator in Mbits/s; 0 disables it")
	packetSize := flag.Int("packet-size", 0, "Generated payload size in bytes")
	duration := flag.Duration("duration", 0, "Stop after this much link time; 0 runs until interrupted")
	accelerated := flag.Bool("accelerated", false, "Jump link time to the next event instead of sleeping")
	seed := flag.Uint64("seed", 0, "Seed for the dithering permutation; 0 picks one at random")
	schedule := flag.String("schedule", "", "YAML file of timed control changes")
	logPath := flag.String("log", "", "Write the event log to this file")
	graphs := flag.String("graphs", "", "Write <prefix>-throughput.png and <prefix>-delay.png")
	summary := flag.Bool("summary", false, "Print a throughput and delay summary on exit")
	metricsAddr := flag.String("metrics-addr", "", "HTTP address for Prometheus /metrics")
	grpcAddr := flag.String("grpc-addr", "", "TCP address for the gRPC health service")
	tracing := flag.Bool("tracing", false, "Record a span per delivered packet (see LINK_TRACING_*)")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Error(ctx, "failed to load config", logging.String("path", *configPath), logging.Err(err))
			os.Exit(2)
		}
		cfg = loaded
	}

	// Flags given explicitly override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			cfg.Link.Name = *name
		case "control":
			cfg.Control.File = *controlFile
		case "mode":
			cfg.Control.Mode = *mode
		case "create":
			cfg.Control.Create = *create
		case "mbps":
			cfg.Control.InitialMbps = *mbps
		case "queue":
			cfg.Queue.Type = *queueType
		case "queue-packets":
			cfg.Queue.Packets = *queuePackets
		case "queue-bytes":
			cfg.Queue.Bytes = *queueBytes
		case "offered-mbps":
			cfg.Workload.OfferedMbps = *offered
		case "packet-size":
			cfg.Workload.PacketSize = *packetSize
		case "duration":
			cfg.Link.Duration = *duration
		case "accelerated":
			cfg.Link.Accelerated = *accelerated
		case "seed":
			cfg.Link.Seed = *seed
		case "schedule":
			cfg.Control.Schedule = *schedule
		case "log":
			cfg.Output.LogPath = *logPath
		case "graphs":
			cfg.Output.GraphPrefix = *graphs
		case "summary":
			cfg.Output.Summary = *summary
		case "metrics-addr":
			cfg.Observability.MetricsAddr = *metricsAddr
		case "grpc-addr":
			cfg.Observability.GRPCAddr = *grpcAddr
		case "tracing":
			cfg.Observability.Tracing = *tracing
		}
	})
	cfg = cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		log.Error(ctx, "invalid configuration", logging.Err(err))
		os.Exit(2)
	}

	if err := run(ctx, cfg, strings.Join(os.Args, " "), logging.ForLink(log, cfg.Link.Name)); err != nil {
		log.Error(ctx, "linkemu failed", logging.Err(err))
		if errors.Is(err, errConfig) || errors.Is(err, core.ErrZeroRate) || errors.Is(err, control.ErrControlUnavailable) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, commandLine string, log logging.Logger) (err error) {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i](); cerr != nil {
				err = multierror.Append(err, cerr)
			}
		}
	}()

	mode, err := control.ParseMode(cfg.Control.Mode)
	if err != nil {
		return fmt.Errorf("%w: %w", errConfig, err)
	}
	initial, err := cfg.InitialSignal()
	if err != nil {
		return fmt.Errorf("%w: %w", errConfig, err)
	}

	var sched *control.Scheduler
	var steps *control.Schedule
	if cfg.Control.Schedule != "" {
		if steps, err = control.LoadSchedule(cfg.Control.Schedule); err != nil {
			return fmt.Errorf("%w: %w", errConfig, err)
		}
	}

	region, err := openRegion(cfg, initial, steps != nil)
	if err != nil {
		return err
	}
	closers = append(closers, region.Close)
	source := control.NewRegionSource(region)
	if steps != nil {
		sched = control.NewScheduler(region, steps)
	}

	tcMode := timectrl.RealTime
	if cfg.Link.Accelerated {
		tcMode = timectrl.Accelerated
	}
	tc := timectrl.NewTimeController(tcMode)

	q, err := queue.New(cfg.Queue, tc.Clock())
	if err != nil {
		return fmt.Errorf("%w: %w", errConfig, err)
	}

	var rng *rand.Rand
	if cfg.Link.Seed != 0 {
		rng = rand.New(rand.NewPCG(cfg.Link.Seed, cfg.Link.Seed))
	}
	deliveryClock, err := core.NewDeliveryClock(mode, rng)
	if err != nil {
		return fmt.Errorf("%w: %w", errConfig, err)
	}

	tracing, err := observability.NewLinkTracing(ctx, tracingConfig(cfg), observability.LinkInfo{
		Name:    cfg.Link.Name,
		Queue:   q.String(),
		Control: controlName(cfg),
		Mode:    string(mode),
	}, log)
	if err != nil {
		return fmt.Errorf("%w: %w", errConfig, err)
	}
	closers = append(closers, tracing.Close)

	base := tc.Now()
	observers, status, report, err := buildObservers(cfg, tc, q, base, commandLine, tracing.PacketTracer(tc.Clock()))
	if err != nil {
		return err
	}
	closers = append(closers, observers.Close)

	link, err := core.NewLink(deliveryClock, source, q, base, core.WithObserver(observers))
	if err != nil {
		return err
	}

	sink := newEgress(log)
	opts := []emulator.RunnerOption{
		emulator.WithLogger(log),
		emulator.WithDuration(cfg.Link.Duration),
		emulator.WithScheduler(sched),
		emulator.WithEgress(sink.deliver),
	}
	if status != nil {
		opts = append(opts, emulator.WithStatus(status))
	}
	if cfg.Workload.OfferedMbps > 0 {
		gen, err := emulator.NewGenerator(control.BitsPerSecondFromMbps(cfg.Workload.OfferedMbps), cfg.Workload.PacketSize, cfg.Workload.Burst, base)
		if err != nil {
			return fmt.Errorf("%w: %w", errConfig, err)
		}
		opts = append(opts, emulator.WithGenerator(gen))
	}
	runner, err := emulator.NewRunner(link, tc, source, q, opts...)
	if err != nil {
		return err
	}

	if addr := cfg.Observability.MetricsAddr; addr != "" && status != nil {
		srv := serveMetrics(ctx, addr, status.Handler(), log)
		closers = append(closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if addr := cfg.Observability.GRPCAddr; addr != "" {
		server, err := serveControlPlane(ctx, addr, cfg, source, log)
		if err != nil {
			return err
		}
		closers = append(closers, func() error {
			server.GracefulStop()
			return nil
		})
	}

	log.Info(ctx, "starting link",
		logging.String("control", controlName(cfg)),
		logging.String("mode", string(mode)),
		logging.Uint64("initial_value", initial.Value),
		logging.Bool("enabled", initial.Enabled),
	)
	if err := runner.Run(ctx); err != nil {
		return err
	}

	stats := runner.Stats()
	log.Info(ctx, "link stopped",
		logging.Duration("elapsed", runner.Elapsed()),
		logging.Uint64("offered", stats.Offered),
		logging.Uint64("delivered", stats.Delivered),
		logging.Uint64("discarded", stats.Discarded),
		logging.Uint64("dropped", stats.Dropped),
		logging.Uint64("egress_bytes", sink.bytes),
		logging.Uint64("sequence_gaps", sink.gaps),
	)
	if report != nil {
		fmt.Fprintln(os.Stdout, report.Report())
	}
	return nil
}

func openRegion(cfg config.Config, initial control.Signal, writable bool) (control.Region, error) {
	if cfg.Control.File == "" {
		return control.NewMemoryRegion(initial.Value, initial.Enabled), nil
	}
	if cfg.Control.Create {
		if err := control.CreateFile(cfg.Control.File, initial.Value, initial.Enabled, true); err != nil {
			return nil, fmt.Errorf("%w: %w", errConfig, err)
		}
	}
	return control.OpenMMap(cfg.Control.File, writable)
}

func controlName(cfg config.Config) string {
	if cfg.Control.File == "" {
		return "memory"
	}
	return cfg.Control.File
}

func tracingConfig(cfg config.Config) observability.TracingConfig {
	tc := observability.TracingConfigFromEnv()
	if cfg.Observability.Tracing {
		tc.Enabled = true
	}
	return tc
}

// buildObservers assembles the observers the configuration asks for. status
// and report are nil when metrics or the summary are off; tracer is nil when
// tracing is.
func buildObservers(cfg config.Config, tc *timectrl.TimeController, q core.PacketQueue, base uint64, commandLine string, tracer *observability.PacketTracer) (instrument.Multi, *observability.LinkCollector, *instrument.Summary, error) {
	var list []core.Observer
	fail := func(err error) (instrument.Multi, *observability.LinkCollector, *instrument.Summary, error) {
		_ = instrument.NewMulti(list...).Close()
		return nil, nil, nil, err
	}

	if cfg.Output.LogPath != "" {
		rec, err := instrument.CreateLog(cfg.Output.LogPath, instrument.LogHeader{
			LinkName:      cfg.Link.Name,
			Source:        cfg.Control.File,
			CommandLine:   commandLine,
			Queue:         q.String(),
			InitTimestamp: tc.Clock().Epoch().UnixMilli(),
			BaseTimestamp: base,
		})
		if err != nil {
			return fail(fmt.Errorf("%w: %w", errConfig, err))
		}
		list = append(list, rec)
	}
	if cfg.Output.GraphPrefix != "" {
		list = append(list, instrument.NewGraphRecorder(cfg.Output.GraphPrefix, base))
	}

	var report *instrument.Summary
	if cfg.Output.Summary {
		report = instrument.NewSummary()
		list = append(list, report)
	}

	var status *observability.LinkCollector
	if cfg.Observability.MetricsAddr != "" {
		c, err := observability.NewLinkCollector(nil, cfg.Link.Name)
		if err != nil {
			return fail(err)
		}
		status = c
		list = append(list, c)
	}

	if tracer != nil {
		list = append(list, tracer)
	}

	return instrument.NewMulti(list...), status, report, nil
}

func serveMetrics(ctx context.Context, addr string, handler http.Handler, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(ctx, "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(ctx, "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func serveControlPlane(ctx context.Context, addr string, cfg config.Config, source control.Source, log logging.Logger) (*grpc.Server, error) {
	rpc, err := observability.NewRPCCollector(nil)
	if err != nil {
		return nil, err
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for gRPC on %s: %w", addr, err)
	}

	server := observability.NewControlServer(log, rpc)
	health := observability.NewLinkHealth(cfg.Link.Name, source, log)
	health.Register(server)
	go health.Watch(ctx, cfg.Observability.HealthInterval)

	log.Info(ctx, "serving gRPC health", logging.String("addr", lis.Addr().String()))
	go func() {
		if err := server.Serve(lis); err != nil {
			log.Error(ctx, "gRPC server exited", logging.Err(err))
		}
	}()
	return server, nil
}

// egress stands in for the far end of the link: it counts deliveries and
// reports generator sequence gaps, which only CoDel and bounded queues cause.
type egress struct {
	log     logging.Logger
	next    uint64
	packets uint64
	bytes   uint64
	gaps    uint64
}

func newEgress(log logging.Logger) *egress { return &egress{log: log} }

func (e *egress) deliver(now uint64, payloads [][]byte) {
	for _, p := range payloads {
		e.packets++
		e.bytes += uint64(len(p))
		seq, ok := emulator.Sequence(p)
		if !ok {
			continue
		}
		if seq != e.next {
			e.gaps++
			e.log.Debug(context.Background(), "sequence gap",
				logging.Uint64("now", now),
				logging.Uint64("expected", e.next),
				logging.Uint64("got", seq),
			)
		}
		e.next = seq + 1
	}
}
