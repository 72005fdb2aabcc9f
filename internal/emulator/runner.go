package emulator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/link-emulator/core"
	"github.com/signalsfoundry/link-emulator/internal/control"
	"github.com/signalsfoundry/link-emulator/internal/logging"
	"github.com/signalsfoundry/link-emulator/internal/queue"
	"github.com/signalsfoundry/link-emulator/timectrl"
)

// Egress receives delivered payloads in delivery order.
type Egress func(now uint64, payloads [][]byte)

// StatusSink receives link state after every loop iteration.
// observability.LinkCollector implements it.
type StatusSink interface {
	SetControl(sig control.Signal)
	SetDrops(queue, admission uint64)
	SetInFlight(inFlight bool)
}

// Stats counts what a Runner moved.
type Stats struct {
	Offered   uint64
	Delivered uint64
	Discarded uint64
	Dropped   uint64
	Wakeups   uint64
}

// Runner is a single-goroutine event loop around one Link.
type Runner struct {
	link   *core.Link
	tc     *timectrl.TimeController
	source control.Source
	queue  core.PacketQueue

	gen      *Generator
	sched    *control.Scheduler
	egress   Egress
	status   StatusSink
	log      logging.Logger
	duration uint64

	start uint64
	stats Stats
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithGenerator admits traffic from g.
func WithGenerator(g *Generator) RunnerOption {
	return func(r *Runner) { r.gen = g }
}

// WithScheduler applies scripted control changes, timed from the start of Run.
func WithScheduler(s *control.Scheduler) RunnerOption {
	return func(r *Runner) { r.sched = s }
}

// WithEgress sets where delivered payloads go. They are dropped otherwise.
func WithEgress(e Egress) RunnerOption {
	return func(r *Runner) { r.egress = e }
}

// WithStatus publishes link state to s.
func WithStatus(s StatusSink) RunnerOption {
	return func(r *Runner) { r.status = s }
}

// WithLogger sets the lifecycle logger.
func WithLogger(l logging.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// WithDuration stops the run after d of link time and finishes the link.
func WithDuration(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.duration = uint64(d / time.Millisecond)
		}
	}
}

// NewRunner drives link on tc. source and q must be the ones the link was
// built with; the runner only reads them for status.
func NewRunner(link *core.Link, tc *timectrl.TimeController, source control.Source, q core.PacketQueue, opts ...RunnerOption) (*Runner, error) {
	if link == nil || tc == nil || source == nil || q == nil {
		return nil, errors.New("emulator: link, time controller, control source and queue are required")
	}
	r := &Runner{
		link:   link,
		tc:     tc,
		source: source,
		queue:  q,
		log:    logging.Noop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run loops until ctx is done, the configured duration elapses, or the link
// reports an error. Control errors such as a zero rate end the run with an
// error. Cancellation is a normal stop and returns nil.
func (r *Runner) Run(ctx context.Context) error {
	r.start = r.tc.Now()
	r.log.Info(ctx, "link running",
		logging.String("mode", r.tc.Mode.String()),
		logging.String("queue", r.link.QueueDescription()),
		logging.Uint64("start_ms", r.start),
	)

	for {
		now := r.tc.Now()
		wait, err := r.step(ctx, now)
		if err != nil {
			r.log.Error(ctx, "link stopped", logging.Err(err))
			return err
		}
		if r.duration > 0 && now-r.start >= r.duration {
			r.link.Finish()
			r.log.Info(ctx, "link finished", logging.Uint64("elapsed_ms", now-r.start))
			return nil
		}

		if err := r.tc.Wait(ctx, wait); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				r.log.Info(ctx, "link interrupted", logging.Uint64("elapsed_ms", r.tc.Now()-r.start))
				return nil
			}
			return err
		}
		r.stats.Wakeups++
	}
}

// step runs one iteration at now and returns how long to wait.
func (r *Runner) step(ctx context.Context, now uint64) (uint64, error) {
	elapsed := now - r.start

	if r.sched != nil {
		n, err := r.sched.Apply(time.Duration(elapsed) * time.Millisecond)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			r.log.Debug(ctx, "control schedule applied", logging.Int("steps", n), logging.Uint64("now", now))
		}
	}

	if r.gen != nil {
		for _, p := range r.gen.Due(now) {
			r.stats.Offered++
			if err := r.link.Accept(p, now); err != nil {
				return 0, fmt.Errorf("accept at %d: %w", now, err)
			}
		}
	}

	wait, err := r.link.TimeUntilNextEvent(now)
	if err != nil {
		return 0, fmt.Errorf("advance link to %d: %w", now, err)
	}

	if out := r.link.DrainOutput(); len(out) > 0 {
		r.stats.Delivered += uint64(len(out))
		if r.egress != nil {
			r.egress(now, out)
		}
	}
	r.stats.Discarded = r.link.Discarded()
	if d, ok := r.queue.(queue.Dropper); ok {
		r.stats.Dropped = d.Drops()
	}
	r.publish()

	if r.gen != nil {
		wait = min(wait, r.gen.NextAt()-now)
	}
	if r.sched != nil {
		if at, ok := r.sched.NextAt(); ok {
			wait = min(wait, ceilMillis(at)-elapsed)
		}
	}
	if r.duration > 0 && elapsed < r.duration {
		wait = min(wait, r.duration-elapsed)
	}
	return max(wait, 1), nil
}

func (r *Runner) publish() {
	if r.status == nil {
		return
	}
	if sig, err := r.source.Read(); err == nil {
		r.status.SetControl(sig)
	}
	r.status.SetDrops(r.stats.Dropped, r.stats.Discarded)
	r.status.SetInFlight(r.link.InFlight() > 0)
}

// Stats returns a snapshot of the counters. Call it after Run returns.
func (r *Runner) Stats() Stats { return r.stats }

// Elapsed returns link time since Run started.
func (r *Runner) Elapsed() time.Duration {
	return time.Duration(r.tc.Now()-r.start) * time.Millisecond
}

func ceilMillis(d time.Duration) uint64 {
	return uint64((d + time.Millisecond - 1) / time.Millisecond)
}
