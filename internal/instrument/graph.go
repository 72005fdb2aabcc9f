package instrument

import (
	"fmt"
	"image/color"
	"io"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

const (
	// ThroughputBin is the width of a throughput graph bin, in milliseconds.
	ThroughputBin = 500
	// DelayBin is the width of a delay graph bin, in milliseconds.
	DelayBin = 250
)

var (
	capacityColor = color.RGBA{R: 160, G: 160, B: 160, A: 255}
	ingressColor  = color.RGBA{R: 64, G: 64, B: 192, A: 255}
	egressColor   = color.RGBA{R: 192, G: 64, B: 64, A: 255}
)

// GraphRecorder bins link events and renders a throughput graph and a
// per-packet delay graph as PNG files when closed. Bins are measured from the
// link's base timestamp.
type GraphRecorder struct {
	prefix string
	base   uint64
	width  vg.Length
	height vg.Length

	capacity   []uint64 // bytes per ThroughputBin
	arrivals   []uint64
	departures []uint64
	maxDelay   []float64 // max delay (ms) per DelayBin, by departure time
	hasDelay   []bool
}

// NewGraphRecorder writes <prefix>-throughput.png and <prefix>-delay.png on
// Close. An empty prefix renders nothing but still collects series.
func NewGraphRecorder(prefix string, base uint64) *GraphRecorder {
	return &GraphRecorder{
		prefix: prefix,
		base:   base,
		width:  8 * vg.Inch,
		height: 4 * vg.Inch,
	}
}

func (g *GraphRecorder) bin(at uint64, width uint64) int {
	if at < g.base {
		return 0
	}
	return int((at - g.base) / width)
}

func grow[T any](s []T, i int) []T {
	for len(s) <= i {
		var zero T
		s = append(s, zero)
	}
	return s
}

func (g *GraphRecorder) OnArrival(at uint64, size int) {
	i := g.bin(at, ThroughputBin)
	g.arrivals = grow(g.arrivals, i)
	g.arrivals[i] += uint64(size)
}

func (g *GraphRecorder) OnOpportunity(at uint64, size int) {
	i := g.bin(at, ThroughputBin)
	g.capacity = grow(g.capacity, i)
	g.capacity[i] += uint64(size)
}

func (g *GraphRecorder) OnDeparture(at uint64, size int, delay uint64) {
	i := g.bin(at, ThroughputBin)
	g.departures = grow(g.departures, i)
	g.departures[i] += uint64(size)

	j := g.bin(at, DelayBin)
	g.maxDelay = grow(g.maxDelay, j)
	g.hasDelay = grow(g.hasDelay, j)
	if !g.hasDelay[j] || float64(delay) > g.maxDelay[j] {
		g.maxDelay[j] = float64(delay)
		g.hasDelay[j] = true
	}
}

// ThroughputSeries returns capacity, ingress and egress rates in Mbits/s at
// the start of each bin, in seconds since the base timestamp.
func (g *GraphRecorder) ThroughputSeries() (capacity, ingress, egress plotter.XYs) {
	n := max(len(g.capacity), len(g.arrivals), len(g.departures))
	return rateSeries(g.capacity, n), rateSeries(g.arrivals, n), rateSeries(g.departures, n)
}

func rateSeries(bins []uint64, n int) plotter.XYs {
	xys := make(plotter.XYs, n)
	for i := range xys {
		xys[i].X = float64(i*ThroughputBin) / 1000
		if i < len(bins) {
			xys[i].Y = mbps(bins[i], ThroughputBin)
		}
	}
	return xys
}

// DelaySeries returns the largest per-packet delay in each DelayBin that saw
// a departure.
func (g *GraphRecorder) DelaySeries() plotter.XYs {
	var xys plotter.XYs
	for i, ok := range g.hasDelay {
		if !ok {
			continue
		}
		xys = append(xys, plotter.XY{X: float64(i*DelayBin) / 1000, Y: g.maxDelay[i]})
	}
	return xys
}

// ThroughputPlot renders the throughput series.
func (g *GraphRecorder) ThroughputPlot() (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Throughput"
	p.X.Label.Text = "time (s)"
	p.Y.Label.Text = "throughput (Mbits/s)"
	p.Y.Min = 0

	capacity, ingress, egress := g.ThroughputSeries()
	for _, s := range []struct {
		name string
		xys  plotter.XYs
		c    color.Color
	}{
		{"capacity", capacity, capacityColor},
		{"ingress", ingress, ingressColor},
		{"egress", egress, egressColor},
	} {
		if len(s.xys) == 0 {
			continue
		}
		l, err := plotter.NewLine(s.xys)
		if err != nil {
			return nil, fmt.Errorf("%s series: %w", s.name, err)
		}
		l.LineStyle.Color = s.c
		p.Add(l)
		p.Legend.Add(s.name, l)
	}
	return p, nil
}

// DelayPlot renders the delay series.
func (g *GraphRecorder) DelayPlot() (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Per-packet delay"
	p.X.Label.Text = "time (s)"
	p.Y.Label.Text = "delay (ms)"
	p.Y.Min = 0

	if xys := g.DelaySeries(); len(xys) > 0 {
		l, err := plotter.NewLine(xys)
		if err != nil {
			return nil, fmt.Errorf("delay series: %w", err)
		}
		l.LineStyle.Color = egressColor
		p.Add(l)
	}
	return p, nil
}

// Close writes both graphs next to the configured prefix.
func (g *GraphRecorder) Close() error {
	if g.prefix == "" {
		return nil
	}
	var err error
	if p, perr := g.ThroughputPlot(); perr != nil {
		err = combineErrors(err, perr)
	} else {
		err = combineErrors(err, savePlot(p, g.width, g.height, g.prefix+"-throughput.png"))
	}
	if p, perr := g.DelayPlot(); perr != nil {
		err = combineErrors(err, perr)
	} else {
		err = combineErrors(err, savePlot(p, g.width, g.height, g.prefix+"-delay.png"))
	}
	return err
}

func writePlot(p *plot.Plot, width, height vg.Length, output io.Writer, format string) error {
	w, err := p.WriterTo(width, height, format)
	if err != nil {
		return err
	}
	_, err = w.WriteTo(output)
	return err
}

func savePlot(p *plot.Plot, width, height vg.Length, path string) (err error) {
	output, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = combineErrors(err, output.Close())
	}()
	return writePlot(p, width, height, output, "png")
}
