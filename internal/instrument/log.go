// Package instrument provides core.Observer sinks that record what a link
// did: a plain-text event log, throughput and delay graphs, and an
// end-of-run summary.
package instrument

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// LogHeader describes the run at the top of an event log.
type LogHeader struct {
	LinkName      string
	Source        string // control file, or "memory"
	Path          string
	CommandLine   string
	Queue         string
	InitTimestamp int64 // wall-clock milliseconds of link time 0
	BaseTimestamp uint64
	Config        string // optional config file path
}

// LogRecorder writes one line per link event:
//
//	<t> + <size>       arrival
//	<t> # <capacity>   delivery opportunity
//	<t> - <size> <d>   departure after d milliseconds
//
// It is not safe for concurrent use. The first write error is kept and every
// later call becomes a no-op; Close reports it.
type LogRecorder struct {
	w      *bufio.Writer
	closer io.Closer
	err    error
}

// CreateLog creates path and writes the header.
func CreateLog(path string, h LogHeader) (*LogRecorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create event log: %w", err)
	}
	if h.Path == "" {
		h.Path = path
	}
	r := NewLogRecorder(f, h)
	if r.err != nil {
		_ = f.Close()
		return nil, r.err
	}
	return r, nil
}

// NewLogRecorder writes the header to w. If w is an io.Closer it is closed by
// Close.
func NewLogRecorder(w io.Writer, h LogHeader) *LogRecorder {
	r := &LogRecorder{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	source := h.Source
	if source == "" {
		source = "memory"
	}
	r.printf("# link-emulator (%s) [%s] > %s\n", h.LinkName, source, h.Path)
	r.printf("# command line: %s\n", h.CommandLine)
	r.printf("# queue: %s\n", h.Queue)
	r.printf("# init timestamp: %d\n", h.InitTimestamp)
	r.printf("# base timestamp: %d\n", h.BaseTimestamp)
	if h.Config != "" {
		r.printf("# config: %s\n", h.Config)
	}
	return r
}

func (r *LogRecorder) OnArrival(at uint64, size int) {
	r.printf("%d + %d\n", at, size)
}

func (r *LogRecorder) OnOpportunity(at uint64, size int) {
	r.printf("%d # %d\n", at, size)
}

func (r *LogRecorder) OnDeparture(at uint64, size int, delay uint64) {
	r.printf("%d - %d %d\n", at, size, delay)
}

// Err returns the first write error, if any.
func (r *LogRecorder) Err() error { return r.err }

// Flush pushes buffered lines to the underlying writer.
func (r *LogRecorder) Flush() error {
	if r.err != nil {
		return r.err
	}
	if err := r.w.Flush(); err != nil {
		r.err = fmt.Errorf("write event log: %w", err)
	}
	return r.err
}

// Close flushes and closes the underlying writer.
func (r *LogRecorder) Close() error {
	err := r.Flush()
	if r.closer != nil {
		err = combineErrors(err, r.closer.Close())
		r.closer = nil
	}
	return err
}

func (r *LogRecorder) printf(format string, args ...any) {
	if r.err != nil {
		return
	}
	if _, err := fmt.Fprintf(r.w, format, args...); err != nil {
		r.err = fmt.Errorf("write event log: %w", err)
	}
}
