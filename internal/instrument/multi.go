package instrument

import (
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/signalsfoundry/link-emulator/core"
)

// Multi fans every event out to a list of observers in order.
type Multi []core.Observer

// NewMulti drops nil observers from the list.
func NewMulti(observers ...core.Observer) Multi {
	m := make(Multi, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}

func (m Multi) OnArrival(at uint64, size int) {
	for _, o := range m {
		o.OnArrival(at, size)
	}
}

func (m Multi) OnOpportunity(at uint64, size int) {
	for _, o := range m {
		o.OnOpportunity(at, size)
	}
}

func (m Multi) OnDeparture(at uint64, size int, delay uint64) {
	for _, o := range m {
		o.OnDeparture(at, size, delay)
	}
}

// Close closes every observer that is an io.Closer, continuing past failures,
// and returns the combined error.
func (m Multi) Close() error {
	var err error
	for _, o := range m {
		if c, ok := o.(io.Closer); ok {
			err = combineErrors(err, c.Close())
		}
	}
	return err
}

func combineErrors(errors ...error) (err error) {
	for _, e := range errors {
		switch {
		case e == nil:
		case err == nil:
			err = e
		default:
			err = multierror.Append(err, e)
		}
	}
	return err
}
