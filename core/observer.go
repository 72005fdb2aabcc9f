package core

// Observer receives link events in chronological order. Observers are
// purely passive: nothing they do can change when packets leave the link.
type Observer interface {
	// OnArrival is called for every packet offered to Accept, including
	// packets discarded because the link is disabled.
	OnArrival(at uint64, size int)
	// OnOpportunity is called for every delivery opportunity, even when no
	// bytes are sent in it.
	OnOpportunity(at uint64, size int)
	// OnDeparture is called when the last byte of a packet has been sent.
	// delay is the queueing plus transmission delay.
	OnDeparture(at uint64, size int, delay uint64)
}

// NoopObserver ignores every event.
type NoopObserver struct{}

func (NoopObserver) OnArrival(uint64, int)           {}
func (NoopObserver) OnOpportunity(uint64, int)       {}
func (NoopObserver) OnDeparture(uint64, int, uint64) {}
