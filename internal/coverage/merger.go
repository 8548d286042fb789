package coverage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one item on the merged consumer stream. Exactly one of the
// concrete event types below flows per element.
type Event interface{ isEvent() }

// LocationEvent carries a position fix from the location source.
type LocationEvent struct{ Sample LocationSample }

// PingEvent carries one ping attempt result from the pacer.
type PingEvent struct{ Outcome PingOutcome }

// NetworkTypeEvent carries a network type change.
type NetworkTypeEvent struct{ Sample NetworkTypeSample }

// SessionEvent announces that a control-plane token was confirmed.
// Reinitialized is true when the token was chained from a previous
// sub-session rather than starting the run.
type SessionEvent struct {
	TestUUID      uuid.UUID
	Anchor        time.Time
	Reinitialized bool
}

func (LocationEvent) isEvent()    {}
func (PingEvent) isEvent()        {}
func (NetworkTypeEvent) isEvent() {}
func (SessionEvent) isEvent()     {}

// Merger fans multiple producer channels into one consumer stream. Each
// producer's own emission order is preserved; interleaving across producers
// is whatever the scheduler delivers. All sources must be added before Start.
type Merger struct {
	out     chan Event
	sources []<-chan Event
	started bool
}

// NewMerger creates a Merger whose output channel holds up to buffer events.
func NewMerger(buffer int) *Merger {
	return &Merger{out: make(chan Event, buffer)}
}

// AddSource registers a producer channel. Panics if called after Start.
func (m *Merger) AddSource(ch <-chan Event) {
	if m.started {
		panic("coverage: AddSource after Start")
	}
	m.sources = append(m.sources, ch)
}

// Start begins forwarding. The output channel is closed once every source
// channel is closed or the context is cancelled.
func (m *Merger) Start(ctx context.Context) {
	m.started = true
	var wg sync.WaitGroup
	for _, src := range m.sources {
		wg.Add(1)
		go func(src <-chan Event) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-src:
					if !ok {
						return
					}
					select {
					case m.out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(src)
	}
	go func() {
		wg.Wait()
		close(m.out)
	}()
}

// Events returns the merged stream.
func (m *Merger) Events() <-chan Event {
	return m.out
}
