package coverage

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// Segmenter turns the merged event stream into fences. It is single-writer:
// all methods must be called from one goroutine (the consumer loop), which is
// what makes the fence list safe without locking. Observers get read-only
// snapshots via Snapshots.
type Segmenter struct {
	radius            float64
	accuracyThreshold float64
	tech              TechnologyLookup
	persister         FencePersister

	fences      []*Fence
	windows     []InaccurateLocationWindow
	networkType NetworkType
	active      *uuid.UUID

	notify chan []*Fence
}

// SegmenterConfig carries the tuning knobs for fence segmentation.
type SegmenterConfig struct {
	FenceRadiusMeters       float64
	AccuracyThresholdMeters float64
	Technology              TechnologyLookup
	Persister               FencePersister
}

// NewSegmenter creates a Segmenter. Technology and Persister are required.
func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	return &Segmenter{
		radius:            cfg.FenceRadiusMeters,
		accuracyThreshold: cfg.AccuracyThresholdMeters,
		tech:              cfg.Technology,
		persister:         cfg.Persister,
		notify:            make(chan []*Fence, 1),
	}
}

// Apply dispatches one merged event.
func (s *Segmenter) Apply(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case LocationEvent:
		s.handleLocation(ctx, e.Sample)
	case PingEvent:
		s.handlePing(e.Outcome)
	case NetworkTypeEvent:
		s.networkType = e.Sample.Type
	case SessionEvent:
		s.handleSession(ctx, e)
	}
}

func (s *Segmenter) handleLocation(ctx context.Context, sample LocationSample) {
	if sample.HorizontalAccuracy > s.accuracyThreshold {
		s.openInaccuracyWindow(sample.Timestamp)
		return
	}
	s.closeInaccuracyWindow(sample.Timestamp)

	open := s.openFence()
	if open == nil {
		s.startFence(sample)
		s.publish()
		return
	}

	if open.StartingLocation.Coordinate.DistanceMeters(sample.Coordinate) >= s.radius {
		s.closeFence(ctx, open, sample.Timestamp)
		s.startFence(sample)
	} else {
		open.Locations = append(open.Locations, sample)
		open.Technologies = append(open.Technologies, s.currentTechnology(sample.Timestamp))
	}
	s.publish()
}

// handlePing attributes a ping outcome to the fence whose time range covers
// the ping's timestamp, searching from the most recent fence backward to
// tolerate pings that arrive after the fence they belong to was closed.
func (s *Segmenter) handlePing(outcome PingOutcome) {
	if s.networkType == NetworkTypeWifi {
		return
	}
	if s.inInaccurateWindow(outcome.Timestamp) {
		return
	}
	for i := len(s.fences) - 1; i >= 0; i-- {
		f := s.fences[i]
		if outcome.Timestamp.Before(f.DateEntered) {
			continue
		}
		if f.DateExited != nil && !outcome.Timestamp.Before(*f.DateExited) {
			continue
		}
		f.PingOutcomes = append(f.PingOutcomes, outcome)
		s.publish()
		return
	}
}

func (s *Segmenter) handleSession(ctx context.Context, ev SessionEvent) {
	id := ev.TestUUID
	s.active = &id
	for _, f := range s.fences {
		if f.SessionUUID == nil {
			u := id
			f.SessionUUID = &u
			continue
		}
		// A fence still open at a reinitialization boundary moves to the
		// new sub-session; its eventual submission uses the new token.
		if ev.Reinitialized && f.Open() {
			u := id
			f.SessionUUID = &u
		}
	}
	if err := s.persister.AdoptPendingFences(ctx, id); err != nil {
		log.Printf("failed to adopt pending fences for session %s: %v", id, err)
	}
	s.publish()
}

// CloseOpenFence exits the currently open fence, if any, and persists it.
// Called when the measurement run stops.
func (s *Segmenter) CloseOpenFence(ctx context.Context, at time.Time) {
	if open := s.openFence(); open != nil {
		s.closeFence(ctx, open, at)
		s.publish()
	}
}

// Fences returns a deep-copied snapshot of the fence list.
func (s *Segmenter) Fences() []*Fence {
	return s.snapshot()
}

// ActiveSession returns the session UUID fences are currently tagged with,
// or nil before the first token.
func (s *Segmenter) ActiveSession() *uuid.UUID {
	if s.active == nil {
		return nil
	}
	u := *s.active
	return &u
}

// Snapshots delivers a fresh read-only fence snapshot after each mutation.
// The channel holds only the most recent snapshot; slow readers see the
// latest state rather than a backlog.
func (s *Segmenter) Snapshots() <-chan []*Fence {
	return s.notify
}

func (s *Segmenter) openFence() *Fence {
	if n := len(s.fences); n > 0 && s.fences[n-1].Open() {
		return s.fences[n-1]
	}
	return nil
}

func (s *Segmenter) startFence(sample LocationSample) {
	f := &Fence{
		ID:               uuid.New(),
		StartingLocation: sample,
		DateEntered:      sample.Timestamp,
		Locations:        []LocationSample{sample},
		Technologies:     []TechnologySample{s.currentTechnology(sample.Timestamp)},
		RadiusMeters:     s.radius,
	}
	if s.active != nil {
		u := *s.active
		f.SessionUUID = &u
	}
	s.fences = append(s.fences, f)
}

func (s *Segmenter) closeFence(ctx context.Context, f *Fence, at time.Time) {
	exited := at
	f.DateExited = &exited
	if err := s.persister.SaveFence(ctx, f); err != nil {
		log.Printf("failed to persist fence %s: %v", f.ID, err)
	}
}

func (s *Segmenter) currentTechnology(at time.Time) TechnologySample {
	t := s.tech.Current()
	t.Timestamp = at
	return t
}

func (s *Segmenter) openInaccuracyWindow(at time.Time) {
	if n := len(s.windows); n > 0 && s.windows[n-1].End == nil {
		return // already open
	}
	s.windows = append(s.windows, InaccurateLocationWindow{Begin: at})
}

func (s *Segmenter) closeInaccuracyWindow(at time.Time) {
	if n := len(s.windows); n > 0 && s.windows[n-1].End == nil {
		end := at
		s.windows[n-1].End = &end
	}
}

func (s *Segmenter) inInaccurateWindow(t time.Time) bool {
	for _, w := range s.windows {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

func (s *Segmenter) snapshot() []*Fence {
	out := make([]*Fence, len(s.fences))
	for i, f := range s.fences {
		out[i] = f.Clone()
	}
	return out
}

func (s *Segmenter) publish() {
	snap := s.snapshot()
	for {
		select {
		case s.notify <- snap:
			return
		default:
		}
		select {
		case <-s.notify: // drop the stale snapshot
		default:
		}
	}
}
