package coverage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fakePersister records persistence calls for assertions. Safe for use from
// multiple goroutines so controller tests can share it.
type fakePersister struct {
	mu        sync.Mutex
	saved     []*Fence
	started   []uuid.UUID
	finalized []uuid.UUID
	adopted   []uuid.UUID
	discards  int
	saveErr   error
}

func (p *fakePersister) SaveFence(ctx context.Context, f *Fence) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saveErr != nil {
		return p.saveErr
	}
	p.saved = append(p.saved, f.Clone())
	return nil
}

func (p *fakePersister) SessionStarted(ctx context.Context, testUUID uuid.UUID, startedAt, anchor time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = append(p.started, testUUID)
	return nil
}

func (p *fakePersister) SessionFinalized(ctx context.Context, testUUID uuid.UUID, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finalized = append(p.finalized, testUUID)
	return nil
}

func (p *fakePersister) AdoptPendingFences(ctx context.Context, testUUID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adopted = append(p.adopted, testUUID)
	return nil
}

func (p *fakePersister) DiscardPendingFences(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discards++
	return nil
}

func (p *fakePersister) savedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saved)
}

func (p *fakePersister) startedSessions() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uuid.UUID(nil), p.started...)
}

func (p *fakePersister) finalizedSessions() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uuid.UUID(nil), p.finalized...)
}

func (p *fakePersister) discardCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discards
}

var testLookup = TechnologyLookupFunc(func() TechnologySample {
	return TechnologySample{Technology: "LTE", TechnologyID: 4}
})

func newTestSegmenter(p FencePersister) *Segmenter {
	return NewSegmenter(SegmenterConfig{
		FenceRadiusMeters:       30,
		AccuracyThresholdMeters: 20,
		Technology:              testLookup,
		Persister:               p,
	})
}

var segBase = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// At the equator one degree of longitude is ~111.3 km, so 0.001 degrees is
// well outside a 30 m fence and 0.0001 degrees is well inside it.
func loc(lonDeg float64, accuracy float64, at time.Time) LocationEvent {
	return LocationEvent{Sample: LocationSample{
		Coordinate:         Coordinate{Latitude: 0, Longitude: lonDeg},
		HorizontalAccuracy: accuracy,
		Timestamp:          at,
	}}
}

func ping(d time.Duration, at time.Time) PingEvent {
	return PingEvent{Outcome: PingOutcome{Timestamp: at, Duration: d}}
}

func TestSegmenterCreatesFenceOnFirstAccurateLocation(t *testing.T) {
	p := &fakePersister{}
	s := newTestSegmenter(p)
	ctx := context.Background()

	s.Apply(ctx, loc(0, 5, segBase))

	fences := s.Fences()
	if len(fences) != 1 {
		t.Fatalf("got %d fences, want 1", len(fences))
	}
	f := fences[0]
	if !f.Open() {
		t.Error("first fence should be open")
	}
	if !f.DateEntered.Equal(segBase) {
		t.Errorf("DateEntered = %v, want %v", f.DateEntered, segBase)
	}
	if f.RadiusMeters != 30 {
		t.Errorf("RadiusMeters = %v, want 30", f.RadiusMeters)
	}
	if len(f.Technologies) != 1 || f.Technologies[0].Technology != "LTE" {
		t.Errorf("technologies = %+v, want one LTE sample", f.Technologies)
	}
	if f.SessionUUID != nil {
		t.Error("fence before any token must have nil SessionUUID")
	}
}

func TestSegmenterAppendsLocationWithinRadius(t *testing.T) {
	p := &fakePersister{}
	s := newTestSegmenter(p)
	ctx := context.Background()

	s.Apply(ctx, loc(0, 5, segBase))
	s.Apply(ctx, loc(0.0001, 5, segBase.Add(10*time.Second)))

	fences := s.Fences()
	if len(fences) != 1 {
		t.Fatalf("got %d fences, want 1", len(fences))
	}
	if got := len(fences[0].Locations); got != 2 {
		t.Errorf("locations = %d, want 2", got)
	}
	if got := len(fences[0].Technologies); got != 2 {
		t.Errorf("technologies = %d, want 2", got)
	}
	if p.savedCount() != 0 {
		t.Errorf("no fence should be persisted while still open, got %d saves", p.savedCount())
	}
}

func TestSegmenterSplitsFenceAtRadius(t *testing.T) {
	p := &fakePersister{}
	s := newTestSegmenter(p)
	ctx := context.Background()
	exitAt := segBase.Add(time.Minute)

	s.Apply(ctx, loc(0, 5, segBase))
	s.Apply(ctx, loc(0.001, 5, exitAt))

	fences := s.Fences()
	if len(fences) != 2 {
		t.Fatalf("got %d fences, want 2", len(fences))
	}
	first, second := fences[0], fences[1]
	if first.Open() {
		t.Fatal("first fence should be closed after leaving the radius")
	}
	if !first.DateExited.Equal(exitAt) {
		t.Errorf("first fence DateExited = %v, want %v", first.DateExited, exitAt)
	}
	if !second.Open() || !second.DateEntered.Equal(exitAt) {
		t.Errorf("second fence should open at %v, got entered=%v open=%v",
			exitAt, second.DateEntered, second.Open())
	}
	if p.savedCount() != 1 {
		t.Fatalf("closing a fence should persist it once, got %d saves", p.savedCount())
	}
}

func TestSegmenterAveragePing(t *testing.T) {
	p := &fakePersister{}
	s := newTestSegmenter(p)
	ctx := context.Background()

	s.Apply(ctx, loc(0, 5, segBase))
	s.Apply(ctx, ping(10*time.Millisecond, segBase.Add(1*time.Second)))
	s.Apply(ctx, ping(20*time.Millisecond, segBase.Add(2*time.Second)))
	s.Apply(ctx, ping(26*time.Millisecond, segBase.Add(3*time.Second)))
	s.Apply(ctx, PingEvent{Outcome: PingOutcome{
		Timestamp: segBase.Add(4 * time.Second),
		Err:       context.DeadlineExceeded,
	}})
	s.Apply(ctx, loc(0.001, 5, segBase.Add(5*time.Second)))

	fences := s.Fences()
	if len(fences) != 2 {
		t.Fatalf("got %d fences, want 2", len(fences))
	}
	avg := fences[0].AveragePingMillis()
	if avg == nil {
		t.Fatal("closed fence with successful pings should have an average")
	}
	// mean(10, 20, 26) = 18.67, rounded to 19; the failed attempt is excluded
	if *avg != 19 {
		t.Errorf("AveragePingMillis = %d, want 19", *avg)
	}
	if got := len(fences[0].PingOutcomes); got != 4 {
		t.Errorf("attributed outcomes = %d, want 4 (errors kept, just not averaged)", got)
	}
	if fences[1].AveragePingMillis() != nil {
		t.Error("fence with no pings should have nil average")
	}
}

func TestSegmenterAttributesLatePingToClosedFence(t *testing.T) {
	p := &fakePersister{}
	s := newTestSegmenter(p)
	ctx := context.Background()

	s.Apply(ctx, loc(0, 5, segBase))
	s.Apply(ctx, loc(0.001, 5, segBase.Add(10*time.Second)))
	// Reply arrived after the fence it belongs to was already exited.
	s.Apply(ctx, ping(30*time.Millisecond, segBase.Add(4*time.Second)))

	fences := s.Fences()
	if got := len(fences[0].PingOutcomes); got != 1 {
		t.Errorf("closed fence outcomes = %d, want 1", got)
	}
	if got := len(fences[1].PingOutcomes); got != 0 {
		t.Errorf("open fence outcomes = %d, want 0", got)
	}
}

func TestSegmenterDropsPingBeforeFirstFence(t *testing.T) {
	p := &fakePersister{}
	s := newTestSegmenter(p)
	ctx := context.Background()

	s.Apply(ctx, ping(10*time.Millisecond, segBase))
	s.Apply(ctx, loc(0, 5, segBase.Add(time.Second)))
	s.Apply(ctx, ping(12*time.Millisecond, segBase))

	if got := len(s.Fences()[0].PingOutcomes); got != 0 {
		t.Errorf("pre-entry pings attributed = %d, want 0", got)
	}
}

func TestSegmenterDropsWifiPings(t *testing.T) {
	p := &fakePersister{}
	s := newTestSegmenter(p)
	ctx := context.Background()

	s.Apply(ctx, loc(0, 5, segBase))
	s.Apply(ctx, NetworkTypeEvent{Sample: NetworkTypeSample{Type: NetworkTypeWifi, Timestamp: segBase.Add(time.Second)}})
	s.Apply(ctx, ping(10*time.Millisecond, segBase.Add(2*time.Second)))
	s.Apply(ctx, NetworkTypeEvent{Sample: NetworkTypeSample{Type: NetworkTypeCellular, Timestamp: segBase.Add(3*time.Second)}})
	s.Apply(ctx, ping(12*time.Millisecond, segBase.Add(4*time.Second)))

	outcomes := s.Fences()[0].PingOutcomes
	if len(outcomes) != 1 {
		t.Fatalf("attributed outcomes = %d, want only the cellular one", len(outcomes))
	}
	if outcomes[0].Duration != 12*time.Millisecond {
		t.Errorf("kept outcome = %v, want the 12ms cellular ping", outcomes[0].Duration)
	}
}

func TestSegmenterDropsPingsInInaccurateWindow(t *testing.T) {
	p := &fakePersister{}
	s := newTestSegmenter(p)
	ctx := context.Background()

	s.Apply(ctx, loc(0, 5, segBase))
	s.Apply(ctx, loc(0, 50, segBase.Add(2*time.Second)))  // accuracy above threshold
	s.Apply(ctx, ping(10*time.Millisecond, segBase.Add(3*time.Second)))
	s.Apply(ctx, loc(0, 5, segBase.Add(4*time.Second))) // closes the window
	// Still inside the recorded window, even though it is closed now.
	s.Apply(ctx, ping(11*time.Millisecond, segBase.Add(3500*time.Millisecond)))
	s.Apply(ctx, ping(12*time.Millisecond, segBase.Add(5*time.Second)))

	outcomes := s.Fences()[0].PingOutcomes
	if len(outcomes) != 1 {
		t.Fatalf("attributed outcomes = %d, want 1", len(outcomes))
	}
	if outcomes[0].Duration != 12*time.Millisecond {
		t.Errorf("kept outcome = %v, want the post-window ping", outcomes[0].Duration)
	}
}

func TestSegmenterSessionAdoption(t *testing.T) {
	p := &fakePersister{}
	s := newTestSegmenter(p)
	ctx := context.Background()
	session := uuid.New()

	s.Apply(ctx, loc(0, 5, segBase))
	s.Apply(ctx, loc(0.001, 5, segBase.Add(time.Minute)))
	s.Apply(ctx, SessionEvent{TestUUID: session, Anchor: segBase.Add(2 * time.Minute)})

	for i, f := range s.Fences() {
		if f.SessionUUID == nil || *f.SessionUUID != session {
			t.Errorf("fence %d SessionUUID = %v, want %s", i, f.SessionUUID, session)
		}
	}
	if got := s.ActiveSession(); got == nil || *got != session {
		t.Errorf("ActiveSession = %v, want %s", got, session)
	}
	p.mu.Lock()
	adopted := append([]uuid.UUID(nil), p.adopted...)
	p.mu.Unlock()
	if len(adopted) != 1 || adopted[0] != session {
		t.Errorf("AdoptPendingFences calls = %v, want [%s]", adopted, session)
	}
}

func TestSegmenterReinitReassignsOnlyOpenFence(t *testing.T) {
	p := &fakePersister{}
	s := newTestSegmenter(p)
	ctx := context.Background()
	first := uuid.New()
	second := uuid.New()

	s.Apply(ctx, SessionEvent{TestUUID: first, Anchor: segBase})
	s.Apply(ctx, loc(0, 5, segBase.Add(time.Second)))
	s.Apply(ctx, loc(0.001, 5, segBase.Add(time.Minute)))
	s.Apply(ctx, SessionEvent{TestUUID: second, Anchor: segBase.Add(2 * time.Minute), Reinitialized: true})

	fences := s.Fences()
	if got := *fences[0].SessionUUID; got != first {
		t.Errorf("closed fence session = %s, want %s (stays with its sub-session)", got, first)
	}
	if got := *fences[1].SessionUUID; got != second {
		t.Errorf("open fence session = %s, want %s (moves to the new sub-session)", got, second)
	}
}

func TestSegmenterCloseOpenFence(t *testing.T) {
	p := &fakePersister{}
	s := newTestSegmenter(p)
	ctx := context.Background()
	stopAt := segBase.Add(time.Minute)

	s.Apply(ctx, loc(0, 5, segBase))
	s.CloseOpenFence(ctx, stopAt)

	f := s.Fences()[0]
	if f.Open() {
		t.Fatal("fence should be closed")
	}
	if !f.DateExited.Equal(stopAt) {
		t.Errorf("DateExited = %v, want %v", f.DateExited, stopAt)
	}
	if d := f.DurationMillis(); d == nil || *d != time.Minute.Milliseconds() {
		t.Errorf("DurationMillis = %v, want %d", d, time.Minute.Milliseconds())
	}
	if p.savedCount() != 1 {
		t.Errorf("saves = %d, want 1", p.savedCount())
	}

	// Idempotent when nothing is open.
	s.CloseOpenFence(ctx, stopAt.Add(time.Second))
	if p.savedCount() != 1 {
		t.Errorf("second CloseOpenFence persisted again: saves = %d", p.savedCount())
	}
}

func TestSegmenterSnapshotsKeepOnlyLatest(t *testing.T) {
	p := &fakePersister{}
	s := newTestSegmenter(p)
	ctx := context.Background()

	s.Apply(ctx, loc(0, 5, segBase))
	s.Apply(ctx, loc(0.0001, 5, segBase.Add(time.Second)))
	s.Apply(ctx, loc(0.0002, 5, segBase.Add(2*time.Second)))

	select {
	case snap := <-s.Snapshots():
		if len(snap) != 1 || len(snap[0].Locations) != 3 {
			t.Errorf("snapshot should reflect the latest state, got %d fences / %d locations",
				len(snap), len(snap[0].Locations))
		}
	default:
		t.Fatal("expected a pending snapshot")
	}
	select {
	case <-s.Snapshots():
		t.Fatal("stale snapshots should have been dropped")
	default:
	}
}

func TestSegmenterSnapshotsAreDeepCopies(t *testing.T) {
	p := &fakePersister{}
	s := newTestSegmenter(p)
	ctx := context.Background()

	s.Apply(ctx, loc(0, 5, segBase))
	snap := s.Fences()
	snap[0].Locations[0].Coordinate.Latitude = 99

	if got := s.Fences()[0].Locations[0].Coordinate.Latitude; got != 0 {
		t.Errorf("mutating a snapshot leaked into the segmenter: latitude = %v", got)
	}
}
