package coverage

import (
	"context"
	"testing"
	"time"
)

func TestMergerPreservesPerSourceOrder(t *testing.T) {
	locs := make(chan Event, 4)
	pings := make(chan Event, 4)
	m := NewMerger(16)
	m.AddSource(locs)
	m.AddSource(pings)
	m.Start(context.Background())

	for i := 0; i < 3; i++ {
		locs <- LocationEvent{Sample: LocationSample{HorizontalAccuracy: float64(i)}}
		pings <- PingEvent{Outcome: PingOutcome{Duration: time.Duration(i) * time.Millisecond}}
	}
	close(locs)
	close(pings)

	var gotLocs []float64
	var gotPings []time.Duration
	for ev := range m.Events() {
		switch e := ev.(type) {
		case LocationEvent:
			gotLocs = append(gotLocs, e.Sample.HorizontalAccuracy)
		case PingEvent:
			gotPings = append(gotPings, e.Outcome.Duration)
		}
	}

	if len(gotLocs) != 3 || len(gotPings) != 3 {
		t.Fatalf("got %d locations and %d pings, want 3 and 3", len(gotLocs), len(gotPings))
	}
	for i := 0; i < 3; i++ {
		if gotLocs[i] != float64(i) {
			t.Errorf("location order broken: index %d = %v", i, gotLocs[i])
		}
		if gotPings[i] != time.Duration(i)*time.Millisecond {
			t.Errorf("ping order broken: index %d = %v", i, gotPings[i])
		}
	}
}

func TestMergerClosesOutputWhenSourcesClose(t *testing.T) {
	src := make(chan Event)
	m := NewMerger(1)
	m.AddSource(src)
	m.Start(context.Background())
	close(src)

	select {
	case _, ok := <-m.Events():
		if ok {
			t.Fatal("expected closed output, got an event")
		}
	case <-time.After(time.Second):
		t.Fatal("output never closed")
	}
}

func TestMergerStopsOnContextCancel(t *testing.T) {
	src := make(chan Event)
	m := NewMerger(1)
	m.AddSource(src)
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	cancel()

	select {
	case _, ok := <-m.Events():
		if ok {
			t.Fatal("expected closed output, got an event")
		}
	case <-time.After(time.Second):
		t.Fatal("output never closed after cancellation")
	}
}

func TestMergerPanicsOnAddSourceAfterStart(t *testing.T) {
	m := NewMerger(1)
	m.Start(context.Background())
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic from AddSource after Start")
		}
	}()
	m.AddSource(make(chan Event))
}
