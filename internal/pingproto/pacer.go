package pingproto

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/VividCortex/ewma"

	"github.com/banshee-data/coverage.report/internal/clock"
)

// ErrInitiationInProgress is the synthetic outcome emitted for ticks that
// fire while session initiation is still underway, so a slow control plane
// does not block the cadence.
var ErrInitiationInProgress = errors.New("ping session initiation in progress")

// Outcome is one timestamped ping attempt result. Err is nil on success.
type Outcome struct {
	Timestamp time.Time
	Duration  time.Duration
	Err       error
}

// Initiator obtains a fresh ping session: control-plane token request plus
// datagram dial. Supplied by the session lifecycle controller.
type Initiator func(ctx context.Context) (PingSender, error)

type pacerState int

const (
	stateNeedsInitiation pacerState = iota
	stateInProgress
	stateReady
)

// Pacer emits one ping attempt per interval, starting with an immediate tick.
// Attempts may overlap in flight; each runs on its own goroutine and reports
// through the outcome channel. The pacer never terminates on its own; it
// stops only when its context is cancelled.
type Pacer struct {
	clk      clock.Clock
	interval time.Duration
	initiate Initiator
	out      chan Outcome

	mu     sync.Mutex
	state  pacerState
	sender PingSender
	avg    ewma.MovingAverage
	avgSet bool
}

// NewPacer creates a Pacer. Run must be called to start the cadence.
func NewPacer(clk clock.Clock, interval time.Duration, initiate Initiator) *Pacer {
	return &Pacer{
		clk:      clk,
		interval: interval,
		initiate: initiate,
		out:      make(chan Outcome, 64),
		avg:      ewma.NewMovingAverage(),
	}
}

// Outcomes returns the stream of ping results.
func (p *Pacer) Outcomes() <-chan Outcome { return p.out }

// Run drives the tick loop until ctx is cancelled. The first tick fires
// immediately.
func (p *Pacer) Run(ctx context.Context) {
	p.tick(ctx)
	ticker := p.clk.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.ForceReinit()
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Pacer) tick(ctx context.Context) {
	p.mu.Lock()
	switch p.state {
	case stateReady:
		sender := p.sender
		p.mu.Unlock()
		go p.ping(ctx, sender)
	case stateNeedsInitiation:
		p.state = stateInProgress
		p.mu.Unlock()
		go p.initiateAndPing(ctx)
	case stateInProgress:
		p.mu.Unlock()
		p.emit(ctx, Outcome{Timestamp: p.clk.Now(), Err: ErrInitiationInProgress})
	}
}

func (p *Pacer) initiateAndPing(ctx context.Context) {
	sender, err := p.initiate(ctx)
	if err != nil {
		p.mu.Lock()
		p.state = stateNeedsInitiation // retried on the next tick
		p.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		p.emit(ctx, Outcome{Timestamp: p.clk.Now(), Err: err})
		return
	}
	p.mu.Lock()
	p.sender = sender
	p.state = stateReady
	p.mu.Unlock()
	p.ping(ctx, sender)
}

func (p *Pacer) ping(ctx context.Context, sender PingSender) {
	start := p.clk.Now()
	d, err := sender.Ping(ctx)
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, ErrSessionInvalid) {
		p.invalidate(sender)
	}
	if err == nil {
		p.mu.Lock()
		p.avg.Add(float64(d) / float64(time.Millisecond))
		p.avgSet = true
		p.mu.Unlock()
	}
	p.emit(ctx, Outcome{Timestamp: start, Duration: d, Err: err})
}

// invalidate discards the given sender if it is still current, dropping back
// to NeedsInitiation before the next tick.
func (p *Pacer) invalidate(sender PingSender) {
	p.mu.Lock()
	current := p.sender == sender
	if current {
		p.sender = nil
		p.state = stateNeedsInitiation
	}
	p.mu.Unlock()
	if current {
		sender.Close()
	}
}

// ForceReinit discards the current session so the next tick initiates a new
// one. Used by the lifecycle controller at sub-session boundaries.
func (p *Pacer) ForceReinit() {
	p.mu.Lock()
	sender := p.sender
	p.sender = nil
	if p.state == stateReady {
		p.state = stateNeedsInitiation
	}
	p.mu.Unlock()
	if sender != nil {
		sender.Close()
	}
}

// SmoothedRTTMillis returns an exponentially weighted moving average of the
// successful round trip times, or 0 before the first success.
func (p *Pacer) SmoothedRTTMillis() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.avgSet {
		return 0
	}
	return p.avg.Value()
}

func (p *Pacer) emit(ctx context.Context, o Outcome) {
	select {
	case p.out <- o:
	case <-ctx.Done():
	}
}
