package coverage

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/coverage.report/internal/clock"
	"github.com/banshee-data/coverage.report/internal/control"
	"github.com/banshee-data/coverage.report/internal/pingproto"
)

// ControlPlane issues coverage session tokens.
type ControlPlane interface {
	RequestCoverageSession(ctx context.Context, loopUUID *uuid.UUID) (*control.SessionToken, error)
}

// ControllerConfig wires a measurement run.
type ControllerConfig struct {
	Clock      clock.Clock
	Control    ControlPlane
	Persister  FencePersister
	Sender     ResultsSender
	Technology TechnologyLookup
	// Dial opens the datagram channel to the ping server; defaults to
	// pingproto.DialUDP.
	Dial pingproto.Dialer

	PingInterval time.Duration
	PingTimeout  time.Duration

	FenceRadiusMeters       float64
	AccuracyThresholdMeters float64

	// Duration limits used until the control server supplies its own.
	MaxSessionDuration     time.Duration
	MaxMeasurementDuration time.Duration

	// Producers. Both channels may be closed by their owners to indicate no
	// further samples.
	Locations    <-chan LocationSample
	NetworkTypes <-chan NetworkTypeSample

	// EventBuffer sizes the merged stream; defaults to 64.
	EventBuffer int

	// OnSnapshot, when set, receives a read-only fence snapshot after every
	// engine mutation. Called from the controller's snapshot goroutine.
	OnSnapshot func([]*Fence)
}

// Controller owns one measurement run: the control-plane token and its
// chaining, the per-sub-session and total-duration timers, the ping pacer,
// and the consumer loop feeding the segmenter. The segmenter itself is only
// ever touched from the consumer goroutine (and from Stop, after that
// goroutine has exited).
type Controller struct {
	cfg ControllerConfig
	clk clock.Clock

	seg    *Segmenter
	pacer  *pingproto.Pacer
	merger *Merger

	runCtx    context.Context
	cancelRun context.CancelFunc
	consumer  chan struct{} // closed when the consumer loop exits
	sessionCh chan Event

	mu              sync.Mutex
	current         *control.SessionToken
	prevUUID        *uuid.UUID // chained into the next token request as loop_uuid
	everToken       bool
	startedAt       time.Time
	latest          []*Fence
	subSessionTimer *clock.Timer
	totalTimer      *clock.Timer

	stopOnce sync.Once
	stopped  chan struct{}
	release  func()
}

// NewController validates cfg and prepares a run. Start must be called to
// begin measuring.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Dial == nil {
		cfg.Dial = pingproto.DialUDP
	}
	if cfg.EventBuffer == 0 {
		cfg.EventBuffer = 64
	}
	if cfg.Control == nil || cfg.Persister == nil || cfg.Sender == nil || cfg.Technology == nil {
		return nil, errors.New("coverage: Control, Persister, Sender, and Technology are required")
	}
	if cfg.Locations == nil {
		return nil, errors.New("coverage: a location source is required")
	}

	c := &Controller{
		cfg:       cfg,
		clk:       cfg.Clock,
		consumer:  make(chan struct{}),
		stopped:   make(chan struct{}),
		sessionCh: make(chan Event, 4),
	}
	c.seg = NewSegmenter(SegmenterConfig{
		FenceRadiusMeters:       cfg.FenceRadiusMeters,
		AccuracyThresholdMeters: cfg.AccuracyThresholdMeters,
		Technology:              cfg.Technology,
		Persister:               cfg.Persister,
	})
	c.pacer = pingproto.NewPacer(cfg.Clock, cfg.PingInterval, c.initiateSession)
	return c, nil
}

// Start begins the measurement run. It returns immediately; the run ends
// when Stop is called, the total-duration timer expires, or ctx is
// cancelled.
func (c *Controller) Start(ctx context.Context) {
	c.release = acquireMeasurementToken()
	c.runCtx, c.cancelRun = context.WithCancel(ctx)

	// A prior process may have died with unadopted fences still in the
	// pending bucket; no run can submit them anymore. Clear the bucket before
	// this run's first fence lands, so the first token adopts only fences
	// buffered by this run.
	if err := c.cfg.Persister.DiscardPendingFences(c.runCtx); err != nil {
		log.Printf("failed to clear stale pending fences: %v", err)
	}

	c.mu.Lock()
	c.startedAt = c.clk.Now()
	c.totalTimer = c.clk.AfterFunc(c.cfg.MaxSessionDuration, func() {
		log.Print("total coverage session duration reached, stopping measurement")
		c.Stop()
	})
	c.mu.Unlock()

	c.merger = NewMerger(c.cfg.EventBuffer)
	c.merger.AddSource(adaptSource(c.runCtx, c.cfg.Locations, func(s LocationSample) Event {
		return LocationEvent{Sample: s}
	}))
	if c.cfg.NetworkTypes != nil {
		c.merger.AddSource(adaptSource(c.runCtx, c.cfg.NetworkTypes, func(s NetworkTypeSample) Event {
			return NetworkTypeEvent{Sample: s}
		}))
	}
	c.merger.AddSource(adaptSource(c.runCtx, c.pacer.Outcomes(), func(o pingproto.Outcome) Event {
		return PingEvent{Outcome: PingOutcome{Timestamp: o.Timestamp, Duration: o.Duration, Err: o.Err}}
	}))
	c.merger.AddSource(c.sessionCh)
	c.merger.Start(c.runCtx)

	go c.pacer.Run(c.runCtx)
	go c.consume()
	go func() {
		// Mirror the run context into Stop so cancelling the parent context
		// tears the run down completely.
		<-c.runCtx.Done()
		c.Stop()
	}()
}

// adaptSource forwards a typed producer channel as an Event channel.
func adaptSource[T any](ctx context.Context, src <-chan T, wrap func(T) Event) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- wrap(v):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// consume is the single logical consumer: all fence-list mutation happens
// here, which is why the segmenter needs no locking.
func (c *Controller) consume() {
	defer close(c.consumer)
	for ev := range c.merger.Events() {
		c.seg.Apply(c.runCtx, ev)
		c.publishSnapshot()
	}
}

func (c *Controller) publishSnapshot() {
	select {
	case snap := <-c.seg.Snapshots():
		c.mu.Lock()
		c.latest = snap
		c.mu.Unlock()
		if c.cfg.OnSnapshot != nil {
			c.cfg.OnSnapshot(snap)
		}
	default:
	}
}

// initiateSession is the pacer's Initiator: it requests a token (chained via
// loop_uuid after a reinitialization), records the anchor instant, arms the
// sub-session timer, announces the session on the merged stream, and dials
// the ping server.
func (c *Controller) initiateSession(ctx context.Context) (pingproto.PingSender, error) {
	c.mu.Lock()
	loop := c.prevUUID
	c.mu.Unlock()

	tok, err := c.cfg.Control.RequestCoverageSession(ctx, loop)
	if err != nil {
		// Retried on the pacer's next tick; fences keep buffering with no
		// session UUID in the meantime.
		return nil, err
	}
	anchor := c.clk.Now()

	c.mu.Lock()
	first := !c.everToken
	c.everToken = true
	reinit := loop != nil
	c.current = tok
	if first && tok.MaxSessionSeconds > 0 {
		c.totalTimer.Reset(time.Duration(tok.MaxSessionSeconds) * time.Second)
	}
	measureFor := c.cfg.MaxMeasurementDuration
	if tok.MaxMeasurementSeconds > 0 {
		measureFor = time.Duration(tok.MaxMeasurementSeconds) * time.Second
	}
	if c.subSessionTimer != nil {
		c.subSessionTimer.Stop()
	}
	c.subSessionTimer = c.clk.AfterFunc(measureFor, c.reinitialize)
	c.mu.Unlock()

	if err := c.cfg.Persister.SessionStarted(ctx, tok.TestUUID, anchor, anchor); err != nil {
		log.Printf("failed to persist session start for %s: %v", tok.TestUUID, err)
	}
	c.cfg.Sender.SetActiveSession(&tok.TestUUID)

	select {
	case c.sessionCh <- SessionEvent{TestUUID: tok.TestUUID, Anchor: anchor, Reinitialized: reinit}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	conn, err := c.cfg.Dial(ctx, tok.PingHost, tok.PingPort)
	if err != nil {
		return nil, err
	}
	return pingproto.NewPinger(conn, tok.PingToken, c.clk, c.cfg.PingTimeout), nil
}

// reinitialize runs when the per-sub-session timer expires: the current
// sub-session is finalized and the pacer is forced to request a fresh,
// chained token on its next tick. Measurement continues without
// interruption; the fence open at this boundary moves to the new
// sub-session once its token arrives.
func (c *Controller) reinitialize() {
	c.mu.Lock()
	cur := c.current
	if cur == nil {
		c.mu.Unlock()
		return
	}
	prev := cur.TestUUID
	c.prevUUID = &prev
	c.current = nil
	c.mu.Unlock()

	log.Printf("sub-session %s reached its measurement limit, chaining a new session", prev)
	if err := c.cfg.Persister.SessionFinalized(c.runCtx, prev, c.clk.Now()); err != nil {
		log.Printf("failed to finalize session %s: %v", prev, err)
	}
	c.pacer.ForceReinit()
}

// Stop ends the run: producers and the pacer are cancelled, the open fence
// is closed, the active sub-session is finalized and submitted, and the
// measurement token is released. A run stopped before any token was ever
// obtained is discarded whole, with no submission and nothing persisted.
// Safe to call multiple times.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		if c.cancelRun == nil {
			close(c.stopped)
			return // never started
		}
		defer close(c.stopped)
		defer c.release()

		c.cancelRun()
		<-c.consumer // after this, the segmenter is ours to touch

		c.mu.Lock()
		if c.subSessionTimer != nil {
			c.subSessionTimer.Stop()
		}
		c.totalTimer.Stop()
		ever := c.everToken
		cur := c.current
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if !ever {
			if err := c.cfg.Persister.DiscardPendingFences(ctx); err != nil {
				log.Printf("failed to discard pending fences: %v", err)
			}
			log.Print("measurement stopped before any session token; discarding run")
			return
		}

		now := c.clk.Now()
		c.seg.CloseOpenFence(ctx, now)
		if cur != nil {
			if err := c.cfg.Persister.SessionFinalized(ctx, cur.TestUUID, now); err != nil {
				log.Printf("failed to finalize session %s: %v", cur.TestUUID, err)
			}
		}

		fences := c.seg.Fences()
		c.mu.Lock()
		c.latest = fences
		c.mu.Unlock()

		if err := c.cfg.Sender.Send(ctx, c.seg.ActiveSession(), fences); err != nil {
			log.Printf("failed to submit coverage results: %v", err)
		}
		c.cfg.Sender.SetActiveSession(nil)
	})
}

// Done is closed once Stop has completed.
func (c *Controller) Done() <-chan struct{} { return c.stopped }

// Status is a point-in-time summary of the run for the HTTP API.
type Status struct {
	Running           bool       `json:"running"`
	StartedAt         time.Time  `json:"started_at"`
	ActiveSession     *uuid.UUID `json:"active_session,omitempty"`
	FenceCount        int        `json:"fence_count"`
	OpenFence         bool       `json:"open_fence"`
	SmoothedRTTMillis float64    `json:"smoothed_rtt_ms"`
}

// Status reports the run's current state. Safe to call from any goroutine.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		StartedAt:         c.startedAt,
		FenceCount:        len(c.latest),
		SmoothedRTTMillis: c.pacer.SmoothedRTTMillis(),
	}
	select {
	case <-c.stopped:
	default:
		st.Running = true
	}
	if c.current != nil {
		u := c.current.TestUUID
		st.ActiveSession = &u
	}
	if n := len(c.latest); n > 0 && c.latest[n-1].Open() {
		st.OpenFence = true
	}
	return st
}

// Fences returns the latest fence snapshot.
func (c *Controller) Fences() []*Fence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}
