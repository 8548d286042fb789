// Package clock abstracts time so the measurement engine's timers and
// tickers can be driven deterministically in tests. Production code uses
// New(); tests use NewMock() and step time with Advance.
package clock

import "time"

// Clock mimics the standard library time functions the engine needs.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration
	// NewTimer creates a Timer that sends the current time on C after d.
	NewTimer(d time.Duration) *Timer
	// NewTicker creates a Ticker that sends the current time on C every d.
	NewTicker(d time.Duration) *Ticker
	// AfterFunc waits for d to elapse and then calls f in its own goroutine.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer wraps either a real time.Timer or a mock-driven one.
type Timer struct {
	C <-chan time.Time

	timer *time.Timer

	// mock-driven fields
	mock    *Mock
	ch      chan time.Time
	fn      func()
	when    time.Time
	stopped bool
}

// Stop prevents the timer from firing. It reports whether the timer was
// still pending.
func (t *Timer) Stop() bool {
	if t.timer != nil {
		return t.timer.Stop()
	}
	return t.mock.stopTimer(t)
}

// Reset changes the timer to expire after duration d.
func (t *Timer) Reset(d time.Duration) bool {
	if t.timer != nil {
		return t.timer.Reset(d)
	}
	return t.mock.resetTimer(t, d)
}

// Ticker wraps either a real time.Ticker or a mock-driven one.
type Ticker struct {
	C <-chan time.Time

	ticker *time.Ticker

	mock    *Mock
	ch      chan time.Time
	when    time.Time
	d       time.Duration
	stopped bool
}

// Stop turns off the ticker. It does not close C.
func (t *Ticker) Stop() {
	if t.ticker != nil {
		t.ticker.Stop()
		return
	}
	t.mock.stopTicker(t)
}

type realClock struct{}

// New returns a Clock backed by the standard library.
func New() Clock { return realClock{} }

func (realClock) Now() time.Time                  { return time.Now() }
func (realClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (realClock) NewTimer(d time.Duration) *Timer {
	tm := time.NewTimer(d)
	return &Timer{C: tm.C, timer: tm}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	tk := time.NewTicker(d)
	return &Ticker{C: tk.C, ticker: tk}
}

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	tm := time.AfterFunc(d, f)
	return &Timer{timer: tm}
}
