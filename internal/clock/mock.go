package clock

import (
	"sort"
	"sync"
	"time"
)

// Mock is the testing implementation of Clock. Time only moves when the test
// calls Advance or Set; any timers or tickers that come due are fired in
// chronological order before Advance returns.
type Mock struct {
	mu  sync.Mutex
	cur time.Time

	timers  []*Timer
	tickers []*Ticker
}

// NewMock creates a Mock with the time set to midnight UTC on Jan 1, 2024.
func NewMock() *Mock {
	return &Mock{cur: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

var _ Clock = &Mock{}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

func (m *Mock) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *Mock) NewTimer(d time.Duration) *Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan time.Time, 1)
	t := &Timer{C: ch, ch: ch, mock: m, when: m.cur.Add(d)}
	m.timers = append(m.timers, t)
	return t
}

func (m *Mock) AfterFunc(d time.Duration, f func()) *Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &Timer{mock: m, fn: f, when: m.cur.Add(d)}
	m.timers = append(m.timers, t)
	return t
}

func (m *Mock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("non-positive interval for NewTicker")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan time.Time, 1)
	t := &Ticker{C: ch, ch: ch, mock: m, when: m.cur.Add(d), d: d}
	m.tickers = append(m.tickers, t)
	return t
}

// Advance moves the clock forward by d, firing due timers and tickers in
// chronological order. Functions registered via AfterFunc are run to
// completion before Advance returns, so tests observe their effects without
// racing; the mock's lock is released while they run so they may call back
// into the clock.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceLocked(d)
}

// Set moves the clock to t. Setting the time backwards is only valid before
// any timers or tickers have been created.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Before(m.cur) {
		if len(m.timers) > 0 || len(m.tickers) > 0 {
			panic("cannot set mock clock backwards with active timers")
		}
		m.cur = t
		return
	}
	m.advanceLocked(t.Sub(m.cur))
}

func (m *Mock) advanceLocked(d time.Duration) {
	fin := m.cur.Add(d)
	for {
		next, ok := m.nextEventLocked()
		if !ok || next.After(fin) {
			m.cur = fin
			return
		}
		if next.After(m.cur) {
			m.cur = next
		}
		m.fireDueLocked()
	}
}

// nextEventLocked returns the earliest pending timer or ticker deadline.
func (m *Mock) nextEventLocked() (time.Time, bool) {
	var best time.Time
	for _, t := range m.timers {
		if !t.stopped && (best.IsZero() || t.when.Before(best)) {
			best = t.when
		}
	}
	for _, t := range m.tickers {
		if !t.stopped && (best.IsZero() || t.when.Before(best)) {
			best = t.when
		}
	}
	return best, !best.IsZero()
}

func (m *Mock) fireDueLocked() {
	now := m.cur

	due := m.timers[:0:0]
	for _, t := range m.timers {
		if !t.stopped && !t.when.After(now) {
			due = append(due, t)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].when.Before(due[j].when) })
	for _, t := range due {
		m.removeTimerLocked(t)
		if t.fn != nil {
			// Release the lock so the callback can query the clock or
			// schedule new timers.
			m.mu.Unlock()
			t.fn()
			m.mu.Lock()
			continue
		}
		// Same semantics as time.Timer: drop the tick if C is full.
		select {
		case t.ch <- now:
		default:
		}
	}

	for _, t := range m.tickers {
		if t.stopped || t.when.After(now) {
			continue
		}
		select {
		case t.ch <- now:
		default:
		}
		// Skip intervals that were missed entirely, as a slow real
		// ticker receiver would.
		for !t.when.After(now) {
			t.when = t.when.Add(t.d)
		}
	}
}

func (m *Mock) stopTimer(t *Timer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.stopped {
		return false
	}
	m.removeTimerLocked(t)
	return true
}

func (m *Mock) resetTimer(t *Timer, d time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := !t.stopped
	t.when = m.cur.Add(d)
	if t.stopped {
		t.stopped = false
		m.timers = append(m.timers, t)
	}
	return active
}

func (m *Mock) removeTimerLocked(t *Timer) {
	t.stopped = true
	for i := range m.timers {
		if m.timers[i] == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

func (m *Mock) stopTicker(t *Ticker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.stopped = true
	for i := range m.tickers {
		if m.tickers[i] == t {
			m.tickers = append(m.tickers[:i], m.tickers[i+1:]...)
			return
		}
	}
}
