package coverage

import (
	"sync"
	"sync/atomic"
)

// keepMeasuring counts measurement runs that are currently active. The
// process holds its "keep measuring" resource (wake lock, daemon busy flag)
// while the count is above zero; the count is shared safely across
// concurrent runs via atomic increment/decrement.
var keepMeasuring atomic.Int64

// acquireMeasurementToken increments the active-run count and returns an
// idempotent release.
func acquireMeasurementToken() (release func()) {
	keepMeasuring.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { keepMeasuring.Add(-1) })
	}
}

// ActiveRunCount reports how many measurement runs are active.
func ActiveRunCount() int64 {
	return keepMeasuring.Load()
}
