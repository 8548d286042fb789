// Package coverage implements the network coverage measurement engine: it
// segments a stream of location, ping, and radio-technology events into
// geographic fences, groups them under control-plane sub-sessions, and hands
// completed fence groups to the persistence layer for submission.
package coverage

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Coordinate is a WGS84 latitude/longitude pair.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DistanceMeters returns the great-circle distance to other in meters.
func (c Coordinate) DistanceMeters(other Coordinate) float64 {
	return geo.Distance(
		orb.Point{c.Longitude, c.Latitude},
		orb.Point{other.Longitude, other.Latitude},
	)
}

// LocationSample is a single position fix from the location source.
type LocationSample struct {
	Coordinate         Coordinate `json:"coordinate"`
	HorizontalAccuracy float64    `json:"horizontal_accuracy"`
	Timestamp          time.Time  `json:"timestamp"`
}

// PingOutcome is the result of one ping attempt. Err is nil on success, in
// which case Duration holds the measured round trip time.
type PingOutcome struct {
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// Success reports whether the attempt measured a round trip.
func (p PingOutcome) Success() bool { return p.Err == nil }

// NetworkType distinguishes the active data path.
type NetworkType int

const (
	NetworkTypeCellular NetworkType = iota
	NetworkTypeWifi
)

func (n NetworkType) String() string {
	if n == NetworkTypeWifi {
		return "wifi"
	}
	return "cellular"
}

// NetworkTypeSample records a change of the active network type.
type NetworkTypeSample struct {
	Type      NetworkType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// TechnologySample is a point sample of the radio access technology.
type TechnologySample struct {
	Technology   string    `json:"technology"`    // e.g. "LTE"
	TechnologyID int       `json:"technology_id"` // numeric code used by the backend
	Timestamp    time.Time `json:"timestamp"`
}

// InaccurateLocationWindow is a half-open time interval during which location
// accuracy was below threshold. End is nil while the window is still open.
type InaccurateLocationWindow struct {
	Begin time.Time
	End   *time.Time
}

// Contains reports whether t falls inside the window.
func (w InaccurateLocationWindow) Contains(t time.Time) bool {
	if t.Before(w.Begin) {
		return false
	}
	return w.End == nil || t.Before(*w.End)
}

// Fence is a contiguous spatial cell grouping the latency and technology
// samples observed while the device stayed within RadiusMeters of its
// starting location.
type Fence struct {
	ID               uuid.UUID
	StartingLocation LocationSample
	DateEntered      time.Time
	DateExited       *time.Time
	Locations        []LocationSample
	PingOutcomes     []PingOutcome
	Technologies     []TechnologySample
	RadiusMeters     float64

	// SessionUUID is nil until a control-plane token is known; fences
	// buffered before the first token adopt it retroactively.
	SessionUUID *uuid.UUID
}

// Open reports whether the fence has not been exited yet.
func (f *Fence) Open() bool { return f.DateExited == nil }

// AveragePingMillis returns the arithmetic mean of all successful ping
// durations in milliseconds, rounded to the nearest integer, or nil when the
// fence has no successful pings.
func (f *Fence) AveragePingMillis() *int64 {
	var sum float64
	var n int
	for _, p := range f.PingOutcomes {
		if p.Success() {
			sum += float64(p.Duration) / float64(time.Millisecond)
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := int64(math.Round(sum / float64(n)))
	return &avg
}

// SignificantTechnology returns the most recently appended technology sample,
// or nil if none was recorded.
func (f *Fence) SignificantTechnology() *TechnologySample {
	if len(f.Technologies) == 0 {
		return nil
	}
	t := f.Technologies[len(f.Technologies)-1]
	return &t
}

// DurationMillis returns the fence dwell time in milliseconds, or nil while
// the fence is still open.
func (f *Fence) DurationMillis() *int64 {
	if f.DateExited == nil {
		return nil
	}
	d := f.DateExited.Sub(f.DateEntered).Milliseconds()
	return &d
}

// Clone returns a deep copy, used for read-only snapshots handed to
// observers outside the consumer goroutine.
func (f *Fence) Clone() *Fence {
	c := *f
	c.Locations = append([]LocationSample(nil), f.Locations...)
	c.PingOutcomes = append([]PingOutcome(nil), f.PingOutcomes...)
	c.Technologies = append([]TechnologySample(nil), f.Technologies...)
	if f.DateExited != nil {
		t := *f.DateExited
		c.DateExited = &t
	}
	if f.SessionUUID != nil {
		u := *f.SessionUUID
		c.SessionUUID = &u
	}
	return &c
}

// SubSession is one control-plane token lifetime within a measurement run.
type SubSession struct {
	TestUUID    uuid.UUID
	StartedAt   time.Time
	AnchorAt    *time.Time // wall-clock moment the token was confirmed
	FinalizedAt *time.Time
}
