package coverage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FencePersister is the durable storage collaborator. Persistence is
// best-effort from the engine's point of view: failures are logged by the
// caller and never interrupt event processing.
type FencePersister interface {
	// SaveFence durably appends a fence under its session UUID, or under the
	// pending bucket when the fence has no session yet.
	SaveFence(ctx context.Context, f *Fence) error
	// SessionStarted records a new sub-session and its anchor instant.
	SessionStarted(ctx context.Context, testUUID uuid.UUID, startedAt, anchor time.Time) error
	// SessionFinalized marks a sub-session as complete and eligible for
	// resend sweeps.
	SessionFinalized(ctx context.Context, testUUID uuid.UUID, at time.Time) error
	// AdoptPendingFences re-tags all pending-bucket fences with testUUID.
	AdoptPendingFences(ctx context.Context, testUUID uuid.UUID) error
	// DiscardPendingFences drops the pending bucket. Used at run start to
	// clear stale fences left by a crashed prior process, and at stop when no
	// token was ever obtained.
	DiscardPendingFences(ctx context.Context) error
}

// ResultsSender submits fence groups to the backend. Send filters fences to
// the given active session; when none match it only performs a resend pass.
// SetActiveSession tells the sender which session to skip during background
// sweeps; nil means no run is active.
type ResultsSender interface {
	Send(ctx context.Context, active *uuid.UUID, fences []*Fence) error
	SetActiveSession(u *uuid.UUID)
}

// TechnologyLookup is a point query for the current radio access technology.
type TechnologyLookup interface {
	Current() TechnologySample
}

// TechnologyLookupFunc adapts a function to the TechnologyLookup interface.
type TechnologyLookupFunc func() TechnologySample

func (f TechnologyLookupFunc) Current() TechnologySample { return f() }
