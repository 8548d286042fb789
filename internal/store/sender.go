package store

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/banshee-data/coverage.report/internal/clock"
	"github.com/banshee-data/coverage.report/internal/control"
	"github.com/banshee-data/coverage.report/internal/coverage"
)

// Submitter is the control-plane surface the sender needs.
type Submitter interface {
	SubmitCoverageResult(ctx context.Context, testUUID uuid.UUID, fences []control.FenceResult) error
}

// Sender submits fence groups and sweeps persisted, unacknowledged sessions.
// A session's stored fences are deleted if and only if a submission observed
// a success response; failures leave everything in place for the next sweep.
type Sender struct {
	store        *Store
	client       Submitter
	clk          clock.Clock
	maxResendAge time.Duration
	limiter      *rate.Limiter

	mu     sync.Mutex
	active *uuid.UUID
}

// NewSender creates a Sender. ratePerMin caps submission attempts across
// direct sends and sweeps.
func NewSender(store *Store, client Submitter, clk clock.Clock, maxResendAge time.Duration, ratePerMin int) *Sender {
	return &Sender{
		store:        store,
		client:       client,
		clk:          clk,
		maxResendAge: maxResendAge,
		limiter:      rate.NewLimiter(rate.Limit(float64(ratePerMin)/60.0), 1),
	}
}

var _ coverage.ResultsSender = (*Sender)(nil)

// SetActiveSession records the session currently being measured so sweeps
// skip it. Pass nil when no run is active.
func (s *Sender) SetActiveSession(u *uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u == nil {
		s.active = nil
		return
	}
	cp := *u
	s.active = &cp
}

func (s *Sender) activeSession() *uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	cp := *s.active
	return &cp
}

// Send filters fences to those owned by the active session and submits them;
// when none match it performs a resend-only pass instead. On a confirmed
// success the session's stored data is deleted.
func (s *Sender) Send(ctx context.Context, active *uuid.UUID, fences []*coverage.Fence) error {
	if active == nil {
		return s.Sweep(ctx, false)
	}

	var matching []*coverage.Fence
	for _, f := range fences {
		if f.SessionUUID != nil && *f.SessionUUID == *active {
			matching = append(matching, f)
		}
	}
	if len(matching) == 0 {
		return s.Sweep(ctx, false)
	}

	anchor, ok, err := s.store.SessionAnchor(ctx, *active)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no anchor recorded for session %s", active)
	}

	results := make([]control.FenceResult, 0, len(matching))
	for _, f := range matching {
		r := control.FenceResult{
			TimestampMicros: f.DateEntered.UnixMicro(),
			OffsetMs:        offsetMillis(f.DateEntered, anchor),
			RadiusM:         f.RadiusMeters,
		}
		if d := f.DurationMillis(); d != nil {
			r.DurationMs = d
		}
		if t := f.SignificantTechnology(); t != nil {
			r.Technology = t.Technology
			r.TechnologyID = t.TechnologyID
		}
		results = append(results, r)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := s.client.SubmitCoverageResult(ctx, *active, results); err != nil {
		return fmt.Errorf("failed to submit session %s: %w", active, err)
	}
	if err := s.store.DeleteSession(ctx, *active); err != nil {
		// The backend has the data; the next sweep retries the delete via a
		// duplicate submission, which the server tolerates by test_uuid.
		return fmt.Errorf("submitted session %s but failed to delete it: %w", active, err)
	}
	return nil
}

// Sweep is the resend pass over persisted sessions: it purges sessions older
// than the max resend age and finalized sessions with nothing to submit,
// then submits each remaining finalized session exactly once, most recently
// finalized first. Per-session submission failures are logged and skipped so
// one bad session cannot block the rest.
func (s *Sender) Sweep(ctx context.Context, isLaunch bool) error {
	cutoff := s.clk.Now().Add(-s.maxResendAge)
	if n, err := s.store.PurgeOlderThan(ctx, cutoff); err != nil {
		return err
	} else if n > 0 {
		log.Printf("purged %d coverage session(s) older than %s", n, s.maxResendAge)
	}
	if err := s.store.PurgeEmptyFinalized(ctx); err != nil {
		return err
	}

	sessions, err := s.store.ResendableSessions(ctx, s.activeSession())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}
	kind := "periodic"
	if isLaunch {
		kind = "launch"
	}
	log.Printf("%s resend sweep: %d session(s) pending", kind, len(sessions))

	for _, sess := range sessions {
		if err := s.resendSession(ctx, sess); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("resend of session %s failed, keeping for next sweep: %v", sess.TestUUID, err)
		}
	}
	return nil
}

func (s *Sender) resendSession(ctx context.Context, sess PersistedSession) error {
	fences, err := s.store.FencesForSession(ctx, sess.TestUUID)
	if err != nil {
		return err
	}
	if len(fences) == 0 {
		return nil
	}

	var anchor time.Time
	if sess.Anchor != nil {
		anchor = *sess.Anchor
	} else {
		anchor = sess.StartedAt
	}

	results := make([]control.FenceResult, 0, len(fences))
	for _, f := range fences {
		r := control.FenceResult{
			TimestampMicros: f.Entered.UnixMicro(),
			OffsetMs:        offsetMillis(f.Entered, anchor),
			RadiusM:         f.RadiusM,
			Technology:      f.Technology,
			TechnologyID:    f.TechnologyID,
		}
		if f.Exited != nil {
			d := f.Exited.Sub(f.Entered).Milliseconds()
			r.DurationMs = &d
		}
		results = append(results, r)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := s.client.SubmitCoverageResult(ctx, sess.TestUUID, results); err != nil {
		return err
	}
	return s.store.DeleteSession(ctx, sess.TestUUID)
}

// offsetMillis is the submitted fence offset: milliseconds between the fence
// timestamp and the session anchor, rounded, negative for fences observed
// before the anchor (offline start).
func offsetMillis(t, anchor time.Time) int64 {
	return int64(math.Round(float64(t.Sub(anchor)) / float64(time.Millisecond)))
}
