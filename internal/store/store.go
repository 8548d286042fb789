// Package store persists fences and sub-sessions in a local sqlite database
// and implements the submission/resend engine that delivers fence groups to
// the control server with exactly-once-on-success semantics.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/coverage.report/internal/coverage"
)

// Store wraps the sqlite database holding fences and sessions.
type Store struct {
	*sql.DB
}

// Open opens (or creates) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

var _ coverage.FencePersister = (*Store)(nil)

// SaveFence upserts a fence row under its session UUID, or under the pending
// bucket (NULL session_uuid) when no token is known yet.
func (s *Store) SaveFence(ctx context.Context, f *coverage.Fence) error {
	var sessionUUID interface{}
	if f.SessionUUID != nil {
		sessionUUID = f.SessionUUID.String()
	}
	var exited interface{}
	if f.DateExited != nil {
		exited = f.DateExited.UnixMicro()
	}
	var avgPing interface{}
	if v := f.AveragePingMillis(); v != nil {
		avgPing = *v
	}
	technology := ""
	technologyID := 0
	if t := f.SignificantTechnology(); t != nil {
		technology = t.Technology
		technologyID = t.TechnologyID
	}

	_, err := s.ExecContext(ctx, `
		INSERT INTO coverage_fences (
			fence_id, session_uuid, entered_unix_micro, exited_unix_micro,
			latitude, longitude, radius_m, avg_ping_ms, ping_count,
			technology, technology_id, saved_unix_micro
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fence_id) DO UPDATE SET
			session_uuid = excluded.session_uuid,
			exited_unix_micro = excluded.exited_unix_micro,
			avg_ping_ms = excluded.avg_ping_ms,
			ping_count = excluded.ping_count,
			technology = excluded.technology,
			technology_id = excluded.technology_id`,
		f.ID.String(), sessionUUID, f.DateEntered.UnixMicro(), exited,
		f.StartingLocation.Coordinate.Latitude, f.StartingLocation.Coordinate.Longitude,
		f.RadiusMeters, avgPing, len(f.PingOutcomes),
		technology, technologyID, time.Now().UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("failed to save fence %s: %w", f.ID, err)
	}
	return nil
}

// SessionStarted records a new sub-session with its anchor instant. Calling
// it twice for the same test UUID is a no-op.
func (s *Store) SessionStarted(ctx context.Context, testUUID uuid.UUID, startedAt, anchor time.Time) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO coverage_sessions (test_uuid, started_unix_micro, anchor_unix_micro)
		VALUES (?, ?, ?)
		ON CONFLICT(test_uuid) DO NOTHING`,
		testUUID.String(), startedAt.UnixMicro(), anchor.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("failed to record session start for %s: %w", testUUID, err)
	}
	return nil
}

// SessionFinalized marks a sub-session complete, making it eligible for
// resend sweeps.
func (s *Store) SessionFinalized(ctx context.Context, testUUID uuid.UUID, at time.Time) error {
	_, err := s.ExecContext(ctx, `
		UPDATE coverage_sessions SET finalized_unix_micro = ? WHERE test_uuid = ?`,
		at.UnixMicro(), testUUID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to finalize session %s: %w", testUUID, err)
	}
	return nil
}

// AdoptPendingFences re-tags every pending-bucket fence with testUUID. Used
// once the first token of an offline-started run arrives; the run clears the
// bucket at start, so everything pending belongs to it.
func (s *Store) AdoptPendingFences(ctx context.Context, testUUID uuid.UUID) error {
	_, err := s.ExecContext(ctx, `
		UPDATE coverage_fences SET session_uuid = ? WHERE session_uuid IS NULL`,
		testUUID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to adopt pending fences for %s: %w", testUUID, err)
	}
	return nil
}

// DiscardPendingFences drops the pending bucket. Called when a run starts, so
// stale fences from a crashed prior process cannot leak into its sessions, and
// when a run stops before any token was ever obtained.
func (s *Store) DiscardPendingFences(ctx context.Context) error {
	_, err := s.ExecContext(ctx, `DELETE FROM coverage_fences WHERE session_uuid IS NULL`)
	if err != nil {
		return fmt.Errorf("failed to discard pending fences: %w", err)
	}
	return nil
}

// DeleteSession removes a session and all its fences. Called only after a
// confirmed successful submission, which is what yields the
// exactly-once-on-success guarantee.
func (s *Store) DeleteSession(ctx context.Context, testUUID uuid.UUID) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete for session %s: %w", testUUID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM coverage_fences WHERE session_uuid = ?`, testUUID.String()); err != nil {
		return fmt.Errorf("failed to delete fences for session %s: %w", testUUID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM coverage_sessions WHERE test_uuid = ?`, testUUID.String()); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", testUUID, err)
	}
	return tx.Commit()
}

// SessionAnchor returns the anchor instant recorded for testUUID.
func (s *Store) SessionAnchor(ctx context.Context, testUUID uuid.UUID) (time.Time, bool, error) {
	var anchor sql.NullInt64
	err := s.QueryRowContext(ctx,
		`SELECT anchor_unix_micro FROM coverage_sessions WHERE test_uuid = ?`,
		testUUID.String(),
	).Scan(&anchor)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read anchor for session %s: %w", testUUID, err)
	}
	if !anchor.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMicro(anchor.Int64), true, nil
}

// PersistedFence is a fence row read back from storage.
type PersistedFence struct {
	ID           uuid.UUID
	SessionUUID  *uuid.UUID
	Entered      time.Time
	Exited       *time.Time
	Latitude     float64
	Longitude    float64
	RadiusM      float64
	AvgPingMs    *int64
	PingCount    int
	Technology   string
	TechnologyID int
}

// FencesForSession returns a session's fences ordered by entry time.
func (s *Store) FencesForSession(ctx context.Context, testUUID uuid.UUID) ([]PersistedFence, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT fence_id, session_uuid, entered_unix_micro, exited_unix_micro,
			latitude, longitude, radius_m, avg_ping_ms, ping_count,
			technology, technology_id
		FROM coverage_fences WHERE session_uuid = ?
		ORDER BY entered_unix_micro ASC`,
		testUUID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query fences for session %s: %w", testUUID, err)
	}
	defer rows.Close()

	var out []PersistedFence
	for rows.Next() {
		var (
			f          PersistedFence
			id         string
			session    sql.NullString
			entered    int64
			exited     sql.NullInt64
			avgPing    sql.NullInt64
		)
		if err := rows.Scan(&id, &session, &entered, &exited,
			&f.Latitude, &f.Longitude, &f.RadiusM, &avgPing, &f.PingCount,
			&f.Technology, &f.TechnologyID); err != nil {
			return nil, fmt.Errorf("failed to scan fence row: %w", err)
		}
		f.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("invalid fence id %q: %w", id, err)
		}
		if session.Valid {
			u, err := uuid.Parse(session.String)
			if err != nil {
				return nil, fmt.Errorf("invalid session uuid %q: %w", session.String, err)
			}
			f.SessionUUID = &u
		}
		f.Entered = time.UnixMicro(entered)
		if exited.Valid {
			t := time.UnixMicro(exited.Int64)
			f.Exited = &t
		}
		if avgPing.Valid {
			v := avgPing.Int64
			f.AvgPingMs = &v
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// PersistedSession summarizes a stored sub-session.
type PersistedSession struct {
	TestUUID        uuid.UUID
	StartedAt       time.Time
	Anchor          *time.Time
	FinalizedAt     *time.Time
	FenceCount      int
	MinFenceEntered time.Time
}

// ResendableSessions returns finalized sessions that still hold fences,
// excluding the given active session, ordered most-recently-finalized first
// (sort key: each session's earliest fence timestamp, descending).
func (s *Store) ResendableSessions(ctx context.Context, exclude *uuid.UUID) ([]PersistedSession, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT cs.test_uuid, cs.started_unix_micro, cs.anchor_unix_micro,
			cs.finalized_unix_micro, COUNT(cf.fence_id), MIN(cf.entered_unix_micro)
		FROM coverage_sessions cs
		JOIN coverage_fences cf ON cf.session_uuid = cs.test_uuid
		WHERE cs.finalized_unix_micro IS NOT NULL
		GROUP BY cs.test_uuid
		ORDER BY MIN(cf.entered_unix_micro) DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query resendable sessions: %w", err)
	}
	defer rows.Close()

	var out []PersistedSession
	for rows.Next() {
		var (
			id        string
			started   int64
			anchor    sql.NullInt64
			finalized sql.NullInt64
			count     int
			minEnter  int64
		)
		if err := rows.Scan(&id, &started, &anchor, &finalized, &count, &minEnter); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		u, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("invalid session uuid %q: %w", id, err)
		}
		if exclude != nil && u == *exclude {
			continue
		}
		ps := PersistedSession{
			TestUUID:        u,
			StartedAt:       time.UnixMicro(started),
			FenceCount:      count,
			MinFenceEntered: time.UnixMicro(minEnter),
		}
		if anchor.Valid {
			t := time.UnixMicro(anchor.Int64)
			ps.Anchor = &t
		}
		if finalized.Valid {
			t := time.UnixMicro(finalized.Int64)
			ps.FinalizedAt = &t
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

// PurgeOlderThan removes sessions started before cutoff (sent or not) along
// with their fences, plus pending-bucket fences older than cutoff. Returns
// the number of sessions purged.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin purge: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM coverage_fences WHERE session_uuid IN (
			SELECT test_uuid FROM coverage_sessions WHERE started_unix_micro < ?
		)`, cutoff.UnixMicro()); err != nil {
		return 0, fmt.Errorf("failed to purge old fences: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM coverage_sessions WHERE started_unix_micro < ?`, cutoff.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("failed to purge old sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM coverage_fences WHERE session_uuid IS NULL AND entered_unix_micro < ?`,
		cutoff.UnixMicro()); err != nil {
		return 0, fmt.Errorf("failed to purge stale pending fences: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// PurgeEmptyFinalized removes finalized sessions that hold no fences; they
// have nothing to submit and would otherwise linger forever.
func (s *Store) PurgeEmptyFinalized(ctx context.Context) error {
	_, err := s.ExecContext(ctx, `
		DELETE FROM coverage_sessions
		WHERE finalized_unix_micro IS NOT NULL
		AND test_uuid NOT IN (
			SELECT DISTINCT session_uuid FROM coverage_fences WHERE session_uuid IS NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to purge empty finalized sessions: %w", err)
	}
	return nil
}
