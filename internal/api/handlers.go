package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/coverage.report/internal/coverage"
	"github.com/banshee-data/coverage.report/internal/httputil"
)

// sampleBuffer sizes the location and network type channels feeding a run.
const sampleBuffer = 64

type statusView struct {
	Running           bool       `json:"running"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	ActiveSession     *uuid.UUID `json:"active_session,omitempty"`
	FenceCount        int        `json:"fence_count"`
	OpenFence         bool       `json:"open_fence"`
	SmoothedRTTMillis float64    `json:"smoothed_rtt_ms"`
	ActiveRuns        int64      `json:"active_runs"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	view := statusView{ActiveRuns: coverage.ActiveRunCount()}
	if ctrl := s.currentController(); ctrl != nil {
		st := ctrl.Status()
		view.Running = st.Running
		view.ActiveSession = st.ActiveSession
		view.FenceCount = st.FenceCount
		view.OpenFence = st.OpenFence
		view.SmoothedRTTMillis = st.SmoothedRTTMillis
		if !st.StartedAt.IsZero() {
			t := st.StartedAt
			view.StartedAt = &t
		}
	}
	httputil.WriteJSONOK(w, view)
}

type sessionView struct {
	TestUUID    uuid.UUID  `json:"test_uuid"`
	StartedAt   time.Time  `json:"started_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
	FenceCount  int        `json:"fence_count"`
}

// listSessions returns the finalized sessions still awaiting a successful
// submission. ?session=<uuid> narrows the response to that session's fences.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	if q := r.URL.Query().Get("session"); q != "" {
		testUUID, err := uuid.Parse(q)
		if err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid session uuid %q", q))
			return
		}
		fences, err := s.store.FencesForSession(r.Context(), testUUID)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to load fences: %v", err))
			return
		}
		httputil.WriteJSONOK(w, fences)
		return
	}

	sessions, err := s.store.ResendableSessions(r.Context(), nil)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load sessions: %v", err))
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionView{
			TestUUID:    sess.TestUUID,
			StartedAt:   sess.StartedAt,
			FinalizedAt: sess.FinalizedAt,
			FenceCount:  sess.FenceCount,
		})
	}
	httputil.WriteJSONOK(w, out)
}

// listFences returns the running measurement's in-memory fence snapshot.
func (s *Server) listFences(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	ctrl := s.currentController()
	if ctrl == nil {
		httputil.WriteJSONOK(w, []fenceView{})
		return
	}
	httputil.WriteJSONOK(w, fenceViews(ctrl.Fences()))
}

// triggerResend runs one resend sweep immediately, outside the periodic
// schedule.
func (s *Server) triggerResend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.sender.Sweep(r.Context(), false); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("resend sweep failed: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "sweep complete"})
}

func (s *Server) startMeasurement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	s.mu.Lock()
	if s.controller != nil {
		s.mu.Unlock()
		httputil.WriteJSONError(w, http.StatusConflict, "a measurement is already running")
		return
	}
	locations := make(chan coverage.LocationSample, sampleBuffer)
	networks := make(chan coverage.NetworkTypeSample, sampleBuffer)
	s.locations = locations
	s.networks = networks
	s.mu.Unlock()

	ctrl, err := coverage.NewController(coverage.ControllerConfig{
		Clock:                   s.clk,
		Control:                 s.control,
		Persister:               s.store,
		Sender:                  s.sender,
		Technology:              s,
		PingInterval:            s.cfg.GetPingInterval(),
		PingTimeout:             s.cfg.GetPingTimeout(),
		FenceRadiusMeters:       s.cfg.GetFenceRadiusMeters(),
		AccuracyThresholdMeters: s.cfg.GetAccuracyThresholdMeters(),
		MaxSessionDuration:      s.cfg.GetMaxSessionDuration(),
		MaxMeasurementDuration:  s.cfg.GetMaxMeasurementDuration(),
		Locations:               locations,
		NetworkTypes:            networks,
		OnSnapshot: func(fences []*coverage.Fence) {
			s.hub.Broadcast(fenceViews(fences))
		},
	})
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to create measurement: %v", err))
		return
	}

	s.mu.Lock()
	s.controller = ctrl
	s.mu.Unlock()

	// The run is detached from the request: it lives until stopped or until
	// it hits its duration limit.
	ctrl.Start(context.Background())
	go func() {
		<-ctrl.Done()
		s.mu.Lock()
		if s.controller == ctrl {
			s.controller = nil
			s.locations = nil
			s.networks = nil
		}
		s.mu.Unlock()
		log.Print("measurement run finished")
	}()

	httputil.WriteJSONOK(w, map[string]string{"status": "measurement started"})
}

func (s *Server) stopMeasurement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	ctrl := s.currentController()
	if ctrl == nil {
		httputil.WriteJSONError(w, http.StatusConflict, "no measurement is running")
		return
	}
	ctrl.Stop()
	<-ctrl.Done()
	httputil.WriteJSONOK(w, map[string]string{"status": "measurement stopped"})
}

type locationPayload struct {
	Latitude           float64    `json:"latitude"`
	Longitude          float64    `json:"longitude"`
	HorizontalAccuracy float64    `json:"horizontal_accuracy"`
	Timestamp          *time.Time `json:"timestamp,omitempty"`
}

// ingestLocation accepts one position fix from the platform location
// provider and feeds it to the running measurement.
func (s *Server) ingestLocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var p locationPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid location payload: %v", err))
		return
	}
	sample := coverage.LocationSample{
		Coordinate:         coverage.Coordinate{Latitude: p.Latitude, Longitude: p.Longitude},
		HorizontalAccuracy: p.HorizontalAccuracy,
		Timestamp:          s.clk.Now(),
	}
	if p.Timestamp != nil {
		sample.Timestamp = *p.Timestamp
	}

	s.mu.Lock()
	ch := s.locations
	s.mu.Unlock()
	if ch == nil {
		httputil.WriteJSONError(w, http.StatusConflict, "no measurement is running")
		return
	}
	select {
	case ch <- sample:
		httputil.WriteJSONOK(w, map[string]string{"status": "accepted"})
	default:
		// The engine is behind; dropping one fix beats blocking the provider.
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "sample buffer full")
	}
}

type networkPayload struct {
	Type      string     `json:"type"` // "cellular" or "wifi"
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (s *Server) ingestNetworkType(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var p networkPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid network payload: %v", err))
		return
	}
	sample := coverage.NetworkTypeSample{Timestamp: s.clk.Now()}
	if p.Timestamp != nil {
		sample.Timestamp = *p.Timestamp
	}
	switch p.Type {
	case "cellular":
		sample.Type = coverage.NetworkTypeCellular
	case "wifi":
		sample.Type = coverage.NetworkTypeWifi
	default:
		httputil.BadRequest(w, fmt.Sprintf("unknown network type %q", p.Type))
		return
	}

	s.mu.Lock()
	ch := s.networks
	s.mu.Unlock()
	if ch == nil {
		httputil.WriteJSONError(w, http.StatusConflict, "no measurement is running")
		return
	}
	select {
	case ch <- sample:
		httputil.WriteJSONOK(w, map[string]string{"status": "accepted"})
	default:
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "sample buffer full")
	}
}

type technologyPayload struct {
	Technology   string `json:"technology"`
	TechnologyID int    `json:"technology_id"`
}

// ingestTechnology records the current radio access technology. Unlike
// locations it is a point state, not a stream: the engine samples it whenever
// it needs a value.
func (s *Server) ingestTechnology(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var p technologyPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid technology payload: %v", err))
		return
	}
	if p.Technology == "" {
		httputil.BadRequest(w, "technology is required")
		return
	}

	s.mu.Lock()
	s.technology = coverage.TechnologySample{
		Technology:   p.Technology,
		TechnologyID: p.TechnologyID,
		Timestamp:    s.clk.Now(),
	}
	s.mu.Unlock()
	httputil.WriteJSONOK(w, map[string]string{"status": "accepted"})
}
