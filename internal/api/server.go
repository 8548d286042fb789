// Package api exposes the coverage daemon's HTTP surface: measurement
// lifecycle control, sample injection, status and session queries, and a
// websocket feed of live fence snapshots.
package api

import (
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/coverage.report/internal/clock"
	"github.com/banshee-data/coverage.report/internal/config"
	"github.com/banshee-data/coverage.report/internal/control"
	"github.com/banshee-data/coverage.report/internal/coverage"
	"github.com/banshee-data/coverage.report/internal/store"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	store   *store.Store
	sender  *store.Sender
	control *control.Client
	cfg     *config.CoverageConfig
	clk     clock.Clock
	hub     *Hub

	mu         sync.Mutex
	controller *coverage.Controller
	locations  chan coverage.LocationSample
	networks   chan coverage.NetworkTypeSample
	technology coverage.TechnologySample
}

func NewServer(st *store.Store, sender *store.Sender, ctl *control.Client, cfg *config.CoverageConfig, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.New()
	}
	return &Server{
		store:      st,
		sender:     sender,
		control:    ctl,
		cfg:        cfg,
		clk:        clk,
		hub:        NewHub(),
		technology: coverage.TechnologySample{Technology: "unknown"},
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.showStatus)
	mux.HandleFunc("/sessions", s.listSessions)
	mux.HandleFunc("/fences", s.listFences)
	mux.HandleFunc("/resend", s.triggerResend)
	mux.HandleFunc("/measurement/start", s.startMeasurement)
	mux.HandleFunc("/measurement/stop", s.stopMeasurement)
	mux.HandleFunc("/samples/location", s.ingestLocation)
	mux.HandleFunc("/samples/network", s.ingestNetworkType)
	mux.HandleFunc("/samples/technology", s.ingestTechnology)
	mux.HandleFunc("/live", s.hub.ServeWS)
	return mux
}

// currentController returns the active controller, or nil when no measurement
// is running.
func (s *Server) currentController() *coverage.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controller
}

// Current implements coverage.TechnologyLookup against the last sample pushed
// through the API.
func (s *Server) Current() coverage.TechnologySample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.technology
}

// Shutdown stops a running measurement, if any, and disconnects live
// websocket clients.
func (s *Server) Shutdown() {
	if ctrl := s.currentController(); ctrl != nil {
		ctrl.Stop()
		<-ctrl.Done()
	}
	s.hub.Close()
}

// fenceView is the JSON shape of a fence on the API and websocket surfaces.
type fenceView struct {
	ID           uuid.UUID  `json:"id"`
	SessionUUID  *uuid.UUID `json:"session_uuid,omitempty"`
	Entered      time.Time  `json:"entered"`
	Exited       *time.Time `json:"exited,omitempty"`
	Latitude     float64    `json:"latitude"`
	Longitude    float64    `json:"longitude"`
	RadiusM      float64    `json:"radius_m"`
	AvgPingMs    *int64     `json:"avg_ping_ms,omitempty"`
	PingCount    int        `json:"ping_count"`
	Technology   string     `json:"technology,omitempty"`
	TechnologyID int        `json:"technology_id,omitempty"`
}

func fenceViews(fences []*coverage.Fence) []fenceView {
	out := make([]fenceView, 0, len(fences))
	for _, f := range fences {
		v := fenceView{
			ID:          f.ID,
			SessionUUID: f.SessionUUID,
			Entered:     f.DateEntered,
			Exited:      f.DateExited,
			Latitude:    f.StartingLocation.Coordinate.Latitude,
			Longitude:   f.StartingLocation.Coordinate.Longitude,
			RadiusM:     f.RadiusMeters,
			AvgPingMs:   f.AveragePingMillis(),
			PingCount:   len(f.PingOutcomes),
		}
		if t := f.SignificantTechnology(); t != nil {
			v.Technology = t.Technology
			v.TechnologyID = t.TechnologyID
		}
		out = append(out, v)
	}
	return out
}
