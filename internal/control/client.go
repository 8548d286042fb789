// Package control implements the control-plane HTTP client: it requests
// coverage session tokens and submits completed fence groups.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/banshee-data/coverage.report/internal/clock"
	"github.com/banshee-data/coverage.report/internal/httputil"
)

// ErrMissingTestUUID is returned when a submission is attempted for a
// session that never obtained a token. Submission only targets sessions with
// a known token, so this is not expected in normal operation.
var ErrMissingTestUUID = errors.New("coverage result submission without test uuid")

// StatusError is a non-2xx control server response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("control server returned status %d", e.Code)
}

// SessionToken is the control plane's answer to a coverage session request.
type SessionToken struct {
	TestUUID              uuid.UUID
	PingToken             string
	PingHost              string
	PingPort              int
	IPVersion             int
	LoopUUID              *uuid.UUID // the previous sub-session's test UUID, when chained
	MaxSessionSeconds     int
	MaxMeasurementSeconds int
}

// FenceResult is one fence in a coverage result submission.
type FenceResult struct {
	TimestampMicros int64   `json:"timestamp_microseconds"`
	OffsetMs        int64   `json:"offset_ms"`
	RadiusM         float64 `json:"radius_m"`
	DurationMs      *int64  `json:"duration_ms,omitempty"` // present only for exited fences
	Technology      string  `json:"technology"`
	TechnologyID    int     `json:"technology_id"`
}

// Client talks to the coverage control server.
type Client struct {
	baseURL string
	http    httputil.HTTPClient
	clk     clock.Clock
}

// NewClient creates a Client for the given base URL. A nil http client
// defaults to the standard one.
func NewClient(baseURL string, hc httputil.HTTPClient, clk clock.Clock) *Client {
	if hc == nil {
		hc = httputil.NewStandardClient(nil)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Client{baseURL: baseURL, http: hc, clk: clk}
}

type coverageRequest struct {
	Time            int64   `json:"time"` // client wall clock, unix millis
	MeasurementType string  `json:"measurement_type"`
	LoopUUID        *string `json:"loop_uuid,omitempty"`
}

type coverageResponse struct {
	TestUUID                      string `json:"test_uuid"`
	PingToken                     string `json:"ping_token"`
	PingHost                      string `json:"ping_host"`
	PingPort                      int    `json:"ping_port"`
	IPVersion                     int    `json:"ip_version"`
	MaxCoverageSessionSeconds     int    `json:"max_coverage_session_seconds"`
	MaxCoverageMeasurementSeconds int    `json:"max_coverage_measurement_seconds"`
}

// RequestCoverageSession asks the control server for a new session token.
// loopUUID, when non-nil, chains the new token to the immediately preceding
// sub-session for server-side grouping.
func (c *Client) RequestCoverageSession(ctx context.Context, loopUUID *uuid.UUID) (*SessionToken, error) {
	req := coverageRequest{
		Time:            c.clk.Now().UnixMilli(),
		MeasurementType: "coverage",
	}
	if loopUUID != nil {
		s := loopUUID.String()
		req.LoopUUID = &s
	}

	var resp coverageResponse
	if err := c.postJSON(ctx, "/coverageRequest", req, &resp); err != nil {
		return nil, err
	}

	testUUID, err := uuid.Parse(resp.TestUUID)
	if err != nil {
		return nil, fmt.Errorf("control server returned invalid test_uuid %q: %w", resp.TestUUID, err)
	}

	tok := &SessionToken{
		TestUUID:              testUUID,
		PingToken:             resp.PingToken,
		PingHost:              resp.PingHost,
		PingPort:              resp.PingPort,
		IPVersion:             resp.IPVersion,
		LoopUUID:              loopUUID,
		MaxSessionSeconds:     resp.MaxCoverageSessionSeconds,
		MaxMeasurementSeconds: resp.MaxCoverageMeasurementSeconds,
	}
	return tok, nil
}

type coverageResult struct {
	TestUUID string        `json:"test_uuid"`
	Fences   []FenceResult `json:"fences"`
}

// SubmitCoverageResult posts a fence group for testUUID. Success iff the
// server answers with a 2xx status; any other status or transport error
// leaves the session eligible for resend.
func (c *Client) SubmitCoverageResult(ctx context.Context, testUUID uuid.UUID, fences []FenceResult) error {
	if testUUID == uuid.Nil {
		return ErrMissingTestUUID
	}
	return c.postJSON(ctx, "/coverageResult", coverageResult{
		TestUUID: testUUID.String(),
		Fences:   fences,
	}, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return &StatusError{Code: resp.StatusCode}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
	}
	return nil
}
