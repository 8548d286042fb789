package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/coverage.report/internal/clock"
	"github.com/banshee-data/coverage.report/internal/httputil"
)

const testBaseURL = "https://control.example.net"

func TestRequestCoverageSession(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, `{
		"test_uuid": "0193f1e2-8c7a-7b4e-9d3f-2a1b3c4d5e6f",
		"ping_token": "dG9rZW4=",
		"ping_host": "ping.example.net",
		"ping_port": 444,
		"ip_version": 4,
		"max_coverage_session_seconds": 3600,
		"max_coverage_measurement_seconds": 1800
	}`)
	clk := clock.NewMock()
	c := NewClient(testBaseURL, mock, clk)

	tok, err := c.RequestCoverageSession(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "0193f1e2-8c7a-7b4e-9d3f-2a1b3c4d5e6f", tok.TestUUID.String())
	assert.Equal(t, "dG9rZW4=", tok.PingToken)
	assert.Equal(t, "ping.example.net", tok.PingHost)
	assert.Equal(t, 444, tok.PingPort)
	assert.Equal(t, 3600, tok.MaxSessionSeconds)
	assert.Equal(t, 1800, tok.MaxMeasurementSeconds)
	assert.Nil(t, tok.LoopUUID)

	require.Equal(t, 1, mock.RequestCount())
	req := mock.Requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, testBaseURL+"/coverageRequest", req.URL.String())
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(mock.RequestBody(0), &body))
	assert.Equal(t, "coverage", body["measurement_type"])
	assert.EqualValues(t, clk.Now().UnixMilli(), body["time"])
	_, hasLoop := body["loop_uuid"]
	assert.False(t, hasLoop, "loop_uuid must be omitted on a fresh request")
}

func TestRequestCoverageSessionChainsLoopUUID(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, `{"test_uuid": "`+uuid.New().String()+`"}`)
	c := NewClient(testBaseURL, mock, clock.NewMock())
	prev := uuid.New()

	tok, err := c.RequestCoverageSession(context.Background(), &prev)
	require.NoError(t, err)
	require.NotNil(t, tok.LoopUUID)
	assert.Equal(t, prev, *tok.LoopUUID)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(mock.RequestBody(0), &body))
	assert.Equal(t, prev.String(), body["loop_uuid"])
}

func TestRequestCoverageSessionErrors(t *testing.T) {
	t.Run("server error status", func(t *testing.T) {
		mock := httputil.NewMockHTTPClient()
		mock.AddResponse(http.StatusInternalServerError, "")
		c := NewClient(testBaseURL, mock, clock.NewMock())

		_, err := c.RequestCoverageSession(context.Background(), nil)
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	})

	t.Run("transport failure", func(t *testing.T) {
		mock := httputil.NewMockHTTPClient()
		mock.AddErrorResponse(errors.New("connection refused"))
		c := NewClient(testBaseURL, mock, clock.NewMock())

		_, err := c.RequestCoverageSession(context.Background(), nil)
		assert.Error(t, err)
	})

	t.Run("invalid test uuid", func(t *testing.T) {
		mock := httputil.NewMockHTTPClient()
		mock.AddResponse(http.StatusOK, `{"test_uuid": "not-a-uuid"}`)
		c := NewClient(testBaseURL, mock, clock.NewMock())

		_, err := c.RequestCoverageSession(context.Background(), nil)
		assert.Error(t, err)
	})
}

func TestSubmitCoverageResult(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, "")
	c := NewClient(testBaseURL, mock, clock.NewMock())
	testUUID := uuid.New()
	duration := int64(90000)

	err := c.SubmitCoverageResult(context.Background(), testUUID, []FenceResult{
		{
			TimestampMicros: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC).UnixMicro(),
			OffsetMs:        -1500, // observed before the session anchor
			RadiusM:         30,
			DurationMs:      &duration,
			Technology:      "LTE",
			TechnologyID:    4,
		},
		{
			TimestampMicros: time.Date(2024, 5, 1, 9, 1, 30, 0, time.UTC).UnixMicro(),
			OffsetMs:        88500,
			RadiusM:         30,
			Technology:      "NR",
			TechnologyID:    20,
		},
	})
	require.NoError(t, err)

	require.Equal(t, 1, mock.RequestCount())
	assert.Equal(t, testBaseURL+"/coverageResult", mock.Requests[0].URL.String())

	var body struct {
		TestUUID string            `json:"test_uuid"`
		Fences   []json.RawMessage `json:"fences"`
	}
	require.NoError(t, json.Unmarshal(mock.RequestBody(0), &body))
	assert.Equal(t, testUUID.String(), body.TestUUID)
	require.Len(t, body.Fences, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal(body.Fences[0], &first))
	assert.EqualValues(t, -1500, first["offset_ms"])
	assert.EqualValues(t, 90000, first["duration_ms"])

	// A still-open fence omits duration_ms entirely.
	var second map[string]interface{}
	require.NoError(t, json.Unmarshal(body.Fences[1], &second))
	_, hasDuration := second["duration_ms"]
	assert.False(t, hasDuration)
}

func TestSubmitCoverageResultRejectedByServer(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusNotAcceptable, "")
	c := NewClient(testBaseURL, mock, clock.NewMock())

	err := c.SubmitCoverageResult(context.Background(), uuid.New(), nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotAcceptable, statusErr.Code)
}

func TestSubmitCoverageResultRequiresTestUUID(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	c := NewClient(testBaseURL, mock, clock.NewMock())

	err := c.SubmitCoverageResult(context.Background(), uuid.Nil, nil)
	assert.ErrorIs(t, err, ErrMissingTestUUID)
	assert.Zero(t, mock.RequestCount(), "no request should be issued without a test uuid")
}
