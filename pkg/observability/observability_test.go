package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		logger, err := NewLogger(level)
		require.NoError(t, err, level)
		require.NotNil(t, logger)
		logger.Sync()
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger("loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse log level")
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))

	ctx = WithRequestID(ctx, "req-1")
	assert.Equal(t, "req-1", GetRequestID(ctx))

	ctx, id := EnsureRequestID(ctx)
	assert.Equal(t, "req-1", id, "existing id is kept")

	fresh, id := EnsureRequestID(context.Background())
	assert.NotEmpty(t, id)
	assert.Equal(t, id, GetRequestID(fresh))
}

func TestHTTPMiddlewarePropagatesRequestID(t *testing.T) {
	var seen string
	handler := HTTPMiddleware(zaptest.NewLogger(t), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(RequestIDHeaderKey, "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeaderKey))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHTTPMiddlewareGeneratesRequestID(t *testing.T) {
	handler := HTTPMiddleware(zaptest.NewLogger(t), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.NotEmpty(t, rec.Header().Get(RequestIDHeaderKey))
}

func TestMetricsServerServesHealthAndMetrics(t *testing.T) {
	ms := NewMetricsServer("127.0.0.1:0", zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	ms.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	ms.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadinessAggregatesComponentChecks(t *testing.T) {
	ms := NewMetricsServer("127.0.0.1:0", zaptest.NewLogger(t))
	ms.RegisterReadiness("dispatcher", func() error { return nil })
	ms.RegisterReadiness("localizer", func() error { return nil })

	rec := httptest.NewRecorder()
	ms.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Ready      bool              `json:"ready"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Ready)
	assert.Equal(t, map[string]string{"dispatcher": "ok", "localizer": "ok"}, body.Components)
}

func TestReadinessFailsWhenComponentUnready(t *testing.T) {
	ms := NewMetricsServer("127.0.0.1:0", zaptest.NewLogger(t))
	ms.RegisterReadiness("dispatcher", func() error { return nil })
	ms.RegisterReadiness("localizer", func() error { return errors.New("workers not running") })

	rec := httptest.NewRecorder()
	ms.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Ready      bool              `json:"ready"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Ready)
	assert.Equal(t, "ok", body.Components["dispatcher"])
	assert.Equal(t, "workers not running", body.Components["localizer"])
}
