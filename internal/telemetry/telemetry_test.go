package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/italolelis/playlist_sync/internal/logctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	called := false
	err = tel.InstrumentCall(context.Background(), "get_playlist", func(ctx context.Context) error {
		called = true

		return errors.New("boom")
	})

	assert.True(t, called)
	assert.EqualError(t, err, "boom")

	tel.IncrementLiveHandles()
	tel.RecordDownloadEvent("started", "applied")
	assert.NoError(t, tel.Shutdown(context.Background()))

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNilTelemetryIsNoop(t *testing.T) {
	var tel *Telemetry

	err := tel.InstrumentDBOperation(context.Background(), "record_outcome", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)

	tel.DecrementLiveHandles()
	tel.RecordStreamReconnect()
	assert.Nil(t, tel.Tracer())
}

func TestRequestID(t *testing.T) {
	var seen string

	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logctx.RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set(RequestIDHeader, "upstream-id")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "upstream-id", seen)
}

func TestHTTPLogging(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  string
	}{
		{"ok", http.StatusOK, "INFO"},
		{"client error", http.StatusNotFound, "WARN"},
		{"server error", http.StatusBadGateway, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))

			handler := HTTPLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/tracks", nil)
			req = req.WithContext(logctx.WithLogger(req.Context(), logger))
			handler.ServeHTTP(httptest.NewRecorder(), req)

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, float64(tt.status), entry["status"])
			assert.Equal(t, "/api/tracks", entry["path"])
		})
	}
}

func TestGetStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", getStatusClass(204))
	assert.Equal(t, "3xx", getStatusClass(302))
	assert.Equal(t, "4xx", getStatusClass(422))
	assert.Equal(t, "5xx", getStatusClass(502))
	assert.Equal(t, "unknown", getStatusClass(99))
}

func TestInstanceIDIsUnique(t *testing.T) {
	a, b := InstanceID(), InstanceID()

	assert.NotEqual(t, a, b)
	assert.Regexp(t, `-\d+-[0-9a-f]{8}$`, a)
}
