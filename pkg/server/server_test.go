package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voicebridge/tts-sidecar/pkg/metrics"
	"github.com/voicebridge/tts-sidecar/pkg/pool"
	"github.com/voicebridge/tts-sidecar/pkg/server"
)

func newTestServer(t *testing.T, secret string) http.Handler {
	t.Helper()
	stub := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("audio"))
	})
	collector, err := metrics.NewCollector(sdkmetric.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	p := pool.New(pool.Config{Capacity: 1})
	t.Cleanup(p.Close)

	srv := server.New(server.Config{Port: 0, AuthSecret: secret}, stub, p, collector, nil)
	return srv.Handler()
}

func TestAuthSecretRequired(t *testing.T) {
	h := newTestServer(t, "hunter2")

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong secret", "not-the-secret", http.StatusUnauthorized},
		{"correct secret", "hunter2", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/tts?text=hi", nil)
			if tt.header != "" {
				req.Header.Set(server.AuthHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestAuthDisabledWhenNoSecret(t *testing.T) {
	h := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/tts?text=hi", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzOpenAndShapely(t *testing.T) {
	h := newTestServer(t, "hunter2")

	// No auth header required for liveness.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Status string `json:"status"`
		Pool   struct {
			Live   int `json:"live"`
			Leased int `json:"leased"`
		} `json:"pool"`
		Requests struct {
			Total  int64 `json:"total"`
			Active int64 `json:"active"`
		} `json:"requests"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 0, body.Pool.Live)
	assert.Equal(t, int64(0), body.Requests.Active)
}
