package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	health string
}

func (f *fakeSource) HealthStatus() string { return f.health }

func (f *fakeSource) DebugStats() map[string]string {
	return map[string]string{"rpc": "queries=1"}
}

func doRequest(t *testing.T, s *Server, path string) (*http.Response, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	var body Response
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Result(), body
}

func TestHealthzOk(t *testing.T) {
	s := NewServer("127.0.0.1:0", &fakeSource{health: "ok"})
	resp, body := doRequest(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body.Status)
}

func TestHealthzUnhealthy(t *testing.T) {
	s := NewServer("127.0.0.1:0", &fakeSource{health: "error: failed to connect to backend servers"})
	resp, body := doRequest(t, s, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body.Status, "error:")
}

func TestStatz(t *testing.T) {
	s := NewServer("127.0.0.1:0", &fakeSource{health: "ok"})
	resp, body := doRequest(t, s, "/statz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data, ok := body.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, data, "num_cpus")
	assert.Contains(t, data, "subsystems")
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
