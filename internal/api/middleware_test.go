package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cabwire/cabwire/pkg/logger"
)

func corsHandler(t *testing.T, origins []string) http.Handler {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	mw := NewMiddleware(log)
	return mw.CORS(origins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestCORSNoOriginsConfiguredIsSameOriginOnly(t *testing.T) {
	h := corsHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calls", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	h := corsHandler(t, []string{"https://ops.citycabs.example"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calls", nil)
	req.Header.Set("Origin", "https://ops.citycabs.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://ops.citycabs.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSRejectsUnlistedOrigin(t *testing.T) {
	h := corsHandler(t, []string{"https://ops.citycabs.example"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calls", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSWildcardNeverSendsCredentials(t *testing.T) {
	h := corsHandler(t, []string{"*"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calls", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	h := corsHandler(t, []string{"https://ops.citycabs.example"})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/calls", nil)
	req.Header.Set("Origin", "https://ops.citycabs.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "GET, POST, DELETE, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}
