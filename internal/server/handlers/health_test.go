package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/coursepipe/internal/errors"
)

func checker(err error) HealthChecker {
	return HealthCheckerFunc(func(context.Context) error { return err })
}

func decodeHealth(t *testing.T, rec *httptest.ResponseRecorder) HealthResponse {
	t.Helper()
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHealthManager_Readiness(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]error
		wantCode   int
		wantStatus string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name:       "workspace ok",
			checks:     map[string]error{"workspace": nil},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name:       "slow artifact store degrades",
			checks:     map[string]error{"workspace": nil, "artifacts": context.DeadlineExceeded},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
		},
		{
			name:     "missing workspace is unhealthy",
			checks:   map[string]error{"workspace": errors.New("stat /srv/courses: no such file"), "artifacts": context.DeadlineExceeded},
			wantCode: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewHealthManager("1.2.3")
			for name, err := range tt.checks {
				m.RegisterChecker(name, checker(err))
			}

			rec := httptest.NewRecorder()
			m.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
			require.Equal(t, tt.wantCode, rec.Code)

			if tt.wantCode != http.StatusOK {
				var body apperrors.HTTPErrorResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
				assert.Equal(t, apperrors.CodeServiceUnavailable, body.Error.Code)
				return
			}
			resp := decodeHealth(t, rec)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, "1.2.3", resp.Version)
			assert.Len(t, resp.Checks, len(tt.checks))
		})
	}
}

func TestHealthManager_LivenessSkipsCheckers(t *testing.T) {
	m := NewHealthManager("1.2.3")
	m.RegisterChecker("workspace", checker(errors.New("down")))

	for _, h := range []http.HandlerFunc{m.LivenessHandler, m.StartupHandler} {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "healthy", decodeHealth(t, rec).Status)
	}
}

func TestHealthManager_TimeoutStatus(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("artifacts", checker(context.DeadlineExceeded))

	checks := m.runChecks(context.Background())
	assert.Equal(t, "timeout", checks["artifacts"])
	assert.Equal(t, "degraded", m.determineOverallStatus(checks))
}

func TestGlobalHandlers(t *testing.T) {
	original := globalHealthManager
	t.Cleanup(func() { globalHealthManager = original })

	handlers := map[string]http.HandlerFunc{
		"/health":         HealthHandler,
		"/health/live":    LivenessHandler,
		"/health/ready":   ReadinessHandler,
		"/health/startup": StartupHandler,
	}

	globalHealthManager = nil
	assert.Nil(t, GetHealthManager())
	for path, h := range handlers {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}

	m := InitHealthManager("2.0.0")
	assert.Same(t, m, GetHealthManager())
	for path, h := range handlers {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "2.0.0", decodeHealth(t, rec).Version)
	}
}
