package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/pressline/taskq/internal/metrics"
)

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/api/tasks", "/api/tasks"},
		{"/api/tasks/42", "/api/tasks/:id"},
		{"/api/tasks/42/attempts", "/api/tasks/:id/attempts"},
		{"/api/tasks/42/cancel", "/api/tasks/:id/cancel"},
		{"/api/queues/collector/depth", "/api/queues/:name/depth"},
		{"/api/dashboard/stats", "/api/dashboard/stats"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, normalizeEndpoint(tt.path), tt.path)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	before := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET", "/api/tasks/:id", "404"))

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/42", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	after := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET", "/api/tasks/:id", "404"))
	assert.Equal(t, before+1, after)
}
