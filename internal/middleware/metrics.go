// Package middleware provides HTTP middleware for metrics collection.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pressline/taskq/internal/metrics"
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := normalizeEndpoint(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		metrics.RecordHTTPRequest(r.Method, endpoint, status, duration)
	})
}

// normalizeEndpoint collapses path parameters so the endpoint label stays
// low-cardinality.
func normalizeEndpoint(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/tasks/"):
		rest := strings.TrimPrefix(path, "/api/tasks/")
		_, action, _ := strings.Cut(rest, "/")
		switch action {
		case "attempts":
			return "/api/tasks/:id/attempts"
		case "cancel":
			return "/api/tasks/:id/cancel"
		default:
			return "/api/tasks/:id"
		}
	case strings.HasPrefix(path, "/api/queues/"):
		return "/api/queues/:name/depth"
	default:
		return path
	}
}
