package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// MetricsRecorder defines the interface for recording HTTP metrics.
type MetricsRecorder interface {
	RecordHTTPRequest(method, path, status string, duration time.Duration)
	IncActiveConnections()
	DecActiveConnections()
}

// ContextMetricsRecorder is implemented by recorders that attach trace
// exemplars from the request context.
type ContextMetricsRecorder interface {
	RecordHTTPRequestContext(ctx context.Context, method, path, status string, duration time.Duration)
}

// Metrics returns a middleware that records HTTP metrics. Requests are
// labelled by chi route pattern, so /entries/{key} is one series no matter
// how many keys are requested.
func Metrics(recorder MetricsRecorder) func(http.Handler) http.Handler {
	ctxRecorder, _ := recorder.(ContextMetricsRecorder)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/metrics") {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			recorder.IncActiveConnections()
			defer recorder.DecActiveConnections()

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			record := func(status int) {
				if status == 0 {
					status = http.StatusOK
				}
				path := metricsPath(r)
				code := strconv.Itoa(status)
				if ctxRecorder != nil {
					ctxRecorder.RecordHTTPRequestContext(r.Context(), r.Method, path, code, time.Since(start))
					return
				}
				recorder.RecordHTTPRequest(r.Method, path, code, time.Since(start))
			}

			defer func() {
				if rec := recover(); rec != nil {
					record(http.StatusInternalServerError)
					panic(rec)
				}
			}()

			next.ServeHTTP(ww, r)
			record(ww.Status())
		})
	}
}

// metricsPath prefers the matched route pattern and falls back to a
// normalized URL path for unmatched requests.
func metricsPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return normalizePath(r.URL.Path)
}

// normalizePath replaces UUIDs and numeric segments with placeholders.
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if len(part) == 36 && strings.Count(part, "-") == 4 {
			parts[i] = ":id"
			continue
		}
		if _, err := strconv.Atoi(part); err == nil && len(part) > 0 {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}
