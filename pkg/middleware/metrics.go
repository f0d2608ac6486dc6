package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"signalbot/internal/metrics"

	"github.com/go-chi/chi/v5"
)

type subsystemKey struct{}

// subsystemLabel is allocated by MetricsMiddleware and filled in by Subsystem
// further down the chain, so the outer handler sees the inner route group.
type subsystemLabel struct {
	name string
}

// Subsystem tags requests of a route group for the HTTP metrics.
func Subsystem(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l, ok := r.Context().Value(subsystemKey{}).(*subsystemLabel); ok {
				l.name = name
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware records request count, latency and in-flight gauge by
// subsystem and route pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.HTTPRequestsInFlight.Inc()
		defer metrics.HTTPRequestsInFlight.Dec()

		start := time.Now()
		ww := newWrapResponseWriter(w)
		label := &subsystemLabel{name: "none"}
		r = r.WithContext(context.WithValue(r.Context(), subsystemKey{}, label))

		defer func() {
			duration := time.Since(start).Seconds()
			method := r.Method
			// unmatched paths collapse into one label to bound cardinality
			path := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				path = rctx.RoutePattern()
			}
			status := strconv.Itoa(ww.Status())

			metrics.HTTPRequestsTotal.WithLabelValues(label.name, method, path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(label.name, method, path).Observe(duration)
		}()

		next.ServeHTTP(ww, r)
	})
}

type wrapResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func newWrapResponseWriter(w http.ResponseWriter) *wrapResponseWriter {
	return &wrapResponseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *wrapResponseWriter) Status() int {
	return rw.status
}

func (rw *wrapResponseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
	rw.wroteHeader = true
}

func (rw *wrapResponseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
