// Package middleware wraps the admin HTTP endpoints (health probes) with
// request metrics and a deadline for dependency checks.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/metrics"
)

// Metrics records request count and latency per path.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			m.AdminRequests.WithLabelValues(r.URL.Path, strconv.Itoa(sw.status)).Inc()
			m.AdminLatency.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
		})
	}
}

// Chain applies mws so that the first one is outermost.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Wrap applies mws to every handler in routes.
func Wrap(routes map[string]http.Handler, mws ...func(http.Handler) http.Handler) map[string]http.Handler {
	out := make(map[string]http.Handler, len(routes))
	for path, h := range routes {
		out[path] = Chain(h, mws...)
	}
	return out
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	return sw.ResponseWriter.Write(b)
}
