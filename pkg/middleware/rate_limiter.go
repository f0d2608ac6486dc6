package middleware

import (
	"net"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"signalbot/internal/metrics"
	"signalbot/pkg/ratelimit"
)

// RateLimit rejects callers over the gate's budget. Behind JWTAuth each user
// has its own bucket; unauthenticated requests are keyed by client address.
func RateLimit(gate *ratelimit.Gate, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateKey(r)
			if !gate.Allow(key) {
				metrics.RateLimited.WithLabelValues("http").Inc()
				log.Warn().Str("key", key).Msg("rate limit exceeded")
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func rateKey(r *http.Request) string {
	if id, ok := UserID(r.Context()); ok {
		return "http:user:" + strconv.FormatInt(id, 10)
	}
	return "http:ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
