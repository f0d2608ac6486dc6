package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"signalbot/internal/metrics"
	"signalbot/pkg/hash"
	"signalbot/pkg/jwt"
	"signalbot/pkg/ratelimit"
)

func echoUser(w http.ResponseWriter, r *http.Request) {
	id, ok := UserID(r.Context())
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int64{"user_id": id})
}

func TestJWTAuth(t *testing.T) {
	h := JWTAuth("secret")(http.HandlerFunc(echoUser))
	token, err := jwt.GenerateToken("secret", 9, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":9}`, rec.Body.String())

	for _, header := range []string{"", "Bearer ", "Basic abc", "Bearer not-a-jwt"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
	}
}

func TestBasicAuth(t *testing.T) {
	hashed, err := hash.HashPassword("pw", bcrypt.MinCost)
	require.NoError(t, err)
	h := BasicAuth("metrics", hashed)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("metrics", "pw")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("metrics", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimit(t *testing.T) {
	gate := ratelimit.NewGate(60, 2)
	defer gate.Stop()
	h := RateLimit(gate, zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 3)
	for i := range codes {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes[i] = rec.Code
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitKeysAuthenticatedRequestsByUser(t *testing.T) {
	gate := ratelimit.NewGate(60, 1)
	defer gate.Stop()
	h := JWTAuth("secret")(RateLimit(gate, zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	call := func(userID int64) int {
		token, err := jwt.GenerateToken("secret", userID, time.Hour)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.9:4000"
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call(1))
	assert.Equal(t, http.StatusTooManyRequests, call(1))
	// same address, different user
	assert.Equal(t, http.StatusOK, call(2))
}

func TestValidateRequest(t *testing.T) {
	h := ValidateRequest(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("a=b"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsMiddlewareKeepsStatus(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)
	r.Get("/teapot/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/teapot/1", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func requestCount(t *testing.T, labels ...string) float64 {
	t.Helper()
	c, err := metrics.HTTPRequestsTotal.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestMetricsMiddlewareLabelsSubsystem(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)
	r.With(Subsystem("ops")).Get("/ping", func(w http.ResponseWriter, r *http.Request) {})
	r.Group(func(pr chi.Router) {
		pr.Use(Subsystem("subscription"))
		pr.Get("/api/things/{id}", func(w http.ResponseWriter, r *http.Request) {})
	})
	r.Get("/bare", func(w http.ResponseWriter, r *http.Request) {})

	opsBefore := requestCount(t, "ops", "GET", "/ping", "200")
	subBefore := requestCount(t, "subscription", "GET", "/api/things/{id}", "200")
	bareBefore := requestCount(t, "none", "GET", "/bare", "200")

	for _, path := range []string{"/ping", "/api/things/1", "/api/things/2", "/bare"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, opsBefore+1, requestCount(t, "ops", "GET", "/ping", "200"))
	assert.Equal(t, subBefore+2, requestCount(t, "subscription", "GET", "/api/things/{id}", "200"))
	assert.Equal(t, bareBefore+1, requestCount(t, "none", "GET", "/bare", "200"))
}
