package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MeKo-Tech/imgclass/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, testutil.NewFakeEngine(1))

	req := httptest.NewRequest(http.MethodOptions, "/classify", nil)
	req.Header.Set("Origin", "http://localhost:8080")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := serve(s, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:8080", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Content-Type")
	assert.Empty(t, rec.Body.String())
}

func TestCORSHeadersOnResponses(t *testing.T) {
	s := newTestServer(t, testutil.NewFakeEngine(1))
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "http://localhost:8080", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, RequestIDHeader, rec.Header().Get("Access-Control-Expose-Headers"))
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = requestIDFrom(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Len(t, seen, 36)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "abc-123")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "abc-123", seen)
		assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	s := newTestServer(t, testutil.NewFakeEngine(0.2, 0.8),
		withRateLimit(RateLimitConfig{Enabled: true, RequestsPerMinute: 1}))

	first := serve(s, createMultipartFormRequest(t, "/classify", "image", "red.png", testutil.RedPNG(t)))
	require.Equal(t, http.StatusOK, first.Code)

	second := serve(s, createMultipartFormRequest(t, "/classify", "image", "red.png", testutil.RedPNG(t)))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "minute", second.Header().Get("X-RateLimit-Type"))
	assert.Equal(t, "1", second.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	body := decodeBody[map[string]interface{}](t, second)
	assert.Equal(t, "rate_limited", body["kind"])
	assert.Equal(t, "Prediction failed", body["error"])

	// Other clients are unaffected.
	req := createMultipartFormRequest(t, "/classify", "image", "red.png", testutil.RedPNG(t))
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, http.StatusOK, serve(s, req).Code)

	// Health is not rate limited.
	assert.Equal(t, http.StatusOK, serve(s, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)

	assert.Equal(t, 0, s.PruneRateLimits(time.Hour))
}

func TestPruneRateLimitsDisabled(t *testing.T) {
	s := newTestServer(t, testutil.NewFakeEngine(1))
	assert.Equal(t, 0, s.PruneRateLimits(time.Hour))
}

func TestQuotaExceededResponse(t *testing.T) {
	s := newTestServer(t, testutil.NewFakeEngine(1),
		withRateLimit(RateLimitConfig{Enabled: true, MaxRequestsPerDay: 1}))

	require.Equal(t, http.StatusOK, serve(s, createMultipartFormRequest(t, "/predict", "image", "r.png", testutil.RedPNG(t))).Code)

	rec := serve(s, createMultipartFormRequest(t, "/predict", "image", "r.png", testutil.RedPNG(t)))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "requests", rec.Header().Get("X-Quota-Type"))
	assert.Equal(t, "1", rec.Header().Get("X-Quota-Used"))
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded list", map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.1"}, "10.0.0.2:5000", "198.51.100.1"},
		{"forwarded single", map[string]string{"X-Forwarded-For": " 198.51.100.2 "}, "10.0.0.2:5000", "198.51.100.2"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.3"}, "10.0.0.2:5000", "198.51.100.3"},
		{"remote addr", nil, "192.0.2.7:4321", "192.0.2.7"},
		{"remote addr without port", nil, "192.0.2.8", "192.0.2.8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getClientIP(req))
		})
	}
}

func TestDataQuotaChargesBytesRead(t *testing.T) {
	img := testutil.RedPNG(t)
	s := newTestServer(t, testutil.NewFakeEngine(0.2, 0.8),
		withRateLimit(RateLimitConfig{Enabled: true, MaxDataPerDay: int64(len(img)) + 10}))

	chunked := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/classify", bytes.NewReader(img))
		req.Header.Set("Content-Type", "image/png")
		req.ContentLength = -1
		return req
	}

	require.Equal(t, http.StatusOK, serve(s, chunked()).Code)
	assert.Equal(t, int64(len(img)), s.rateLimiter.Usage("192.0.2.1").DataToday)

	rec := serve(s, chunked())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "data", rec.Header().Get("X-Quota-Type"))
	body := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, kindRateLimited, body.Kind)
	assert.NotEmpty(t, body.RequestID)
	assert.Equal(t, int64(len(img)), s.rateLimiter.Usage("192.0.2.1").DataToday, "rejected upload is not charged")
}

func TestDataQuotaMultipart(t *testing.T) {
	img := testutil.RedPNG(t)
	s := newTestServer(t, testutil.NewFakeEngine(0.2, 0.8),
		withRateLimit(RateLimitConfig{Enabled: true, MaxDataPerDay: int64(len(img)) * 2}))

	for range 2 {
		require.Equal(t, http.StatusOK, serve(s, createMultipartFormRequest(t, "/predict", "image", "r.png", img)).Code)
	}
	rec := serve(s, createMultipartFormRequest(t, "/predict", "image", "r.png", img))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, int64(len(img))*2, s.rateLimiter.Usage("192.0.2.1").DataToday)
}
