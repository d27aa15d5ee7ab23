package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRateLimit_RefusesPastBurst(t *testing.T) {
	// Near-zero refill: only the burst allowance is usable within the test.
	h := Chain(okHandler(), RateLimit(0.001, 3))

	for i := 0; i < 3; i++ {
		rr := serve(h, httptest.NewRequest("GET", "/health", nil))
		require.Equal(t, http.StatusOK, rr.Code, "request %d within burst", i)
	}

	rr := serve(h, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	h := Chain(okHandler(), APIKeyAuth("X-API-Key", true, zap.NewNop()))

	rr := serve(h, httptest.NewRequest("GET", "/api/v1/skill/discovery", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest("GET", "/api/v1/skill/discovery", nil)
	req.Header.Set("X-API-Key", "some-key")
	rr = serve(h, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	// Auth disabled: the header is not required.
	open := Chain(okHandler(), APIKeyAuth("X-API-Key", false, zap.NewNop()))
	rr = serve(open, httptest.NewRequest("GET", "/api/v1/skill/discovery", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRequestID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})
	h := Chain(inner, RequestID())

	rr := serve(h, httptest.NewRequest("GET", "/health", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rr.Header().Get("X-Request-ID"))

	// An inbound id is honored.
	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	serve(h, req)
	assert.Equal(t, "req-42", seen)
}

func TestRecovery(t *testing.T) {
	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	h := Chain(panicking, Recovery(zap.NewNop()))

	rr := serve(h, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestChain_Order(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(okHandler(), tag("outer"), tag("inner"))
	serve(h, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, []string{"outer", "inner"}, order)
}
