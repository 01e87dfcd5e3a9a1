package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_Burst(t *testing.T) {
	limiter := NewRateLimiter(1, 3)
	for i := 0; i < 3; i++ {
		if !limiter.Allow("a") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if limiter.Allow("a") {
		t.Error("request beyond burst should be denied")
	}
	if !limiter.Allow("b") {
		t.Error("keys should not share a bucket")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	limiter := NewRateLimiter(10, 20)
	now := time.Now()
	limiter.now = func() time.Time { return now }

	limiter.Allow("idle")
	now = now.Add(10 * time.Minute)
	limiter.Allow("busy")

	if removed := limiter.Cleanup(5 * time.Minute); removed != 1 {
		t.Errorf("Cleanup() removed %d, want 1", removed)
	}
	if limiter.Len() != 1 {
		t.Errorf("Len() = %d, want 1", limiter.Len())
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(0.001, 1)
	handler := RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	withToken := func(id string) *http.Request {
		req := httptest.NewRequest("POST", "/", http.NoBody)
		return req.WithContext(WithContext(req.Context(), &AuthContext{Token: &Token{ID: id}}))
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, withToken("t1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, withToken("t1"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Error("Retry-After header missing")
	}
	if code := errorCode(t, rec); code != CodeRateLimited {
		t.Errorf("error code = %d, want %d", code, CodeRateLimited)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, withToken("t2"))
	if rec.Code != http.StatusOK {
		t.Errorf("other token status = %d, want 200", rec.Code)
	}
}
