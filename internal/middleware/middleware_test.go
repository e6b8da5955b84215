package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/radiusdt/channel-roi/internal/config"
	"github.com/radiusdt/channel-roi/internal/metrics"
	"go.uber.org/zap"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(h http.Handler, method, path string, header map[string]string) int {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestAuthMiddleware(t *testing.T) {
	h := NewAuthMiddleware(config.AuthConfig{
		Enabled:   true,
		APIKey:    "secret",
		SkipPaths: []string{"/health"},
	}, zap.NewNop()).Handler(okHandler)

	if code := serve(h, http.MethodGet, "/channels", nil); code != http.StatusUnauthorized {
		t.Fatalf("missing key: status %d", code)
	}
	if code := serve(h, http.MethodGet, "/channels", map[string]string{AuthHeaderName: "wrong"}); code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status %d", code)
	}
	if code := serve(h, http.MethodGet, "/channels", map[string]string{AuthHeaderName: "secret"}); code != http.StatusOK {
		t.Fatalf("valid key: status %d", code)
	}
	if code := serve(h, http.MethodGet, "/channels?"+AuthQueryParam+"=secret", nil); code != http.StatusOK {
		t.Fatalf("query key: status %d", code)
	}
	if code := serve(h, http.MethodGet, "/health", nil); code != http.StatusOK {
		t.Fatalf("skipped path: status %d", code)
	}
}

func TestRateLimitHeavyEndpointsHaveSmallerBudget(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RPS: 0.001, Burst: 20}, zap.NewNop(), metrics.NewMetrics("test", nil))
	h := rl.Handler(okHandler)
	ip := map[string]string{"X-Forwarded-For": "10.0.0.1"}

	// Burst of 20 gives heavy endpoints a burst of 2.
	for i := 0; i < 2; i++ {
		if code := serve(h, http.MethodPost, "/roi/recompute", ip); code != http.StatusOK {
			t.Fatalf("recompute %d: status %d", i, code)
		}
	}
	if code := serve(h, http.MethodPost, "/roi/recompute", ip); code != http.StatusTooManyRequests {
		t.Fatalf("third recompute: status %d", code)
	}
	if code := serve(h, http.MethodGet, "/reports/dashboard", ip); code != http.StatusOK {
		t.Fatalf("light endpoint: status %d", code)
	}
	if code := serve(h, http.MethodPost, "/roi/recompute", map[string]string{"X-Forwarded-For": "10.0.0.2"}); code != http.StatusOK {
		t.Fatalf("other client: status %d", code)
	}
}

func TestCleanupIPLimiters(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RPS: 10, Burst: 10}, zap.NewNop(), nil)
	serve(rl.Handler(okHandler), http.MethodGet, "/channels", map[string]string{"X-Real-IP": "10.0.0.3"})

	rl.CleanupIPLimiters(time.Hour)
	if len(rl.ipLimiters) != 1 {
		t.Fatalf("recent limiter removed")
	}
	rl.CleanupIPLimiters(-time.Second)
	if len(rl.ipLimiters) != 0 {
		t.Fatalf("idle limiter kept: %d", len(rl.ipLimiters))
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := NewRecoveryMiddleware(zap.NewNop()).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	if code := serve(h, http.MethodGet, "/", nil); code != http.StatusInternalServerError {
		t.Fatalf("panic: status %d", code)
	}
}
