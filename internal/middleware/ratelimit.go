package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/radiusdt/channel-roi/internal/config"
	"github.com/radiusdt/channel-roi/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Recompute and import requests are expensive, so they draw from a tenth of
// the general budget.
const heavyShare = 10

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware implements token bucket rate limiting per client IP.
type RateLimitMiddleware struct {
	cfg     config.RateLimitConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	ipLimiters map[string]*ipLimiter
	heavy      map[string]*ipLimiter
}

// NewRateLimitMiddleware creates a new rate limiting middleware.
func NewRateLimitMiddleware(cfg config.RateLimitConfig, logger *zap.Logger, m *metrics.Metrics) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		ipLimiters: make(map[string]*ipLimiter),
		heavy:      make(map[string]*ipLimiter),
	}
}

// Handler wraps an http.Handler with rate limiting.
func (rl *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		ip := rl.getClientIP(r)
		if !rl.allow(ip, rl.isHeavyEndpoint(r)) {
			rl.logger.Warn("rate limit exceeded",
				zap.String("ip", ip),
				zap.String("path", r.URL.Path),
			)
			rl.metrics.RecordRateLimitHit(r.URL.Path)
			rl.tooManyRequests(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) allow(ip string, heavy bool) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if !rl.limiterFor(rl.ipLimiters, ip, rl.cfg.RPS, rl.cfg.Burst, now).Allow() {
		return false
	}
	if heavy {
		burst := rl.cfg.Burst / heavyShare
		if burst < 1 {
			burst = 1
		}
		return rl.limiterFor(rl.heavy, ip, rl.cfg.RPS/heavyShare, burst, now).Allow()
	}
	return true
}

func (rl *RateLimitMiddleware) limiterFor(set map[string]*ipLimiter, ip string, rps float64, burst int, now time.Time) *rate.Limiter {
	l, ok := set[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
		set[ip] = l
	}
	l.lastSeen = now
	return l.limiter
}

// getClientIP extracts the client IP from the request.
func (rl *RateLimitMiddleware) getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

func (rl *RateLimitMiddleware) isHeavyEndpoint(r *http.Request) bool {
	return r.Method == http.MethodPost &&
		(strings.HasPrefix(r.URL.Path, "/roi/recompute") || strings.HasPrefix(r.URL.Path, "/transactions/import"))
}

// tooManyRequests sends a 429 response.
func (rl *RateLimitMiddleware) tooManyRequests(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"rate limit exceeded"}`))
}

// CleanupIPLimiters removes limiters not used within idle.
func (rl *RateLimitMiddleware) CleanupIPLimiters(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-idle)
	removed := 0
	for _, set := range []map[string]*ipLimiter{rl.ipLimiters, rl.heavy} {
		for ip, l := range set {
			if l.lastSeen.Before(cutoff) {
				delete(set, ip)
				removed++
			}
		}
	}
	rl.logger.Debug("cleaned up IP rate limiters", zap.Int("removed", removed))
}
