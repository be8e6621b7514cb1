package auth

import (
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultRateLimitConfig returns the default rate limit settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 2,
		Burst:             5,
	}
}

// RateLimiter implements per-client token bucket rate limiting and blocks
// clients that fail authentication too often.
type RateLimiter struct {
	mu       sync.Mutex
	config   RateLimitConfig
	limiters map[string]*clientLimiter
	now      func() time.Time

	authMu       sync.Mutex
	authFailures map[string]*authBucket
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type authBucket struct {
	failures     int
	windowStart  time.Time
	blockedUntil time.Time
}

const (
	authMaxFailures    = 10
	authWindowDur      = 1 * time.Minute
	authBlockDur       = 5 * time.Minute
	authEvictInterval  = 10 * time.Minute
	limiterIdleEvict   = 10 * time.Minute
	limiterEvictWindow = 1000
)

// NewRateLimiter creates a rate limiter with the given configuration.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = DefaultRateLimitConfig().RequestsPerSecond
	}
	if config.Burst <= 0 {
		config.Burst = DefaultRateLimitConfig().Burst
	}
	return &RateLimiter{
		config:       config,
		limiters:     make(map[string]*clientLimiter),
		authFailures: make(map[string]*authBucket),
		now:          time.Now,
	}
}

// Allow checks if a request from the given key is allowed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	now := rl.now()
	cl, ok := rl.limiters[key]
	if !ok {
		if len(rl.limiters) >= limiterEvictWindow {
			rl.evictIdleLimiters(now)
		}
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst)}
		rl.limiters[key] = cl
	}
	cl.lastSeen = now
	rl.mu.Unlock()

	return cl.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) evictIdleLimiters(now time.Time) {
	for key, cl := range rl.limiters {
		if now.Sub(cl.lastSeen) > limiterIdleEvict {
			delete(rl.limiters, key)
		}
	}
}

// IsAuthBlocked checks if an IP is blocked due to too many auth failures.
func (rl *RateLimiter) IsAuthBlocked(ip string) bool {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	b, ok := rl.authFailures[ip]
	if !ok {
		return false
	}
	if rl.now().Before(b.blockedUntil) {
		return true
	}
	if !b.blockedUntil.IsZero() {
		delete(rl.authFailures, ip)
	}
	return false
}

// AuthBlockRetryAfter returns the number of seconds until the block expires.
func (rl *RateLimiter) AuthBlockRetryAfter(ip string) int {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	b, ok := rl.authFailures[ip]
	if !ok {
		return 0
	}
	remaining := b.blockedUntil.Sub(rl.now()).Seconds()
	if remaining <= 0 {
		return 0
	}
	return int(remaining) + 1
}

// AuthFailure records a failed authentication attempt from an IP.
// Returns true if the IP is now blocked.
func (rl *RateLimiter) AuthFailure(ip string) bool {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	now := rl.now()
	b, ok := rl.authFailures[ip]
	if !ok {
		b = &authBucket{windowStart: now}
		rl.authFailures[ip] = b
	}
	if now.Sub(b.windowStart) > authWindowDur {
		b.failures = 0
		b.windowStart = now
	}

	b.failures++
	if b.failures >= authMaxFailures {
		b.blockedUntil = now.Add(authBlockDur)
		return true
	}

	if len(rl.authFailures) > 1000 {
		rl.evictStaleAuthEntries(now)
	}
	return false
}

// AuthSuccess clears auth failure tracking for an IP.
func (rl *RateLimiter) AuthSuccess(ip string) {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()
	delete(rl.authFailures, ip)
}

func (rl *RateLimiter) evictStaleAuthEntries(now time.Time) {
	for ip, b := range rl.authFailures {
		if !b.blockedUntil.IsZero() && now.After(b.blockedUntil) {
			delete(rl.authFailures, ip)
		} else if now.Sub(b.windowStart) > authEvictInterval {
			delete(rl.authFailures, ip)
		}
	}
}

// Middleware returns HTTP middleware that applies rate limiting.
// The key function extracts a rate limit key from the request.
func (rl *RateLimiter) Middleware(keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	retryAfter := int(math.Ceil(1 / rl.config.RequestsPerSecond))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !rl.Allow(key) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = fmt.Fprint(w, `{"error":"rate_limited","message":"Rate limit exceeded. Try again later."}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIPKeyFunc extracts the client IP from the request for rate limiting.
func ClientIPKeyFunc(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.SplitN(forwarded, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	return r.RemoteAddr
}
