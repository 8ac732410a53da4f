package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter caps requests per client IP per window. This sits in front of
// everything, including the anti-flood gate: the gate protects per-agent
// verification, the IP limiter protects the listener itself.
type RateLimiter struct {
	mu       sync.Mutex
	windows  map[string]*ipWindow
	limit    int
	interval time.Duration
}

type ipWindow struct {
	count   int
	resetAt time.Time
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	rl := &RateLimiter{
		windows:  make(map[string]*ipWindow),
		limit:    limit,
		interval: interval,
	}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			rl.cleanup()
		}
	}()
	return rl
}

// Allow reports whether a request from ip fits the current window, and how
// many requests remain in it.
func (rl *RateLimiter) Allow(ip string) (remaining int, allowed bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, ok := rl.windows[ip]
	if !ok || now.After(w.resetAt) {
		rl.windows[ip] = &ipWindow{count: 1, resetAt: now.Add(rl.interval)}
		return rl.limit - 1, true
	}

	if w.count >= rl.limit {
		return 0, false
	}

	w.count++
	return rl.limit - w.count, true
}

// ResetTime returns when the current window resets for ip.
func (rl *RateLimiter) ResetTime(ip string) time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if w, ok := rl.windows[ip]; ok {
		return w.resetAt
	}
	return time.Now()
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	for ip, w := range rl.windows {
		if now.After(w.resetAt) {
			delete(rl.windows, ip)
		}
	}
}

// clientIP extracts the caller's IP, honoring reverse-proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

// RateLimitMiddleware wraps a handler with per-IP limiting. The landing
// page, health check and WebSocket stream stay unthrottled.
func RateLimitMiddleware(limiter *RateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/health", "/ws":
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		remaining, allowed := limiter.Allow(ip)
		resetAt := limiter.ResetTime(ip)

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))

		if !allowed {
			retryAfter := int(time.Until(resetAt).Seconds()) + 1
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
				"limit":       limiter.limit,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
