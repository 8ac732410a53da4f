package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		remaining, allowed := rl.Allow("10.0.0.1")
		if !allowed {
			t.Fatalf("request %d refused under the limit", i+1)
		}
		if remaining != 2-i {
			t.Fatalf("request %d: remaining = %d", i+1, remaining)
		}
	}

	if _, allowed := rl.Allow("10.0.0.1"); allowed {
		t.Fatal("fourth request must be refused")
	}

	// A different IP has its own window.
	if _, allowed := rl.Allow("10.0.0.2"); !allowed {
		t.Fatal("separate IPs must not share windows")
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	rl := NewRateLimiter(1, 10*time.Millisecond)

	if _, allowed := rl.Allow("10.0.0.1"); !allowed {
		t.Fatal("first request refused")
	}
	if _, allowed := rl.Allow("10.0.0.1"); allowed {
		t.Fatal("second request in window must be refused")
	}

	time.Sleep(15 * time.Millisecond)
	if _, allowed := rl.Allow("10.0.0.1"); !allowed {
		t.Fatal("window expiry must reset the count")
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name       string
		remoteAddr string
		xff        string
		xrip       string
		want       string
	}{
		{"remote addr", "192.168.1.5:1234", "", "", "192.168.1.5"},
		{"forwarded for", "10.0.0.1:80", "203.0.113.7, 10.0.0.1", "", "203.0.113.7"},
		{"real ip", "10.0.0.1:80", "", "203.0.113.9", "203.0.113.9"},
		{"no port", "192.168.1.5", "", "", "192.168.1.5"},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/admit", nil)
		r.RemoteAddr = tc.remoteAddr
		if tc.xff != "" {
			r.Header.Set("X-Forwarded-For", tc.xff)
		}
		if tc.xrip != "" {
			r.Header.Set("X-Real-IP", tc.xrip)
		}
		if got := clientIP(r); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	handler := RateLimitMiddleware(rl, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", path, nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := get("/admit")
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "1" {
		t.Fatalf("remaining header = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}

	get("/admit")
	rec = get("/admit")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over limit: %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}

	// Health and the stream are exempt.
	for _, path := range []string{"/health", "/", "/ws"} {
		if rec := get(path); rec.Code != http.StatusOK {
			t.Fatalf("%s must be exempt, got %d", path, rec.Code)
		}
	}
}
