package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zhouzirui/emochat/backend/pkg/api"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	resp := httptest.NewRecorder()

	CORS(okHandler).ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestRateLimiterPerUser(t *testing.T) {
	h := NewRateLimiter(0.001, 2).Middleware(okHandler)

	call := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions/s1/history?userId="+user, nil)
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, req)
		if resp.Code == http.StatusTooManyRequests {
			var body api.ErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body.Code != api.CodeRateLimited {
				t.Fatalf("expected RATE_LIMITED, got %s", body.Code)
			}
		}
		return resp.Code
	}

	for i := 0; i < 2; i++ {
		if code := call("alice"); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
	if code := call("alice"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", code)
	}
	if code := call("bob"); code != http.StatusOK {
		t.Fatalf("other users keep their own budget, got %d", code)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	l := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !l.Allow("k") {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}

func TestRateLimiterDropsIdleCallers(t *testing.T) {
	now := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	l := NewRateLimiter(1, 1)
	l.now = func() time.Time { return now }

	for _, ip := range []string{"ip:10.0.0.1", "ip:10.0.0.2", "ip:10.0.0.3"} {
		if !l.Allow(ip) {
			t.Fatalf("first request from %s rejected", ip)
		}
	}
	if l.Allow("ip:10.0.0.1") {
		t.Fatal("expected second request inside the same second to be rejected")
	}
	if got := l.size(); got != 3 {
		t.Fatalf("expected 3 buckets, got %d", got)
	}

	now = now.Add(2 * sweepInterval)
	if !l.Allow("ip:10.0.0.4") {
		t.Fatal("new caller rejected")
	}
	if got := l.size(); got != 1 {
		t.Fatalf("expected idle buckets dropped, got %d", got)
	}
}

func TestRateLimiterKeepsDrainedCallers(t *testing.T) {
	now := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	l := NewRateLimiter(0.001, 1)
	l.now = func() time.Time { return now }

	if !l.Allow("user:alice") {
		t.Fatal("first request rejected")
	}
	now = now.Add(2 * sweepInterval)
	l.Allow("user:bob")
	if got := l.size(); got != 2 {
		t.Fatalf("expected the drained bucket to survive the sweep, got %d buckets", got)
	}
	if l.Allow("user:alice") {
		t.Fatal("sweep reset alice's budget")
	}
}
