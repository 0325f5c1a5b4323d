package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-atlas/internal/gateway"
)

// fakeClock is a settable time source shared with the limiter.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func limitedHandler(cfg gateway.RateLimitConfig) (*gateway.RateLimitMiddleware, http.Handler) {
	rl := gateway.NewRateLimitMiddleware(cfg)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return rl, rl.Wrap(inner)
}

func hit(h http.Handler, remote, trigger string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/"+trigger, nil)
	req.SetPathValue("name", trigger)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_DisabledPassesThrough(t *testing.T) {
	_, h := limitedHandler(gateway.RateLimitConfig{})
	for i := 0; i < 50; i++ {
		if rec := hit(h, "10.0.0.1:1234", "ping"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestRateLimit_BurstThenRetryAfter(t *testing.T) {
	clock := newFakeClock()
	_, h := limitedHandler(gateway.RateLimitConfig{RequestsPerMinute: 60, BurstSize: 3, Clock: clock.Now})
	for i := 0; i < 3; i++ {
		if rec := hit(h, "10.0.0.1:1234", "ping"); rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}
	// Same host on a different port shares the bucket.
	rec := hit(h, "10.0.0.1:5678", "ping")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After: 1, got %q", got)
	}
}

func TestRateLimit_RetryAfterReflectsRate(t *testing.T) {
	clock := newFakeClock()
	_, h := limitedHandler(gateway.RateLimitConfig{RequestsPerMinute: 2, BurstSize: 1, Clock: clock.Now})
	hit(h, "10.0.0.9:1", "nightly")
	rec := hit(h, "10.0.0.9:1", "nightly")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Fatalf("expected Retry-After: 30 at 2 rpm, got %q", got)
	}
}

func TestRateLimit_RefillOverTime(t *testing.T) {
	clock := newFakeClock()
	_, h := limitedHandler(gateway.RateLimitConfig{RequestsPerMinute: 60, BurstSize: 1, Clock: clock.Now})
	if rec := hit(h, "10.0.0.2:1", "ping"); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}
	if rec := hit(h, "10.0.0.2:1", "ping"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 immediately after, got %d", rec.Code)
	}
	clock.Advance(1100 * time.Millisecond)
	if rec := hit(h, "10.0.0.2:1", "ping"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after refill, got %d", rec.Code)
	}
}

func TestRateLimit_IsolatedByClientAndTrigger(t *testing.T) {
	clock := newFakeClock()
	_, h := limitedHandler(gateway.RateLimitConfig{RequestsPerMinute: 60, BurstSize: 1, Clock: clock.Now})
	if rec := hit(h, "10.0.0.3:1", "github-push"); rec.Code != http.StatusOK {
		t.Fatalf("client a: expected 200, got %d", rec.Code)
	}
	if rec := hit(h, "10.0.0.4:1", "github-push"); rec.Code != http.StatusOK {
		t.Fatalf("client b should have its own bucket, got %d", rec.Code)
	}
	if rec := hit(h, "10.0.0.3:1", "stripe-events"); rec.Code != http.StatusOK {
		t.Fatalf("another trigger should have its own bucket, got %d", rec.Code)
	}
	if rec := hit(h, "10.0.0.3:1", "github-push"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("exhausted pair: expected 429, got %d", rec.Code)
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	clock := newFakeClock()
	rl, h := limitedHandler(gateway.RateLimitConfig{RequestsPerMinute: 60, BurstSize: 5, Clock: clock.Now})
	hit(h, "10.0.0.5:1", "ping")
	hit(h, "10.0.0.6:1", "ping")
	if n := rl.BucketCount(); n != 2 {
		t.Fatalf("expected 2 buckets, got %d", n)
	}
	rl.EvictStale(time.Hour)
	if n := rl.BucketCount(); n != 2 {
		t.Fatalf("fresh buckets must survive, got %d", n)
	}
	clock.Advance(2 * time.Hour)
	rl.EvictStale(time.Hour)
	if n := rl.BucketCount(); n != 0 {
		t.Fatalf("expected stale buckets evicted, got %d", n)
	}
}
