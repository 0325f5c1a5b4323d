package gateway

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitConfig throttles webhook calls. Zero RequestsPerMinute disables it.
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
	// Clock overrides time.Now; tests use it to step time.
	Clock func() time.Time
}

// bucket is a token bucket for one (client, trigger) pair.
type bucket struct {
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

// take refills by elapsed time and consumes one token. When empty it
// returns how long until a token is available.
func (b *bucket) take(now time.Time, perSecond, capacity float64) (bool, time.Duration) {
	b.tokens = math.Min(capacity, b.tokens+now.Sub(b.lastRefill).Seconds()*perSecond)
	b.lastRefill = now
	b.lastSeen = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / perSecond * float64(time.Second))
	return false, wait
}

// RateLimitMiddleware limits each client address per webhook trigger, so
// one noisy integration cannot starve the others behind the same proxy.
type RateLimitMiddleware struct {
	perSecond float64
	capacity  float64
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewRateLimitMiddleware(cfg RateLimitConfig) *RateLimitMiddleware {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 10
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &RateLimitMiddleware{
		perSecond: float64(cfg.RequestsPerMinute) / 60.0,
		capacity:  float64(burst),
		now:       now,
		logger:    slog.Default(),
		buckets:   make(map[string]*bucket),
	}
}

func (rl *RateLimitMiddleware) enabled() bool {
	return rl.perSecond > 0
}

// allow charges one request to key.
func (rl *RateLimitMiddleware) allow(key string) (bool, time.Duration) {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.capacity, lastRefill: now}
		rl.buckets[key] = b
	}
	return b.take(now, rl.perSecond, rl.capacity)
}

// Wrap rejects over-limit calls with 429 and a Retry-After in whole seconds.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := rl.allow(limitKey(r))
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func limitKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if name := r.PathValue("name"); name != "" {
		return host + "|" + name
	}
	return host
}

// StartEviction drops idle buckets every interval until ctx is done.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes buckets with no request within maxAge.
func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	cutoff := rl.now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		rl.logger.Debug("webhook limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
}

func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
