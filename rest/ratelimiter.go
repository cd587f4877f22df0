package rest

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// GlobalRequestsPerSecond is the documented per-token global request budget.
const GlobalRequestsPerSecond = 50

// RateLimiter tracks discord's per-route buckets. Routes are mapped onto
// buckets lazily from the X-RateLimit-Bucket response header, so the first
// request on a route always passes. The limiter is a coordination hint: the
// authoritative signal stays the server's 429, handled by the retry policy.
type RateLimiter struct {
	mu sync.Mutex

	// endpoint identity -> bucket key, learned from response headers.
	endpoints map[string]string
	buckets   map[string]*bucket

	global        *rate.Limiter
	globalResetAt time.Time
}

type bucket struct {
	limit     int
	remaining int
	resetAt   time.Time
	pending   int
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		endpoints: make(map[string]string),
		buckets:   make(map[string]*bucket),
		global:    rate.NewLimiter(rate.Limit(GlobalRequestsPerSecond), GlobalRequestsPerSecond),
	}
}

// ShouldRequest decides whether a request on the endpoint may be sent now.
// It optimistically consumes a slot when admission succeeds; callers must
// pair every admitted request with an Observe call (or ObserveFailure on
// connection errors).
func (rl *RateLimiter) ShouldRequest(endpointID string, countsAgainstGlobal bool) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	if countsAgainstGlobal {
		if now.Before(rl.globalResetAt) {
			return fmt.Errorf("%w: global limit exhausted until %s", ErrRateLimited, rl.globalResetAt.Format(time.RFC3339))
		}

		if !rl.global.Allow() {
			return fmt.Errorf("%w: global request budget exceeded", ErrRateLimited)
		}
	}

	bucketKey, ok := rl.endpoints[endpointID]
	if !ok {
		return nil
	}

	b, ok := rl.buckets[bucketKey]
	if !ok {
		return nil
	}

	if now.After(b.resetAt) {
		b.remaining = b.limit
	}

	if b.remaining-b.pending <= 0 && now.Before(b.resetAt) {
		return fmt.Errorf("%w: %s until %s", ErrRateLimited, endpointID, b.resetAt.Format(time.RFC3339))
	}

	b.pending++

	return nil
}

// Observe updates bucket state from a response. Must be called exactly once
// per admitted request.
func (rl *RateLimiter) Observe(endpointID string, status int, headers http.Header) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.settlePending(endpointID)

	if status == http.StatusTooManyRequests && headers.Get("X-RateLimit-Scope") == "global" {
		if retryAfter, err := strconv.ParseFloat(headers.Get("Retry-After"), 64); err == nil {
			rl.globalResetAt = time.Now().Add(time.Duration(retryAfter * float64(time.Second)))
		}

		return
	}

	bucketKey := headers.Get("X-RateLimit-Bucket")
	if bucketKey == "" {
		return
	}

	rl.endpoints[endpointID] = bucketKey

	b, ok := rl.buckets[bucketKey]
	if !ok {
		b = &bucket{}
		rl.buckets[bucketKey] = b
	}

	if limit, err := strconv.Atoi(headers.Get("X-RateLimit-Limit")); err == nil {
		b.limit = limit
	}

	if remaining, err := strconv.Atoi(headers.Get("X-RateLimit-Remaining")); err == nil {
		b.remaining = remaining
	}

	if resetAt, err := strconv.ParseFloat(headers.Get("X-RateLimit-Reset"), 64); err == nil {
		b.resetAt = time.Unix(0, int64(resetAt*float64(time.Second)))
	} else if resetAfter, err := strconv.ParseFloat(headers.Get("X-RateLimit-Reset-After"), 64); err == nil {
		b.resetAt = time.Now().Add(time.Duration(resetAfter * float64(time.Second)))
	}
}

// ObserveFailure releases the admission slot of a request that never
// produced a response.
func (rl *RateLimiter) ObserveFailure(endpointID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.settlePending(endpointID)
}

func (rl *RateLimiter) settlePending(endpointID string) {
	bucketKey, ok := rl.endpoints[endpointID]
	if !ok {
		return
	}

	if b, ok := rl.buckets[bucketKey]; ok && b.pending > 0 {
		b.pending--
	}
}
