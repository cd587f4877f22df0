package rest

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Backoff computes how long to wait before a retry. Implementations compose:
// a RetryAfterBackoff falls through to its Else backoff when the header is
// absent.
type Backoff interface {
	// WaitDuration returns the wait before the next attempt, given how many
	// retries already happened. The second return is false when the backoff
	// wants to give up instead of waiting.
	WaitDuration(attempts int, headers http.Header) (time.Duration, bool)
}

// ConstantBackoff waits the same interval between every retry.
type ConstantBackoff struct {
	Interval time.Duration
}

func (b ConstantBackoff) WaitDuration(_ int, _ http.Header) (time.Duration, bool) {
	return b.Interval, true
}

// LinearBackoff waits base + coefficient*attempts, growing for at most
// UpToTimes retries.
type LinearBackoff struct {
	Base        time.Duration
	Coefficient time.Duration
	UpToTimes   int
}

func (b LinearBackoff) WaitDuration(attempts int, _ http.Header) (time.Duration, bool) {
	if b.UpToTimes > 0 && attempts > b.UpToTimes {
		attempts = b.UpToTimes
	}

	return b.Base + time.Duration(attempts)*b.Coefficient, true
}

// ExponentialBackoff waits base + coefficient*rate^attempts, growing for at
// most UpToTimes retries. Rate must be >= 1.
type ExponentialBackoff struct {
	Base        time.Duration
	Coefficient time.Duration
	Rate        float64
	UpToTimes   int
}

func (b ExponentialBackoff) WaitDuration(attempts int, _ http.Header) (time.Duration, bool) {
	if b.UpToTimes > 0 && attempts > b.UpToTimes {
		attempts = b.UpToTimes
	}

	return b.Base + time.Duration(float64(b.Coefficient)*math.Pow(b.Rate, float64(attempts))), true
}

// RetryAfterBackoff honors the server's Retry-After header. When the header
// is absent it recursively evaluates Else; a nil Else means give up. When
// the requested wait exceeds MaxAllowed, RetryIfGreater decides between
// waiting anyway and giving up.
type RetryAfterBackoff struct {
	MaxAllowed     time.Duration
	RetryIfGreater bool
	Else           Backoff
}

func (b RetryAfterBackoff) WaitDuration(attempts int, headers http.Header) (time.Duration, bool) {
	retryAfter := headers.Get("Retry-After")
	if retryAfter == "" {
		if b.Else == nil {
			return 0, false
		}

		return b.Else.WaitDuration(attempts, headers)
	}

	seconds, err := strconv.ParseFloat(retryAfter, 64)
	if err != nil {
		if b.Else == nil {
			return 0, false
		}

		return b.Else.WaitDuration(attempts, headers)
	}

	wait := time.Duration(seconds * float64(time.Second))

	if b.MaxAllowed > 0 && wait > b.MaxAllowed && !b.RetryIfGreater {
		return 0, false
	}

	return wait, true
}

// RetryPolicy decides which responses are retried and how long to wait
// between attempts.
type RetryPolicy struct {
	// Statuses lists the response statuses worth retrying. All must be >= 400.
	Statuses []int

	// MaxRetries caps the retries per request, not counting the first attempt.
	MaxRetries int

	// RetryConnectionErrors allows a single retry after a transport-level
	// failure.
	RetryConnectionErrors bool

	Backoff Backoff
}

// DefaultRetryPolicy retries rate limits and server errors, honoring
// Retry-After and falling back to exponential growth.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		Statuses: []int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
		MaxRetries:            3,
		RetryConnectionErrors: true,
		Backoff: RetryAfterBackoff{
			MaxAllowed:     time.Minute,
			RetryIfGreater: false,
			Else: ExponentialBackoff{
				Base:        time.Second,
				Coefficient: time.Second,
				Rate:        2,
				UpToTimes:   5,
			},
		},
	}
}

// Validate rejects policies that would retry successful responses.
func (p *RetryPolicy) Validate() error {
	for _, status := range p.Statuses {
		if status < 400 {
			return fmt.Errorf("%w: status %d is not an error status", ErrInvalidRetryPolicy, status)
		}
	}

	if exponential, ok := p.Backoff.(ExponentialBackoff); ok && exponential.Rate < 1 {
		return fmt.Errorf("%w: exponential rate must be >= 1", ErrInvalidRetryPolicy)
	}

	return nil
}

// ShouldRetry reports whether a response status warrants another attempt.
func (p *RetryPolicy) ShouldRetry(status, attempts int) bool {
	if attempts >= p.MaxRetries {
		return false
	}

	for _, retryable := range p.Statuses {
		if retryable == status {
			return true
		}
	}

	return false
}

// WaitBeforeRetry evaluates the backoff for the given attempt count. The
// second return is false when the policy gives up instead of waiting.
func (p *RetryPolicy) WaitBeforeRetry(attempts int, headers http.Header) (time.Duration, bool) {
	if p.Backoff == nil {
		return 0, false
	}

	return p.Backoff.WaitDuration(attempts, headers)
}
