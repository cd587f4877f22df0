package limiter

import (
	"context"
	"sync/atomic"
	"time"
)

// DurationLimiter allows an operation to run at most `limit` times per fixed
// window of `duration`. A window starts when the limiter is created and a new
// one starts at the first Lock after the previous window ended. Callers block
// in Lock until a slot frees up.
type DurationLimiter struct {
	limit    int32
	duration int64

	resetsAt  atomic.Int64
	available atomic.Int32
}

// NewDurationLimiter creates a DurationLimiter allowing `limit` operations
// per `duration`.
func NewDurationLimiter(limit int32, duration time.Duration) *DurationLimiter {
	limiter := &DurationLimiter{
		limit:    limit,
		duration: duration.Nanoseconds(),
	}

	limiter.available.Store(limit)
	limiter.resetsAt.Store(time.Now().UnixNano() + limiter.duration)

	return limiter
}

// Lock waits until there is an available slot in the limiter.
func (l *DurationLimiter) Lock() {
	_ = l.LockContext(context.Background())
}

// LockContext waits until there is an available slot in the limiter or the
// context is cancelled.
func (l *DurationLimiter) LockContext(ctx context.Context) error {
	for {
		now := time.Now().UnixNano()

		if l.resetsAt.Load() <= now {
			l.resetsAt.Store(now + l.duration)
			l.available.Store(l.limit)
		}

		if l.available.Add(-1) >= 0 {
			return nil
		}

		// Went negative, hand the slot back and wait out the window.
		l.available.Add(1)

		timer := time.NewTimer(time.Duration(l.resetsAt.Load() - now))

		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Reset pushes the window forwards, emptying all slots until it elapses.
func (l *DurationLimiter) Reset() {
	l.resetsAt.Store(time.Now().UnixNano() + l.duration)
	l.available.Store(0)
}
