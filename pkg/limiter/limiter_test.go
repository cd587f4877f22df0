package limiter

import (
	"context"
	"testing"
	"time"
)

func TestDurationLimiterAllowsUpToLimit(t *testing.T) {
	limiter := NewDurationLimiter(3, time.Minute)

	start := time.Now()

	for i := 0; i < 3; i++ {
		limiter.Lock()
	}

	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Expected immediate locks, but took %v", elapsed)
	}
}

func TestDurationLimiterBlocksPastLimit(t *testing.T) {
	limiter := NewDurationLimiter(1, 100*time.Millisecond)

	limiter.Lock()

	start := time.Now()
	limiter.Lock()

	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Expected the second lock to wait, but took %v", elapsed)
	}
}

func TestDurationLimiterContextCancel(t *testing.T) {
	limiter := NewDurationLimiter(1, time.Minute)

	limiter.Lock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := limiter.LockContext(ctx)
	if err == nil {
		t.Errorf("Expected context error")
	}
}
