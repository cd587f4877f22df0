package ferry

import (
	"context"
	"testing"
	"time"
)

func TestIdentifyViaBucketsParallelBuckets(t *testing.T) {
	f, app := newTestApplication(t, nil)

	gateway := app.Gateway.Load()
	gateway.SessionStartLimit.MaxConcurrency = 2
	app.Gateway.Store(gateway)
	app.ShardCount.Store(2)

	provider := NewIdentifyViaBuckets()

	first := NewShard(f, app, 0)
	second := NewShard(f, app, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()

	if err := provider.Identify(ctx, first); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if err := provider.Identify(ctx, second); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Shards 0 and 1 land in different buckets under max_concurrency 2, so
	// neither waits on the other.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected parallel identifies, but took %v", elapsed)
	}
}

func TestIdentifyViaBucketsSerializesWithinBucket(t *testing.T) {
	f, app := newTestApplication(t, nil)

	app.ShardCount.Store(2)

	provider := NewIdentifyViaBuckets()

	first := NewShard(f, app, 0)
	second := NewShard(f, app, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := provider.Identify(ctx, first); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// With max_concurrency 1 both shards share a bucket; the second identify
	// has to wait out the spacing interval, so the short context expires.
	if err := provider.Identify(ctx, second); err == nil {
		t.Errorf("Expected second identify to block until context expiry")
	}
}
