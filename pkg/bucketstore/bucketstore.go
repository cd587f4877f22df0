package bucketstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/FerryTeam/Ferry/pkg/limiter"
)

// ErrNoSuchBucket is returned when a bucket was requested that does not
// exist. Use CreateWaitForBucket to create a bucket if it does not exist.
var ErrNoSuchBucket = errors.New("bucket does not exist")

// BucketStore manages named DurationLimiters.
type BucketStore struct {
	bucketsMu sync.RWMutex
	buckets   map[string]*limiter.DurationLimiter
}

// NewBucketStore creates a new bucket map to store different limits.
func NewBucketStore() *BucketStore {
	return &BucketStore{
		buckets: make(map[string]*limiter.DurationLimiter),
	}
}

// CreateBucket creates a new bucket if it does not already exist.
func (bs *BucketStore) CreateBucket(name string, limit int32, duration time.Duration) *limiter.DurationLimiter {
	bs.bucketsMu.Lock()
	defer bs.bucketsMu.Unlock()

	if bucket, ok := bs.buckets[name]; ok {
		return bucket
	}

	bucket := limiter.NewDurationLimiter(limit, duration)
	bs.buckets[name] = bucket

	return bucket
}

// WaitForBucket waits for a slot in an existing bucket.
func (bs *BucketStore) WaitForBucket(name string) error {
	bs.bucketsMu.RLock()
	bucket, ok := bs.buckets[name]
	bs.bucketsMu.RUnlock()

	if !ok {
		return ErrNoSuchBucket
	}

	bucket.Lock()

	return nil
}

// CreateWaitForBucket creates a bucket if it does not exist and then waits
// for a slot in it.
func (bs *BucketStore) CreateWaitForBucket(name string, limit int32, duration time.Duration) error {
	bs.CreateBucket(name, limit, duration).Lock()

	return nil
}

// CreateWaitForBucketContext is CreateWaitForBucket bounded by a context.
func (bs *BucketStore) CreateWaitForBucketContext(ctx context.Context, name string, limit int32, duration time.Duration) error {
	return bs.CreateBucket(name, limit, duration).LockContext(ctx)
}
