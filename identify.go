package ferry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/FerryTeam/Ferry/pkg/bucketstore"
)

var (
	// Discord allows one identify per bucket every 5 seconds. The extra
	// 500ms guards against clock skew between us and the gateway.
	StandardIdentifyLimit = 5 * time.Second
	IdentifyRateLimit     = StandardIdentifyLimit + (time.Millisecond * 500)
)

// IdentifyProvider gates identify payloads. Discord serializes identifies
// within a rate-limit bucket of shard_id % max_concurrency; buckets may
// identify in parallel.
type IdentifyProvider interface {
	Identify(ctx context.Context, shard *Shard) error
}

// IdentifyViaBuckets serializes identifies per bucket inside this process.
// This works for most use cases, but does not coordinate across processes.
type IdentifyViaBuckets struct {
	bucketStore *bucketstore.BucketStore
}

func NewIdentifyViaBuckets() *IdentifyViaBuckets {
	return &IdentifyViaBuckets{
		bucketStore: bucketstore.NewBucketStore(),
	}
}

func (i *IdentifyViaBuckets) Identify(ctx context.Context, shard *Shard) error {
	maxConcurrency := int32(1)

	if gateway := shard.Application.Gateway.Load(); gateway != nil && gateway.SessionStartLimit.MaxConcurrency > 0 {
		maxConcurrency = gateway.SessionStartLimit.MaxConcurrency
	}

	method := sha256.New()
	method.Write([]byte(shard.Application.Configuration.Load().BotToken.Reveal()))
	tokenHash := hex.EncodeToString(method.Sum(nil))

	bucketName := fmt.Sprintf(
		"identify:%s:%d",
		tokenHash,
		shard.ShardID%maxConcurrency,
	)

	err := i.bucketStore.CreateWaitForBucketContext(ctx, bucketName, 1, IdentifyRateLimit)
	if err != nil {
		return fmt.Errorf("failed to wait for bucket: %w", err)
	}

	return nil
}
