package ferry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/FerryTeam/Ferry/wire"
)

// IdentifyViaURL delegates the identify gate to an external service, for
// fleets spanning multiple processes that must share one concurrency
// budget. It sends a POST request to the URL with the shard_id,
// shard_count, token_hash and max_concurrency in the body, or in the URL
// using formatting tags:
// - {shard_id}
// - {shard_count}
// - {token_hash}
// - {max_concurrency}
//
// A 200 or 204 response grants the identify. Anything else is retried
// after `X-Retry-After-Ms` or the standard identify interval.
type IdentifyViaURL struct {
	Client  *http.Client
	URL     string
	Headers map[string]string
}

func NewIdentifyViaURL(url string, headers map[string]string) *IdentifyViaURL {
	return &IdentifyViaURL{
		Client:  http.DefaultClient,
		URL:     url,
		Headers: headers,
	}
}

func (i *IdentifyViaURL) Identify(ctx context.Context, shard *Shard) error {
	configuration := shard.Application.Configuration.Load()

	method := sha256.New()
	method.Write([]byte(configuration.BotToken.Reveal()))
	tokenHash := hex.EncodeToString(method.Sum(nil))

	maxConcurrency := int32(1)

	if gateway := shard.Application.Gateway.Load(); gateway != nil && gateway.SessionStartLimit.MaxConcurrency > 0 {
		maxConcurrency = gateway.SessionStartLimit.MaxConcurrency
	}

	shardCount := shard.Application.ShardCount.Load()

	identifyURL := i.URL
	identifyURL = strings.Replace(identifyURL, "{shard_id}", strconv.Itoa(int(shard.ShardID)), 1)
	identifyURL = strings.Replace(identifyURL, "{shard_count}", strconv.Itoa(int(shardCount)), 1)
	identifyURL = strings.Replace(identifyURL, "{token_hash}", tokenHash, 1)
	identifyURL = strings.Replace(identifyURL, "{max_concurrency}", strconv.Itoa(int(maxConcurrency)), 1)

	identifyPayload := struct {
		TokenHash      string `json:"token_hash"`
		ShardID        int32  `json:"shard_id"`
		ShardCount     int32  `json:"shard_count"`
		MaxConcurrency int32  `json:"max_concurrency"`
	}{
		TokenHash:      tokenHash,
		ShardID:        shard.ShardID,
		ShardCount:     shardCount,
		MaxConcurrency: maxConcurrency,
	}

	body, err := wire.Marshal(identifyPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal identify payload: %w", err)
	}

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, identifyURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create identify request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")

		for key, value := range i.Headers {
			req.Header.Set(key, value)
		}

		resp, err := i.Client.Do(req)

		retryAfter := StandardIdentifyLimit

		if err == nil {
			statusCode := resp.StatusCode

			if retryAfterHeader := resp.Header.Get("X-Retry-After-Ms"); retryAfterHeader != "" {
				if retryAfterMs, err := strconv.Atoi(retryAfterHeader); err == nil && retryAfterMs > 0 {
					retryAfter = time.Duration(retryAfterMs) * time.Millisecond
				}
			}

			resp.Body.Close()

			if statusCode == http.StatusOK || statusCode == http.StatusNoContent {
				return nil
			}
		}

		if err := sleepContext(ctx, retryAfter); err != nil {
			return err
		}
	}
}
