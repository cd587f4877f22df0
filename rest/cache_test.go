package rest

import (
	"testing"
	"time"
)

func TestCachePutGet(t *testing.T) {
	cache := NewCache(time.Minute, nil)
	defer cache.Close()

	key := cache.Key(CacheIdentityGetChannel, nil)

	cache.Put(key, CacheIdentityGetChannel, Response{StatusCode: 200, Body: []byte(`{"id":"1"}`)})

	response, ok := cache.Get(key)
	if !ok {
		t.Fatalf("Expected cache hit, but got miss")
	}

	if string(response.Body) != `{"id":"1"}` {
		t.Errorf("Expected cached body, but got %s", response.Body)
	}
}

func TestCacheExpiry(t *testing.T) {
	cache := NewCache(time.Minute, map[CacheIdentity]time.Duration{
		CacheIdentityGetChannel: 10 * time.Millisecond,
	})
	defer cache.Close()

	key := cache.Key(CacheIdentityGetChannel, nil)

	cache.Put(key, CacheIdentityGetChannel, Response{StatusCode: 200, Body: []byte(`{}`)})

	time.Sleep(20 * time.Millisecond)

	if _, ok := cache.Get(key); ok {
		t.Errorf("Expected cache miss after expiry, but got hit")
	}
}

func TestCacheRejectsNonSuccess(t *testing.T) {
	cache := NewCache(time.Minute, nil)
	defer cache.Close()

	key := cache.Key(CacheIdentityGetChannel, nil)

	cache.Put(key, CacheIdentityGetChannel, Response{StatusCode: 404, Body: []byte(`{}`)})

	if _, ok := cache.Get(key); ok {
		t.Errorf("Expected non-2xx response to not be cached")
	}
}

func TestCacheRejectsZeroTTL(t *testing.T) {
	cache := NewCache(time.Minute, map[CacheIdentity]time.Duration{
		CacheIdentityGetChannel: -1,
	})
	defer cache.Close()

	key := cache.Key(CacheIdentityGetChannel, nil)

	cache.Put(key, CacheIdentityGetChannel, Response{StatusCode: 200, Body: []byte(`{}`)})

	if _, ok := cache.Get(key); ok {
		t.Errorf("Expected identity with non-positive TTL to not be cached")
	}
}

func TestCacheKeyIncludesQueries(t *testing.T) {
	cache := NewCache(time.Minute, nil)
	defer cache.Close()

	bare := cache.Key(CacheIdentityGetGuild, nil)
	withCounts := cache.Key(CacheIdentityGetGuild, []Query{{Key: "with_counts", Value: "true"}})

	if bare == withCounts {
		t.Errorf("Expected distinct keys, but got %q for both", bare)
	}
}

func TestCacheGatewayDefaultTTL(t *testing.T) {
	cache := NewCache(time.Minute, nil)
	defer cache.Close()

	if ttl := cache.TTLFor(CacheIdentityGetGatewayBot); ttl != GatewayCacheTTL {
		t.Errorf("Expected %v, but got %v", GatewayCacheTTL, ttl)
	}

	if ttl := cache.TTLFor(CacheIdentityGetChannel); ttl != time.Minute {
		t.Errorf("Expected %v, but got %v", time.Minute, ttl)
	}
}
