package rest

import (
	"strings"
	"time"

	csmap "github.com/mhmtszr/concurrent-swiss-map"
)

const (
	DefaultCacheTTL    = 5 * time.Second
	GatewayCacheTTL    = time.Hour
	CacheSweepInterval = time.Minute
)

// Cache stores successful responses for endpoints that declare a cache
// identity. Expired entries are evicted lazily on read and by a periodic
// sweep.
type Cache struct {
	store *csmap.CsMap[string, cacheEntry]

	defaultTTL time.Duration
	overrides  map[CacheIdentity]time.Duration

	stop chan struct{}
}

type cacheEntry struct {
	response  Response
	expiresAt time.Time
}

// NewCache creates a response cache. The gateway discovery endpoints default
// to an hour-long TTL, everything else to DefaultCacheTTL; both can be
// overridden per identity.
func NewCache(defaultTTL time.Duration, overrides map[CacheIdentity]time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultCacheTTL
	}

	merged := map[CacheIdentity]time.Duration{
		CacheIdentityGetGateway:    GatewayCacheTTL,
		CacheIdentityGetGatewayBot: GatewayCacheTTL,
	}

	for identity, ttl := range overrides {
		merged[identity] = ttl
	}

	cache := &Cache{
		store:      csmap.Create[string, cacheEntry](),
		defaultTTL: defaultTTL,
		overrides:  merged,
		stop:       make(chan struct{}),
	}

	go cache.sweep()

	return cache
}

// Key builds the cache key from the endpoint identity and the ordered query
// pairs.
func (c *Cache) Key(identity CacheIdentity, queries []Query) string {
	if len(queries) == 0 {
		return identity.String()
	}

	var builder strings.Builder

	builder.WriteString(identity.String())
	builder.WriteByte('?')
	builder.WriteString(EncodeQueries(queries))

	return builder.String()
}

// TTLFor returns the time-to-live for a cache identity.
func (c *Cache) TTLFor(identity CacheIdentity) time.Duration {
	if ttl, ok := c.overrides[identity]; ok {
		return ttl
	}

	return c.defaultTTL
}

// Get returns the stored response when present and fresh, evicting it when
// stale.
func (c *Cache) Get(key string) (Response, bool) {
	entry, ok := c.store.Load(key)
	if !ok {
		return Response{}, false
	}

	if time.Now().After(entry.expiresAt) {
		c.store.Delete(key)

		return Response{}, false
	}

	return entry.response, true
}

// Put stores a response. Only successful responses with a positive TTL are
// kept.
func (c *Cache) Put(key string, identity CacheIdentity, response Response) {
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return
	}

	ttl := c.TTLFor(identity)
	if ttl <= 0 {
		return
	}

	c.store.Store(key, cacheEntry{
		response:  response,
		expiresAt: time.Now().Add(ttl),
	})
}

// Close stops the background sweeper.
func (c *Cache) Close() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(CacheSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()

			expired := make([]string, 0)

			c.store.Range(func(key string, entry cacheEntry) bool {
				if now.After(entry.expiresAt) {
					expired = append(expired, key)
				}

				return false
			})

			for _, key := range expired {
				c.store.Delete(key)
			}
		}
	}
}
