package registry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LivenessCache is a fast, best-effort read path for a butler's last-seen
// timestamp, sitting in front of the DB round trip that Liveness/Get
// otherwise require on every call (the redis/go-redis
// domain-stack wiring). It is never the source of truth: Register and
// Heartbeat always write the DB first and the cache second, and a cache
// miss or error just means the caller falls back to the DB.
type LivenessCache interface {
	Set(ctx context.Context, name string, lastSeen time.Time) error
	Get(ctx context.Context, name string) (time.Time, bool)
}

// NewLivenessCache returns a redis-backed cache when redisURL is
// non-empty, otherwise a sync.Mutex-protected in-process fallback.
func NewLivenessCache(redisURL string, ttl time.Duration) (LivenessCache, error) {
	if redisURL == "" {
		return newInProcessLivenessCache(ttl), nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &redisLivenessCache{client: redis.NewClient(opts), ttl: ttl}, nil
}

type redisLivenessCache struct {
	client *redis.Client
	ttl    time.Duration
}

func (c *redisLivenessCache) key(name string) string { return "butlers:liveness:" + name }

func (c *redisLivenessCache) Set(ctx context.Context, name string, lastSeen time.Time) error {
	return c.client.Set(ctx, c.key(name), strconv.FormatInt(lastSeen.UnixNano(), 10), c.ttl).Err()
}

func (c *redisLivenessCache) Get(ctx context.Context, name string) (time.Time, bool) {
	val, err := c.client.Get(ctx, c.key(name)).Result()
	if err != nil {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

// Close releases the underlying redis connection pool.
func (c *redisLivenessCache) Close() error { return c.client.Close() }

type inProcessLivenessCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	lastSeen time.Time
	storedAt time.Time
}

func newInProcessLivenessCache(ttl time.Duration) *inProcessLivenessCache {
	return &inProcessLivenessCache{entries: make(map[string]cacheEntry), ttl: ttl}
}

func (c *inProcessLivenessCache) Set(ctx context.Context, name string, lastSeen time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = cacheEntry{lastSeen: lastSeen, storedAt: time.Now()}
	return nil
}

func (c *inProcessLivenessCache) Get(ctx context.Context, name string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[name]
	if !ok {
		return time.Time{}, false
	}
	if c.ttl > 0 && time.Since(entry.storedAt) > c.ttl {
		delete(c.entries, name)
		return time.Time{}, false
	}
	return entry.lastSeen, true
}
