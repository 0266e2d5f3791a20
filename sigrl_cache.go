package epidra

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultSigRLTTL = 10 * time.Minute
	redisKeyPrefix  = "epidra:sigrl:"
)

// sigRLCache stores signature revocation lists by hex-encoded group ID.
type sigRLCache interface {
	get(ctx context.Context, gid string) ([]byte, bool, error)
	put(ctx context.Context, gid string, sigRL []byte) error
}

type cacheItem struct {
	value []byte
	added time.Time
}

// cache implements a simple in-memory cache whose items expire.
type cache struct {
	sync.RWMutex
	Items map[string]cacheItem
	TTL   time.Duration
}

// newCache creates and returns a new cache with the given lifetime for cache
// items.
func newCache(ttl time.Duration) *cache {
	return &cache{
		Items: make(map[string]cacheItem),
		TTL:   ttl,
	}
}

// Count returns the number of elements in the cache.
func (c *cache) Count() int {
	c.RLock()
	defer c.RUnlock()

	return len(c.Items)
}

// pruneLater prunes the given element after ttl unless it was replaced in
// the meantime.
func (c *cache) pruneLater(key string, added time.Time, ttl time.Duration) {
	time.Sleep(ttl)

	c.Lock()
	defer c.Unlock()
	if item, exists := c.Items[key]; exists && item.added.Equal(added) {
		delete(c.Items, key)
	}
}

// Add adds or replaces an item.  There are only as many keys as there are
// EPID groups that talk to us, so one pruning goroutine per item is fine.
func (c *cache) Add(key string, value []byte) {
	c.Lock()
	defer c.Unlock()

	now := time.Now().UTC()
	c.Items[key] = cacheItem{value: value, added: now}
	go c.pruneLater(key, now, c.TTL)
}

// Get returns the item for the given key if it exists and has not expired.
func (c *cache) Get(key string) ([]byte, bool) {
	c.RLock()
	defer c.RUnlock()
	item, exists := c.Items[key]

	return item.value, exists
}

func (c *cache) get(_ context.Context, gid string) ([]byte, bool, error) {
	v, ok := c.Get(gid)
	return v, ok, nil
}

func (c *cache) put(_ context.Context, gid string, sigRL []byte) error {
	c.Add(gid, sigRL)
	return nil
}

// redisCache keeps revocation lists in Redis so that several service
// provider instances share them.
type redisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func newRedisCache(rdb *redis.Client, ttl time.Duration) *redisCache {
	return &redisCache{rdb: rdb, ttl: ttl}
}

func (r *redisCache) get(ctx context.Context, gid string) ([]byte, bool, error) {
	v, err := r.rdb.Get(ctx, redisKeyPrefix+gid).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *redisCache) put(ctx context.Context, gid string, sigRL []byte) error {
	return r.rdb.Set(ctx, redisKeyPrefix+gid, sigRL, r.ttl).Err()
}

// cachingAuthority answers SigRL requests from a cache and passes
// everything else through.  Cache failures fall back to the authority.
type cachingAuthority struct {
	VerificationAuthority
	cache sigRLCache
}

func newCachingAuthority(a VerificationAuthority, c sigRLCache) *cachingAuthority {
	return &cachingAuthority{VerificationAuthority: a, cache: c}
}

func (c *cachingAuthority) SigRL(ctx context.Context, gid []byte) ([]byte, error) {
	key := hex.EncodeToString(gid)

	sigRL, ok, err := c.cache.get(ctx, key)
	if err != nil {
		elog.Warn("Failed to read SigRL cache.", zap.Error(err))
	} else if ok {
		return sigRL, nil
	}

	sigRL, err = c.VerificationAuthority.SigRL(ctx, gid)
	if err != nil {
		return nil, err
	}
	if err := c.cache.put(ctx, key, sigRL); err != nil {
		elog.Warn("Failed to write SigRL cache.", zap.Error(err))
	}
	return sigRL, nil
}
