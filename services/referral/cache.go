package referral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"smallbiznis-referral/pkg/rediskey"
)

//go:generate mockgen -destination=mocks/progress_cache.go -package=mocks . ProgressCache

// ProgressCache holds recent eligibility verdicts per account. Entries go
// stale when descendants purchase; the TTL bounds that staleness. A claim
// invalidates the claimant's entries.
type ProgressCache interface {
	Get(ctx context.Context, accountID string, tier Tier) (*Eligibility, error)
	Set(ctx context.Context, accountID string, e Eligibility) error
	Invalidate(ctx context.Context, accountID string) error
}

type redisProgressCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisProgressCache stores one hash per account with a field per tier.
func NewRedisProgressCache(rdb *redis.Client, ttl time.Duration) ProgressCache {
	return &redisProgressCache{rdb: rdb, ttl: ttl}
}

func (c *redisProgressCache) Get(ctx context.Context, accountID string, tier Tier) (*Eligibility, error) {
	raw, err := c.rdb.HGet(ctx, rediskey.BuildProgressKey(accountID), tier.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var e Eligibility
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode cached progress: %w", err)
	}
	return &e, nil
}

func (c *redisProgressCache) Set(ctx context.Context, accountID string, e Eligibility) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}

	key := rediskey.BuildProgressKey(accountID)
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, e.Tier.String(), raw)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	return err
}

func (c *redisProgressCache) Invalidate(ctx context.Context, accountID string) error {
	return c.rdb.Del(ctx, rediskey.BuildProgressKey(accountID)).Err()
}

type progressKeyTier struct {
	accountID string
	tier      Tier
}

type cachedProgress struct {
	value    Eligibility
	storedAt time.Time
}

// memoryProgressCache is the single-process fallback when no redis is
// configured.
type memoryProgressCache struct {
	mu        sync.RWMutex
	items     map[progressKeyTier]cachedProgress
	ttl       time.Duration
	lastSweep time.Time
}

func NewMemoryProgressCache(ttl time.Duration) ProgressCache {
	return &memoryProgressCache{
		items: make(map[progressKeyTier]cachedProgress),
		ttl:   ttl,
	}
}

func (c *memoryProgressCache) Get(_ context.Context, accountID string, tier Tier) (*Eligibility, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[progressKeyTier{accountID, tier}]
	if !ok || (c.ttl > 0 && time.Since(v.storedAt) > c.ttl) {
		return nil, nil
	}
	e := v.value
	return &e, nil
}

func (c *memoryProgressCache) Set(_ context.Context, accountID string, e Eligibility) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.sweep(now)
	c.items[progressKeyTier{accountID, e.Tier}] = cachedProgress{value: e, storedAt: now}
	return nil
}

// sweep drops expired entries at most once per TTL. Callers hold mu.
func (c *memoryProgressCache) sweep(now time.Time) {
	if c.ttl <= 0 || now.Sub(c.lastSweep) < c.ttl {
		return
	}
	for k, v := range c.items {
		if now.Sub(v.storedAt) > c.ttl {
			delete(c.items, k)
		}
	}
	c.lastSweep = now
}

func (c *memoryProgressCache) Invalidate(_ context.Context, accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.items {
		if k.accountID == accountID {
			delete(c.items, k)
		}
	}
	return nil
}
