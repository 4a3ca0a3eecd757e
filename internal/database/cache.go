package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paperbot/engine/internal/domain"
	"github.com/paperbot/engine/internal/logging"
	"github.com/paperbot/engine/internal/metrics"
)

// Cache is a read-through Redis layer in front of KnowledgeRepository's
// coin_scores reads, so Strategist's per-cycle snapshot (§4.6, every
// strategist_period_seconds) doesn't round-trip Postgres for data that
// changes only on trade close. A nil *Cache (Redis disabled, per
// config.RedisConfig.Enabled) falls through to the repository directly.
type Cache struct {
	rdb  *redis.Client
	know *KnowledgeRepository
	ttl  time.Duration
	log  *logging.Logger
}

// NewCache constructs a Cache. addr/password/db follow config.RedisConfig.
func NewCache(addr, password string, db int, ttl time.Duration, know *KnowledgeRepository) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Cache{rdb: rdb, know: know, ttl: ttl, log: logging.WithComponent("cache")}
}

// Ping verifies Redis connectivity at startup.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the Redis client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

func coinScoreKey(symbol string) string { return "coin_score:" + symbol }

const blacklistKey = "coin_status:blacklisted"
const favoredKey = "coin_status:favored"

// GetCoinScore serves a single symbol's score from cache, falling back
// to Postgres and populating the cache on miss.
func (c *Cache) GetCoinScore(ctx context.Context, symbol string) (*domain.CoinScore, error) {
	key := coinScoreKey(symbol)
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var s domain.CoinScore
		if unmarshalErr := json.Unmarshal(raw, &s); unmarshalErr == nil {
			metrics.CacheHitsTotal.WithLabelValues("coin_score", "hit").Inc()
			return &s, nil
		}
	}
	metrics.CacheHitsTotal.WithLabelValues("coin_score", "miss").Inc()

	s, err := c.know.CoinScore(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	c.setJSON(ctx, key, s)
	return s, nil
}

// InvalidateCoinScore drops the cached entry for symbol, called by
// KnowledgeStore immediately after any write so readers never observe a
// stale status for longer than one round trip.
func (c *Cache) InvalidateCoinScore(ctx context.Context, symbol string) {
	if err := c.rdb.Del(ctx, coinScoreKey(symbol)).Err(); err != nil {
		c.log.WithError(err).Warn("cache invalidate failed", "symbol", symbol)
	}
	c.rdb.Del(ctx, blacklistKey, favoredKey)
}

// GetBlacklist serves the set of BLACKLISTED symbols from cache.
func (c *Cache) GetBlacklist(ctx context.Context) ([]domain.CoinScore, error) {
	return c.getByStatus(ctx, blacklistKey, domain.StatusBlacklisted)
}

// GetFavored serves the set of FAVORED symbols from cache.
func (c *Cache) GetFavored(ctx context.Context) ([]domain.CoinScore, error) {
	return c.getByStatus(ctx, favoredKey, domain.StatusFavored)
}

func (c *Cache) getByStatus(ctx context.Context, key string, status domain.CoinStatus) ([]domain.CoinScore, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var scores []domain.CoinScore
		if unmarshalErr := json.Unmarshal(raw, &scores); unmarshalErr == nil {
			metrics.CacheHitsTotal.WithLabelValues(string(status), "hit").Inc()
			return scores, nil
		}
	}
	metrics.CacheHitsTotal.WithLabelValues(string(status), "miss").Inc()

	scores, err := c.know.CoinScoresByStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	c.setJSON(ctx, key, scores)
	return scores, nil
}

func (c *Cache) setJSON(ctx context.Context, key string, v interface{}) {
	encoded, err := json.Marshal(v)
	if err != nil {
		c.log.WithError(err).Warn("cache encode failed", "key", key)
		return
	}
	if err := c.rdb.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
		c.log.WithError(err).Warn("cache write failed", "key", key)
	}
}
