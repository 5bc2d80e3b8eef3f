package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache using Redis.
// Used as the Pro edition cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// incrementScript bumps a counter and sets its window on first increment.
var incrementScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.makeKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.makeKey(key), value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.makeKey(key)).Err()
}

// IncrementCounter atomically increments a counter using INCR with PEXPIRE.
func (c *RedisCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	fullKey := c.makeKey("counter:" + key)
	return incrementScript.Run(ctx, c.client, []string{fullKey}, window.Milliseconds()).Int64()
}

// IncrementScore uses a sorted set; the TTL is set only when the set is new.
func (c *RedisCache) IncrementScore(ctx context.Context, key, member string, by float64, ttl time.Duration) error {
	fullKey := c.makeKey("rank:" + key)

	pipe := c.client.TxPipeline()
	pipe.ZIncrBy(ctx, fullKey, by, member)
	pipe.ExpireNX(ctx, fullKey, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// TopScores returns the n highest members at key.
func (c *RedisCache) TopScores(ctx context.Context, key string, n int) ([]domain.ScoredMember, error) {
	stop := int64(-1)
	if n > 0 {
		stop = int64(n - 1)
	}

	zs, err := c.client.ZRevRangeWithScores(ctx, c.makeKey("rank:"+key), 0, stop).Result()
	if err != nil {
		return nil, err
	}

	out := make([]domain.ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, domain.ScoredMember{Member: member, Score: z.Score})
	}
	return out, nil
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(key string) string {
	return "kestrel:" + key
}
