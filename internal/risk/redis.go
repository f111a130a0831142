package risk

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTracker is a velocity tracker backed by Redis sorted sets, one per
// agent, scored by unix nanos. Use it when multiple pipeline nodes must
// share a velocity view.
type RedisTracker struct {
	client *redis.Client
	prefix string
	maxAge time.Duration
}

// NewRedisTracker connects to Redis and verifies the connection.
func NewRedisTracker(ctx context.Context, url string, maxAge time.Duration) (*RedisTracker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("risk: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("risk: connect redis: %w", err)
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &RedisTracker{client: client, prefix: "clearline:velocity:", maxAge: maxAge}, nil
}

func (t *RedisTracker) key(agentID string) string { return t.prefix + agentID }

func (t *RedisTracker) Record(ctx context.Context, agentID string, at time.Time) error {
	key := t.key(agentID)
	pipe := t.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(at.UnixNano()),
		Member: strconv.FormatInt(at.UnixNano(), 10),
	})
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(time.Now().Add(-t.maxAge).UnixNano(), 10))
	pipe.Expire(ctx, key, t.maxAge)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("risk: record velocity: %w", err)
	}
	return nil
}

func (t *RedisTracker) Count(ctx context.Context, agentID string, window time.Duration) (int, error) {
	cutoff := strconv.FormatInt(time.Now().Add(-window).UnixNano(), 10)
	n, err := t.client.ZCount(ctx, t.key(agentID), cutoff, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("risk: count velocity: %w", err)
	}
	return int(n), nil
}

// Close releases the Redis connection.
func (t *RedisTracker) Close() error {
	return t.client.Close()
}
