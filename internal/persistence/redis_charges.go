package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisChargeTracker remembers per-batch gas charges in Redis so every
// settlement node sees the same set. Keys expire after ttl; batches are
// short-lived.
type RedisChargeTracker struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisChargeTracker(rdb *redis.Client, ttl time.Duration) *RedisChargeTracker {
	return &RedisChargeTracker{rdb: rdb, ttl: ttl, prefix: "perp:gas:"}
}

func (t *RedisChargeTracker) key(batchID string, account uuid.UUID) string {
	return t.prefix + batchID + ":" + account.String()
}

func (t *RedisChargeTracker) WasCharged(ctx context.Context, batchID string, account uuid.UUID) (bool, error) {
	err := t.rdb.Get(ctx, t.key(batchID, account)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gas charge lookup %s: %w", batchID, err)
	}
	return true, nil
}

// MarkCharged records the accounts in one pipeline. SetNX keeps the first
// writer's timestamp when a batch is replayed.
func (t *RedisChargeTracker) MarkCharged(ctx context.Context, batchID string, accounts ...uuid.UUID) error {
	if len(accounts) == 0 {
		return nil
	}
	now := time.Now().UnixMicro()
	_, err := t.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, a := range accounts {
			pipe.SetNX(ctx, t.key(batchID, a), now, t.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark gas charged %s: %w", batchID, err)
	}
	return nil
}

// Ping backs the readiness check.
func (t *RedisChargeTracker) Ping(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
}

// ConnectRedis parses a redis:// URL, or treats the value as host:port.
func ConnectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return rdb, nil
}
