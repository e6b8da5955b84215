package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	guardRevisionKey = "roi:guard:revision"
	guardStampPrefix = "roi:guard:stamp:"
	guardStampTTL    = 48 * time.Hour
)

// RedisRecomputeGuard implements RecomputeGuard using Redis so that every
// server and worker process shares the same revision.
type RedisRecomputeGuard struct {
	client *redis.Client
}

// NewRedisRecomputeGuard creates a new Redis-backed guard.
func NewRedisRecomputeGuard(client *redis.Client) *RedisRecomputeGuard {
	return &RedisRecomputeGuard{client: client}
}

func (g *RedisRecomputeGuard) Bump(ctx context.Context) (int64, error) {
	rev, err := g.client.Incr(ctx, guardRevisionKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to bump input revision: %w", err)
	}
	return rev, nil
}

func (g *RedisRecomputeGuard) Revision(ctx context.Context) (int64, error) {
	rev, err := g.client.Get(ctx, guardRevisionKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read input revision: %w", err)
	}
	return rev, nil
}

func (g *RedisRecomputeGuard) Stamp(ctx context.Context, scope string) (string, error) {
	stamp, err := g.client.Get(ctx, guardStampPrefix+scope).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read refresh stamp: %w", err)
	}
	return stamp, nil
}

// Mark records the stamp for scope. Stamps embed the current date, so they
// expire once they can no longer match.
func (g *RedisRecomputeGuard) Mark(ctx context.Context, scope, stamp string) error {
	if err := g.client.Set(ctx, guardStampPrefix+scope, stamp, guardStampTTL).Err(); err != nil {
		return fmt.Errorf("failed to record refresh stamp: %w", err)
	}
	return nil
}
