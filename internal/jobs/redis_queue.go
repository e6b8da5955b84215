package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix   = "roi:job:"
	readyListKey   = "roi:jobs:ready"
	delayedZSetKey = "roi:jobs:delayed"

	// Finished jobs stay readable for a week.
	jobTTL = 7 * 24 * time.Hour
)

// RedisQueue implements Queue with a Redis list for ready jobs and a sorted
// set scored by run time for delayed retries.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Save(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.client.Set(ctx, jobKeyPrefix+job.ID, raw, jobTTL).Err(); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Get(ctx context.Context, id string) (*Job, error) {
	raw, err := q.client.Get(ctx, jobKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, id string) error {
	if err := q.client.LPush(ctx, readyListKey, id).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Schedule(ctx context.Context, id string, at time.Time) error {
	err := q.client.ZAdd(ctx, delayedZSetKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: id,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (string, error) {
	res, err := q.client.BRPop(ctx, wait, readyListKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to dequeue job: %w", err)
	}
	// BRPOP replies with [key, value].
	return res[1], nil
}

// PromoteDue moves due jobs one by one. ZREM decides ownership, so two
// workers promoting at once never enqueue the same job twice.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, delayedZSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed jobs: %w", err)
	}

	promoted := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, delayedZSetKey, id).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to claim delayed job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.Enqueue(ctx, id); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}
