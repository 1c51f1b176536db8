package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter keeps one key per (user, action, period). Keys expire a day
// after their period ends.
type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func redisKey(userId int, action, period string) string {
	return fmt.Sprintf("usage:%s:%d:%s", action, userId, period)
}

// periodEnd returns the first instant after the monthly period.
func periodEnd(period string) (time.Time, error) {
	start, err := time.Parse("2006-01", period)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse period %q: %w", period, err)
	}
	return start.AddDate(0, 1, 0), nil
}

func (c *RedisCounter) Count(ctx context.Context, userId int, action, period string) (int, error) {
	n, err := c.client.Get(ctx, redisKey(userId, action, period)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (c *RedisCounter) Increment(ctx context.Context, userId int, action, period string) (int, error) {
	end, err := periodEnd(period)
	if err != nil {
		return 0, err
	}

	key := redisKey(userId, action, period)
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, end.Add(24*time.Hour))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	return int(incr.Val()), nil
}
