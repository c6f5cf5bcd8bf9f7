package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/client"
	"otp-service/internal/util"
)

const (
	rateLimitPrefix = "otp_rl:"
)

// RateLimitCache tracks issuance counters per contact inside a fixed window.
// The counter only moves after a successful dispatch, so undelivered codes
// never burn the caller's quota.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

func (c *RateLimitCache) IncrementCounter(key string, ttl time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rateLimitKey := rateLimitPrefix + key

	count, err := c.client.IncrWithExpire(ctx, rateLimitKey, ttl)
	if err != nil {
		util.Error("Failed to increment rate limit counter",
			zap.String("key", util.MaskContact(key)),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	util.Debug("Rate limit counter incremented",
		zap.String("key", util.MaskContact(key)),
		zap.Int64("count", count),
		zap.Duration("ttl", ttl))

	return int(count), nil
}

func (c *RateLimitCache) GetCounter(key string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rateLimitKey := rateLimitPrefix + key

	countStr, err := c.client.Get(ctx, rateLimitKey)
	if err != nil {
		if err.Error() == fmt.Sprintf("key not found: %s", rateLimitKey) {
			return 0, nil // No counter set yet
		}
		return 0, fmt.Errorf("failed to get rate limit counter: %w", err)
	}

	count, err := strconv.Atoi(countStr)
	if err != nil {
		util.Error("Invalid counter format",
			zap.String("key", util.MaskContact(key)),
			zap.String("count_str", countStr),
			zap.Error(err))
		return 0, fmt.Errorf("invalid counter format: %w", err)
	}

	return count, nil
}

func (c *RateLimitCache) ResetCounter(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, rateLimitPrefix+key); err != nil {
		util.Error("Failed to reset rate limit counter",
			zap.String("key", util.MaskContact(key)),
			zap.Error(err))
		return fmt.Errorf("failed to reset rate limit counter: %w", err)
	}

	util.Debug("Rate limit counter reset",
		zap.String("key", util.MaskContact(key)))

	return nil
}
