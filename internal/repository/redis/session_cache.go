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
	verifiedPrefix = "otp_verified:"
)

// SessionCache holds short-lived verified-contact markers so downstream
// flows can check "recently proved ownership" without touching the store.
type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

func (c *SessionCache) MarkVerified(contact string, at time.Time, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := verifiedPrefix + contact
	value := strconv.FormatInt(at.UTC().Unix(), 10)

	if err := c.client.Set(ctx, key, value, ttl); err != nil {
		util.Error("Failed to set verified marker",
			zap.String("contact", util.MaskContact(contact)),
			zap.Error(err))
		return fmt.Errorf("failed to set verified marker: %w", err)
	}

	util.Debug("Verified marker set",
		zap.String("contact", util.MaskContact(contact)),
		zap.Duration("ttl", ttl))

	return nil
}

func (c *SessionCache) VerifiedAt(contact string) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := verifiedPrefix + contact

	value, err := c.client.Get(ctx, key)
	if err != nil {
		if err.Error() == fmt.Sprintf("key not found: %s", key) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to get verified marker: %w", err)
	}

	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		util.Error("Invalid verified marker format",
			zap.String("contact", util.MaskContact(contact)),
			zap.String("value", value),
			zap.Error(err))
		return time.Time{}, false, fmt.Errorf("invalid verified marker format: %w", err)
	}

	return time.Unix(unix, 0).UTC(), true, nil
}
