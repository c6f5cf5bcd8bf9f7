package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/client"
	"otp-service/internal/models"
	"otp-service/internal/util"
)

const createAttemptsTable = `
CREATE TABLE IF NOT EXISTS otp_delivery_attempts (
    attempt_id        String,
    contact           String,
    purpose           String,
    requested_channel String,
    channel           String,
    success           UInt8,
    detail            String,
    latency_ms        UInt32,
    at                DateTime
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(at)
ORDER BY (at, attempt_id)
TTL at + INTERVAL 90 DAY`

// ClickHouseSink writes the delivery audit trail. Failures are logged and
// swallowed upstream; the audit trail never blocks a dispatch.
type ClickHouseSink struct {
	client *client.ClickHouseClient
}

func NewClickHouseSink(chClient *client.ClickHouseClient) (*ClickHouseSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := chClient.Exec(ctx, createAttemptsTable); err != nil {
		return nil, fmt.Errorf("failed to create delivery attempts table: %w", err)
	}

	util.Info("ClickHouse delivery audit sink initialized")

	return &ClickHouseSink{client: chClient}, nil
}

func (s *ClickHouseSink) RecordAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error {
	success := uint8(0)
	if attempt.Success {
		success = 1
	}

	err := s.client.Exec(ctx, `
        INSERT INTO otp_delivery_attempts
            (attempt_id, contact, purpose, requested_channel, channel, success, detail, latency_ms, at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.AttemptID, attempt.Contact, attempt.Purpose,
		attempt.RequestedChannel, attempt.Channel, success,
		attempt.Detail, uint32(attempt.Latency.Milliseconds()), attempt.At)

	if err != nil {
		util.Error("Failed to insert delivery attempt",
			zap.String("attempt_id", attempt.AttemptID),
			zap.Error(err))
		return fmt.Errorf("failed to insert delivery attempt: %w", err)
	}

	util.Debug("Delivery attempt recorded",
		zap.String("attempt_id", attempt.AttemptID),
		zap.String("channel", attempt.Channel),
		zap.Bool("success", attempt.Success))

	return nil
}
