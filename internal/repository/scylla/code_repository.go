package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-service/internal/models"
	"otp-service/internal/util"
)

// ErrCodeNotFound is returned when no code row exists for a contact+purpose.
var ErrCodeNotFound = fmt.Errorf("no code found")

// CodeRepository persists one-time-code records in the otp_codes table.
// The partition key is (contact_bucket, contact_hash) and rows cluster by
// purpose then created_at DESC, so the newest code is always row one.
type CodeRepository struct {
	client      *ScyllaClient
	bucketCount int
}

func NewCodeRepository(client *ScyllaClient, bucketCount int, logger *zap.Logger) *CodeRepository {
	return &CodeRepository{
		client:      client,
		bucketCount: bucketCount,
	}
}

func (r *CodeRepository) Create(ctx context.Context, code *models.OTPCode) error {
	if code.CodeID == "" {
		code.CodeID = uuid.New().String()
	}

	now := time.Now().UTC()
	if code.CreatedAt.IsZero() {
		code.CreatedAt = now
	}
	if code.ExpiresAt.IsZero() {
		code.ExpiresAt = now.Add(10 * time.Minute)
	}

	// Row TTL outlives the logical expiry so verification can still
	// distinguish "expired" from "never existed" for a while.
	rowTTL := int(code.ExpiresAt.Sub(now).Seconds()) + 3600

	query := r.client.Prepared.CreateCode.Bind(
		code.ContactBucket, code.ContactHash, code.Purpose, code.CreatedAt, code.CodeID,
		code.CodeHash, code.CodeSalt, code.PepperVersion, code.Algorithm, code.Channel,
		code.OriginIP, code.ContactEncrypted, code.ContactKeyID, code.ExpiresAt,
		false, time.Time{}, rowTTL).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create code record",
			zap.String("contact_hash", code.ContactHash),
			zap.String("code_id", code.CodeID),
			zap.Error(err))
		return fmt.Errorf("failed to create code record: %w", err)
	}

	util.Debug("Code record created",
		zap.String("code_id", code.CodeID),
		zap.String("purpose", code.Purpose),
		zap.Time("expires_at", code.ExpiresAt))

	return nil
}

func (r *CodeRepository) GetLatest(ctx context.Context, bucket int, contactHash, purpose string) (*models.OTPCode, error) {
	code := &models.OTPCode{}
	var usedAt time.Time

	query := r.client.Prepared.GetLatestCode.Bind(bucket, contactHash, purpose).WithContext(ctx)

	err := r.client.ScanWithRetry(query,
		&code.ContactBucket, &code.ContactHash, &code.Purpose, &code.CreatedAt, &code.CodeID,
		&code.CodeHash, &code.CodeSalt, &code.PepperVersion, &code.Algorithm, &code.Channel,
		&code.OriginIP, &code.ContactEncrypted, &code.ContactKeyID, &code.ExpiresAt,
		&code.IsUsed, &usedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrCodeNotFound
		}
		util.Error("Failed to get latest code",
			zap.String("contact_hash", contactHash),
			zap.String("purpose", purpose),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get latest code: %w", err)
	}

	if !usedAt.IsZero() {
		code.UsedAt = &usedAt
	}

	return code, nil
}

// UpdateChannel records the channel that actually delivered the code.
func (r *CodeRepository) UpdateChannel(ctx context.Context, code *models.OTPCode) error {
	rowTTL := int(time.Until(code.ExpiresAt).Seconds()) + 3600
	if rowTTL < 0 {
		rowTTL = 0
	}

	query := r.client.Prepared.SetChannel.Bind(
		rowTTL, code.Channel, code.ContactBucket, code.ContactHash, code.Purpose, code.CreatedAt,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to record delivery channel",
			zap.String("code_id", code.CodeID),
			zap.String("channel", code.Channel),
			zap.Error(err))
		return fmt.Errorf("failed to record delivery channel: %w", err)
	}

	util.Debug("Delivery channel recorded",
		zap.String("code_id", code.CodeID),
		zap.String("channel", code.Channel))

	return nil
}

// Consume marks a code used via a lightweight transaction. It returns false
// when another caller already consumed the row.
func (r *CodeRepository) Consume(ctx context.Context, code *models.OTPCode) (bool, error) {
	var existingUsed bool

	query := r.client.Prepared.ConsumeCode.Bind(
		time.Now().UTC(), code.ContactBucket, code.ContactHash, code.Purpose, code.CreatedAt,
	).WithContext(ctx)

	applied, err := query.ScanCAS(&existingUsed)
	if err != nil {
		util.Error("Failed to consume code",
			zap.String("code_id", code.CodeID),
			zap.Error(err))
		return false, fmt.Errorf("failed to consume code: %w", err)
	}

	if !applied {
		util.Warn("Code already consumed by a concurrent verifier",
			zap.String("code_id", code.CodeID))
		return false, nil
	}

	util.Info("Code consumed",
		zap.String("code_id", code.CodeID),
		zap.String("purpose", code.Purpose))

	return true, nil
}

// DeleteExpired walks every contact bucket and batch-deletes rows past their
// logical expiry. Row TTLs reclaim space eventually; this keeps the hot
// partitions small between TTL sweeps.
func (r *CodeRepository) DeleteExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	deletedCount := 0

	for bucket := 0; bucket < r.bucketCount; bucket++ {
		iter := r.client.Prepared.ScanExpired.Bind(bucket).WithContext(ctx).Iter()

		var (
			contactBucket int
			contactHash   string
			purpose       string
			createdAt     time.Time
			expiresAt     time.Time
		)

		batch := r.client.Session.NewBatch(gocql.UnloggedBatch)
		batchSize := 0

		for iter.Scan(&contactBucket, &contactHash, &purpose, &createdAt, &expiresAt) {
			if !now.After(expiresAt) {
				continue
			}

			batch.Query(`DELETE FROM otp_codes WHERE contact_bucket = ? AND contact_hash = ? AND purpose = ? AND created_at = ?`,
				contactBucket, contactHash, purpose, createdAt)
			batchSize++

			if batchSize >= 100 {
				if err := r.client.ExecuteBatch(batch); err != nil {
					util.Error("Failed to execute batch delete for expired codes", zap.Error(err))
					iter.Close()
					return deletedCount, fmt.Errorf("failed to delete expired codes: %w", err)
				}
				deletedCount += batchSize
				batch = r.client.Session.NewBatch(gocql.UnloggedBatch)
				batchSize = 0
			}
		}

		if batchSize > 0 {
			if err := r.client.ExecuteBatch(batch); err != nil {
				util.Error("Failed to execute final batch delete for expired codes", zap.Error(err))
				iter.Close()
				return deletedCount, fmt.Errorf("failed to delete expired codes: %w", err)
			}
			deletedCount += batchSize
		}

		if err := iter.Close(); err != nil {
			util.Error("Failed to close iterator for expired code cleanup",
				zap.Int("bucket", bucket),
				zap.Error(err))
			return deletedCount, fmt.Errorf("failed to cleanup expired codes: %w", err)
		}
	}

	util.Info("Expired codes deleted", zap.Int("deleted_count", deletedCount))
	return deletedCount, nil
}

func (r *CodeRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck()
}
