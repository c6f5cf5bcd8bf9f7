package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/bucketing"
	"otp-service/internal/config"
	"otp-service/internal/encryption"
	"otp-service/internal/events"
	"otp-service/internal/hashing"
	"otp-service/internal/metrics"
	"otp-service/internal/models"
	"otp-service/internal/repository/scylla"
	"otp-service/internal/security"
	"otp-service/internal/util"
)

var (
	ErrInvalidContact     = errors.New("invalid contact")
	ErrInvalidPurpose     = errors.New("invalid purpose")
	ErrInvalidChannel     = errors.New("channel does not match contact")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrCodeInvalid        = errors.New("invalid or expired code")
	ErrDeliveryFailed     = errors.New("delivery failed")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// RateLimitError carries the retry hint alongside the sentinel.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// Dispatcher is the delivery pipeline; it reports which channel carried
// the message.
type Dispatcher interface {
	Dispatch(ctx context.Context, contact, purpose, requested, message string) (string, error)
}

// IssueRequest asks for a fresh code for a contact+purpose. Channel is
// optional; when empty the channel is picked from the contact shape.
type IssueRequest struct {
	Contact  string `json:"contact" validate:"required,min=3,max=320"`
	Purpose  string `json:"purpose" validate:"required,oneof=login registration"`
	Channel  string `json:"channel" validate:"omitempty,oneof=whatsapp sms email"`
	OriginIP string `json:"-"`
}

// IssueResult reports the channel that actually delivered the code. The
// contact is echoed back masked so logs of the response stay safe.
type IssueResult struct {
	Contact          string    `json:"contact"`
	Channel          string    `json:"channel"`
	ExpiresAt        time.Time `json:"expires_at"`
	ExpiresInSeconds int       `json:"expires_in_seconds"`
}

// VerifyRequest submits a candidate code for a contact+purpose.
type VerifyRequest struct {
	Contact string `json:"contact" validate:"required,min=3,max=320"`
	Purpose string `json:"purpose" validate:"required,oneof=login registration"`
	Code    string `json:"code" validate:"required,len=6,numeric"`
}

// PendingCode is the redacted view of an outstanding code.
type PendingCode struct {
	Purpose   string    `json:"purpose"`
	Channel   string    `json:"channel"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ContactStatus summarizes a contact's verification state.
type ContactStatus struct {
	Contact    string        `json:"contact"`
	Verified   bool          `json:"verified"`
	VerifiedAt *time.Time    `json:"verified_at,omitempty"`
	Pending    []PendingCode `json:"pending"`
}

// OTPService owns code issuance, delivery, and verification.
type OTPService struct {
	store         models.CodeStore
	rateLimiter   models.RateLimitCache
	sessions      models.SessionCache
	dispatcher    Dispatcher
	hasher        *hashing.Hasher
	encryptionMgr *encryption.EncryptionManager
	bucketingMgr  *bucketing.BucketingManager
	publisher     models.EventPublisher
	indexer       models.SecurityIndexer
	metrics       *metrics.Metrics
	config        *config.Config
	logger        *zap.Logger
}

func NewOTPService(
	store models.CodeStore,
	rateLimiter models.RateLimitCache,
	sessions models.SessionCache,
	dispatcher Dispatcher,
	hasher *hashing.Hasher,
	encryptionMgr *encryption.EncryptionManager,
	bucketingMgr *bucketing.BucketingManager,
	publisher models.EventPublisher,
	indexer models.SecurityIndexer,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) *OTPService {
	return &OTPService{
		store:         store,
		rateLimiter:   rateLimiter,
		sessions:      sessions,
		dispatcher:    dispatcher,
		hasher:        hasher,
		encryptionMgr: encryptionMgr,
		bucketingMgr:  bucketingMgr,
		publisher:     publisher,
		indexer:       indexer,
		metrics:       m,
		config:        cfg,
		logger:        logger,
	}
}

// GenerateContactHash returns the storage key for a contact identifier.
func (s *OTPService) GenerateContactHash(contact string) string {
	normalized := util.NormalizeContact(contact)
	hash := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(hash[:])
}

// RequestCode issues a fresh 6-digit code and delivers it. The rate counter
// only advances after a successful dispatch, so callers are not charged for
// codes that never reached them.
func (s *OTPService) RequestCode(ctx context.Context, req *IssueRequest) (*IssueResult, error) {
	contact, err := s.normalizeAndValidate(req.Contact, req.Purpose)
	if err != nil {
		return nil, err
	}

	isPhone := util.IsPhoneContact(contact)
	if req.Channel != "" {
		if isPhone != (req.Channel != models.ChannelEmail) {
			return nil, ErrInvalidChannel
		}
	}

	maxAttempts := s.config.MaxAttemptsFor(isPhone)

	count, err := s.rateLimiter.GetCounter(contact)
	if err != nil {
		util.Error("Rate limit lookup failed", zap.Error(err))
		return nil, fmt.Errorf("%w: rate limiter unreachable", ErrServiceUnavailable)
	}

	if count >= maxAttempts {
		s.recordRateLimited(ctx, contact, req.Purpose)
		return nil, &RateLimitError{
			RetryAfter: time.Duration(maxAttempts+1-count) * 2 * time.Minute,
		}
	}

	plainCode, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	hashResult, err := s.hasher.HashCode(plainCode)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}

	now := time.Now().UTC()
	record := &models.OTPCode{
		ContactBucket: s.bucketingMgr.GetContactBucket(contact),
		ContactHash:   s.GenerateContactHash(contact),
		Purpose:       req.Purpose,
		CreatedAt:     now,
		CodeHash:      hashResult.Hash,
		CodeSalt:      hashResult.Salt,
		PepperVersion: hashResult.PepperVersion,
		Algorithm:     hashResult.Algorithm,
		OriginIP:      req.OriginIP,
		ExpiresAt:     now.Add(s.config.OTP.CodeTTL),
	}

	if s.encryptionMgr != nil {
		encrypted, encErr := s.encryptionMgr.EncryptField(ctx, contact, "contact")
		if encErr != nil {
			return nil, fmt.Errorf("failed to encrypt contact: %w", encErr)
		}
		blob, marshalErr := json.Marshal(encrypted)
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to encode encrypted contact: %w", marshalErr)
		}
		record.ContactEncrypted = blob
		record.ContactKeyID = encrypted.KeyID
	}

	message := fmt.Sprintf("Your verification code is %s. It expires in %d minutes. Do not share it with anyone.",
		plainCode, int(s.config.OTP.CodeTTL.Minutes()))

	// Persist before dispatch: a delivered code must always be verifiable.
	if err := s.store.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store code: %w", err)
	}

	channel, err := s.dispatcher.Dispatch(ctx, contact, req.Purpose, req.Channel, message)
	if err != nil {
		util.Error("Code delivery failed",
			zap.String("contact", util.MaskContact(contact)),
			zap.String("purpose", req.Purpose),
			zap.Error(err))
		if s.metrics != nil {
			requested := req.Channel
			if requested == "" {
				requested = models.ChannelEmail
				if isPhone {
					requested = models.ChannelWhatsApp
				}
			}
			s.metrics.DeliveryFailures.WithLabelValues(requested).Inc()
		}
		s.publishEvent(ctx, events.EventDeliveryFailed, contact, req.Purpose, "")
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	// Channel is only known after dispatch; write it back so the status
	// view reports how the code actually went out.
	record.Channel = channel
	if err := s.store.UpdateChannel(ctx, record); err != nil {
		util.Warn("Failed to persist delivery channel",
			zap.String("contact", util.MaskContact(contact)),
			zap.Error(err))
	}

	if _, err := s.rateLimiter.IncrementCounter(contact, s.config.OTP.RateLimitWindow); err != nil {
		util.Warn("Failed to advance rate counter after dispatch",
			zap.String("contact", util.MaskContact(contact)),
			zap.Error(err))
	}

	if s.metrics != nil {
		s.metrics.CodesIssued.WithLabelValues(channel).Inc()
		chatFirst := req.Channel == "" || req.Channel == models.ChannelWhatsApp
		if isPhone && chatFirst && channel == models.ChannelSMS {
			s.metrics.DeliveryFallbacks.Inc()
		}
	}

	s.publishEvent(ctx, events.EventIssued, contact, req.Purpose, channel)

	util.Info("Code issued",
		zap.String("contact", util.MaskContact(contact)),
		zap.String("purpose", req.Purpose),
		zap.String("channel", channel),
		zap.Time("expires_at", record.ExpiresAt))

	return &IssueResult{
		Contact:          util.MaskContact(contact),
		Channel:          channel,
		ExpiresAt:        record.ExpiresAt,
		ExpiresInSeconds: int(s.config.OTP.CodeTTL.Seconds()),
	}, nil
}

// VerifyCode checks a candidate against the newest unconsumed code. All
// failure modes collapse into ErrCodeInvalid so a caller cannot probe
// whether a code exists, expired, or was already used.
func (s *OTPService) VerifyCode(ctx context.Context, req *VerifyRequest) error {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.VerifyDuration.Observe(time.Since(start).Seconds())
		}
	}()

	contact, err := s.normalizeAndValidate(req.Contact, req.Purpose)
	if err != nil {
		return err
	}

	bucket := s.bucketingMgr.GetContactBucket(contact)
	contactHash := s.GenerateContactHash(contact)

	record, err := s.store.GetLatest(ctx, bucket, contactHash, req.Purpose)
	if err != nil {
		if errors.Is(err, scylla.ErrCodeNotFound) {
			return s.failVerification(ctx, contact, req.Purpose, "no code on record")
		}
		util.Error("Code lookup failed", zap.Error(err))
		return fmt.Errorf("%w: store unreachable", ErrServiceUnavailable)
	}

	if record.IsUsed || record.Expired(time.Now().UTC()) {
		return s.failVerification(ctx, contact, req.Purpose, "code consumed or expired")
	}

	match, err := s.hasher.VerifyCode(req.Code, &hashing.HashResult{
		Hash:          record.CodeHash,
		Salt:          record.CodeSalt,
		PepperVersion: record.PepperVersion,
		Algorithm:     record.Algorithm,
	})
	if err != nil {
		util.Error("Hash verification error", zap.Error(err))
		return s.failVerification(ctx, contact, req.Purpose, "hash check error")
	}
	if !match {
		return s.failVerification(ctx, contact, req.Purpose, "code mismatch")
	}

	applied, err := s.store.Consume(ctx, record)
	if err != nil {
		util.Error("Code consumption failed", zap.Error(err))
		return fmt.Errorf("%w: store unreachable", ErrServiceUnavailable)
	}
	if !applied {
		// Lost the race to a concurrent verifier.
		return s.failVerification(ctx, contact, req.Purpose, "concurrent consumption")
	}

	if err := s.rateLimiter.ResetCounter(contact); err != nil {
		util.Warn("Failed to reset rate counter after verification", zap.Error(err))
	}

	now := time.Now().UTC()
	if err := s.sessions.MarkVerified(contact, now, s.config.OTP.SessionTTL); err != nil {
		util.Warn("Failed to set verified marker", zap.Error(err))
	}

	if s.metrics != nil {
		s.metrics.CodesVerified.Inc()
	}
	s.publishEvent(ctx, events.EventVerified, contact, req.Purpose, record.Channel)

	util.Info("Code verified",
		zap.String("contact", util.MaskContact(contact)),
		zap.String("purpose", req.Purpose))

	return nil
}

// ResendCode issues a replacement code. The previous code stays in the store
// but loses to the newer row on lookup, so only the latest code verifies.
func (s *OTPService) ResendCode(ctx context.Context, req *IssueRequest) (*IssueResult, error) {
	return s.RequestCode(ctx, req)
}

// Status reports the verified marker and any outstanding codes for a contact.
func (s *OTPService) Status(ctx context.Context, rawContact string) (*ContactStatus, error) {
	contact := util.NormalizeContact(util.SanitizeInput(rawContact))
	if contact == "" {
		return nil, ErrInvalidContact
	}

	status := &ContactStatus{
		Contact: util.MaskContact(contact),
		Pending: []PendingCode{},
	}

	verifiedAt, verified, err := s.sessions.VerifiedAt(contact)
	if err != nil {
		util.Warn("Failed to read verified marker", zap.Error(err))
	} else if verified {
		status.Verified = true
		status.VerifiedAt = &verifiedAt
	}

	bucket := s.bucketingMgr.GetContactBucket(contact)
	contactHash := s.GenerateContactHash(contact)
	now := time.Now().UTC()

	for _, purpose := range []string{models.PurposeLogin, models.PurposeRegistration} {
		record, err := s.store.GetLatest(ctx, bucket, contactHash, purpose)
		if err != nil {
			if errors.Is(err, scylla.ErrCodeNotFound) {
				continue
			}
			return nil, fmt.Errorf("%w: store unreachable", ErrServiceUnavailable)
		}
		if record.IsUsed || record.Expired(now) {
			continue
		}
		status.Pending = append(status.Pending, PendingCode{
			Purpose:   record.Purpose,
			Channel:   record.Channel,
			IssuedAt:  record.CreatedAt,
			ExpiresAt: record.ExpiresAt,
		})
	}

	return status, nil
}

// StartPruneLoop deletes expired code rows on a fixed interval until the
// context is cancelled.
func (s *OTPService) StartPruneLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.OTP.PruneInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := s.store.DeleteExpired(ctx)
				if err != nil {
					util.Error("Prune pass failed", zap.Error(err))
					continue
				}
				util.Info("Prune pass completed", zap.Int("deleted", deleted))
			}
		}
	}()
}

func (s *OTPService) normalizeAndValidate(rawContact, purpose string) (string, error) {
	contact := util.NormalizeContact(util.SanitizeInput(rawContact))
	if contact == "" || !util.IsValidContact(contact) {
		return "", ErrInvalidContact
	}
	if purpose != models.PurposeLogin && purpose != models.PurposeRegistration {
		return "", ErrInvalidPurpose
	}
	return contact, nil
}

func (s *OTPService) failVerification(ctx context.Context, contact, purpose, detail string) error {
	if s.metrics != nil {
		s.metrics.VerificationsFailed.Inc()
	}

	if s.indexer != nil {
		event := &models.SecurityEvent{
			Kind:    security.KindVerificationFailed,
			Contact: util.MaskContact(contact),
			Purpose: purpose,
			Detail:  detail,
			At:      time.Now().UTC(),
		}
		if err := s.indexer.IndexEvent(ctx, event); err != nil {
			util.Warn("Failed to index verification failure", zap.Error(err))
		}
	}

	util.Warn("Verification failed",
		zap.String("contact", util.MaskContact(contact)),
		zap.String("purpose", purpose),
		zap.String("detail", detail))

	return ErrCodeInvalid
}

func (s *OTPService) recordRateLimited(ctx context.Context, contact, purpose string) {
	if s.metrics != nil {
		s.metrics.RateLimited.Inc()
	}
	s.publishEvent(ctx, events.EventRateLimited, contact, purpose, "")

	if s.indexer != nil {
		event := &models.SecurityEvent{
			Kind:    security.KindRateLimited,
			Contact: util.MaskContact(contact),
			Purpose: purpose,
			At:      time.Now().UTC(),
		}
		if err := s.indexer.IndexEvent(ctx, event); err != nil {
			util.Warn("Failed to index rate limit event", zap.Error(err))
		}
	}
}

func (s *OTPService) publishEvent(ctx context.Context, eventType, contact, purpose, channel string) {
	if s.publisher == nil {
		return
	}

	event := &models.OTPEvent{
		EventType: eventType,
		Contact:   util.MaskContact(contact),
		Purpose:   purpose,
		Channel:   channel,
		At:        time.Now().UTC(),
	}

	if err := s.publisher.Publish(ctx, event); err != nil {
		util.Warn("Failed to publish lifecycle event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// generateCode draws a uniform 6-digit code from crypto/rand.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
