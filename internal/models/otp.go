package models

import (
	"context"
	"time"
)

// Delivery channels.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelSMS      = "sms"
	ChannelEmail    = "email"
)

// Issuance purposes.
const (
	PurposeLogin        = "login"
	PurposeRegistration = "registration"
)

// -------------------- OTP CODE MODEL --------------------

// OTPCode is a persistent one-time-code record. The plaintext code is never
// stored; only the argon2id hash and its salt/pepper metadata are persisted.
type OTPCode struct {
	ContactBucket    int        `json:"contact_bucket" db:"contact_bucket"`
	ContactHash      string     `json:"contact_hash" db:"contact_hash"` // SHA-256 of normalized contact
	Purpose          string     `json:"purpose" db:"purpose"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	CodeID           string     `json:"code_id" db:"code_id"` // UUID
	CodeHash         string     `json:"-" db:"code_hash"`
	CodeSalt         string     `json:"-" db:"code_salt"`
	PepperVersion    int        `json:"-" db:"pepper_version"`
	Algorithm        string     `json:"-" db:"algorithm"`
	Channel          string     `json:"channel" db:"channel"`
	OriginIP         string     `json:"origin_ip,omitempty" db:"origin_ip"`
	ContactEncrypted []byte     `json:"-" db:"contact_encrypted"`
	ContactKeyID     string     `json:"-" db:"contact_key_id"`
	ExpiresAt        time.Time  `json:"expires_at" db:"expires_at"`
	IsUsed           bool       `json:"is_used" db:"is_used"`
	UsedAt           *time.Time `json:"used_at,omitempty" db:"used_at"`
}

// Expired reports whether the record is past its expiry at the given instant.
func (c *OTPCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// -------------------- AUDIT / EVENT MODELS --------------------

// DeliveryAttempt is one row of the dispatch audit trail.
type DeliveryAttempt struct {
	AttemptID        string        `json:"attempt_id"` // ULID
	Contact          string        `json:"contact"`
	Purpose          string        `json:"purpose"`
	RequestedChannel string        `json:"requested_channel"`
	Channel          string        `json:"channel"`
	Success          bool          `json:"success"`
	Detail           string        `json:"detail,omitempty"` // upstream status/body excerpt
	Latency          time.Duration `json:"latency"`
	At               time.Time     `json:"at"`
}

// SecurityEvent captures a suspicious or denied action for investigation.
type SecurityEvent struct {
	EventID string    `json:"event_id"`
	Kind    string    `json:"kind"` // verification_failed, rate_limited, webhook_signature_mismatch
	Contact string    `json:"contact,omitempty"`
	Purpose string    `json:"purpose,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// OTPEvent is the lifecycle event envelope published to the event stream.
type OTPEvent struct {
	EventType string    `json:"event_type"` // issued, verified, delivery_failed, rate_limited
	Contact   string    `json:"contact"`
	Purpose   string    `json:"purpose"`
	Channel   string    `json:"channel,omitempty"`
	At        time.Time `json:"at"`
}

// -------------------- STORE INTERFACES --------------------

// CodeStore defines the persistence interface for one-time-code records.
// Consume must be an atomic check-and-set: it succeeds for at most one
// caller per record.
type CodeStore interface {
	Create(ctx context.Context, code *OTPCode) error
	GetLatest(ctx context.Context, bucket int, contactHash, purpose string) (*OTPCode, error)
	UpdateChannel(ctx context.Context, code *OTPCode) error
	Consume(ctx context.Context, code *OTPCode) (bool, error)
	DeleteExpired(ctx context.Context) (int, error)
	HealthCheck(ctx context.Context) error
}

// RateLimitCache defines the interface for issuance rate limiting. The
// increment must be atomic with respect to concurrent callers.
type RateLimitCache interface {
	IncrementCounter(key string, ttl time.Duration) (int, error)
	GetCounter(key string) (int, error)
	ResetCounter(key string) error
}

// SessionCache defines the interface for verified-session markers.
type SessionCache interface {
	MarkVerified(contact string, at time.Time, ttl time.Duration) error
	VerifiedAt(contact string) (time.Time, bool, error)
}

// -------------------- SIDE-CHANNEL INTERFACES --------------------

// EventPublisher emits lifecycle events; implementations are best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, event *OTPEvent) error
}

// AuditSink records delivery attempts; implementations are best-effort.
type AuditSink interface {
	RecordAttempt(ctx context.Context, attempt *DeliveryAttempt) error
}

// SecurityIndexer indexes security events for investigation.
type SecurityIndexer interface {
	IndexEvent(ctx context.Context, event *SecurityEvent) error
}
