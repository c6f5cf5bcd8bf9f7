package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"otp-service/internal/bucketing"
	"otp-service/internal/config"
	"otp-service/internal/hashing"
	"otp-service/internal/models"
	"otp-service/internal/repository/scylla"
	"otp-service/internal/service"
)

// ---------- fakes ----------

type memStore struct {
	records map[string][]*models.OTPCode
	nextID  int
}

func newMemStore() *memStore { return &memStore{records: make(map[string][]*models.OTPCode)} }

func (m *memStore) key(hash, purpose string) string { return hash + "|" + purpose }

func (m *memStore) Create(ctx context.Context, code *models.OTPCode) error {
	if code.CodeID == "" {
		m.nextID++
		code.CodeID = fmt.Sprintf("code-%04d", m.nextID)
	}
	// Store a snapshot, not the caller's pointer.
	row := *code
	k := m.key(code.ContactHash, code.Purpose)
	m.records[k] = append(m.records[k], &row)
	return nil
}

func (m *memStore) UpdateChannel(ctx context.Context, code *models.OTPCode) error {
	for _, row := range m.records[m.key(code.ContactHash, code.Purpose)] {
		if row.CodeID == code.CodeID {
			row.Channel = code.Channel
		}
	}
	return nil
}

func (m *memStore) GetLatest(ctx context.Context, bucket int, contactHash, purpose string) (*models.OTPCode, error) {
	rows := m.records[m.key(contactHash, purpose)]
	if len(rows) == 0 {
		return nil, scylla.ErrCodeNotFound
	}
	latest := *rows[len(rows)-1]
	return &latest, nil
}

func (m *memStore) Consume(ctx context.Context, code *models.OTPCode) (bool, error) {
	for _, row := range m.records[m.key(code.ContactHash, code.Purpose)] {
		if row.CreatedAt.Equal(code.CreatedAt) && row.CodeHash == code.CodeHash {
			if row.IsUsed {
				return false, nil
			}
			row.IsUsed = true
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) DeleteExpired(ctx context.Context) (int, error) { return 0, nil }

func (m *memStore) HealthCheck(ctx context.Context) error { return nil }

type memLimiter struct{ counters map[string]int }

func newMemLimiter() *memLimiter { return &memLimiter{counters: make(map[string]int)} }

func (m *memLimiter) IncrementCounter(key string, ttl time.Duration) (int, error) {
	m.counters[key]++
	return m.counters[key], nil
}
func (m *memLimiter) GetCounter(key string) (int, error) { return m.counters[key], nil }
func (m *memLimiter) ResetCounter(key string) error      { delete(m.counters, key); return nil }

type memSessions struct{ verified map[string]time.Time }

func newMemSessions() *memSessions { return &memSessions{verified: make(map[string]time.Time)} }

func (m *memSessions) MarkVerified(contact string, at time.Time, ttl time.Duration) error {
	m.verified[contact] = at
	return nil
}
func (m *memSessions) VerifiedAt(contact string) (time.Time, bool, error) {
	at, ok := m.verified[contact]
	return at, ok, nil
}

type captureDispatcher struct {
	messages []string
	channel  string
}

func (c *captureDispatcher) Dispatch(ctx context.Context, contact, purpose, requested, message string) (string, error) {
	c.messages = append(c.messages, message)
	return c.channel, nil
}

type captureResponder struct {
	read    []string
	replies []string
	targets []string
}

func (c *captureResponder) MarkRead(ctx context.Context, messageID string) error {
	c.read = append(c.read, messageID)
	return nil
}

func (c *captureResponder) Send(ctx context.Context, contact, message string) error {
	c.targets = append(c.targets, contact)
	c.replies = append(c.replies, message)
	return nil
}

// ---------- harness ----------

type webhookHarness struct {
	handler    *WebhookHandler
	svc        *service.OTPService
	dispatcher *captureDispatcher
	responder  *captureResponder
	cfg        *config.Config
}

func newWebhookHarness(t *testing.T, appSecret string) *webhookHarness {
	t.Helper()

	cfg := &config.Config{
		Environment: "development",
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
		Bucketing: config.BucketingConfig{ContactBuckets: 16},
		OTP: config.OTPConfig{
			CodeTTL:          10 * time.Minute,
			RateLimitWindow:  10 * time.Minute,
			PhoneMaxAttempts: 5,
			EmailMaxAttempts: 3,
			SessionTTL:       30 * time.Minute,
		},
		WhatsApp: config.WhatsAppConfig{
			VerifyToken: "expected-token",
			AppSecret:   appSecret,
		},
	}

	dispatcher := &captureDispatcher{channel: models.ChannelWhatsApp}
	svc := service.NewOTPService(
		newMemStore(), newMemLimiter(), newMemSessions(), dispatcher,
		hashing.NewHasher(cfg), nil, bucketing.NewBucketingManager(cfg),
		nil, nil, nil, cfg, zap.NewNop(),
	)

	responder := &captureResponder{}
	h := NewWebhookHandler(svc, responder, nil, cfg, zap.NewNop())

	return &webhookHarness{
		handler:    h,
		svc:        svc,
		dispatcher: dispatcher,
		responder:  responder,
		cfg:        cfg,
	}
}

func inboundPayload(from, msgID, body string) string {
	return fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{"changes": [{"value": {"messages": [
			{"from": %q, "id": %q, "type": "text", "text": {"body": %q}}
		]}}]}]
	}`, from, msgID, body)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ---------- tests ----------

func TestSubscriptionHandshake(t *testing.T) {
	h := newWebhookHarness(t, "")

	req := httptest.NewRequest(http.MethodGet,
		"/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=expected-token&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()

	h.handler.VerifySubscription(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", rec.Body.String())
}

func TestSubscriptionHandshakeRejectsBadToken(t *testing.T) {
	h := newWebhookHarness(t, "")

	req := httptest.NewRequest(http.MethodGet,
		"/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()

	h.handler.VerifySubscription(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestInboundCodeVerifies(t *testing.T) {
	h := newWebhookHarness(t, "")
	ctx := context.Background()

	_, err := h.svc.RequestCode(ctx, &service.IssueRequest{
		Contact: "15551230001",
		Purpose: models.PurposeLogin,
	})
	require.NoError(t, err)
	require.NotEmpty(t, h.dispatcher.messages)

	var code string
	for i := 0; i+6 <= len(h.dispatcher.messages[0]); i++ {
		run := h.dispatcher.messages[0][i : i+6]
		digits := true
		for _, r := range run {
			if r < '0' || r > '9' {
				digits = false
				break
			}
		}
		if digits {
			code = run
			break
		}
	}
	require.NotEmpty(t, code)

	body := inboundPayload("15551230001", "wamid.1", "My code is "+code)
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	h.handler.Receive(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"wamid.1"}, h.responder.read)
	require.Len(t, h.responder.replies, 1)
	assert.Contains(t, h.responder.replies[0], "verified")

	status, err := h.svc.Status(ctx, "15551230001")
	require.NoError(t, err)
	assert.True(t, status.Verified)
}

func TestInboundWrongCodeStillReturns200(t *testing.T) {
	h := newWebhookHarness(t, "")

	body := inboundPayload("15551230001", "wamid.2", "999999 is my code")
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	h.handler.Receive(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.responder.replies, 1)
	assert.Contains(t, h.responder.replies[0], "invalid or expired")
}

func TestInboundWithoutCodeIsIgnored(t *testing.T) {
	h := newWebhookHarness(t, "")

	body := inboundPayload("15551230001", "wamid.3", "hello there")
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	h.handler.Receive(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	// Still acknowledged, but no verification reply.
	assert.Equal(t, []string{"wamid.3"}, h.responder.read)
	assert.Empty(t, h.responder.replies)
}

func TestMalformedPayloadReturns200(t *testing.T) {
	h := newWebhookHarness(t, "")

	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()

	h.handler.Receive(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignatureMismatchAbsorbed(t *testing.T) {
	h := newWebhookHarness(t, "app-secret")

	body := inboundPayload("15551230001", "wamid.4", "123456")
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", bytes.NewBufferString(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()

	h.handler.Receive(rec, req)

	// Bad signature: acknowledged but not processed.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, h.responder.read)
	assert.Empty(t, h.responder.replies)
}

func TestValidSignatureProcessed(t *testing.T) {
	h := newWebhookHarness(t, "app-secret")

	body := []byte(inboundPayload("15551230001", "wamid.5", "no code here"))
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("app-secret", body))
	rec := httptest.NewRecorder()

	h.handler.Receive(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"wamid.5"}, h.responder.read)
}
