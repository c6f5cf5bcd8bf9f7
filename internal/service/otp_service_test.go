package service

import (
	"context"
	"errors"
	"fmt"
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
)

// ---------- fakes ----------

type fakeStore struct {
	records   map[string][]*models.OTPCode
	createErr error
	nextID    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string][]*models.OTPCode)}
}

func (f *fakeStore) key(hash, purpose string) string { return hash + "|" + purpose }

func (f *fakeStore) Create(ctx context.Context, code *models.OTPCode) error {
	if f.createErr != nil {
		return f.createErr
	}
	if code.CodeID == "" {
		f.nextID++
		code.CodeID = fmt.Sprintf("code-%04d", f.nextID)
	}
	// Snapshot like a real store would: later caller-side mutations must
	// not leak into the persisted row.
	row := *code
	k := f.key(code.ContactHash, code.Purpose)
	f.records[k] = append(f.records[k], &row)
	return nil
}

func (f *fakeStore) UpdateChannel(ctx context.Context, code *models.OTPCode) error {
	for _, row := range f.records[f.key(code.ContactHash, code.Purpose)] {
		if row.CodeID == code.CodeID {
			row.Channel = code.Channel
		}
	}
	return nil
}

func (f *fakeStore) GetLatest(ctx context.Context, bucket int, contactHash, purpose string) (*models.OTPCode, error) {
	rows := f.records[f.key(contactHash, purpose)]
	if len(rows) == 0 {
		return nil, scylla.ErrCodeNotFound
	}
	latest := *rows[len(rows)-1]
	return &latest, nil
}

func (f *fakeStore) Consume(ctx context.Context, code *models.OTPCode) (bool, error) {
	rows := f.records[f.key(code.ContactHash, code.Purpose)]
	for _, row := range rows {
		if row.CodeID == code.CodeID || (row.CreatedAt.Equal(code.CreatedAt) && row.CodeHash == code.CodeHash) {
			if row.IsUsed {
				return false, nil
			}
			now := time.Now().UTC()
			row.IsUsed = true
			row.UsedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) DeleteExpired(ctx context.Context) (int, error) { return 0, nil }

func (f *fakeStore) HealthCheck(ctx context.Context) error { return nil }

type fakeRateLimiter struct {
	counters map[string]int
}

func newFakeRateLimiter() *fakeRateLimiter {
	return &fakeRateLimiter{counters: make(map[string]int)}
}

func (f *fakeRateLimiter) IncrementCounter(key string, ttl time.Duration) (int, error) {
	f.counters[key]++
	return f.counters[key], nil
}

func (f *fakeRateLimiter) GetCounter(key string) (int, error) { return f.counters[key], nil }

func (f *fakeRateLimiter) ResetCounter(key string) error {
	delete(f.counters, key)
	return nil
}

type fakeSessions struct {
	verified map[string]time.Time
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{verified: make(map[string]time.Time)}
}

func (f *fakeSessions) MarkVerified(contact string, at time.Time, ttl time.Duration) error {
	f.verified[contact] = at
	return nil
}

func (f *fakeSessions) VerifiedAt(contact string) (time.Time, bool, error) {
	at, ok := f.verified[contact]
	return at, ok, nil
}

type fakeDispatcher struct {
	err       error
	channel   string
	messages  []string
	requested []string
	calls     int
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, contact, purpose, requested, message string) (string, error) {
	f.calls++
	f.requested = append(f.requested, requested)
	if f.err != nil {
		return "", f.err
	}
	f.messages = append(f.messages, message)
	return f.channel, nil
}

// ---------- harness ----------

type harness struct {
	svc        *OTPService
	store      *fakeStore
	limiter    *fakeRateLimiter
	sessions   *fakeSessions
	dispatcher *fakeDispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := &config.Config{
		Environment: "development",
		Hashing: config.HashingConfig{
			Argon2MemoryCost:   8 * 1024,
			Argon2TimeCost:     1,
			Argon2Parallelism:  1,
			PepperRotationDays: 30,
		},
		Bucketing: config.BucketingConfig{ContactBuckets: 16},
		OTP: config.OTPConfig{
			CodeTTL:          10 * time.Minute,
			RateLimitWindow:  10 * time.Minute,
			PhoneMaxAttempts: 5,
			EmailMaxAttempts: 3,
			SessionTTL:       30 * time.Minute,
			PruneInterval:    time.Hour,
		},
	}

	store := newFakeStore()
	limiter := newFakeRateLimiter()
	sessions := newFakeSessions()
	dispatcher := &fakeDispatcher{channel: models.ChannelWhatsApp}

	svc := NewOTPService(
		store, limiter, sessions, dispatcher,
		hashing.NewHasher(cfg), nil, bucketing.NewBucketingManager(cfg),
		nil, nil, nil, cfg, zap.NewNop(),
	)

	return &harness{
		svc:        svc,
		store:      store,
		limiter:    limiter,
		sessions:   sessions,
		dispatcher: dispatcher,
	}
}

// extractCode pulls the plaintext from the dispatched message.
func extractCode(t *testing.T, message string) string {
	t.Helper()
	var code string
	for i := 0; i+6 <= len(message); i++ {
		run := message[i : i+6]
		allDigits := true
		for _, r := range run {
			if r < '0' || r > '9' {
				allDigits = false
				break
			}
		}
		if allDigits {
			code = run
			break
		}
	}
	require.NotEmpty(t, code, "no 6-digit code in message %q", message)
	return code
}

// ---------- tests ----------

const testPhone = "+15551230001"

func TestRequestThenVerify(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.svc.RequestCode(ctx, &IssueRequest{Contact: testPhone, Purpose: models.PurposeLogin})
	require.NoError(t, err)
	assert.Equal(t, models.ChannelWhatsApp, result.Channel)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), result.ExpiresAt, 5*time.Second)

	code := extractCode(t, h.dispatcher.messages[0])

	err = h.svc.VerifyCode(ctx, &VerifyRequest{Contact: testPhone, Purpose: models.PurposeLogin, Code: code})
	require.NoError(t, err)

	_, verified, err := h.sessions.VerifiedAt(testPhone)
	require.NoError(t, err)
	assert.True(t, verified)

	// Successful verification clears the issuance window.
	count, err := h.limiter.GetCounter(testPhone)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestVerifyWrongCodeFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RequestCode(ctx, &IssueRequest{Contact: testPhone, Purpose: models.PurposeLogin})
	require.NoError(t, err)

	code := extractCode(t, h.dispatcher.messages[0])
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	err = h.svc.VerifyCode(ctx, &VerifyRequest{Contact: testPhone, Purpose: models.PurposeLogin, Code: wrong})
	assert.ErrorIs(t, err, ErrCodeInvalid)
}

func TestVerifyWithoutCodeFails(t *testing.T) {
	h := newHarness(t)

	err := h.svc.VerifyCode(context.Background(), &VerifyRequest{Contact: testPhone, Purpose: models.PurposeLogin, Code: "123456"})
	assert.ErrorIs(t, err, ErrCodeInvalid)
}

func TestVerifyExpiredCodeFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RequestCode(ctx, &IssueRequest{Contact: testPhone, Purpose: models.PurposeLogin})
	require.NoError(t, err)

	// Age the stored row past its expiry.
	for _, rows := range h.store.records {
		for _, row := range rows {
			row.ExpiresAt = time.Now().UTC().Add(-time.Minute)
		}
	}

	code := extractCode(t, h.dispatcher.messages[0])
	err = h.svc.VerifyCode(ctx, &VerifyRequest{Contact: testPhone, Purpose: models.PurposeLogin, Code: code})
	assert.ErrorIs(t, err, ErrCodeInvalid)
}

func TestNewestCodeWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RequestCode(ctx, &IssueRequest{Contact: testPhone, Purpose: models.PurposeLogin})
	require.NoError(t, err)
	_, err = h.svc.ResendCode(ctx, &IssueRequest{Contact: testPhone, Purpose: models.PurposeLogin})
	require.NoError(t, err)

	oldCode := extractCode(t, h.dispatcher.messages[0])
	newCode := extractCode(t, h.dispatcher.messages[1])

	if oldCode != newCode {
		err = h.svc.VerifyCode(ctx, &VerifyRequest{Contact: testPhone, Purpose: models.PurposeLogin, Code: oldCode})
		assert.ErrorIs(t, err, ErrCodeInvalid)
	}

	err = h.svc.VerifyCode(ctx, &VerifyRequest{Contact: testPhone, Purpose: models.PurposeLogin, Code: newCode})
	assert.NoError(t, err)
}

func TestCodeIsSingleUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RequestCode(ctx, &IssueRequest{Contact: testPhone, Purpose: models.PurposeLogin})
	require.NoError(t, err)

	code := extractCode(t, h.dispatcher.messages[0])

	require.NoError(t, h.svc.VerifyCode(ctx, &VerifyRequest{Contact: testPhone, Purpose: models.PurposeLogin, Code: code}))

	err = h.svc.VerifyCode(ctx, &VerifyRequest{Contact: testPhone, Purpose: models.PurposeLogin, Code: code})
	assert.ErrorIs(t, err, ErrCodeInvalid)
}

func TestPhoneRateLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.svc.RequestCode(ctx, &IssueRequest{Contact: testPhone, Purpose: models.PurposeLogin})
		require.NoError(t, err, "request %d should pass", i+1)
	}

	_, err := h.svc.RequestCode(ctx, &IssueRequest{Contact: testPhone, Purpose: models.PurposeLogin})
	require.ErrorIs(t, err, ErrRateLimited)

	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, 2*time.Minute, rlErr.RetryAfter)

	// The blocked request never reached the dispatcher.
	assert.Equal(t, 5, h.dispatcher.calls)
}

func TestEmailRateLimitIsTighter(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.channel = models.ChannelEmail
	ctx := context.Background()
	email := "user@example.com"

	for i := 0; i < 3; i++ {
		_, err := h.svc.RequestCode(ctx, &IssueRequest{Contact: email, Purpose: models.PurposeRegistration})
		require.NoError(t, err)
	}

	_, err := h.svc.RequestCode(ctx, &IssueRequest{Contact: email, Purpose: models.PurposeRegistration})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestFailedDeliveryDoesNotChargeQuota(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.err = errors.New("all channels down")
	ctx := context.Background()

	_, err := h.svc.RequestCode(ctx, &IssueRequest{Contact: testPhone, Purpose: models.PurposeLogin})
	require.ErrorIs(t, err, ErrDeliveryFailed)

	count, err := h.limiter.GetCounter(testPhone)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestContactNormalization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RequestCode(ctx, &IssueRequest{Contact: "+1 (555) 123-0001", Purpose: models.PurposeLogin})
	require.NoError(t, err)

	code := extractCode(t, h.dispatcher.messages[0])

	// Differently formatted but equivalent contact verifies the same code.
	err = h.svc.VerifyCode(ctx, &VerifyRequest{Contact: testPhone, Purpose: models.PurposeLogin, Code: code})
	assert.NoError(t, err)
}

func TestInvalidInputs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RequestCode(ctx, &IssueRequest{Contact: "", Purpose: models.PurposeLogin})
	assert.ErrorIs(t, err, ErrInvalidContact)

	_, err = h.svc.RequestCode(ctx, &IssueRequest{Contact: "not an email", Purpose: models.PurposeLogin})
	assert.ErrorIs(t, err, ErrInvalidContact)

	_, err = h.svc.RequestCode(ctx, &IssueRequest{Contact: testPhone, Purpose: "password_reset"})
	assert.ErrorIs(t, err, ErrInvalidPurpose)
}

func TestRequestedChannelMustMatchContact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RequestCode(ctx, &IssueRequest{
		Contact: testPhone, Purpose: models.PurposeLogin, Channel: models.ChannelEmail,
	})
	assert.ErrorIs(t, err, ErrInvalidChannel)

	_, err = h.svc.RequestCode(ctx, &IssueRequest{
		Contact: "user@example.com", Purpose: models.PurposeLogin, Channel: models.ChannelSMS,
	})
	assert.ErrorIs(t, err, ErrInvalidChannel)

	assert.Equal(t, 0, h.dispatcher.calls)
}

func TestRequestedChannelReachesDispatcher(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dispatcher.channel = models.ChannelSMS

	result, err := h.svc.RequestCode(ctx, &IssueRequest{
		Contact: testPhone, Purpose: models.PurposeLogin, Channel: models.ChannelSMS,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ChannelSMS, result.Channel)
	require.Len(t, h.dispatcher.requested, 1)
	assert.Equal(t, models.ChannelSMS, h.dispatcher.requested[0])
}

func TestDeliveryChannelIsPersisted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RequestCode(ctx, &IssueRequest{Contact: testPhone, Purpose: models.PurposeLogin})
	require.NoError(t, err)

	// The stored row must carry the channel, not just the issue response:
	// the store snapshots on Create, so the channel has to come from an
	// explicit write-back after dispatch.
	for _, rows := range h.store.records {
		for _, row := range rows {
			assert.Equal(t, models.ChannelWhatsApp, row.Channel)
		}
	}

	status, err := h.svc.Status(ctx, testPhone)
	require.NoError(t, err)
	require.Len(t, status.Pending, 1)
	assert.Equal(t, models.ChannelWhatsApp, status.Pending[0].Channel)
}

func TestPurposesAreIsolated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RequestCode(ctx, &IssueRequest{Contact: testPhone, Purpose: models.PurposeLogin})
	require.NoError(t, err)

	code := extractCode(t, h.dispatcher.messages[0])

	err = h.svc.VerifyCode(ctx, &VerifyRequest{Contact: testPhone, Purpose: models.PurposeRegistration, Code: code})
	assert.ErrorIs(t, err, ErrCodeInvalid)
}

func TestStatusReportsPendingAndVerified(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RequestCode(ctx, &IssueRequest{Contact: testPhone, Purpose: models.PurposeLogin})
	require.NoError(t, err)

	status, err := h.svc.Status(ctx, testPhone)
	require.NoError(t, err)
	assert.False(t, status.Verified)
	require.Len(t, status.Pending, 1)
	assert.Equal(t, models.PurposeLogin, status.Pending[0].Purpose)

	code := extractCode(t, h.dispatcher.messages[0])
	require.NoError(t, h.svc.VerifyCode(ctx, &VerifyRequest{Contact: testPhone, Purpose: models.PurposeLogin, Code: code}))

	status, err = h.svc.Status(ctx, testPhone)
	require.NoError(t, err)
	assert.True(t, status.Verified)
	assert.Empty(t, status.Pending)
}
