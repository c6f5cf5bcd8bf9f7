package delivery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-service/internal/models"
)

type fakeChannel struct {
	name  string
	err   error
	sent  []string
	calls int
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, contact, message string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, contact)
	return nil
}

type fakeAudit struct {
	attempts []*models.DeliveryAttempt
}

func (f *fakeAudit) RecordAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error {
	f.attempts = append(f.attempts, attempt)
	return nil
}

func TestDispatchPhonePrefersChat(t *testing.T) {
	chat := &fakeChannel{name: models.ChannelWhatsApp}
	sms := &fakeChannel{name: models.ChannelSMS}
	email := &fakeChannel{name: models.ChannelEmail}
	audit := &fakeAudit{}

	d := NewDispatcher(chat, sms, email, audit)

	channel, err := d.Dispatch(context.Background(), "+15551234567", models.PurposeLogin, "", "code 123456")
	require.NoError(t, err)
	assert.Equal(t, models.ChannelWhatsApp, channel)
	assert.Equal(t, 1, chat.calls)
	assert.Equal(t, 0, sms.calls)
	assert.Equal(t, 0, email.calls)
}

func TestDispatchPhoneFallsBackToSMS(t *testing.T) {
	chat := &fakeChannel{name: models.ChannelWhatsApp, err: errors.New("gateway down")}
	sms := &fakeChannel{name: models.ChannelSMS}
	audit := &fakeAudit{}

	d := NewDispatcher(chat, sms, &fakeChannel{name: models.ChannelEmail}, audit)

	channel, err := d.Dispatch(context.Background(), "+15551234567", models.PurposeLogin, "", "code 123456")
	require.NoError(t, err)

	// The reported channel is the one that actually delivered.
	assert.Equal(t, models.ChannelSMS, channel)
	assert.Equal(t, 1, chat.calls)
	assert.Equal(t, 1, sms.calls)

	require.Len(t, audit.attempts, 2)
	assert.False(t, audit.attempts[0].Success)
	assert.True(t, audit.attempts[1].Success)
	assert.Equal(t, models.ChannelWhatsApp, audit.attempts[1].RequestedChannel)
	assert.Equal(t, models.ChannelSMS, audit.attempts[1].Channel)
}

func TestDispatchPhoneFailsWhenBothChannelsDown(t *testing.T) {
	chat := &fakeChannel{name: models.ChannelWhatsApp, err: errors.New("gateway down")}
	sms := &fakeChannel{name: models.ChannelSMS, err: errors.New("no credit")}

	d := NewDispatcher(chat, sms, &fakeChannel{name: models.ChannelEmail}, &fakeAudit{})

	channel, err := d.Dispatch(context.Background(), "+15551234567", models.PurposeLogin, "", "code 123456")
	require.Error(t, err)
	assert.Empty(t, channel)
	assert.Equal(t, 1, chat.calls)
	assert.Equal(t, 1, sms.calls)
}

func TestDispatchEmailHasNoFallback(t *testing.T) {
	email := &fakeChannel{name: models.ChannelEmail, err: errors.New("smtp refused")}
	sms := &fakeChannel{name: models.ChannelSMS}

	d := NewDispatcher(&fakeChannel{name: models.ChannelWhatsApp}, sms, email, &fakeAudit{})

	_, err := d.Dispatch(context.Background(), "user@example.com", models.PurposeRegistration, "", "code 654321")
	require.Error(t, err)
	assert.Equal(t, 1, email.calls)
	assert.Equal(t, 0, sms.calls)
}

func TestDispatchDirectSMSHasNoFallback(t *testing.T) {
	chat := &fakeChannel{name: models.ChannelWhatsApp}
	sms := &fakeChannel{name: models.ChannelSMS, err: errors.New("no credit")}

	d := NewDispatcher(chat, sms, &fakeChannel{name: models.ChannelEmail}, &fakeAudit{})

	_, err := d.Dispatch(context.Background(), "+15551234567", models.PurposeLogin, models.ChannelSMS, "code 123456")
	require.Error(t, err)
	assert.Equal(t, 0, chat.calls)
	assert.Equal(t, 1, sms.calls)
}

func TestDispatchRequestedChatStillFallsBack(t *testing.T) {
	chat := &fakeChannel{name: models.ChannelWhatsApp, err: errors.New("gateway down")}
	sms := &fakeChannel{name: models.ChannelSMS}

	d := NewDispatcher(chat, sms, &fakeChannel{name: models.ChannelEmail}, &fakeAudit{})

	channel, err := d.Dispatch(context.Background(), "+15551234567", models.PurposeLogin, models.ChannelWhatsApp, "code 123456")
	require.NoError(t, err)
	assert.Equal(t, models.ChannelSMS, channel)
}

func TestDispatchEmailSucceeds(t *testing.T) {
	email := &fakeChannel{name: models.ChannelEmail}

	d := NewDispatcher(&fakeChannel{name: models.ChannelWhatsApp}, &fakeChannel{name: models.ChannelSMS}, email, &fakeAudit{})

	channel, err := d.Dispatch(context.Background(), "user@example.com", models.PurposeRegistration, "", "code 654321")
	require.NoError(t, err)
	assert.Equal(t, models.ChannelEmail, channel)
	assert.Equal(t, []string{"user@example.com"}, email.sent)
}
