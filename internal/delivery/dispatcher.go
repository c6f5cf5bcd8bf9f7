package delivery

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"otp-service/internal/models"
	"otp-service/internal/util"
)

const attemptTimeout = 10 * time.Second

// Dispatcher routes a message to the right channel for a contact. Phone
// contacts go to the chat gateway first with a single SMS fallback; email
// contacts go straight to SMTP. The returned channel name is the one that
// actually delivered, which may differ from the one requested.
type Dispatcher struct {
	chat  Channel
	sms   Channel
	email Channel
	audit models.AuditSink

	entropyMu sync.Mutex
	entropy   *rand.Rand
}

func NewDispatcher(chat, sms, email Channel, audit models.AuditSink) *Dispatcher {
	return &Dispatcher{
		chat:    chat,
		sms:     sms,
		email:   email,
		audit:   audit,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Dispatch delivers message to contact and returns the channel that carried
// it. An empty requested channel routes by contact shape. Only the chat
// channel gets a fallback; requesting sms or email directly means exactly
// one attempt on that channel.
func (d *Dispatcher) Dispatch(ctx context.Context, contact, purpose, requested, message string) (string, error) {
	switch requested {
	case models.ChannelWhatsApp:
		return d.dispatchPhone(ctx, contact, purpose, message)
	case models.ChannelSMS:
		if err := d.attempt(ctx, d.sms, contact, purpose, models.ChannelSMS, message); err != nil {
			return "", fmt.Errorf("sms delivery failed: %w", err)
		}
		return d.sms.Name(), nil
	case models.ChannelEmail:
		return d.dispatchEmail(ctx, contact, purpose, message)
	default:
		if util.IsPhoneContact(contact) {
			return d.dispatchPhone(ctx, contact, purpose, message)
		}
		return d.dispatchEmail(ctx, contact, purpose, message)
	}
}

func (d *Dispatcher) dispatchPhone(ctx context.Context, contact, purpose, message string) (string, error) {
	chatErr := d.attempt(ctx, d.chat, contact, purpose, models.ChannelWhatsApp, message)
	if chatErr == nil {
		return d.chat.Name(), nil
	}

	util.Warn("Chat delivery failed, falling back to SMS",
		zap.String("contact", util.MaskContact(contact)),
		zap.Error(chatErr))

	smsErr := d.attempt(ctx, d.sms, contact, purpose, models.ChannelWhatsApp, message)
	if smsErr == nil {
		return d.sms.Name(), nil
	}

	return "", fmt.Errorf("delivery failed on both channels: chat: %v; sms: %w", chatErr, smsErr)
}

func (d *Dispatcher) dispatchEmail(ctx context.Context, contact, purpose, message string) (string, error) {
	if err := d.attempt(ctx, d.email, contact, purpose, models.ChannelEmail, message); err != nil {
		return "", fmt.Errorf("email delivery failed: %w", err)
	}
	return d.email.Name(), nil
}

// attempt runs one channel send under its own timeout and records the
// outcome in the audit trail.
func (d *Dispatcher) attempt(ctx context.Context, ch Channel, contact, purpose, requested, message string) error {
	sendCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	start := time.Now()
	err := ch.Send(sendCtx, contact, message)
	latency := time.Since(start)

	attempt := &models.DeliveryAttempt{
		AttemptID:        d.newAttemptID(),
		Contact:          util.MaskContact(contact),
		Purpose:          purpose,
		RequestedChannel: requested,
		Channel:          ch.Name(),
		Success:          err == nil,
		Latency:          latency,
		At:               start.UTC(),
	}
	if err != nil {
		attempt.Detail = err.Error()
	}

	if d.audit != nil {
		if auditErr := d.audit.RecordAttempt(ctx, attempt); auditErr != nil {
			util.Warn("Failed to record delivery attempt", zap.Error(auditErr))
		}
	}

	return err
}

func (d *Dispatcher) newAttemptID() string {
	d.entropyMu.Lock()
	defer d.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), d.entropy).String()
}
