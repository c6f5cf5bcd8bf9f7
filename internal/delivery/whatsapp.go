package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/models"
	"otp-service/internal/util"
)

// ErrChannelNotConfigured is returned when a channel is missing credentials.
var ErrChannelNotConfigured = errors.New("channel not configured")

// WhatsAppChannel delivers messages through the cloud chat gateway. It also
// handles the inbound side: marking received messages read and replying.
type WhatsAppChannel struct {
	config     *config.WhatsAppConfig
	httpClient *http.Client
}

func NewWhatsAppChannel(cfg *config.Config) *WhatsAppChannel {
	return &WhatsAppChannel{
		config: &cfg.WhatsApp,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WhatsAppChannel) Name() string {
	return models.ChannelWhatsApp
}

type whatsAppTextMessage struct {
	MessagingProduct string           `json:"messaging_product"`
	To               string           `json:"to"`
	Type             string           `json:"type"`
	Text             whatsAppTextBody `json:"text"`
}

type whatsAppTextBody struct {
	Body string `json:"body"`
}

func (w *WhatsAppChannel) Send(ctx context.Context, contact, message string) error {
	if w.config.AccessToken == "" || w.config.PhoneNumberID == "" {
		return ErrChannelNotConfigured
	}

	payload := whatsAppTextMessage{
		MessagingProduct: "whatsapp",
		To:               contact,
		Type:             "text",
		Text:             whatsAppTextBody{Body: message},
	}

	if err := w.post(ctx, payload); err != nil {
		util.Error("WhatsApp send failed",
			zap.String("contact", util.MaskContact(contact)),
			zap.Error(err))
		return err
	}

	util.Debug("WhatsApp message sent",
		zap.String("contact", util.MaskContact(contact)))

	return nil
}

type whatsAppReadReceipt struct {
	MessagingProduct string `json:"messaging_product"`
	Status           string `json:"status"`
	MessageID        string `json:"message_id"`
}

// MarkRead acknowledges an inbound message so the sender sees blue ticks.
func (w *WhatsAppChannel) MarkRead(ctx context.Context, messageID string) error {
	if w.config.AccessToken == "" || w.config.PhoneNumberID == "" {
		return ErrChannelNotConfigured
	}

	payload := whatsAppReadReceipt{
		MessagingProduct: "whatsapp",
		Status:           "read",
		MessageID:        messageID,
	}

	if err := w.post(ctx, payload); err != nil {
		util.Warn("Failed to mark WhatsApp message read",
			zap.String("message_id", messageID),
			zap.Error(err))
		return err
	}

	return nil
}

func (w *WhatsAppChannel) post(ctx context.Context, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal whatsapp payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", w.config.APIURL, w.config.PhoneNumberID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build whatsapp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.config.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("whatsapp gateway returned %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}
