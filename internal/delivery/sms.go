package delivery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/models"
	"otp-service/internal/util"
)

// SMSChannel delivers messages through a Twilio-compatible REST gateway.
type SMSChannel struct {
	config     *config.SMSConfig
	httpClient *http.Client
}

func NewSMSChannel(cfg *config.Config) *SMSChannel {
	return &SMSChannel{
		config: &cfg.SMS,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *SMSChannel) Name() string {
	return models.ChannelSMS
}

func (s *SMSChannel) Send(ctx context.Context, contact, message string) error {
	if s.config.AccountSID == "" || s.config.AuthToken == "" {
		return ErrChannelNotConfigured
	}

	form := url.Values{}
	form.Set("From", s.config.From)
	form.Set("To", contact)
	form.Set("Body", message)

	endpoint := fmt.Sprintf("%s/%s/Messages.json", s.config.APIURL, s.config.AccountSID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build sms request: %w", err)
	}
	req.SetBasicAuth(s.config.AccountSID, s.config.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		util.Error("SMS send failed",
			zap.String("contact", util.MaskContact(contact)),
			zap.Error(err))
		return fmt.Errorf("sms request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode, string(respBody))
	}

	util.Debug("SMS message sent",
		zap.String("contact", util.MaskContact(contact)))

	return nil
}
