package delivery

import (
	"context"
	"fmt"
	"net/smtp"

	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/models"
	"otp-service/internal/util"
)

const emailSubject = "Your Verification Code"

// EmailChannel delivers messages over SMTP.
type EmailChannel struct {
	host     string
	port     string
	from     string
	username string
	password string
}

func NewEmailChannel(cfg *config.Config) *EmailChannel {
	return &EmailChannel{
		host:     cfg.SMTP.Host,
		port:     cfg.SMTP.Port,
		from:     cfg.SMTP.From,
		username: cfg.SMTP.Username,
		password: cfg.SMTP.Password,
	}
}

func (e *EmailChannel) Name() string {
	return models.ChannelEmail
}

func (e *EmailChannel) Send(ctx context.Context, contact, message string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", e.from, contact, emailSubject, message)
	addr := fmt.Sprintf("%s:%s", e.host, e.port)

	var auth smtp.Auth
	if e.username != "" {
		auth = smtp.PlainAuth("", e.username, e.password, e.host)
	}

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, e.from, []string{contact}, []byte(msg))
	}()

	select {
	case err := <-done:
		if err != nil {
			util.Error("Email send failed",
				zap.String("contact", util.MaskContact(contact)),
				zap.Error(err))
			return fmt.Errorf("email send failed: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	util.Debug("Email message sent",
		zap.String("contact", util.MaskContact(contact)))

	return nil
}
