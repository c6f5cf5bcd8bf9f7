package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/models"
	"otp-service/internal/security"
	"otp-service/internal/service"
	"otp-service/internal/util"
)

const maxWebhookBody = 1 << 20 // 1MB

// ChatResponder is the outbound side of the chat gateway used to
// acknowledge and answer inbound messages.
type ChatResponder interface {
	MarkRead(ctx context.Context, messageID string) error
	Send(ctx context.Context, contact, message string) error
}

// WebhookHandler receives inbound chat-gateway callbacks. The transport
// contract is fail-open: whatever happens while processing, the gateway
// gets a 200 so it does not retry-storm us.
type WebhookHandler struct {
	otpService *service.OTPService
	responder  ChatResponder
	indexer    models.SecurityIndexer
	config     *config.WhatsAppConfig
	logger     *zap.Logger
}

func NewWebhookHandler(
	otpService *service.OTPService,
	responder ChatResponder,
	indexer models.SecurityIndexer,
	cfg *config.Config,
	logger *zap.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		otpService: otpService,
		responder:  responder,
		indexer:    indexer,
		config:     &cfg.WhatsApp,
		logger:     logger,
	}
}

// RegisterRoutes registers the webhook endpoints
func (h *WebhookHandler) RegisterRoutes(router chi.Router) {
	router.Get("/webhook/whatsapp", h.VerifySubscription)
	router.Post("/webhook/whatsapp", h.Receive)
}

// VerifySubscription answers the gateway's subscription handshake
func (h *WebhookHandler) VerifySubscription(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode != "subscribe" || token != h.config.VerifyToken {
		h.logger.Warn("Webhook handshake rejected",
			util.String("mode", mode))
		w.WriteHeader(http.StatusForbidden)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(challenge))
}

// webhookPayload mirrors the gateway's change-notification envelope.
type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Value struct {
				Messages []inboundMessage `json:"messages"`
				Statuses []deliveryStatus `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type deliveryStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RecipientID string `json:"recipient_id"`
}

type inboundMessage struct {
	From string `json:"from"`
	ID   string `json:"id"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
}

// Receive handles inbound messages: a standalone 6-digit number in a text
// message is treated as a verification attempt for the sender's number.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("Failed to read webhook body", util.ErrorField(err))
		h.respondOK(w)
		return
	}

	if !h.signatureValid(r, body) {
		h.recordSignatureMismatch(r.Context())
		h.respondOK(w)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Warn("Failed to parse webhook payload", util.ErrorField(err))
		h.respondOK(w)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			// Delivery receipts carry no state change here; log and move on.
			for _, st := range change.Value.Statuses {
				util.Debug("Delivery status received",
					util.String("message_id", st.ID),
					util.String("status", st.Status),
					util.String("recipient", util.MaskContact(st.RecipientID)))
			}
			for _, msg := range change.Value.Messages {
				h.processMessage(r.Context(), &msg)
			}
		}
	}

	h.respondOK(w)
}

func (h *WebhookHandler) processMessage(ctx context.Context, msg *inboundMessage) {
	if msg.Type != "text" || msg.From == "" {
		return
	}

	if h.responder != nil && msg.ID != "" {
		if err := h.responder.MarkRead(ctx, msg.ID); err != nil {
			h.logger.Debug("Mark-read failed", util.ErrorField(err))
		}
	}

	code := util.ExtractCode(msg.Text.Body)
	if code == "" {
		util.Debug("Inbound message without code ignored",
			util.String("from", util.MaskContact(msg.From)))
		return
	}

	verifyErr := h.otpService.VerifyCode(ctx, &service.VerifyRequest{
		Contact: msg.From,
		Purpose: models.PurposeLogin,
		Code:    code,
	})

	reply := "Your number has been verified."
	if verifyErr != nil {
		reply = "That code is invalid or expired. Please request a new one."
	}

	if h.responder != nil {
		if err := h.responder.Send(ctx, msg.From, reply); err != nil {
			h.logger.Warn("Failed to send confirmation reply", util.ErrorField(err))
		}
	}

	util.Info("Inbound verification processed",
		util.String("from", util.MaskContact(msg.From)),
		util.Bool("verified", verifyErr == nil))
}

// signatureValid checks the X-Hub-Signature-256 header. With no app secret
// configured the check is skipped.
func (h *WebhookHandler) signatureValid(r *http.Request, body []byte) bool {
	if h.config.AppSecret == "" {
		return true
	}

	header := r.Header.Get("X-Hub-Signature-256")
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.config.AppSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(header, "sha256=")))
}

func (h *WebhookHandler) recordSignatureMismatch(ctx context.Context) {
	h.logger.Warn("Webhook signature mismatch")

	if h.indexer == nil {
		return
	}

	event := &models.SecurityEvent{
		Kind: security.KindWebhookSignatureMismatch,
		At:   time.Now().UTC(),
	}
	if err := h.indexer.IndexEvent(ctx, event); err != nil {
		h.logger.Warn("Failed to index signature mismatch", util.ErrorField(err))
	}
}

func (h *WebhookHandler) respondOK(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
