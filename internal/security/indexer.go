package security

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-service/internal/client"
	"otp-service/internal/models"
	"otp-service/internal/util"
)

// Security event kinds.
const (
	KindVerificationFailed       = "verification_failed"
	KindRateLimited              = "rate_limited"
	KindWebhookSignatureMismatch = "webhook_signature_mismatch"
)

// ESIndexer pushes security events into Elasticsearch for investigation.
type ESIndexer struct {
	es    *client.ESClient
	index string
}

func NewESIndexer(es *client.ESClient, index string) *ESIndexer {
	return &ESIndexer{
		es:    es,
		index: index,
	}
}

func (i *ESIndexer) IndexEvent(ctx context.Context, event *models.SecurityEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	res, err := i.es.IndexDocument(i.index, event.EventID, event)
	if err != nil {
		util.Error("Failed to index security event",
			zap.String("kind", event.Kind),
			zap.Error(err))
		return fmt.Errorf("failed to index security event: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch rejected security event: %s", res.String())
	}

	util.Debug("Security event indexed",
		zap.String("kind", event.Kind),
		zap.String("event_id", event.EventID))

	return nil
}
