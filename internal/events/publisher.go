package events

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"otp-service/internal/client"
	"otp-service/internal/models"
	"otp-service/internal/util"
)

// Event types published to the lifecycle topic.
const (
	EventIssued         = "issued"
	EventVerified       = "verified"
	EventDeliveryFailed = "delivery_failed"
	EventRateLimited    = "rate_limited"
)

// KafkaPublisher emits lifecycle events keyed by contact, so all events for
// one contact land on the same partition in order.
type KafkaPublisher struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaPublisher(producer *client.KafkaProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event *models.OTPEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := map[string]string{
		"event_type": event.EventType,
	}

	if err := p.producer.ProduceMessage(ctx, p.topic, []byte(event.Contact), value, headers); err != nil {
		util.Error("Failed to publish lifecycle event",
			zap.String("event_type", event.EventType),
			zap.Error(err))
		return fmt.Errorf("failed to publish lifecycle event: %w", err)
	}

	util.Debug("Lifecycle event published",
		zap.String("event_type", event.EventType),
		zap.String("topic", p.topic))

	return nil
}
