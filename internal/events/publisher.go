package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/pixelpost/payment-orchestrator/internal/models"
)

const (
	// Kafka topic carrying every committed lifecycle transition.
	TopicStateChanged = "payment.state.changed"
	// NATS subject the notification subsystem subscribes to. The core only
	// publishes here; it never calls the notifier.
	SubjectPaymentConfirmed = "payment.confirmed"
)

// Publisher fans lifecycle events out over Kafka and NATS. Either backend
// may be absent (nil); publishing is fire-and-forget and never fails the
// payment operation that triggered it.
type Publisher struct {
	kafkaWriter *kafka.Writer
	nc          *nats.Conn
	logger      *zap.Logger
}

func NewPublisher(kafkaWriter *kafka.Writer, nc *nats.Conn, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{kafkaWriter: kafkaWriter, nc: nc, logger: logger}
}

func (p *Publisher) PublishStateChanged(ctx context.Context, event models.StateChanged) {
	if p.kafkaWriter == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("marshal state change event", zap.Error(err))
		return
	}
	if err := p.kafkaWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Reference),
		Value: payload,
	}); err != nil {
		p.logger.Error("publish state change event",
			zap.String("reference", event.Reference),
			zap.Error(err),
		)
	}
}

func (p *Publisher) PublishConfirmed(ctx context.Context, event models.PaymentConfirmed) {
	if p.nc == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("marshal confirmation event", zap.Error(err))
		return
	}
	if err := p.nc.Publish(SubjectPaymentConfirmed, payload); err != nil {
		p.logger.Error("publish confirmation event",
			zap.String("reference", event.Reference),
			zap.Error(err),
		)
	}
}
