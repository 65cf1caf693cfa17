package messaging

import (
	"context"

	"go.uber.org/zap"

	"github.com/rl1809/product-catalog/internal/core/domain"
)

// LogPublisher writes events to the log. Used when no brokers are configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, events []domain.OutboxEvent) error {
	for _, event := range events {
		p.logger.Info("event",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.EventType),
			zap.String("aggregate_id", event.AggregateID),
			zap.ByteString("payload", event.Payload),
		)
	}
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
