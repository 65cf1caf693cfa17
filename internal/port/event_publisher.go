package port

import (
	"context"

	"github.com/rl1809/product-catalog/internal/core/domain"
)

type EventPublisher interface {
	Publish(ctx context.Context, events []domain.OutboxEvent) error
	Close() error
}
