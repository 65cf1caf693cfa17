package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/product-catalog/internal/port"
)

// OutboxRelay publishes events recorded by committed transactions. Delivery
// is at-least-once: an event published but not yet marked is sent again on
// the next poll.
type OutboxRelay struct {
	repo      port.OutboxRepository
	publisher port.EventPublisher
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
}

func NewOutboxRelay(repo port.OutboxRepository, publisher port.EventPublisher, logger *zap.Logger, interval time.Duration, batchSize int) *OutboxRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run polls until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", zap.Duration("interval", r.interval), zap.Int("batch_size", r.batchSize))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
		}

		// drain full batches before waiting for the next tick
		for {
			n, err := r.PublishPending(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					r.logger.Error("outbox relay: publish failed", zap.Error(err))
				}
				break
			}
			if n < r.batchSize {
				break
			}
		}
	}
}

// PublishPending publishes one batch and returns how many events were sent.
func (r *OutboxRelay) PublishPending(ctx context.Context) (int, error) {
	events, err := r.repo.FetchPendingEvents(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch pending events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	if err := r.publisher.Publish(ctx, events); err != nil {
		return 0, fmt.Errorf("publish %d events: %w", len(events), err)
	}

	ids := make([]string, 0, len(events))
	for _, event := range events {
		ids = append(ids, event.ID)
	}
	if err := r.repo.MarkEventsPublished(ctx, ids); err != nil {
		return 0, fmt.Errorf("mark events published: %w", err)
	}

	r.logger.Debug("outbox events published", zap.Int("count", len(events)))
	return len(events), nil
}
