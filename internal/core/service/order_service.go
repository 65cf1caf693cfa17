package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/product-catalog/internal/core/domain"
	"github.com/rl1809/product-catalog/internal/port"
)

var tracer = otel.Tracer("github.com/rl1809/product-catalog/internal/core/service")

type phase string

const (
	phaseStart      phase = "start"
	phaseReserving  phase = "reserving"
	phaseReserved   phase = "reserved"
	phaseAssembling phase = "assembling"
	phaseCommitted  phase = "committed"
	phaseFailed     phase = "failed"
)

type CreateOrderRequest struct {
	IdempotencyKey string
	Lines          []domain.OrderLine
}

type OrderService struct {
	store       port.Store
	orders      port.OrderRepository
	ledger      *Ledger
	assembler   *Assembler
	idempotency port.IdempotencyStore
	cache       port.ProductCache
	retry       RetryPolicy
	logger      *zap.Logger
	newID       func() string
}

type OrderServiceOption func(*OrderService)

func WithIdempotencyStore(store port.IdempotencyStore) OrderServiceOption {
	return func(s *OrderService) { s.idempotency = store }
}

func WithOrderCache(cache port.ProductCache) OrderServiceOption {
	return func(s *OrderService) { s.cache = cache }
}

func WithRetryPolicy(policy RetryPolicy) OrderServiceOption {
	return func(s *OrderService) { s.retry = policy }
}

func WithOrderLogger(logger *zap.Logger) OrderServiceOption {
	return func(s *OrderService) { s.logger = logger }
}

func NewOrderService(store port.Store, orders port.OrderRepository, opts ...OrderServiceOption) *OrderService {
	s := &OrderService{
		store:     store,
		orders:    orders,
		ledger:    NewLedger(),
		assembler: NewAssembler(),
		retry:     DefaultRetryPolicy(),
		logger:    zap.NewNop(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder reserves stock for all lines and records the order in one
// transaction. Either every line is reserved and the order committed, or
// nothing is written.
func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (domain.Order, error) {
	ctx, span := tracer.Start(ctx, "order.create")
	defer span.End()
	s.enter(span, phaseStart, zap.Int("lines", len(req.Lines)))

	if err := validateLines(req.Lines); err != nil {
		s.fail(span, err)
		return domain.Order{}, err
	}

	useKey := req.IdempotencyKey != "" && s.idempotency != nil
	if useKey {
		order, replayed, err := s.claimKey(ctx, req.IdempotencyKey)
		if err != nil {
			s.fail(span, err)
			return domain.Order{}, err
		}
		if replayed {
			span.SetAttributes(attribute.Bool("order.replayed", true))
			return order, nil
		}
	}

	order, err := s.placeWithRetry(ctx, span, req.Lines)

	if useKey {
		s.settleKey(ctx, req.IdempotencyKey, order, err)
	}
	if err != nil {
		s.fail(span, err)
		return domain.Order{}, err
	}

	s.enter(span, phaseCommitted, zap.String("order_id", order.ID))
	span.SetAttributes(attribute.String("order.id", order.ID))
	s.invalidateProducts(ctx, order.ProductIDs())

	return order, nil
}

func (s *OrderService) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return s.orders.GetOrder(ctx, id)
}

func (s *OrderService) placeWithRetry(ctx context.Context, span trace.Span, lines []domain.OrderLine) (domain.Order, error) {
	maxAttempts := s.retry.attempts()
	for attempt := 1; ; attempt++ {
		order, err := s.placeOnce(ctx, span, lines)
		if err == nil {
			span.SetAttributes(attribute.Int("order.attempts", attempt))
			return order, nil
		}
		if !errors.Is(err, domain.ErrConcurrentModification) || attempt >= maxAttempts {
			span.SetAttributes(attribute.Int("order.attempts", attempt))
			return domain.Order{}, err
		}

		wait := s.retry.backoff(attempt)
		s.logger.Debug("order placement conflicted, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
		)
		if err := sleepContext(ctx, wait); err != nil {
			return domain.Order{}, err
		}
	}
}

func (s *OrderService) placeOnce(ctx context.Context, span trace.Span, lines []domain.OrderLine) (domain.Order, error) {
	orderID := s.newID()

	var order domain.Order
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		s.enter(span, phaseReserving)
		reserved, err := s.ledger.Reserve(ctx, tx, lines)
		if err != nil {
			return err
		}
		s.enter(span, phaseReserved, zap.Int("reserved_lines", len(reserved)))

		s.enter(span, phaseAssembling)
		order, err = s.assembler.Assemble(ctx, tx, orderID, reserved)
		if err != nil {
			return err
		}

		event, err := newOrderCreatedEvent(s.newID(), order)
		if err != nil {
			return err
		}
		if err := tx.InsertOutboxEvent(ctx, event); err != nil {
			return fmt.Errorf("insert outbox event: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (s *OrderService) claimKey(ctx context.Context, key string) (domain.Order, bool, error) {
	orderID, found, err := s.idempotency.Lookup(ctx, key)
	if err != nil {
		return domain.Order{}, false, domain.NewStoreError("idempotency lookup", err)
	}
	if found {
		if orderID == "" {
			return domain.Order{}, false, domain.ErrDuplicateRequest
		}
		order, err := s.orders.GetOrder(ctx, orderID)
		if err != nil {
			return domain.Order{}, false, err
		}
		return order, true, nil
	}

	ok, err := s.idempotency.Claim(ctx, key)
	if err != nil {
		return domain.Order{}, false, domain.NewStoreError("idempotency claim", err)
	}
	if !ok {
		return domain.Order{}, false, domain.ErrDuplicateRequest
	}
	return domain.Order{}, false, nil
}

func (s *OrderService) settleKey(ctx context.Context, key string, order domain.Order, placeErr error) {
	ctx = context.WithoutCancel(ctx)
	if placeErr != nil {
		if err := s.idempotency.Release(ctx, key); err != nil {
			s.logger.Warn("failed to release idempotency key", zap.String("key", key), zap.Error(err))
		}
		return
	}
	if err := s.idempotency.Complete(ctx, key, order.ID); err != nil {
		s.logger.Error("failed to complete idempotency key",
			zap.String("key", key),
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
	}
}

func (s *OrderService) invalidateProducts(ctx context.Context, ids []string) {
	if s.cache == nil || len(ids) == 0 {
		return
	}
	if err := s.cache.InvalidateProducts(context.WithoutCancel(ctx), ids...); err != nil {
		s.logger.Warn("failed to invalidate product cache", zap.Strings("product_ids", ids), zap.Error(err))
	}
}

func (s *OrderService) enter(span trace.Span, p phase, fields ...zap.Field) {
	span.AddEvent(string(p))
	s.logger.Debug("order phase", append(fields, zap.String("phase", string(p)))...)
}

func (s *OrderService) fail(span trace.Span, err error) {
	s.enter(span, phaseFailed)
	span.RecordError(err)

	switch {
	case domain.IsValidation(err):
		span.SetAttributes(attribute.Bool("order.rejected", true))
		s.logger.Info("order rejected", zap.Error(err))
	case errors.Is(err, domain.ErrConcurrentModification), errors.Is(err, domain.ErrDuplicateRequest):
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("order not placed", zap.Error(err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		span.SetStatus(codes.Error, err.Error())
		s.logger.Info("order placement cancelled", zap.Error(err))
	default:
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("order placement failed", zap.Error(err))
	}
}

type orderCreatedItem struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type orderCreatedPayload struct {
	OrderID   string             `json:"order_id"`
	CreatedAt time.Time          `json:"created_at"`
	Items     []orderCreatedItem `json:"items"`
	Total     decimal.Decimal    `json:"total"`
}

func newOrderCreatedEvent(id string, order domain.Order) (domain.OutboxEvent, error) {
	payload := orderCreatedPayload{
		OrderID:   order.ID,
		CreatedAt: order.CreatedAt,
		Items:     make([]orderCreatedItem, 0, len(order.Items)),
		Total:     order.Total(),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderCreatedItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("marshal order event: %w", err)
	}

	return domain.OutboxEvent{
		ID:          id,
		AggregateID: order.ID,
		EventType:   domain.EventTypeOrderCreated,
		Payload:     data,
		CreatedAt:   order.CreatedAt,
	}, nil
}
