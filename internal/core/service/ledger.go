package service

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rl1809/product-catalog/internal/core/domain"
	"github.com/rl1809/product-catalog/internal/port"
)

// Ledger checks and deducts stock for a batch of order lines. It never
// retries; a version conflict is returned as domain.ErrConcurrentModification.
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

func (l *Ledger) Reserve(ctx context.Context, tx port.Tx, lines []domain.OrderLine) ([]domain.ReservedLine, error) {
	ctx, span := tracer.Start(ctx, "ledger.reserve")
	defer span.End()

	if err := validateLines(lines); err != nil {
		return nil, err
	}

	ids := distinctProductIDs(lines)
	span.SetAttributes(attribute.Int("order.lines", len(lines)), attribute.Int("order.products", len(ids)))

	products, err := tx.GetProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	// remaining tracks stock left after earlier lines of this request
	remaining := make(map[string]int, len(ids))
	reserved := make([]domain.ReservedLine, 0, len(lines))

	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok {
			return nil, &domain.ProductNotFoundError{ProductID: line.ProductID}
		}

		available, seen := remaining[line.ProductID]
		if !seen {
			available = product.StockQuantity
		}
		if line.Quantity > available {
			return nil, &domain.InsufficientStockError{
				ProductID:   product.ID,
				ProductName: product.Name,
				Requested:   line.Quantity,
				Available:   available,
			}
		}
		remaining[line.ProductID] = available - line.Quantity

		reserved = append(reserved, domain.ReservedLine{
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    line.Quantity,
			UnitPrice:   product.Price,
		})
	}

	// Sorted writes keep row lock order identical across transactions.
	for _, id := range slices.Sorted(maps.Keys(remaining)) {
		if err := tx.UpdateStock(ctx, id, remaining[id], products[id].Version); err != nil {
			return nil, fmt.Errorf("update stock of %s: %w", id, err)
		}
	}

	return reserved, nil
}

func validateLines(lines []domain.OrderLine) error {
	if len(lines) == 0 {
		return domain.ErrEmptyOrder
	}
	if len(lines) > domain.MaxOrderLines {
		return fmt.Errorf("%w: %d items, at most %d allowed", domain.ErrTooManyOrderLines, len(lines), domain.MaxOrderLines)
	}
	for i, line := range lines {
		if line.ProductID == "" {
			return &domain.InvalidOrderLineError{Index: i, Reason: "product id is required"}
		}
		if line.Quantity <= 0 {
			return &domain.InvalidOrderLineError{Index: i, Reason: "quantity must be greater than 0"}
		}
	}
	return nil
}

func distinctProductIDs(lines []domain.OrderLine) []string {
	seen := make(map[string]struct{}, len(lines))
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		ids = append(ids, line.ProductID)
	}
	return ids
}
