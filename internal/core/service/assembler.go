package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/product-catalog/internal/core/domain"
	"github.com/rl1809/product-catalog/internal/port"
)

// Assembler builds and persists the order aggregate for reserved lines.
type Assembler struct {
	now   func() time.Time
	newID func() string
}

func NewAssembler() *Assembler {
	return &Assembler{
		now:   time.Now,
		newID: uuid.NewString,
	}
}

func (a *Assembler) Assemble(ctx context.Context, tx port.Tx, orderID string, reserved []domain.ReservedLine) (domain.Order, error) {
	if len(reserved) == 0 {
		return domain.Order{}, domain.ErrEmptyOrder
	}

	order := domain.Order{
		ID:        orderID,
		CreatedAt: a.now().UTC(),
		Items:     make([]domain.OrderItem, 0, len(reserved)),
	}
	for _, line := range reserved {
		order.Items = append(order.Items, domain.OrderItem{
			ID:          a.newID(),
			OrderID:     orderID,
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
		})
	}

	if err := tx.InsertOrder(ctx, order); err != nil {
		return domain.Order{}, fmt.Errorf("insert order: %w", err)
	}

	return order, nil
}
