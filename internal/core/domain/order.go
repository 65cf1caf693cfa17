package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID        string
	CreatedAt time.Time
	Items     []OrderItem
}

type OrderItem struct {
	ID          string
	OrderID     string
	ProductID   string
	ProductName string
	Quantity    int
	UnitPrice   decimal.Decimal
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

func (o Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// ProductIDs returns the distinct products referenced by the order, in item order.
func (o Order) ProductIDs() []string {
	seen := make(map[string]struct{}, len(o.Items))
	ids := make([]string, 0, len(o.Items))
	for _, item := range o.Items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	return ids
}

// OrderLine is one requested (product, quantity) pair.
// MaxOrderLines bounds the lines of a single order.
const MaxOrderLines = 500

type OrderLine struct {
	ProductID string
	Quantity  int
}

// ReservedLine is an order line whose stock has been deducted, with the
// unit price resolved at reservation time.
type ReservedLine struct {
	ProductID   string
	ProductName string
	Quantity    int
	UnitPrice   decimal.Decimal
}

const EventTypeOrderCreated = "order.created"

type OutboxEvent struct {
	ID          string
	AggregateID string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt *time.Time
}
