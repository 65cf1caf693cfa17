package port

import (
	"context"

	"github.com/rl1809/product-catalog/internal/core/domain"
)

// Tx is the set of operations available inside a store transaction.
type Tx interface {
	// GetProducts loads the given products with their current version in a
	// single lookup and locks them until the transaction ends. Unknown ids
	// are absent from the result.
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)

	// UpdateStock sets the stock of a product iff its version still equals
	// expectedVersion, bumping the version. Returns
	// domain.ErrConcurrentModification otherwise.
	UpdateStock(ctx context.Context, productID string, stock int, expectedVersion int64) error

	// InsertOrder persists an order together with its items.
	InsertOrder(ctx context.Context, order domain.Order) error

	// InsertOutboxEvent records an event to be published after commit.
	InsertOutboxEvent(ctx context.Context, event domain.OutboxEvent) error
}

// Store runs units of work against the durable store.
type Store interface {
	// WithinTx runs fn in a transaction. The transaction commits when fn
	// returns nil and rolls back on error, panic or context cancellation.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type ProductRepository interface {
	ListProducts(ctx context.Context, query domain.ProductQuery) (domain.ProductPage, error)

	// GetProduct returns domain.ErrProductNotFound for unknown ids.
	GetProduct(ctx context.Context, id string) (domain.Product, error)

	CreateProduct(ctx context.Context, product domain.Product) error

	// UpdateProduct overwrites name, description and price with version check.
	UpdateProduct(ctx context.Context, product domain.Product, expectedVersion int64) error

	DeleteProduct(ctx context.Context, id string) error
}

type OrderRepository interface {
	// GetOrder returns domain.ErrOrderNotFound for unknown ids.
	GetOrder(ctx context.Context, id string) (domain.Order, error)
}

type OutboxRepository interface {
	FetchPendingEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkEventsPublished(ctx context.Context, ids []string) error
}
