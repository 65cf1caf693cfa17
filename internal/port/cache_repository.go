package port

import (
	"context"

	"github.com/rl1809/product-catalog/internal/core/domain"
)

type IdempotencyStore interface {
	// Lookup returns the order id recorded for key. found is true for keys
	// that are claimed but not completed yet, with an empty orderID.
	Lookup(ctx context.Context, key string) (orderID string, found bool, err error)

	// Claim reserves key for one request, returns false if already claimed.
	Claim(ctx context.Context, key string) (bool, error)

	// Complete records the committed order for a claimed key.
	Complete(ctx context.Context, key, orderID string) error

	// Release drops a claim after a failed request.
	Release(ctx context.Context, key string) error
}

type ProductCache interface {
	// GetProduct returns nil on a cache miss.
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	SetProduct(ctx context.Context, product domain.Product) error
	InvalidateProducts(ctx context.Context, ids ...string) error
}
