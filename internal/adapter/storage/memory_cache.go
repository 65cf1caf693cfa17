package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/product-catalog/internal/core/domain"
)

type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e cacheEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

const memorySweepInterval = time.Minute

// MemoryCache implements the idempotency and product cache ports in
// process memory, for single-instance deployments and tests. Expired
// entries are swept at most once per memorySweepInterval.
type MemoryCache struct {
	mu          sync.Mutex
	idempotency map[string]cacheEntry[string]
	products    map[string]cacheEntry[domain.Product]
	// held marks products invalidated recently; SetProduct skips them until
	// the hold lapses.
	held       map[string]time.Time
	productTTL time.Duration
	keyTTL     time.Duration
	lastSweep  time.Time
	now        func() time.Time
}

func NewMemoryCache(productTTL time.Duration) *MemoryCache {
	return &MemoryCache{
		idempotency: make(map[string]cacheEntry[string]),
		products:    make(map[string]cacheEntry[domain.Product]),
		held:        make(map[string]time.Time),
		productTTL:  productTTL,
		keyTTL:      idempotencyKeyTTL,
		now:         time.Now,
	}
}

// sweep drops expired entries. Callers hold c.mu.
func (c *MemoryCache) sweep(now time.Time) {
	if now.Sub(c.lastSweep) < memorySweepInterval {
		return
	}
	c.lastSweep = now

	for key, entry := range c.idempotency {
		if entry.expired(now) {
			delete(c.idempotency, key)
		}
	}
	for id, entry := range c.products {
		if entry.expired(now) {
			delete(c.products, id)
		}
	}
	for id, until := range c.held {
		if !now.Before(until) {
			delete(c.held, id)
		}
	}
}

func (c *MemoryCache) Lookup(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.idempotency[key]
	if !ok || entry.expired(c.now()) {
		return "", false, nil
	}
	if entry.value == idempotencyPending {
		return "", true, nil
	}
	return entry.value, true, nil
}

func (c *MemoryCache) Claim(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweep(now)
	if entry, ok := c.idempotency[key]; ok && !entry.expired(now) {
		return false, nil
	}
	c.idempotency[key] = cacheEntry[string]{value: idempotencyPending, expiresAt: now.Add(c.keyTTL)}
	return true, nil
}

// Complete records the order for a key that is still claimed. A released
// or expired key stays absent.
func (c *MemoryCache) Complete(ctx context.Context, key, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, ok := c.idempotency[key]
	if !ok || entry.expired(now) || entry.value != idempotencyPending {
		return nil
	}
	c.idempotency[key] = cacheEntry[string]{value: orderID, expiresAt: now.Add(c.keyTTL)}
	return nil
}

func (c *MemoryCache) Release(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.idempotency, key)
	return nil
}

func (c *MemoryCache) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.products[id]
	if !ok {
		return nil, nil
	}
	if entry.expired(c.now()) {
		delete(c.products, id)
		return nil, nil
	}
	product := entry.value
	return &product, nil
}

// SetProduct only fills an empty slot, and never one invalidated within
// the hold window, so a read that raced an invalidation cannot put the
// old row back.
func (c *MemoryCache) SetProduct(ctx context.Context, product domain.Product) error {
	if c.productTTL <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweep(now)
	if until, ok := c.held[product.ID]; ok && now.Before(until) {
		return nil
	}
	if entry, ok := c.products[product.ID]; ok && !entry.expired(now) {
		return nil
	}
	c.products[product.ID] = cacheEntry[domain.Product]{value: product, expiresAt: now.Add(c.productTTL)}
	return nil
}

func (c *MemoryCache) InvalidateProducts(ctx context.Context, ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	until := c.now().Add(invalidationHold(c.productTTL))
	for _, id := range ids {
		delete(c.products, id)
		c.held[id] = until
	}
	return nil
}
