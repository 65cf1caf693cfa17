package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/product-catalog/internal/core/domain"
)

const (
	productKeyPrefix     = "product:"
	idempotencyKeyPrefix = "idempotency:order:"
	idempotencyKeyTTL    = 24 * time.Hour
	idempotencyPending   = "pending"

	productTombstone        = "invalidated"
	productInvalidationHold = 2 * time.Second
)

// invalidationHold is how long an invalidated product refuses cache fills,
// never longer than the product TTL itself.
func invalidationHold(productTTL time.Duration) time.Duration {
	if productTTL > 0 && productTTL < productInvalidationHold {
		return productTTL
	}
	return productInvalidationHold
}

// completeIdempotencyScript only overwrites a key that is still claimed, so
// a late completion never resurrects an expired or released key.
var completeIdempotencyScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

type RedisAdapter struct {
	client     *redis.Client
	productTTL time.Duration
}

func NewRedisAdapter(client *redis.Client, productTTL time.Duration) *RedisAdapter {
	return &RedisAdapter{client: client, productTTL: productTTL}
}

func (r *RedisAdapter) Lookup(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, idempotencyKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if value == idempotencyPending {
		return "", true, nil
	}
	return value, true, nil
}

func (r *RedisAdapter) Claim(ctx context.Context, key string) (bool, error) {
	return r.client.SetNX(ctx, idempotencyKeyPrefix+key, idempotencyPending, idempotencyKeyTTL).Result()
}

func (r *RedisAdapter) Complete(ctx context.Context, key, orderID string) error {
	return completeIdempotencyScript.Run(ctx, r.client,
		[]string{idempotencyKeyPrefix + key},
		idempotencyPending, orderID, idempotencyKeyTTL.Milliseconds(),
	).Err()
}

func (r *RedisAdapter) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}

type cachedProduct struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stock_quantity"`
	Version       int64           `json:"version"`
	LastModified  time.Time       `json:"last_modified"`
}

func (r *RedisAdapter) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	data, err := r.client.Get(ctx, productKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if string(data) == productTombstone {
		return nil, nil
	}

	var cached cachedProduct
	if err := json.Unmarshal(data, &cached); err != nil {
		// drop undecodable entries instead of failing reads
		r.client.Del(ctx, productKeyPrefix+id)
		return nil, nil
	}
	return &domain.Product{
		ID:            cached.ID,
		Name:          cached.Name,
		Description:   cached.Description,
		Price:         cached.Price,
		StockQuantity: cached.StockQuantity,
		Version:       cached.Version,
		LastModified:  cached.LastModified,
	}, nil
}

func (r *RedisAdapter) SetProduct(ctx context.Context, product domain.Product) error {
	if r.productTTL <= 0 {
		return nil
	}
	data, err := json.Marshal(cachedProduct{
		ID:            product.ID,
		Name:          product.Name,
		Description:   product.Description,
		Price:         product.Price,
		StockQuantity: product.StockQuantity,
		Version:       product.Version,
		LastModified:  product.LastModified,
	})
	if err != nil {
		return err
	}
	// SETNX leaves both live entries and invalidation tombstones in place
	return r.client.SetNX(ctx, productKeyPrefix+product.ID, data, r.productTTL).Err()
}

func (r *RedisAdapter) InvalidateProducts(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	hold := invalidationHold(r.productTTL)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Set(ctx, productKeyPrefix+id, productTombstone, hold)
		}
		return nil
	})
	return err
}
