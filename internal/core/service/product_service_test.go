package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/product-catalog/internal/adapter/storage"
	"github.com/rl1809/product-catalog/internal/core/domain"
	"github.com/rl1809/product-catalog/internal/port"
)

// countingRepo counts GetProduct calls that reach the store.
type countingRepo struct {
	port.ProductRepository
	gets  atomic.Int32
	delay time.Duration
}

func (r *countingRepo) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	r.gets.Add(1)
	time.Sleep(r.delay)
	return r.ProductRepository.GetProduct(ctx, id)
}

func TestProductService_CreateAndGet(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewProductService(store, nil, nil)

	created, err := svc.CreateProduct(context.Background(), domain.ProductInput{
		Name:          "Laptop",
		Description:   "14 inch",
		Price:         decimal.RequireFromString("1299.00"),
		StockQuantity: 7,
	})
	require.NoError(t, err)

	_, err = uuid.Parse(created.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)
	assert.False(t, created.LastModified.IsZero())

	got, err := svc.GetProduct(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)
}

func TestProductService_GetNotFound(t *testing.T) {
	svc := NewProductService(storage.NewMemoryStore(), storage.NewMemoryCache(time.Minute), nil)

	_, err := svc.GetProduct(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrProductNotFound)
}

func TestProductService_GetUsesCache(t *testing.T) {
	store := storage.NewMemoryStore()
	product := seedProduct(t, store, "Cached", "3.00", 1)
	repo := &countingRepo{ProductRepository: store}
	svc := NewProductService(repo, storage.NewMemoryCache(time.Minute), nil)

	for i := 0; i < 3; i++ {
		_, err := svc.GetProduct(context.Background(), product.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), repo.gets.Load())
}

func TestProductService_ConcurrentMissesCollapse(t *testing.T) {
	store := storage.NewMemoryStore()
	product := seedProduct(t, store, "Hot", "3.00", 1)
	repo := &countingRepo{ProductRepository: store, delay: 20 * time.Millisecond}
	svc := NewProductService(repo, storage.NewMemoryCache(time.Minute), nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.GetProduct(context.Background(), product.ID); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Less(t, repo.gets.Load(), int32(10))
}

func TestProductService_CancelledFirstCallerDoesNotFailWaiters(t *testing.T) {
	store := storage.NewMemoryStore()
	product := seedProduct(t, store, "Shared", "3.00", 1)
	repo := &countingRepo{ProductRepository: store, delay: 50 * time.Millisecond}
	svc := NewProductService(repo, storage.NewMemoryCache(time.Minute), nil)

	firstCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.GetProduct(firstCtx, product.ID)
	require.Eventually(t, func() bool { return repo.gets.Load() == 1 }, time.Second, time.Millisecond)

	waiterDone := make(chan error, 1)
	go func() {
		_, err := svc.GetProduct(context.Background(), product.ID)
		waiterDone <- err
	}()
	cancel()

	require.NoError(t, <-waiterDone)
	assert.Equal(t, int32(1), repo.gets.Load())
}

func TestProductService_UpdateProduct(t *testing.T) {
	store := storage.NewMemoryStore()
	cache := storage.NewMemoryCache(time.Minute)
	svc := NewProductService(store, cache, nil)
	product := seedProduct(t, store, "Old Name", "10.00", 4)

	// warm the cache so the update has something to invalidate
	_, err := svc.GetProduct(context.Background(), product.ID)
	require.NoError(t, err)

	updated, err := svc.UpdateProduct(context.Background(), product.ID, domain.ProductInput{
		Name:        "New Name",
		Description: "updated",
		Price:       decimal.RequireFromString("12.50"),
	}, product.Version)
	require.NoError(t, err)
	assert.Equal(t, "New Name", updated.Name)
	assert.Equal(t, product.Version+1, updated.Version)
	assert.Equal(t, 4, updated.StockQuantity)

	got, err := svc.GetProduct(context.Background(), product.ID)
	require.NoError(t, err)
	assert.Equal(t, "New Name", got.Name)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("12.50")))
	assert.Equal(t, 4, got.StockQuantity)
}

func TestProductService_UpdateStaleVersion(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewProductService(store, nil, nil)
	product := seedProduct(t, store, "Versioned", "10.00", 4)

	_, err := svc.UpdateProduct(context.Background(), product.ID, domain.ProductInput{
		Name:  "Stale",
		Price: decimal.RequireFromString("11.00"),
	}, product.Version+5)
	require.ErrorIs(t, err, domain.ErrConcurrentModification)

	got, err := store.GetProduct(context.Background(), product.ID)
	require.NoError(t, err)
	assert.Equal(t, "Versioned", got.Name)
}

func TestProductService_UpdateAfterOrderNeedsFreshVersion(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewProductService(store, nil, nil)
	orders := newTestOrderService(store)
	product := seedProduct(t, store, "Busy", "10.00", 4)

	_, err := orders.CreateOrder(context.Background(), orderOf(domain.OrderLine{ProductID: product.ID, Quantity: 1}))
	require.NoError(t, err)

	_, err = svc.UpdateProduct(context.Background(), product.ID, domain.ProductInput{
		Name:  "Busy",
		Price: decimal.RequireFromString("9.00"),
	}, product.Version)
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)
}

func TestProductService_Delete(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewProductService(store, storage.NewMemoryCache(time.Minute), nil)
	product := seedProduct(t, store, "Disposable", "1.00", 1)

	require.NoError(t, svc.DeleteProduct(context.Background(), product.ID))

	_, err := svc.GetProduct(context.Background(), product.ID)
	assert.ErrorIs(t, err, domain.ErrProductNotFound)

	err = svc.DeleteProduct(context.Background(), product.ID)
	assert.ErrorIs(t, err, domain.ErrProductNotFound)
}

func TestProductService_DeleteReferencedProduct(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewProductService(store, nil, nil)
	orders := newTestOrderService(store)
	product := seedProduct(t, store, "Ordered", "1.00", 2)

	_, err := orders.CreateOrder(context.Background(), orderOf(domain.OrderLine{ProductID: product.ID, Quantity: 1}))
	require.NoError(t, err)

	err = svc.DeleteProduct(context.Background(), product.ID)
	assert.ErrorIs(t, err, domain.ErrProductInUse)
}

func TestProductService_ListProducts(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewProductService(store, nil, nil)
	for _, name := range []string{"Laptop Pro", "Laptop Air", "Mouse", "Keyboard", "Laptop Stand"} {
		seedProduct(t, store, name, "1.00", 1)
	}

	page, err := svc.ListProducts(context.Background(), domain.ProductQuery{NameFilter: "Laptop", PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.TotalCount)
	assert.Equal(t, 2, page.TotalPages())
	require.Len(t, page.Items, 2)
	assert.Equal(t, "Laptop Air", page.Items[0].Name)
	assert.Equal(t, "Laptop Pro", page.Items[1].Name)

	page, err = svc.ListProducts(context.Background(), domain.ProductQuery{NameFilter: "Laptop", PageNumber: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Laptop Stand", page.Items[0].Name)

	page, err = svc.ListProducts(context.Background(), domain.ProductQuery{})
	require.NoError(t, err)
	assert.Equal(t, 5, page.TotalCount)
	assert.Equal(t, 1, page.PageNumber)
	assert.Equal(t, domain.DefaultPageSize, page.PageSize)
}
