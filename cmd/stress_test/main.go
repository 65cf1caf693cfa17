package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/product-catalog/internal/adapter/storage"
	"github.com/rl1809/product-catalog/internal/config"
	"github.com/rl1809/product-catalog/internal/core/domain"
	"github.com/rl1809/product-catalog/internal/core/service"
	"github.com/rl1809/product-catalog/internal/port"
)

const (
	initialStock  = 20
	totalRequests = 50
	quantity      = 1
)

type stressStore interface {
	port.Store
	port.ProductRepository
	port.OrderRepository
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	store, cleanup := openStore(ctx, cfg)
	defer cleanup()

	products := service.NewProductService(store, nil, nil)
	product, err := products.CreateProduct(ctx, domain.ProductInput{
		Name:          fmt.Sprintf("stress-item-%d", time.Now().UnixNano()),
		Price:         decimal.NewFromInt(10),
		StockQuantity: initialStock,
	})
	if err != nil {
		log.Fatalf("failed to create product: %v", err)
	}

	// Enough attempts that conflicts never surface: every conflict implies
	// another order committed, and at most initialStock orders can commit.
	orders := service.NewOrderService(store, store, service.WithRetryPolicy(service.RetryPolicy{
		MaxAttempts: totalRequests + 1,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
	}))

	// Counters
	var successCount, soldOutCount, otherCount atomic.Int32

	// Spawn concurrent requests
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := orders.CreateOrder(ctx, service.CreateOrderRequest{
				Lines: []domain.OrderLine{{ProductID: product.ID, Quantity: quantity}},
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				soldOutCount.Add(1)
			default:
				otherCount.Add(1)
				log.Printf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Results
	success := successCount.Load()
	soldOut := soldOutCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Store:            %s\n", cfg.StoreDriver)
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Sold Out:         %d\n", soldOut)
	fmt.Printf("Other Errors:     %d\n", otherCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	// Assertions
	expectedSuccess := int32(initialStock / quantity)
	if success == expectedSuccess && soldOut == int32(totalRequests)-expectedSuccess {
		fmt.Printf("PASS: Exactly %d orders succeeded, %d sold out\n", success, soldOut)
	} else {
		fmt.Printf("FAIL: Expected %d success/%d sold out, got %d/%d\n",
			expectedSuccess, int32(totalRequests)-expectedSuccess, success, soldOut)
	}

	final, err := store.GetProduct(ctx, product.ID)
	if err != nil {
		log.Fatalf("failed to read final stock: %v", err)
	}
	fmt.Printf("Final Stock:      %d\n", final.StockQuantity)

	if final.StockQuantity == initialStock-int(success)*quantity && final.StockQuantity >= 0 {
		fmt.Println("PASS: No overselling")
	} else {
		fmt.Printf("FAIL: Stock %d does not match %d sold units\n", final.StockQuantity, int(success)*quantity)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (stressStore, func()) {
	if cfg.StoreDriver == config.StoreMemory {
		return storage.NewMemoryStore(), func() {}
	}

	dialect := storage.Dialect(cfg.StoreDriver)
	db, err := storage.OpenDB(ctx, dialect, cfg.DatabaseDSN, storage.PoolOptions{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatalf("failed to connect %s: %v", cfg.StoreDriver, err)
	}

	store := storage.NewSQLStore(db, dialect)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		log.Fatalf("failed to migrate: %v", err)
	}
	return store, func() { db.Close() }
}
