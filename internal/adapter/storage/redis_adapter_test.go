package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestRedisClaim_Success(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Minute)
	key := "test-" + uuid.NewString()
	defer adapter.Release(ctx, key)

	ok, err := adapter.Claim(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected first claim to succeed")
	}

	ok, err = adapter.Claim(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second claim to fail")
	}

	orderID, found, err := adapter.Lookup(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found || orderID != "" {
		t.Errorf("expected pending claim, got found=%v order=%q", found, orderID)
	}
}

func TestRedisComplete_RecordsOrder(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Minute)
	key := "test-" + uuid.NewString()
	defer adapter.Release(ctx, key)

	if _, err := adapter.Claim(ctx, key); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := adapter.Complete(ctx, key, "order-1"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	orderID, found, err := adapter.Lookup(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found || orderID != "order-1" {
		t.Errorf("expected order-1, got found=%v order=%q", found, orderID)
	}

	ttl := client.TTL(ctx, idempotencyKeyPrefix+key).Val()
	if ttl <= 0 || ttl > idempotencyKeyTTL {
		t.Errorf("unexpected ttl %v", ttl)
	}
}

func TestRedisComplete_IgnoresReleasedKey(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Minute)
	key := "test-" + uuid.NewString()

	if _, err := adapter.Claim(ctx, key); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := adapter.Release(ctx, key); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := adapter.Complete(ctx, key, "order-1"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	_, found, err := adapter.Lookup(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Error("released key must not be resurrected")
	}
}

func TestRedisClaim_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Minute)
	key := "test-" + uuid.NewString()
	defer adapter.Release(ctx, key)

	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.Claim(ctx, key)
			if err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("expected exactly 1 winner, got %d", winners.Load())
	}
}

func TestRedisProductCache(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Minute)
	product := newTestProduct(uuid.NewString(), "Cached Widget", 4)
	defer adapter.InvalidateProducts(ctx, product.ID)

	got, err := adapter.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatal("expected cache miss")
	}

	if err := adapter.SetProduct(ctx, product); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, err = adapter.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.Name != product.Name || !got.Price.Equal(product.Price) {
		t.Fatalf("unexpected cached product: %+v", got)
	}

	if err := adapter.InvalidateProducts(ctx, product.ID); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	got, _ = adapter.GetProduct(ctx, product.ID)
	if got != nil {
		t.Error("expected cache miss after invalidation")
	}
}

func TestRedisProductCache_InvalidationHoldsOffStaleFill(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Minute)
	product := newTestProduct(uuid.NewString(), "Held Widget", 4)
	defer client.Del(ctx, productKeyPrefix+product.ID)

	if err := adapter.SetProduct(ctx, product); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := adapter.InvalidateProducts(ctx, product.ID); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	if err := adapter.SetProduct(ctx, product); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	got, err := adapter.GetProduct(ctx, product.ID)
	if err != nil || got != nil {
		t.Fatalf("expected miss while invalidation is held, got %+v, %v", got, err)
	}
	if ttl := client.PTTL(ctx, productKeyPrefix+product.ID).Val(); ttl <= 0 || ttl > productInvalidationHold {
		t.Errorf("tombstone ttl %v outside (0, %v]", ttl, productInvalidationHold)
	}
}

func TestRedisProductCache_DropsCorruptEntry(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Minute)
	id := uuid.NewString()
	client.Set(ctx, productKeyPrefix+id, "not json", time.Minute)

	got, err := adapter.GetProduct(ctx, id)
	if err != nil || got != nil {
		t.Fatalf("expected silent miss, got %+v, %v", got, err)
	}
	if n := client.Exists(ctx, productKeyPrefix+id).Val(); n != 0 {
		t.Error("corrupt entry was not removed")
	}
}
