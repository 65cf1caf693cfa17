package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/product-catalog/internal/adapter/handler"
	"github.com/rl1809/product-catalog/internal/adapter/messaging"
	"github.com/rl1809/product-catalog/internal/adapter/storage"
	"github.com/rl1809/product-catalog/internal/config"
	"github.com/rl1809/product-catalog/internal/core/service"
	"github.com/rl1809/product-catalog/internal/observability"
	"github.com/rl1809/product-catalog/internal/port"
)

// catalogStore is what the services need from a backing store.
type catalogStore interface {
	port.Store
	port.ProductRepository
	port.OrderRepository
	port.OutboxRepository
}

type catalogCache interface {
	port.IdempotencyStore
	port.ProductCache
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}

	// Initialize store
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Initialize cache
	cache, closeCache, err := openCache(ctx, cfg, logger)
	if err != nil {
		closeStore()
		return err
	}

	// Initialize event publisher
	var publisher port.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = messaging.NewKafkaPublisher(messaging.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), logger)
		logger.Info("publishing events to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	} else {
		publisher = messaging.NewLogPublisher(logger.Named("events"))
		logger.Info("no kafka brokers configured, logging events")
	}

	// Initialize services
	orderService := service.NewOrderService(store, store,
		service.WithIdempotencyStore(cache),
		service.WithOrderCache(cache),
		service.WithRetryPolicy(service.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseBackoff: cfg.RetryBaseBackoff,
			MaxBackoff:  cfg.RetryMaxBackoff,
		}),
		service.WithOrderLogger(logger.Named("orders")),
	)
	productService := service.NewProductService(store, cache, logger.Named("products"))
	relay := service.NewOutboxRelay(store, publisher, logger.Named("outbox"), cfg.OutboxPollInterval, cfg.OutboxBatchSize)

	// Start outbox relay
	relayCtx, stopRelay := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		relay.Run(relayCtx)
	}()

	// Start gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(handler.LoggingInterceptor(logger.Named("grpc"))))
	handler.RegisterOrderServiceServer(grpcServer, handler.NewGRPCHandler(orderService))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		stopRelay()
		wg.Wait()
		closeCache()
		closeStore()
		return fmt.Errorf("listen grpc: %w", err)
	}

	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// Start HTTP server
	httpHandler := handler.NewHTTPHandler(orderService, productService, logger.Named("http"))
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpHandler.Router(),
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	// flush what committed orders left in the outbox before stopping
	stopRelay()
	wg.Wait()
	if _, err := relay.PublishPending(shutdownCtx); err != nil {
		logger.Warn("final outbox flush failed", zap.Error(err))
	}
	if err := publisher.Close(); err != nil {
		logger.Warn("failed to close publisher", zap.Error(err))
	}
	logger.Info("outbox relay stopped")

	closeCache()
	closeStore()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
	logger.Info("connections closed")

	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (catalogStore, func(), error) {
	if cfg.StoreDriver == config.StoreMemory {
		logger.Warn("using in-memory store, data is lost on restart")
		return storage.NewMemoryStore(), func() {}, nil
	}

	dialect := storage.Dialect(cfg.StoreDriver)
	db, err := storage.OpenDB(ctx, dialect, cfg.DatabaseDSN, storage.PoolOptions{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("connected to database", zap.String("driver", cfg.StoreDriver))

	store := storage.NewSQLStore(db, dialect)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}

	return store, func() { db.Close() }, nil
}

func openCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (catalogCache, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Info("no redis configured, using in-memory cache")
		return storage.NewMemoryCache(cfg.CacheTTL), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect redis: %w", err)
	}
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	return storage.NewRedisAdapter(rdb, cfg.CacheTTL), func() { rdb.Close() }, nil
}
