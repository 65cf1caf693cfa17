package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/rl1809/product-catalog/internal/core/domain"
	"github.com/rl1809/product-catalog/internal/port"
)

// ProductService manages the catalog. Stock is only set on creation; after
// that it is changed exclusively by order placement.
type ProductService struct {
	repo   port.ProductRepository
	cache  port.ProductCache
	group  singleflight.Group
	logger *zap.Logger
	now    func() time.Time
}

func NewProductService(repo port.ProductRepository, cache port.ProductCache, logger *zap.Logger) *ProductService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProductService{
		repo:   repo,
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

func (s *ProductService) ListProducts(ctx context.Context, query domain.ProductQuery) (domain.ProductPage, error) {
	return s.repo.ListProducts(ctx, query.Normalize())
}

func (s *ProductService) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	if s.cache != nil {
		cached, err := s.cache.GetProduct(ctx, id)
		if err != nil {
			s.logger.Warn("product cache read failed", zap.String("product_id", id), zap.Error(err))
		} else if cached != nil {
			return *cached, nil
		}
	}

	// singleflight collapses concurrent cache misses into one store read,
	// detached from the cancellation of whichever caller started it.
	v, err, _ := s.group.Do(id, func() (interface{}, error) {
		ctx := context.WithoutCancel(ctx)
		product, err := s.repo.GetProduct(ctx, id)
		if err != nil {
			return domain.Product{}, err
		}
		if s.cache != nil {
			if err := s.cache.SetProduct(ctx, product); err != nil {
				s.logger.Warn("product cache write failed", zap.String("product_id", id), zap.Error(err))
			}
		}
		return product, nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	return v.(domain.Product), nil
}

func (s *ProductService) CreateProduct(ctx context.Context, input domain.ProductInput) (domain.Product, error) {
	product := domain.Product{
		ID:            uuid.NewString(),
		Name:          input.Name,
		Description:   input.Description,
		Price:         input.Price,
		StockQuantity: input.StockQuantity,
		Version:       1,
		LastModified:  s.now().UTC(),
	}

	if err := s.repo.CreateProduct(ctx, product); err != nil {
		return domain.Product{}, fmt.Errorf("create product: %w", err)
	}

	s.logger.Info("product created",
		zap.String("product_id", product.ID),
		zap.Int("stock", product.StockQuantity),
	)
	return product, nil
}

// UpdateProduct overwrites name, description and price if the product is
// still at expectedVersion.
func (s *ProductService) UpdateProduct(ctx context.Context, id string, input domain.ProductInput, expectedVersion int64) (domain.Product, error) {
	current, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	if current.Version != expectedVersion {
		return domain.Product{}, domain.ErrConcurrentModification
	}

	updated := current
	updated.Name = input.Name
	updated.Description = input.Description
	updated.Price = input.Price
	updated.Version = expectedVersion + 1
	updated.LastModified = s.now().UTC()

	if err := s.repo.UpdateProduct(ctx, updated, expectedVersion); err != nil {
		return domain.Product{}, err
	}
	s.invalidate(ctx, id)

	return updated, nil
}

func (s *ProductService) DeleteProduct(ctx context.Context, id string) error {
	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id)

	s.logger.Info("product deleted", zap.String("product_id", id))
	return nil
}

func (s *ProductService) invalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateProducts(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Warn("product cache invalidation failed", zap.String("product_id", id), zap.Error(err))
	}
}
