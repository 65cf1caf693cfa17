package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID            string
	Name          string
	Description   string
	Price         decimal.Decimal
	StockQuantity int
	Version       int64 // optimistic locking
	LastModified  time.Time
}

// ProductInput carries the editable fields of a product.
type ProductInput struct {
	Name          string
	Description   string
	Price         decimal.Decimal
	StockQuantity int
}

type ProductQuery struct {
	PageNumber int
	PageSize   int
	NameFilter string
}

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Normalize applies paging defaults and bounds.
func (q ProductQuery) Normalize() ProductQuery {
	if q.PageNumber < 1 {
		q.PageNumber = 1
	}
	if q.PageSize < 1 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	return q
}

func (q ProductQuery) Offset() int {
	return (q.PageNumber - 1) * q.PageSize
}

type ProductPage struct {
	Items      []Product
	TotalCount int
	PageNumber int
	PageSize   int
}

func (p ProductPage) TotalPages() int {
	if p.PageSize <= 0 {
		return 0
	}
	return (p.TotalCount + p.PageSize - 1) / p.PageSize
}
