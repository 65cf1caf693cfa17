package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rl1809/product-catalog/internal/core/domain"
)

type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

// DriverName returns the database/sql driver registered for the dialect.
func (d Dialect) DriverName() (string, error) {
	switch d {
	case DialectMySQL:
		return "mysql", nil
	case DialectPostgres:
		return "pgx", nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", d)
	}
}

// Rebind rewrites ? placeholders into the dialect's bind syntax.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// nameFilter returns the WHERE clause of a case-sensitive substring match on
// product names. MySQL's default collation compares case-insensitively.
func (d Dialect) nameFilter() string {
	if d == DialectMySQL {
		return ` WHERE name LIKE ? COLLATE utf8mb4_bin`
	}
	return ` WHERE name LIKE ?`
}

// escapeLike escapes LIKE wildcards; both dialects use backslash as the
// default escape character.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

const (
	mysqlErrDuplicateEntry   = 1062
	mysqlErrLockWaitTimeout  = 1205
	mysqlErrDeadlock         = 1213
	mysqlErrRowIsReferenced  = 1451
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrSerialization       = "40001"
	pgErrDeadlock            = "40P01"
	pgErrLockNotAvailable    = "55P03"
)

func isConflictError(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlErrDeadlock || myErr.Number == mysqlErrLockWaitTimeout
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrSerialization || pgErr.Code == pgErrDeadlock || pgErr.Code == pgErrLockNotAvailable
	}
	return false
}

func isReferencedError(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlErrRowIsReferenced
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrForeignKeyViolation
	}
	return false
}

func isDuplicateError(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlErrDuplicateEntry
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}

// classify maps a driver error into the domain error kinds. Lock conflicts
// become domain.ErrConcurrentModification, context errors pass through and
// everything else is a store fault.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case isConflictError(err):
		return fmt.Errorf("%s: %w: %v", op, domain.ErrConcurrentModification, err)
	default:
		return domain.NewStoreError(op, err)
	}
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id CHAR(36) NOT NULL PRIMARY KEY,
		name VARCHAR(200) NOT NULL,
		description VARCHAR(1000) NOT NULL DEFAULT '',
		price DECIMAL(18,2) NOT NULL,
		stock_quantity INT NOT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		last_modified DATETIME(6) NOT NULL,
		CONSTRAINT chk_products_stock CHECK (stock_quantity >= 0),
		INDEX idx_products_name (name)
	) DEFAULT CHARSET = utf8mb4`,
	`CREATE TABLE IF NOT EXISTS orders (
		id CHAR(36) NOT NULL PRIMARY KEY,
		created_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id CHAR(36) NOT NULL PRIMARY KEY,
		order_id CHAR(36) NOT NULL,
		line_no INT NOT NULL,
		product_id CHAR(36) NOT NULL,
		product_name VARCHAR(200) NOT NULL,
		quantity INT NOT NULL,
		unit_price DECIMAL(18,2) NOT NULL,
		CONSTRAINT fk_order_items_order FOREIGN KEY (order_id) REFERENCES orders (id),
		CONSTRAINT fk_order_items_product FOREIGN KEY (product_id) REFERENCES products (id),
		CONSTRAINT chk_order_items_quantity CHECK (quantity > 0),
		UNIQUE KEY uq_order_items_line (order_id, line_no)
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id CHAR(36) NOT NULL PRIMARY KEY,
		aggregate_id CHAR(36) NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		published_at DATETIME(6) NULL,
		INDEX idx_outbox_pending (published_at, created_at)
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id UUID PRIMARY KEY,
		name VARCHAR(200) NOT NULL,
		description VARCHAR(1000) NOT NULL DEFAULT '',
		price NUMERIC(18,2) NOT NULL,
		stock_quantity INTEGER NOT NULL CHECK (stock_quantity >= 0),
		version BIGINT NOT NULL DEFAULT 1,
		last_modified TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_products_name ON products (name)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id UUID PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id UUID PRIMARY KEY,
		order_id UUID NOT NULL REFERENCES orders (id),
		line_no INTEGER NOT NULL,
		product_id UUID NOT NULL REFERENCES products (id),
		product_name VARCHAR(200) NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		unit_price NUMERIC(18,2) NOT NULL,
		UNIQUE (order_id, line_no)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_order_items_product ON order_items (product_id)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id UUID PRIMARY KEY,
		aggregate_id UUID NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		published_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events (published_at, created_at)`,
}

func (d Dialect) schema() []string {
	if d == DialectPostgres {
		return postgresSchema
	}
	return mysqlSchema
}
