package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rl1809/product-catalog/internal/core/domain"
	"github.com/rl1809/product-catalog/internal/port"
)

const productColumns = `id, name, description, price, stock_quantity, version, last_modified`

// SQLStore implements the store ports on database/sql for MySQL and
// PostgreSQL. Stock writes are compare-and-swap on the version column.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin tx", err)
	}
	// no-op after a successful commit; also covers panics in fn
	defer tx.Rollback()

	if err := fn(ctx, &sqlTx{tx: tx, store: s}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return classify("commit", err)
	}
	return nil
}

type sqlTx struct {
	tx    *sql.Tx
	store *SQLStore
}

func (t *sqlTx) rebind(query string) string {
	return t.store.dialect.Rebind(query)
}

func (t *sqlTx) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	products := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return products, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	// rows stay locked, in id order, until the transaction ends
	query := t.rebind(`SELECT ` + productColumns + ` FROM products WHERE id IN (` + placeholders(len(ids)) + `) ORDER BY id FOR UPDATE`)

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("get products", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, classify("scan product", err)
		}
		products[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, classify("get products", err)
	}
	return products, nil
}

func (t *sqlTx) UpdateStock(ctx context.Context, productID string, stock int, expectedVersion int64) error {
	result, err := t.tx.ExecContext(ctx, t.rebind(`
		UPDATE products
		SET stock_quantity = ?, version = version + 1, last_modified = ?
		WHERE id = ? AND version = ?`),
		stock, t.store.now().UTC(), productID, expectedVersion,
	)
	if err != nil {
		return classify("update stock", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return classify("update stock", err)
	}
	if rows == 0 {
		return domain.ErrConcurrentModification
	}
	return nil
}

func (t *sqlTx) InsertOrder(ctx context.Context, order domain.Order) error {
	if len(order.Items) == 0 {
		return domain.ErrEmptyOrder
	}

	if _, err := t.tx.ExecContext(ctx, t.rebind(`INSERT INTO orders (id, created_at) VALUES (?, ?)`),
		order.ID, order.CreatedAt.UTC(),
	); err != nil {
		return classify("insert order", err)
	}

	values := make([]string, 0, len(order.Items))
	args := make([]any, 0, len(order.Items)*7)
	for i, item := range order.Items {
		values = append(values, "(?, ?, ?, ?, ?, ?, ?)")
		args = append(args, item.ID, order.ID, i, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice)
	}
	query := `INSERT INTO order_items (id, order_id, line_no, product_id, product_name, quantity, unit_price) VALUES ` +
		strings.Join(values, ", ")

	if _, err := t.tx.ExecContext(ctx, t.rebind(query), args...); err != nil {
		return classify("insert order items", err)
	}
	return nil
}

func (t *sqlTx) InsertOutboxEvent(ctx context.Context, event domain.OutboxEvent) error {
	_, err := t.tx.ExecContext(ctx, t.rebind(`
		INSERT INTO outbox_events (id, aggregate_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		event.ID, event.AggregateID, event.EventType, string(event.Payload), event.CreatedAt.UTC(),
	)
	return classify("insert outbox event", err)
}

func (s *SQLStore) ListProducts(ctx context.Context, query domain.ProductQuery) (domain.ProductPage, error) {
	query = query.Normalize()
	page := domain.ProductPage{
		Items:      []domain.Product{},
		PageNumber: query.PageNumber,
		PageSize:   query.PageSize,
	}

	where := ""
	var args []any
	if query.NameFilter != "" {
		where = s.dialect.nameFilter()
		args = append(args, "%"+escapeLike(query.NameFilter)+"%")
	}

	if err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT COUNT(*) FROM products`+where), args...).
		Scan(&page.TotalCount); err != nil {
		return domain.ProductPage{}, classify("count products", err)
	}

	rows, err := s.db.QueryContext(ctx,
		s.dialect.Rebind(`SELECT `+productColumns+` FROM products`+where+` ORDER BY name, id LIMIT ? OFFSET ?`),
		append(args, query.PageSize, query.Offset())...,
	)
	if err != nil {
		return domain.ProductPage{}, classify("list products", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return domain.ProductPage{}, classify("scan product", err)
		}
		page.Items = append(page.Items, p)
	}
	if err := rows.Err(); err != nil {
		return domain.ProductPage{}, classify("list products", err)
	}
	return page, nil
}

func (s *SQLStore) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+productColumns+` FROM products WHERE id = ?`), id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, &domain.ProductNotFoundError{ProductID: id}
	}
	if err != nil {
		return domain.Product{}, classify("get product", err)
	}
	return p, nil
}

func (s *SQLStore) CreateProduct(ctx context.Context, p domain.Product) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO products (`+productColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.Name, p.Description, p.Price, p.StockQuantity, p.Version, p.LastModified.UTC(),
	)
	if isDuplicateError(err) {
		return domain.NewStoreError("create product", fmt.Errorf("duplicate product id %s", p.ID))
	}
	return classify("create product", err)
}

func (s *SQLStore) UpdateProduct(ctx context.Context, p domain.Product, expectedVersion int64) error {
	result, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE products
		SET name = ?, description = ?, price = ?, version = version + 1, last_modified = ?
		WHERE id = ? AND version = ?`),
		p.Name, p.Description, p.Price, p.LastModified.UTC(), p.ID, expectedVersion,
	)
	if err != nil {
		return classify("update product", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return classify("update product", err)
	}
	if rows == 0 {
		if _, err := s.GetProduct(ctx, p.ID); err != nil {
			return err
		}
		return domain.ErrConcurrentModification
	}
	return nil
}

func (s *SQLStore) DeleteProduct(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM products WHERE id = ?`), id)
	if isReferencedError(err) {
		return domain.ErrProductInUse
	}
	if err != nil {
		return classify("delete product", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return classify("delete product", err)
	}
	if rows == 0 {
		return &domain.ProductNotFoundError{ProductID: id}
	}
	return nil
}

func (s *SQLStore) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	var order domain.Order
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT id, created_at FROM orders WHERE id = ?`), id).
		Scan(&order.ID, &order.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, classify("get order", err)
	}
	order.CreatedAt = order.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT id, order_id, product_id, product_name, quantity, unit_price
		FROM order_items WHERE order_id = ? ORDER BY line_no`), id)
	if err != nil {
		return domain.Order{}, classify("get order items", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice); err != nil {
			return domain.Order{}, classify("scan order item", err)
		}
		order.Items = append(order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return domain.Order{}, classify("get order items", err)
	}
	return order, nil
}

func (s *SQLStore) FetchPendingEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT id, aggregate_id, event_type, payload, created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY created_at, id
		LIMIT ?`), limit)
	if err != nil {
		return nil, classify("fetch outbox events", err)
	}
	defer rows.Close()

	var events []domain.OutboxEvent
	for rows.Next() {
		var (
			event   domain.OutboxEvent
			payload string
		)
		if err := rows.Scan(&event.ID, &event.AggregateID, &event.EventType, &payload, &event.CreatedAt); err != nil {
			return nil, classify("scan outbox event", err)
		}
		event.Payload = []byte(payload)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("fetch outbox events", err)
	}
	return events, nil
}

func (s *SQLStore) MarkEventsPublished(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, s.now().UTC())
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE outbox_events SET published_at = ?
		WHERE published_at IS NULL AND id IN (`+placeholders(len(ids))+`)`), args...)
	return classify("mark outbox events", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.StockQuantity, &p.Version, &p.LastModified)
	if err != nil {
		return domain.Product{}, err
	}
	p.LastModified = p.LastModified.UTC()
	return p, nil
}
