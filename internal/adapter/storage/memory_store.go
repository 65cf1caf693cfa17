package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rl1809/product-catalog/internal/core/domain"
	"github.com/rl1809/product-catalog/internal/port"
)

var errTxDone = errors.New("transaction already finished")

// MemoryStore is an in-process store. Transactional reads through
// GetProducts lock the returned rows until the transaction ends, writes are
// staged and applied atomically at commit after every staged version has
// been re-validated.
type MemoryStore struct {
	mu       sync.RWMutex
	products map[string]domain.Product
	orders   map[string]domain.Order
	outbox   []domain.OutboxEvent
	now      func() time.Time

	rowMu sync.Mutex
	rows  map[string]chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[string]domain.Product),
		orders:   make(map[string]domain.Order),
		now:      time.Now,
		rows:     make(map[string]chan struct{}),
	}
}

func (m *MemoryStore) rowLock(id string) chan struct{} {
	m.rowMu.Lock()
	defer m.rowMu.Unlock()

	lock, ok := m.rows[id]
	if !ok {
		lock = make(chan struct{}, 1)
		m.rows[id] = lock
	}
	return lock
}

type stagedStock struct {
	stock           int
	expectedVersion int64
}

type memoryTx struct {
	store  *MemoryStore
	stock  map[string]stagedStock
	orders []domain.Order
	events []domain.OutboxEvent
	locked map[string]chan struct{}
	done   bool
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		store:  m,
		stock:  make(map[string]stagedStock),
		locked: make(map[string]chan struct{}),
	}
	// staged writes are simply dropped on error or panic
	defer func() {
		tx.done = true
		tx.unlockRows()
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *MemoryStore) commit(tx *memoryTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, staged := range tx.stock {
		current, ok := m.products[id]
		if !ok || current.Version != staged.expectedVersion {
			return domain.ErrConcurrentModification
		}
	}
	for _, order := range tx.orders {
		if _, exists := m.orders[order.ID]; exists {
			return domain.NewStoreError("commit", fmt.Errorf("duplicate order id %s", order.ID))
		}
		for _, item := range order.Items {
			if _, ok := m.products[item.ProductID]; !ok {
				return domain.NewStoreError("commit", fmt.Errorf("order item references unknown product %s", item.ProductID))
			}
		}
	}

	now := m.now().UTC()
	for id, staged := range tx.stock {
		product := m.products[id]
		product.StockQuantity = staged.stock
		product.Version = staged.expectedVersion + 1
		product.LastModified = now
		m.products[id] = product
	}
	for _, order := range tx.orders {
		m.orders[order.ID] = order
	}
	m.outbox = append(m.outbox, tx.events...)

	return nil
}

func (tx *memoryTx) check(ctx context.Context) error {
	if tx.done {
		return domain.NewStoreError("tx", errTxDone)
	}
	return ctx.Err()
}

// lockRows takes the row locks of the existing products among ids in id
// order, so two transactions over overlapping products cannot deadlock.
func (tx *memoryTx) lockRows(ctx context.Context, ids []string) error {
	tx.store.mu.RLock()
	pending := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, held := tx.locked[id]; held {
			continue
		}
		if _, ok := tx.store.products[id]; ok {
			pending = append(pending, id)
		}
	}
	tx.store.mu.RUnlock()

	slices.Sort(pending)
	for _, id := range slices.Compact(pending) {
		lock := tx.store.rowLock(id)
		select {
		case lock <- struct{}{}:
			tx.locked[id] = lock
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (tx *memoryTx) unlockRows() {
	for id, lock := range tx.locked {
		<-lock
		delete(tx.locked, id)
	}
}

func (tx *memoryTx) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	if err := tx.check(ctx); err != nil {
		return nil, err
	}
	if err := tx.lockRows(ctx, ids); err != nil {
		return nil, err
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		product, ok := tx.store.products[id]
		if !ok {
			continue
		}
		if staged, ok := tx.stock[id]; ok {
			product.StockQuantity = staged.stock
			product.Version = staged.expectedVersion + 1
		}
		result[id] = product
	}
	return result, nil
}

func (tx *memoryTx) UpdateStock(ctx context.Context, productID string, stock int, expectedVersion int64) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	if stock < 0 {
		return domain.NewStoreError("update stock", fmt.Errorf("negative stock %d for product %s", stock, productID))
	}

	tx.store.mu.RLock()
	current, ok := tx.store.products[productID]
	tx.store.mu.RUnlock()
	if !ok {
		return &domain.ProductNotFoundError{ProductID: productID}
	}

	baseVersion := current.Version
	if staged, ok := tx.stock[productID]; ok {
		// a second write in the same transaction builds on the first
		if expectedVersion != staged.expectedVersion+1 {
			return domain.ErrConcurrentModification
		}
		tx.stock[productID] = stagedStock{stock: stock, expectedVersion: staged.expectedVersion}
		return nil
	}
	if baseVersion != expectedVersion {
		return domain.ErrConcurrentModification
	}

	tx.stock[productID] = stagedStock{stock: stock, expectedVersion: expectedVersion}
	return nil
}

func (tx *memoryTx) InsertOrder(ctx context.Context, order domain.Order) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	if len(order.Items) == 0 {
		return domain.ErrEmptyOrder
	}
	tx.orders = append(tx.orders, cloneOrder(order))
	return nil
}

func (tx *memoryTx) InsertOutboxEvent(ctx context.Context, event domain.OutboxEvent) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	event.Payload = slices.Clone(event.Payload)
	tx.events = append(tx.events, event)
	return nil
}

func (m *MemoryStore) ListProducts(ctx context.Context, query domain.ProductQuery) (domain.ProductPage, error) {
	if err := ctx.Err(); err != nil {
		return domain.ProductPage{}, err
	}
	query = query.Normalize()

	m.mu.RLock()
	matched := make([]domain.Product, 0, len(m.products))
	for _, product := range m.products {
		if query.NameFilter == "" || strings.Contains(product.Name, query.NameFilter) {
			matched = append(matched, product)
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(matched, func(a, b domain.Product) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	page := domain.ProductPage{
		Items:      []domain.Product{},
		TotalCount: len(matched),
		PageNumber: query.PageNumber,
		PageSize:   query.PageSize,
	}
	if start := query.Offset(); start < len(matched) {
		end := min(start+query.PageSize, len(matched))
		page.Items = matched[start:end]
	}
	return page, nil
}

func (m *MemoryStore) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return domain.Product{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	product, ok := m.products[id]
	if !ok {
		return domain.Product{}, &domain.ProductNotFoundError{ProductID: id}
	}
	return product, nil
}

func (m *MemoryStore) CreateProduct(ctx context.Context, product domain.Product) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.products[product.ID]; exists {
		return domain.NewStoreError("create product", fmt.Errorf("duplicate product id %s", product.ID))
	}
	m.products[product.ID] = product
	return nil
}

func (m *MemoryStore) UpdateProduct(ctx context.Context, product domain.Product, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.products[product.ID]
	if !ok {
		return &domain.ProductNotFoundError{ProductID: product.ID}
	}
	if current.Version != expectedVersion {
		return domain.ErrConcurrentModification
	}

	current.Name = product.Name
	current.Description = product.Description
	current.Price = product.Price
	current.Version = expectedVersion + 1
	current.LastModified = product.LastModified
	m.products[product.ID] = current
	return nil
}

func (m *MemoryStore) DeleteProduct(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.products[id]; !ok {
		return &domain.ProductNotFoundError{ProductID: id}
	}
	for _, order := range m.orders {
		for _, item := range order.Items {
			if item.ProductID == id {
				return domain.ErrProductInUse
			}
		}
	}
	delete(m.products, id)
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

// CountOrders returns the number of committed orders.
func (m *MemoryStore) CountOrders() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.orders)
}

func (m *MemoryStore) FetchPendingEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending []domain.OutboxEvent
	for _, event := range m.outbox {
		if event.PublishedAt != nil {
			continue
		}
		pending = append(pending, event)
		if len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (m *MemoryStore) MarkEventsPublished(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	for i := range m.outbox {
		if slices.Contains(ids, m.outbox[i].ID) && m.outbox[i].PublishedAt == nil {
			m.outbox[i].PublishedAt = &now
		}
	}
	return nil
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = slices.Clone(order.Items)
	return order
}
