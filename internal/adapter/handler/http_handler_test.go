package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/product-catalog/internal/adapter/storage"
	"github.com/rl1809/product-catalog/internal/core/domain"
	"github.com/rl1809/product-catalog/internal/core/service"
)

type testAPI struct {
	store  *storage.MemoryStore
	router http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := storage.NewMemoryStore()
	cache := storage.NewMemoryCache(time.Minute)
	orders := service.NewOrderService(store, store,
		service.WithIdempotencyStore(cache),
		service.WithOrderCache(cache),
		service.WithRetryPolicy(service.RetryPolicy{MaxAttempts: 50, BaseBackoff: 100 * time.Microsecond, MaxBackoff: 2 * time.Millisecond}),
	)
	products := service.NewProductService(store, cache, nil)
	return &testAPI{store: store, router: NewHTTPHandler(orders, products, nil).Router()}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) createProduct(t *testing.T, name, price string, stock int) ProductResponse {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/products", map[string]interface{}{
		"name":           name,
		"description":    "test product",
		"price":          price,
		"stock_quantity": stock,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp ProductResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealthCheck(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestCreateProduct(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/products", `{"name":"Desk","price":120.5,"stock_quantity":3}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp ProductResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "/api/products/"+resp.ID, rec.Header().Get("Location"))
	assert.Equal(t, "Desk", resp.Name)
	assert.True(t, resp.Price.Equal(decimal.RequireFromString("120.5")))
	assert.Equal(t, int64(1), resp.Version)
}

func TestCreateProduct_Validation(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed json", `{"name":`, "invalid_request"},
		{"unknown field", `{"name":"A","price":1,"stock_quantity":1,"color":"red"}`, "invalid_request"},
		{"missing name", `{"price":1,"stock_quantity":1}`, "validation_failed"},
		{"zero price", `{"name":"A","price":0,"stock_quantity":1}`, "validation_failed"},
		{"negative stock", `{"name":"A","price":1,"stock_quantity":-1}`, "validation_failed"},
		{"long name", `{"name":"` + strings.Repeat("x", 201) + `","price":1,"stock_quantity":1}`, "validation_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/api/products", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Error)
		})
	}
}

func TestGetProduct(t *testing.T) {
	api := newTestAPI(t)
	created := api.createProduct(t, "Lamp", "15.00", 4)

	rec := api.do(t, http.MethodGet, "/api/products/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/products/"+strings.ToUpper(created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got ProductResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.ID, got.ID)

	rec = api.do(t, http.MethodGet, "/api/products/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "product_not_found", decodeError(t, rec).Error)

	rec = api.do(t, http.MethodGet, "/api/products/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_id", decodeError(t, rec).Error)
}

func TestListProducts(t *testing.T) {
	api := newTestAPI(t)
	for _, name := range []string{"Chair", "Armchair", "Table"} {
		api.createProduct(t, name, "10.00", 1)
	}

	rec := api.do(t, http.MethodGet, "/api/products?page_size=2&page_number=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page ProductPageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 3, page.TotalCount)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "Armchair", page.Items[0].Name)

	rec = api.do(t, http.MethodGet, "/api/products?name_filter=hair", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.TotalCount)

	rec = api.do(t, http.MethodGet, "/api/products?page_size=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_query", decodeError(t, rec).Error)
}

func TestUpdateProduct(t *testing.T) {
	api := newTestAPI(t)
	created := api.createProduct(t, "Shelf", "30.00", 2)

	body := map[string]interface{}{"name": "Tall Shelf", "price": "35.00", "version": created.Version}
	rec := api.do(t, http.MethodPut, "/api/products/"+created.ID, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var updated ProductResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "Tall Shelf", updated.Name)
	assert.Equal(t, created.Version+1, updated.Version)
	assert.Equal(t, 2, updated.StockQuantity)

	// replaying the old version is rejected
	rec = api.do(t, http.MethodPut, "/api/products/"+created.ID, body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "concurrent_modification", decodeError(t, rec).Error)
}

func TestDeleteProduct(t *testing.T) {
	api := newTestAPI(t)
	created := api.createProduct(t, "Stool", "5.00", 2)

	rec := api.do(t, http.MethodDelete, "/api/products/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(t, http.MethodDelete, "/api/products/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteProduct_InUse(t *testing.T) {
	api := newTestAPI(t)
	created := api.createProduct(t, "Rug", "40.00", 2)

	rec := api.do(t, http.MethodPost, "/api/orders", orderBody(created.ID, 1))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, http.MethodDelete, "/api/products/"+created.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "product_in_use", decodeError(t, rec).Error)
}

func manyLines(productID string, n int) map[string]interface{} {
	lines := make([]interface{}, 0, 2*n)
	for i := 0; i < n; i++ {
		lines = append(lines, productID, 1)
	}
	return orderBody(lines...)
}

func orderBody(lines ...interface{}) map[string]interface{} {
	items := make([]map[string]interface{}, 0, len(lines)/2)
	for i := 0; i+1 < len(lines); i += 2 {
		items = append(items, map[string]interface{}{"product_id": lines[i], "quantity": lines[i+1]})
	}
	return map[string]interface{}{"items": items}
}

func TestCreateOrder(t *testing.T) {
	api := newTestAPI(t)
	desk := api.createProduct(t, "Desk", "50.00", 5)
	lamp := api.createProduct(t, "Lamp", "12.50", 5)

	rec := api.do(t, http.MethodPost, "/api/orders", orderBody(desk.ID, 2, lamp.ID, 1))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var order OrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	assert.Equal(t, "/api/orders/"+order.ID, rec.Header().Get("Location"))
	require.Len(t, order.Items, 2)
	assert.Equal(t, "Desk", order.Items[0].ProductName)
	assert.True(t, order.Items[0].Subtotal.Equal(decimal.NewFromInt(100)))
	assert.True(t, order.Total.Equal(decimal.RequireFromString("112.50")))

	rec = api.do(t, http.MethodGet, "/api/orders/"+order.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/products/"+desk.ID, nil)
	var product ProductResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &product))
	assert.Equal(t, 3, product.StockQuantity)
}

func TestCreateOrder_Errors(t *testing.T) {
	api := newTestAPI(t)
	desk := api.createProduct(t, "Desk", "50.00", 5)

	tests := []struct {
		name   string
		body   interface{}
		status int
		code   string
	}{
		{"empty order", orderBody(), http.StatusBadRequest, "empty_order"},
		{"zero quantity", orderBody(desk.ID, 0), http.StatusBadRequest, "validation_failed"},
		{"bad product id", orderBody("desk", 1), http.StatusBadRequest, "validation_failed"},
		{"unknown product", orderBody(desk.ID, 1, uuid.NewString(), 1), http.StatusBadRequest, "product_not_found"},
		{"insufficient stock", orderBody(desk.ID, 6), http.StatusBadRequest, "insufficient_stock"},
		{"combined lines exceed stock", orderBody(desk.ID, 3, desk.ID, 3), http.StatusBadRequest, "insufficient_stock"},
		{"too many lines", manyLines(desk.ID, domain.MaxOrderLines+1), http.StatusBadRequest, "too_many_order_lines"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/api/orders", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeError(t, rec).Error)
		})
	}

	assert.Equal(t, 0, api.store.CountOrders())
}

func TestCreateOrder_IdempotencyKey(t *testing.T) {
	api := newTestAPI(t)
	desk := api.createProduct(t, "Desk", "50.00", 5)
	key := uuid.NewString()

	first := api.do(t, http.MethodPost, "/api/orders", orderBody(desk.ID, 1), idempotencyKeyHeader, key)
	require.Equal(t, http.StatusCreated, first.Code)
	second := api.do(t, http.MethodPost, "/api/orders", orderBody(desk.ID, 1), idempotencyKeyHeader, key)
	require.Equal(t, http.StatusCreated, second.Code)

	var a, b OrderResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 1, api.store.CountOrders())

	rec := api.do(t, http.MethodPost, "/api/orders", orderBody(desk.ID, 1), idempotencyKeyHeader, strings.Repeat("k", maxIdempotencyKeyLen+1))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_idempotency_key", decodeError(t, rec).Error)
}

func TestCreateOrder_ConcurrentNoOversell(t *testing.T) {
	api := newTestAPI(t)
	desk := api.createProduct(t, "Desk", "50.00", 10)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = make(map[int]int)
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := api.do(t, http.MethodPost, "/api/orders", orderBody(desk.ID, 1))
			mu.Lock()
			statuses[rec.Code]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, statuses[http.StatusCreated])
	assert.Equal(t, 10, statuses[http.StatusBadRequest])
	assert.Equal(t, 10, api.store.CountOrders())
}

func TestGetOrder_NotFound(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/orders/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "order_not_found", decodeError(t, rec).Error)
}
