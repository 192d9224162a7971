package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drluca/shopflow/internal/events"
)

type apiFixture struct {
	store  *MemoryStore
	bus    *stubBus
	router http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := NewMemoryStore()
	bus := newStubBus()
	api := NewAPI(store, bus, nil)
	return &apiFixture{store: store, bus: bus, router: api.Router()}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestAPICreateProduct(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/products", map[string]any{
		"name":        "Walnut Desk",
		"description": "solid walnut, 140cm",
		"price":       419.00,
		"category":    "furniture",
		"stock":       12,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var p Product
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "Walnut Desk", p.Name)

	stored, err := f.store.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, stored.Stock)

	created := f.bus.ofType(events.TypeProductCreated)
	require.Len(t, created, 1)
	var payload events.ProductCreated
	require.NoError(t, json.Unmarshal(created[0].Data, &payload))
	assert.Equal(t, p.ID, payload.ProductID)
	assert.Equal(t, "Walnut Desk", payload.Product.Name)
}

func TestAPICreateProductMissingFields(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/products", map[string]any{
		"name":  "Nameless",
		"price": 10.0,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Error         string   `json:"error"`
		MissingFields []string `json:"missing_fields"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.ElementsMatch(t, []string{"description", "category", "stock"}, resp.MissingFields)
	assert.Empty(t, f.bus.envs, "rejected create must not publish")
}

func TestAPIGetProduct(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.store.Create(context.Background(), testProduct("prod-get", 9.99, 3)))

	rec := f.do(t, http.MethodGet, "/products/prod-get", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/products/prod-nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIListProductsByCategory(t *testing.T) {
	f := newAPIFixture(t)
	book := testProduct("prod-book", 15, 4)
	book.Category = "books"
	require.NoError(t, f.store.Create(context.Background(), testProduct("prod-tv", 900, 2)))
	require.NoError(t, f.store.Create(context.Background(), book))

	rec := f.do(t, http.MethodGet, "/products?category=books", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Products []Product `json:"products"`
		Count    int       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "prod-book", resp.Products[0].ID)
}

func TestAPIUpdateProductTracksChanges(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.store.Create(context.Background(), testProduct("prod-upd", 30, 8)))

	rec := f.do(t, http.MethodPut, "/products/prod-upd", map[string]any{
		"price": 27.5,
		"name":  "Product prod-upd", // unchanged on purpose
	})
	require.Equal(t, http.StatusOK, rec.Code)

	updated := f.bus.ofType(events.TypeProductUpdated)
	require.Len(t, updated, 1)
	var payload events.ProductUpdated
	require.NoError(t, json.Unmarshal(updated[0].Data, &payload))
	require.Contains(t, payload.Changes, "price")
	assert.NotContains(t, payload.Changes, "name", "unchanged fields are not reported")
	assert.InDelta(t, 30.0, payload.Changes["price"].Old.(float64), 0.001)
	assert.InDelta(t, 27.5, payload.Changes["price"].New.(float64), 0.001)

	// Replaying the same update changes nothing and stays silent.
	rec = f.do(t, http.MethodPut, "/products/prod-upd", map[string]any{"price": 27.5})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, f.bus.ofType(events.TypeProductUpdated), 1)

	rec = f.do(t, http.MethodPut, "/products/prod-nope", map[string]any{"price": 1.0})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIDeleteProduct(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.store.Create(context.Background(), testProduct("prod-del", 5, 1)))

	rec := f.do(t, http.MethodDelete, "/products/prod-del", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := f.store.Get(context.Background(), "prod-del")
	assert.ErrorIs(t, err, ErrNotFound)

	deleted := f.bus.ofType(events.TypeProductDeleted)
	require.Len(t, deleted, 1)
	var payload events.ProductDeleted
	require.NoError(t, json.Unmarshal(deleted[0].Data, &payload))
	assert.Equal(t, "Product prod-del", payload.Product.Name, "event carries the final snapshot")

	rec = f.do(t, http.MethodDelete, "/products/prod-del", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIAdjustStock(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.store.Create(context.Background(), testProduct("prod-stk", 5, 10)))

	rec := f.do(t, http.MethodPatch, "/products/prod-stk/stock", map[string]int{"quantity": -4})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		OldStock int `json:"old_stock"`
		NewStock int `json:"new_stock"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 10, resp.OldStock)
	assert.Equal(t, 6, resp.NewStock)
	assert.Len(t, f.bus.ofType(events.TypeProductStockUpdated), 1)

	rec = f.do(t, http.MethodPatch, "/products/prod-stk/stock", map[string]int{"quantity": -7})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Insufficient stock")
	assert.Len(t, f.bus.ofType(events.TypeProductStockUpdated), 1,
		"refused adjustment must not publish")
	assert.Equal(t, 6, stockOf(t, f.store, "prod-stk"))

	rec = f.do(t, http.MethodPatch, "/products/prod-nope/stock", map[string]int{"quantity": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
