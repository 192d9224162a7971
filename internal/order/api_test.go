package order

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drluca/shopflow/internal/consumer"
	"github.com/drluca/shopflow/internal/events"
	"github.com/drluca/shopflow/internal/httpx"
	"github.com/drluca/shopflow/internal/ledger"
	"github.com/drluca/shopflow/internal/store"
)

type apiFixture struct {
	api    *API
	orders *Store
	bus    *fakeBus
	router http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	orders := NewStore(store.NewMemory())
	bus := newFakeBus()
	saga := NewSaga(orders, bus)
	disp := consumer.New(ConsumerID, ledger.NewMemoryLedger()).
		On(events.TypeOrderCreated, saga.HandleOrderCreated).
		On(events.TypePaymentCompleted, saga.HandlePaymentCompleted).
		On(events.TypePaymentFailed, saga.HandlePaymentFailed)
	api := NewAPI(orders, bus, httpx.EventIngress(disp.Handle))
	return &apiFixture{api: api, orders: orders, bus: bus, router: api.Router()}
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

func seedOrder(t *testing.T, orders *Store, id string, status Status) *Order {
	t.Helper()
	o := FromDoc(events.OrderDoc{
		OrderID: id,
		UserID:  "user-42",
		Items:   []events.LineItem{{ProductID: "prod-1", Quantity: 1, UnitPrice: 10}},
		Total:   16.79,
	}, "corr-"+id)
	o.Status = status
	created, err := orders.Create(context.Background(), o)
	require.NoError(t, err)
	require.True(t, created)
	return o
}

func TestAPIGetOrder(t *testing.T) {
	f := newAPIFixture(t)
	seedOrder(t, f.orders, "order-api01", StatusPaymentRequested)

	rec := f.do(t, http.MethodGet, "/orders/order-api01", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "order-api01", got.OrderID)
	assert.Equal(t, StatusPaymentRequested, got.Status)

	rec = f.do(t, http.MethodGet, "/orders/order-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIListOrdersFiltered(t *testing.T) {
	f := newAPIFixture(t)
	seedOrder(t, f.orders, "order-f1", StatusCompleted)
	seedOrder(t, f.orders, "order-f2", StatusFailed)
	seedOrder(t, f.orders, "order-f3", StatusCompleted)

	rec := f.do(t, http.MethodGet, "/orders?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Orders []Order `json:"orders"`
		Count  int     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	rec = f.do(t, http.MethodGet, "/orders?status=linger", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIListUserOrders(t *testing.T) {
	f := newAPIFixture(t)
	seedOrder(t, f.orders, "order-u1", StatusCompleted)

	rec := f.do(t, http.MethodGet, "/orders/user/user-42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		UserID string  `json:"user_id"`
		Count  int     `json:"count"`
		Orders []Order `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	rec = f.do(t, http.MethodGet, "/orders/user/user-nobody", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp.Count)
}

func TestAPISubmitOrder(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/orders", map[string]any{
		"user_id": "user-42",
		"items": []map[string]any{
			{"product_id": "prod-1", "quantity": 2, "unit_price": 10.00},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["order_id"])
	assert.InDelta(t, 27.59, resp["total"].(float64), 0.001) // 20 + 1.60 tax + 5.99 shipping

	published := f.bus.ofType(events.TypeOrderCreated)
	require.Len(t, published, 1)
	assert.Equal(t, events.TopicOrderEvents, published[0].topic)

	// The submission only publishes; the record appears when the saga
	// consumes the event.
	_, err := f.orders.Get(context.Background(), resp["order_id"].(string))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAPISubmitOrderValidation(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing user", map[string]any{"items": []map[string]any{{"product_id": "p", "quantity": 1, "unit_price": 1}}}},
		{"no items", map[string]any{"user_id": "u"}},
		{"zero quantity", map[string]any{"user_id": "u", "items": []map[string]any{{"product_id": "p", "quantity": 0, "unit_price": 1}}}},
		{"free item", map[string]any{"user_id": "u", "items": []map[string]any{{"product_id": "p", "quantity": 1, "unit_price": 0}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/orders", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, f.bus.published, "rejected submissions must not publish")
}

func TestAPISubmitOrderBrokerDown(t *testing.T) {
	f := newAPIFixture(t)
	f.bus.failNext(events.TypeOrderCreated, 1)

	rec := f.do(t, http.MethodPost, "/orders", map[string]any{
		"user_id": "user-42",
		"items":   []map[string]any{{"product_id": "prod-1", "quantity": 1, "unit_price": 5}},
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code,
		"checkout must not claim success when the event did not go out")
}

func TestAPIStatusOverride(t *testing.T) {
	f := newAPIFixture(t)
	seedOrder(t, f.orders, "order-admin01", StatusCreated)

	rec := f.do(t, http.MethodPut, "/orders/order-admin01/status", map[string]string{"status": "cancelled"})
	require.Equal(t, http.StatusOK, rec.Code)

	o, err := f.orders.Get(context.Background(), "order-admin01")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)
	assert.Len(t, f.bus.ofType(events.TypeOrderStatusChanged), 1)
}

func TestAPIStatusOverrideRejections(t *testing.T) {
	f := newAPIFixture(t)
	seedOrder(t, f.orders, "order-admin02", StatusCompleted)

	rec := f.do(t, http.MethodPut, "/orders/order-admin02/status", map[string]string{"status": "jettisoned"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown status names are rejected")

	rec = f.do(t, http.MethodPut, "/orders/order-admin02/status", map[string]string{"status": "cancelled"})
	assert.Equal(t, http.StatusConflict, rec.Code, "terminal orders cannot move")

	rec = f.do(t, http.MethodPut, "/orders/order-missing/status", map[string]string{"status": "cancelled"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	o, err := f.orders.Get(context.Background(), "order-admin02")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, o.Status)
}

func TestAPIEventIngress(t *testing.T) {
	f := newAPIFixture(t)

	created := orderCreatedEnvelope(t, "order-ingress01")
	rec := f.do(t, http.MethodPost, "/events/order-events", created)
	require.Equal(t, http.StatusOK, rec.Code)

	o, err := f.orders.Get(context.Background(), "order-ingress01")
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentRequested, o.Status)

	// Early payment outcome asks for redelivery.
	early := paymentCompletedEnvelope(t, "order-neverland", "corr-x")
	rec = f.do(t, http.MethodPost, "/events/payment-events", early)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// Garbage is acknowledged as dropped so the broker stops resending.
	req := httptest.NewRequest(http.MethodPost, "/events/payment-events", bytes.NewBufferString(`{not json`))
	drop := httptest.NewRecorder()
	f.router.ServeHTTP(drop, req)
	assert.Equal(t, http.StatusOK, drop.Code)
	assert.Contains(t, drop.Body.String(), "dropped")
}

func TestAPIHealth(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "order-service")
}
