package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drluca/shopflow/internal/consumer"
	"github.com/drluca/shopflow/internal/events"
	"github.com/drluca/shopflow/internal/httpx"
	"github.com/drluca/shopflow/internal/ledger"
	"github.com/drluca/shopflow/internal/store"
)

type apiFixture struct {
	payments *Store
	bus      *stubBus
	router   http.Handler
}

func newAPIFixture(t *testing.T, declineAll bool) *apiFixture {
	t.Helper()
	payments := NewStore(store.NewMemory())
	bus := newStubBus()
	rate := 0.0
	if declineAll {
		rate = 1.0
	}
	gw := newGateway(declineAll, rate, rand.NewSource(11))
	proc := NewProcessor(payments, gw, bus)
	disp := consumer.New(ConsumerID, ledger.NewMemoryLedger()).
		On(events.TypePaymentRequested, proc.HandlePaymentRequested)
	api := NewAPI(payments, gw, bus, httpx.EventIngress(disp.Handle))
	return &apiFixture{payments: payments, bus: bus, router: api.Router()}
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

func (f *apiFixture) seedPayment(t *testing.T, p *Payment) {
	t.Helper()
	require.NoError(t, f.payments.Save(context.Background(), p))
}

func TestAPIProcessPayment(t *testing.T) {
	f := newAPIFixture(t, false)

	rec := f.do(t, http.MethodPost, "/payments/process", map[string]any{
		"order_id": "order-1",
		"user_id":  "user-1",
		"amount":   64.25,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var p Payment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Contains(t, p.PaymentID, "pay-")
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, 64.25, p.Amount)
	assert.NotEmpty(t, p.TransactionID)

	stored, err := f.payments.Get(context.Background(), p.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)

	completed := f.bus.ofType(events.TypePaymentCompleted)
	require.Len(t, completed, 1, "manual charges feed the saga too")
	var payload events.PaymentCompleted
	require.NoError(t, json.Unmarshal(completed[0].Data, &payload))
	assert.Equal(t, "order-1", payload.OrderID)
}

func TestAPIProcessPaymentDeclined(t *testing.T) {
	f := newAPIFixture(t, true)

	rec := f.do(t, http.MethodPost, "/payments/process", map[string]any{
		"order_id": "order-2",
		"user_id":  "user-1",
		"amount":   10.00,
	})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var resp struct {
		Error   string  `json:"error"`
		Payment Payment `json:"payment"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "payment declined", resp.Error)
	assert.Equal(t, StatusFailed, resp.Payment.Status)
	assert.Equal(t, "CARD_DECLINED", resp.Payment.ErrorCode)

	require.Len(t, f.bus.ofType(events.TypePaymentFailed), 1)
	stored, err := f.payments.List(context.Background(), StatusFailed)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestAPIProcessPaymentValidation(t *testing.T) {
	f := newAPIFixture(t, false)

	rec := f.do(t, http.MethodPost, "/payments/process", map[string]any{
		"order_id": "order-1",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp struct {
		Missing []string `json:"missing_fields"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.ElementsMatch(t, []string{"user_id", "amount"}, resp.Missing)

	rec = f.do(t, http.MethodPost, "/payments/process", map[string]any{
		"order_id": "order-1",
		"user_id":  "user-1",
		"amount":   -5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, f.bus.envs, "rejected requests charge nothing")
	stored, err := f.payments.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestAPIProcessPaymentBrokerDown(t *testing.T) {
	f := newAPIFixture(t, false)
	f.bus.failNext(events.TypePaymentCompleted, 1)

	body := map[string]any{"order_id": "order-3", "user_id": "user-1", "amount": 30.00}
	rec := f.do(t, http.MethodPost, "/payments/process", body)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	stored, err := f.payments.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, stored, "unannounced charge is unwound")

	rec = f.do(t, http.MethodPost, "/payments/process", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, f.bus.ofType(events.TypePaymentCompleted), 1)
}

func TestAPIGetPayment(t *testing.T) {
	f := newAPIFixture(t, false)
	f.seedPayment(t, testPayment("pay-77", "order-7", StatusCompleted, time.Now().UTC()))

	rec := f.do(t, http.MethodGet, "/payments/pay-77", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p Payment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "order-7", p.OrderID)

	rec = f.do(t, http.MethodGet, "/payments/pay-unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIListPaymentsFiltered(t *testing.T) {
	f := newAPIFixture(t, false)
	base := time.Now().UTC()
	f.seedPayment(t, testPayment("pay-1", "order-1", StatusCompleted, base))
	f.seedPayment(t, testPayment("pay-2", "order-2", StatusFailed, base.Add(time.Second)))
	f.seedPayment(t, testPayment("pay-3", "order-3", StatusCompleted, base.Add(2*time.Second)))

	rec := f.do(t, http.MethodGet, "/payments?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Payments []Payment `json:"payments"`
		Count    int       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	rec = f.do(t, http.MethodGet, "/payments?status=settled", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIListOrderPayments(t *testing.T) {
	f := newAPIFixture(t, false)
	base := time.Now().UTC()
	f.seedPayment(t, testPayment("pay-a", "order-1", StatusFailed, base))
	f.seedPayment(t, testPayment("pay-b", "order-1", StatusCompleted, base.Add(time.Second)))
	f.seedPayment(t, testPayment("pay-c", "order-9", StatusCompleted, base))

	rec := f.do(t, http.MethodGet, "/payments/order/order-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		OrderID  string    `json:"order_id"`
		Payments []Payment `json:"payments"`
		Count    int       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "order-1", resp.OrderID)
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "pay-b", resp.Payments[0].PaymentID, "newest attempt first")
}

func TestAPIRefundPayment(t *testing.T) {
	f := newAPIFixture(t, false)
	f.seedPayment(t, testPayment("pay-77", "order-7", StatusCompleted, time.Now().UTC()))

	rec := f.do(t, http.MethodPost, "/payments/pay-77/refund", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		RefundID string  `json:"refund_id"`
		Payment  Payment `json:"payment"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.RefundID, "ref-")
	assert.Equal(t, StatusRefunded, resp.Payment.Status)
	require.NotNil(t, resp.Payment.RefundedAt)

	refunded := f.bus.ofType(events.TypePaymentRefunded)
	require.Len(t, refunded, 1)
	var payload events.PaymentRefunded
	require.NoError(t, json.Unmarshal(refunded[0].Data, &payload))
	assert.Equal(t, "pay-77", payload.PaymentID)
	assert.Equal(t, resp.RefundID, payload.RefundID)
	assert.Equal(t, 25.00, payload.Amount)

	// Already refunded, so a second attempt is refused.
	rec = f.do(t, http.MethodPost, "/payments/pay-77/refund", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIRefundRejections(t *testing.T) {
	f := newAPIFixture(t, false)
	f.seedPayment(t, testPayment("pay-failed", "order-7", StatusFailed, time.Now().UTC()))

	rec := f.do(t, http.MethodPost, "/payments/pay-failed/refund", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "only completed payments can be refunded")

	rec = f.do(t, http.MethodPost, "/payments/pay-unknown/refund", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Empty(t, f.bus.ofType(events.TypePaymentRefunded))
}

func TestAPIRefundSurvivesLostAnnouncement(t *testing.T) {
	f := newAPIFixture(t, false)
	f.seedPayment(t, testPayment("pay-77", "order-7", StatusCompleted, time.Now().UTC()))
	f.bus.failNext(events.TypePaymentRefunded, 1)

	rec := f.do(t, http.MethodPost, "/payments/pay-77/refund", nil)
	require.Equal(t, http.StatusOK, rec.Code, "the refund is durable even if the announcement is not")

	stored, err := f.payments.Get(context.Background(), "pay-77")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, stored.Status)
	assert.Empty(t, f.bus.ofType(events.TypePaymentRefunded))
}

func TestAPIEventIngress(t *testing.T) {
	f := newAPIFixture(t, false)

	env := paymentRequestedEnvelope(t, "order-8", 55.00)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/events/"+events.TopicPaymentEvents, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "processed")
	assert.Len(t, f.bus.ofType(events.TypePaymentCompleted), 1)

	req = httptest.NewRequest(http.MethodPost, "/events/"+events.TopicPaymentEvents, bytes.NewReader([]byte("not json")))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dropped")
}

func TestAPIHealth(t *testing.T) {
	f := newAPIFixture(t, false)

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), ConsumerID)
}
