package payment

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/drluca/shopflow/internal/eventbus"
	"github.com/drluca/shopflow/internal/events"
	"github.com/drluca/shopflow/internal/httpx"
)

// API serves payment reads, manual charges, and refunds. Saga-driven
// charges arrive as payment.requested events, not through this API.
type API struct {
	payments *Store
	gateway  *Gateway
	bus      eventbus.Publisher
	ingress  http.HandlerFunc
}

func NewAPI(payments *Store, gateway *Gateway, bus eventbus.Publisher, ingress http.HandlerFunc) *API {
	return &API{payments: payments, gateway: gateway, bus: bus, ingress: ingress}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", httpx.Health(ConsumerID))
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/payments", a.listPayments)
	r.Post("/payments/process", a.processPayment)
	r.Get("/payments/{paymentID}", a.getPayment)
	r.Post("/payments/{paymentID}/refund", a.refundPayment)
	r.Get("/payments/order/{orderID}", a.listOrderPayments)

	if a.ingress != nil {
		r.Post("/events/"+events.TopicPaymentEvents, a.ingress)
	}
	return r
}

func (a *API) listPayments(w http.ResponseWriter, r *http.Request) {
	status := Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		httpx.WriteJSONError(w, http.StatusBadRequest,
			fmt.Sprintf("unknown status %q, valid: %v", status, AllStatuses()))
		return
	}

	payments, err := a.payments.List(r.Context(), status)
	if err != nil {
		log.Error().Err(err).Msg("failed to list payments")
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to list payments")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"payments": payments, "count": len(payments)})
}

func (a *API) getPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")
	p, err := a.payments.Get(r.Context(), paymentID)
	if err != nil {
		httpx.WriteJSONError(w, http.StatusNotFound, "payment not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (a *API) listOrderPayments(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	payments, err := a.payments.ListByOrder(r.Context(), orderID)
	if err != nil {
		log.Error().Err(err).Str("order_id", orderID).Msg("failed to list order payments")
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to list payments")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"order_id": orderID,
		"payments": payments,
		"count":    len(payments),
	})
}

type processPaymentRequest struct {
	OrderID string   `json:"order_id"`
	UserID  string   `json:"user_id"`
	Amount  *float64 `json:"amount"`
}

func (req *processPaymentRequest) missingFields() []string {
	var missing []string
	if req.OrderID == "" {
		missing = append(missing, "order_id")
	}
	if req.UserID == "" {
		missing = append(missing, "user_id")
	}
	if req.Amount == nil {
		missing = append(missing, "amount")
	}
	return missing
}

// processPayment charges an order outside the saga, for support staff
// retrying a failed payment. It emits the same outcome event the
// event-driven path does, so the order saga advances either way. If the
// outcome cannot be published the record is unwound and the caller gets
// a 503: a recorded charge nobody hears about would strand the order.
func (a *API) processPayment(w http.ResponseWriter, r *http.Request) {
	var req processPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if missing := req.missingFields(); len(missing) > 0 {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error":          "Missing required fields",
			"missing_fields": missing,
		})
		return
	}
	if *req.Amount <= 0 {
		httpx.WriteJSONError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	pay := a.gateway.Charge(req.OrderID, req.UserID, *req.Amount)
	if err := a.payments.Save(r.Context(), &pay); err != nil {
		log.Error().Err(err).Str("order_id", req.OrderID).Msg("failed to save payment")
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to save payment")
		return
	}

	if err := publish(r.Context(), a.bus, "", outcomePayload(&pay)); err != nil {
		log.Error().Err(err).Str("payment_id", pay.PaymentID).Msg("failed to publish payment outcome")
		if delErr := a.payments.Delete(r.Context(), pay.PaymentID); delErr != nil {
			log.Error().Err(delErr).Str("payment_id", pay.PaymentID).Msg("could not unwind unannounced payment record")
		}
		httpx.WriteJSONError(w, http.StatusServiceUnavailable, "payment could not be announced, try again")
		return
	}

	if pay.Status == StatusFailed {
		httpx.WriteJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":   "payment declined",
			"payment": pay,
		})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, pay)
}

// refundPayment marks a completed payment refunded. Nothing in the
// order lifecycle consumes payment.refunded; the event is the audit
// trail, so a lost emission is logged rather than unwound.
func (a *API) refundPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")

	p, err := a.payments.Get(r.Context(), paymentID)
	if err != nil {
		httpx.WriteJSONError(w, http.StatusNotFound, "payment not found")
		return
	}
	if p.Status != StatusCompleted {
		httpx.WriteJSONError(w, http.StatusBadRequest,
			fmt.Sprintf("only completed payments can be refunded, this one is %s", p.Status))
		return
	}

	now := time.Now().UTC()
	p.Status = StatusRefunded
	p.RefundID = events.NewID("ref")
	p.RefundedAt = &now
	if err := a.payments.Save(r.Context(), p); err != nil {
		log.Error().Err(err).Str("payment_id", paymentID).Msg("failed to save refund")
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to save refund")
		return
	}

	emitOrLog(r.Context(), a.bus, "", events.PaymentRefunded{
		PaymentID: p.PaymentID,
		RefundID:  p.RefundID,
		OrderID:   p.OrderID,
		Amount:    p.Amount,
	})
	log.Info().
		Str("payment_id", p.PaymentID).
		Str("refund_id", p.RefundID).
		Float64("amount", p.Amount).
		Msg("payment refunded")

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message":   "payment refunded",
		"refund_id": p.RefundID,
		"payment":   p,
	})
}
