package order

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/drluca/shopflow/internal/eventbus"
	"github.com/drluca/shopflow/internal/events"
	"github.com/drluca/shopflow/internal/httpx"
	"github.com/drluca/shopflow/internal/metrics"
)

// API serves order reads, direct order submission, and the
// administrative status override. All saga progress still happens
// through events; submitting an order here only publishes
// order.created and acknowledges.
type API struct {
	orders  *Store
	bus     eventbus.Publisher
	ingress http.HandlerFunc
}

func NewAPI(orders *Store, bus eventbus.Publisher, ingress http.HandlerFunc) *API {
	return &API{orders: orders, bus: bus, ingress: ingress}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", httpx.Health(ConsumerID))
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/orders", a.listOrders)
	r.Post("/orders", a.submitOrder)
	r.Get("/orders/{orderID}", a.getOrder)
	r.Get("/orders/user/{userID}", a.listUserOrders)
	r.Put("/orders/{orderID}/status", a.overrideStatus)

	if a.ingress != nil {
		r.Post("/events/"+events.TopicOrderEvents, a.ingress)
		r.Post("/events/"+events.TopicPaymentEvents, a.ingress)
	}
	return r
}

func (a *API) listOrders(w http.ResponseWriter, r *http.Request) {
	status := Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		httpx.WriteJSONError(w, http.StatusBadRequest,
			fmt.Sprintf("unknown status %q, valid: %v", status, AllStatuses()))
		return
	}

	orders, err := a.orders.List(r.Context(), status)
	if err != nil {
		log.Error().Err(err).Msg("failed to list orders")
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"orders": orders, "count": len(orders)})
}

func (a *API) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	o, err := a.orders.Get(r.Context(), orderID)
	if err != nil {
		httpx.WriteJSONError(w, http.StatusNotFound, "order not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

func (a *API) listUserOrders(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	orders, err := a.orders.ListByUser(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to list user orders")
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"orders":  orders,
		"count":   len(orders),
	})
}

type submitOrderRequest struct {
	UserID string            `json:"user_id"`
	Items  []events.LineItem `json:"items"`
}

// submitOrder prices the items and publishes order.created. The order
// record does not exist until the saga consumes that event, so the
// response is an acknowledgment, not the order.
func (a *API) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		httpx.WriteJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if len(req.Items) == 0 {
		httpx.WriteJSONError(w, http.StatusBadRequest, "items must not be empty")
		return
	}
	for _, item := range req.Items {
		if item.ProductID == "" || item.Quantity <= 0 || item.UnitPrice <= 0 {
			httpx.WriteJSONError(w, http.StatusBadRequest,
				"each item needs product_id, positive quantity and unit_price")
			return
		}
	}

	subtotal, tax, shipping, total := ComputeTotals(req.Items)
	doc := events.OrderDoc{
		OrderID:  events.NewID("order"),
		UserID:   req.UserID,
		Items:    req.Items,
		Subtotal: subtotal,
		Tax:      tax,
		Shipping: shipping,
		Total:    total,
		Status:   string(StatusCreated),
	}

	env, err := events.New(ConsumerID, "", events.OrderCreated{Order: doc})
	if err != nil {
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to build event")
		return
	}
	if _, err := a.bus.Publish(r.Context(), events.TopicOrderEvents, env); err != nil {
		log.Error().Err(err).Str("order_id", doc.OrderID).Msg("failed to publish order.created")
		httpx.WriteJSONError(w, http.StatusServiceUnavailable, "order could not be accepted, try again")
		return
	}

	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
		"message":  "order accepted",
		"order_id": doc.OrderID,
		"total":    total,
		"status":   StatusCreated,
	})
}

type overrideStatusRequest struct {
	Status Status `json:"status"`
}

// overrideStatus is the administrative escape hatch, in practice used
// to cancel an order before the saga picks it up. It obeys the same
// transition table as the saga.
func (a *API) overrideStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req overrideStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Status.Valid() {
		httpx.WriteJSONError(w, http.StatusBadRequest,
			fmt.Sprintf("unknown status %q, valid: %v", req.Status, AllStatuses()))
		return
	}

	o, err := a.orders.Get(r.Context(), orderID)
	if err != nil {
		httpx.WriteJSONError(w, http.StatusNotFound, "order not found")
		return
	}

	oldStatus := o.Status
	if err := o.Advance(req.Status); err != nil {
		httpx.WriteJSONError(w, http.StatusConflict,
			fmt.Sprintf("cannot move order from %s to %s", oldStatus, req.Status))
		return
	}
	if err := a.orders.Save(r.Context(), o); err != nil {
		log.Error().Err(err).Str("order_id", orderID).Msg("failed to save status override")
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to update order")
		return
	}

	payload := events.OrderStatusChanged{
		OrderID:   o.OrderID,
		OldStatus: string(oldStatus),
		NewStatus: string(o.Status),
	}
	env, err := events.New(ConsumerID, o.CorrelationID, payload)
	if err == nil {
		_, err = a.bus.Publish(r.Context(), events.TopicOrderEvents, env)
	}
	if err != nil {
		// The override is already durable; the announcement is best
		// effort.
		metrics.LostEmissions.WithLabelValues(ConsumerID, payload.EventType()).Inc()
		log.Error().Err(err).Str("order_id", orderID).Msg("failed to publish order.status_changed")
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"order_id":   o.OrderID,
		"old_status": oldStatus,
		"new_status": o.Status,
	})
}
