package cart

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/drluca/shopflow/internal/eventbus"
	"github.com/drluca/shopflow/internal/events"
	"github.com/drluca/shopflow/internal/httpx"
	"github.com/drluca/shopflow/internal/metrics"
	"github.com/drluca/shopflow/internal/store"
)

// API serves the cart surface. Checkout is the only operation whose
// event must go out synchronously: order.created starts the saga, so
// a failed publish fails the request and leaves the cart intact.
// Every other cart.* event is an announcement of an already durable
// change.
type API struct {
	carts   *Store
	bus     eventbus.Publisher
	lookup  ProductLookup
	ingress http.HandlerFunc
}

func NewAPI(carts *Store, bus eventbus.Publisher, lookup ProductLookup, ingress http.HandlerFunc) *API {
	return &API{carts: carts, bus: bus, lookup: lookup, ingress: ingress}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", httpx.Health(ConsumerID))
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/carts/{userID}", a.getCart)
	r.Post("/carts/{userID}/items", a.addItem)
	r.Put("/carts/{userID}/items/{itemID}", a.updateItem)
	r.Delete("/carts/{userID}/items/{itemID}", a.removeItem)
	r.Delete("/carts/{userID}", a.clearCart)
	r.Post("/carts/{userID}/checkout", a.checkout)

	if a.ingress != nil {
		r.Post("/events/"+events.TopicProductEvents, a.ingress)
	}
	return r
}

// cartView is the read shape: the cart plus derived totals.
type cartView struct {
	*Cart
	ItemCount     int     `json:"item_count"`
	TotalQuantity int     `json:"total_quantity"`
	Subtotal      float64 `json:"subtotal"`
}

func view(c *Cart) cartView {
	return cartView{
		Cart:          c,
		ItemCount:     len(c.Items),
		TotalQuantity: c.TotalQuantity(),
		Subtotal:      c.Subtotal(),
	}
}

func (a *API) getCart(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	c, err := a.carts.GetOrCreate(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to load cart")
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to load cart")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view(c))
}

type addItemRequest struct {
	ProductID   string   `json:"product_id"`
	Quantity    *int     `json:"quantity"`
	ProductName string   `json:"product_name"`
	UnitPrice   *float64 `json:"unit_price"`
}

func (a *API) addItem(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req addItemRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ProductID == "" {
		httpx.WriteJSONError(w, http.StatusBadRequest, "product_id is required")
		return
	}
	quantity := 1
	if req.Quantity != nil {
		quantity = *req.Quantity
	}
	if quantity < 1 {
		httpx.WriteJSONError(w, http.StatusBadRequest, "quantity must be at least 1")
		return
	}

	c, err := a.carts.GetOrCreate(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to load cart")
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to load cart")
		return
	}

	now := time.Now().UTC()
	if existing := c.itemByProduct(req.ProductID); existing != nil {
		// Same product again: merge quantities, keep the stored price.
		existing.Quantity += quantity
	} else {
		name, price := a.resolveProduct(r.Context(), req)
		c.Items = append(c.Items, Item{
			ItemID:      events.NewID("cart-item"),
			ProductID:   req.ProductID,
			ProductName: name,
			Quantity:    quantity,
			UnitPrice:   price,
			AddedAt:     now,
		})
	}
	c.UpdatedAt = now

	if err := a.carts.Save(r.Context(), c); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to save cart")
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to save cart")
		return
	}

	a.emitOrLog(r.Context(), events.CartItemAdded{
		UserID:       userID,
		ProductID:    req.ProductID,
		Quantity:     quantity,
		CartSubtotal: c.Subtotal(),
	})
	log.Info().Str("user_id", userID).Str("product_id", req.ProductID).
		Int("quantity", quantity).Msg("item added to cart")
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"message":  "Item added to cart",
		"cart":     view(c),
		"subtotal": c.Subtotal(),
	})
}

// resolveProduct asks the catalog for the product's current name and
// price, falling back to the request's values when it cannot answer.
func (a *API) resolveProduct(ctx context.Context, req addItemRequest) (string, float64) {
	if a.lookup != nil {
		name, price, err := a.lookup.Lookup(ctx, req.ProductID)
		if err == nil {
			return name, price
		}
		log.Warn().Err(err).Str("product_id", req.ProductID).
			Msg("catalog lookup failed, using request-supplied details")
	}
	name := req.ProductName
	if name == "" {
		name = "Product " + req.ProductID
	}
	var price float64
	if req.UnitPrice != nil {
		price = *req.UnitPrice
	}
	return name, price
}

type updateItemRequest struct {
	Quantity int `json:"quantity"`
}

func (a *API) updateItem(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	itemID := chi.URLParam(r, "itemID")

	var req updateItemRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Quantity < 1 {
		httpx.WriteJSONError(w, http.StatusBadRequest, "quantity must be at least 1")
		return
	}

	c := a.loadCart(w, userID, r)
	if c == nil {
		return
	}
	item := c.item(itemID)
	if item == nil {
		httpx.WriteJSONError(w, http.StatusNotFound, "item not found in cart")
		return
	}

	oldQuantity := item.Quantity
	item.Quantity = req.Quantity
	c.UpdatedAt = time.Now().UTC()

	if err := a.carts.Save(r.Context(), c); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to save cart")
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to save cart")
		return
	}

	a.emitOrLog(r.Context(), events.CartItemUpdated{
		UserID:      userID,
		ItemID:      itemID,
		ProductID:   item.ProductID,
		OldQuantity: oldQuantity,
		NewQuantity: req.Quantity,
	})
	log.Info().Str("user_id", userID).Str("item_id", itemID).
		Int("old_quantity", oldQuantity).Int("new_quantity", req.Quantity).
		Msg("cart item updated")
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message": "Cart item updated",
		"item":    item,
	})
}

func (a *API) removeItem(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	itemID := chi.URLParam(r, "itemID")

	c := a.loadCart(w, userID, r)
	if c == nil {
		return
	}
	item := c.item(itemID)
	if item == nil {
		httpx.WriteJSONError(w, http.StatusNotFound, "item not found in cart")
		return
	}
	productID := item.ProductID

	c.removeItem(itemID)
	c.UpdatedAt = time.Now().UTC()
	if err := a.carts.Save(r.Context(), c); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to save cart")
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to save cart")
		return
	}

	a.emitOrLog(r.Context(), events.CartItemRemoved{
		UserID:    userID,
		ItemID:    itemID,
		ProductID: productID,
	})
	log.Info().Str("user_id", userID).Str("item_id", itemID).Msg("cart item removed")
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"message": "Item removed from cart"})
}

func (a *API) clearCart(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	c := a.loadCart(w, userID, r)
	if c == nil {
		return
	}

	removed := len(c.Items)
	c.Items = []Item{}
	c.UpdatedAt = time.Now().UTC()
	if err := a.carts.Save(r.Context(), c); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to save cart")
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to save cart")
		return
	}

	a.emitOrLog(r.Context(), events.CartCleared{UserID: userID, ItemsRemoved: removed})
	log.Info().Str("user_id", userID).Int("items_removed", removed).Msg("cart cleared")
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message":       "Cart cleared",
		"items_removed": removed,
	})
}

// checkout prices the cart, starts the saga with order.created, and
// only then clears the cart. If the event cannot be published the
// checkout fails whole: the cart keeps its items and the client
// retries.
func (a *API) checkout(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	c := a.loadCart(w, userID, r)
	if c == nil {
		return
	}
	if len(c.Items) == 0 {
		httpx.WriteJSONError(w, http.StatusBadRequest, "cart is empty")
		return
	}

	doc := c.orderDoc(events.NewID("order"))
	env, err := events.New(ConsumerID, "", events.OrderCreated{Order: doc})
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to build order.created")
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to build order")
		return
	}
	if _, err := a.bus.Publish(r.Context(), events.TopicOrderEvents, env); err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("order_id", doc.OrderID).
			Msg("failed to publish order.created, cart left intact")
		httpx.WriteJSONError(w, http.StatusServiceUnavailable, "checkout could not be accepted, try again")
		return
	}

	c.Items = []Item{}
	c.UpdatedAt = time.Now().UTC()
	if err := a.carts.Save(r.Context(), c); err != nil {
		// The order is already in flight; an uncleaned cart risks a
		// double submission but must not fail the checkout.
		log.Error().Err(err).Str("user_id", userID).Str("order_id", doc.OrderID).
			Msg("failed to clear cart after checkout")
	}

	a.emitOrLog(r.Context(), events.CartCheckoutCompleted{
		UserID:  userID,
		OrderID: doc.OrderID,
		Total:   doc.Total,
	})
	log.Info().Str("user_id", userID).Str("order_id", doc.OrderID).
		Float64("total", doc.Total).Msg("checkout accepted")
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"message":  "Checkout successful",
		"order_id": doc.OrderID,
		"total":    doc.Total,
		"status":   "pending",
	})
}

// loadCart fetches an existing cart, writing the 404 itself. A nil
// return means the response is already written.
func (a *API) loadCart(w http.ResponseWriter, userID string, r *http.Request) *Cart {
	c, err := a.carts.Get(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		httpx.WriteJSONError(w, http.StatusNotFound, "cart not found")
		return nil
	}
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to load cart")
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to load cart")
		return nil
	}
	return c
}

// emitOrLog publishes a cart announcement. The cart change is already
// saved, so a failed publish is recorded rather than surfaced.
func (a *API) emitOrLog(ctx context.Context, payload events.Payload) {
	env, err := events.New(ConsumerID, "", payload)
	if err == nil {
		_, err = a.bus.Publish(ctx, events.TopicCartEvents, env)
	}
	if err != nil {
		metrics.LostEmissions.WithLabelValues(ConsumerID, payload.EventType()).Inc()
		log.Error().Err(err).Str("event_type", payload.EventType()).
			Msg("cart event lost")
	}
}
