package catalog

import (
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
)

// API serves the product catalog CRUD surface. Every mutation
// announces itself on product-events; the announcements are best
// effort because the catalog record is already durable when they go
// out.
type API struct {
	store   Store
	bus     eventbus.Publisher
	ingress http.HandlerFunc
}

func NewAPI(store Store, bus eventbus.Publisher, ingress http.HandlerFunc) *API {
	return &API{store: store, bus: bus, ingress: ingress}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", httpx.Health(ConsumerID))
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/products", a.listProducts)
	r.Post("/products", a.createProduct)
	r.Get("/products/{productID}", a.getProduct)
	r.Put("/products/{productID}", a.updateProduct)
	r.Delete("/products/{productID}", a.deleteProduct)
	r.Patch("/products/{productID}/stock", a.adjustStock)

	if a.ingress != nil {
		r.Post("/events/"+events.TopicOrderEvents, a.ingress)
	}
	return r
}

// productRequest uses pointers so a missing field can be told apart
// from a zero value, both for create validation and update change
// tracking.
type productRequest struct {
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	Price       *float64 `json:"price"`
	Category    *string  `json:"category"`
	Stock       *int     `json:"stock"`
}

func (req *productRequest) missingFields() []string {
	var missing []string
	if req.Name == nil {
		missing = append(missing, "name")
	}
	if req.Description == nil {
		missing = append(missing, "description")
	}
	if req.Price == nil {
		missing = append(missing, "price")
	}
	if req.Category == nil {
		missing = append(missing, "category")
	}
	if req.Stock == nil {
		missing = append(missing, "stock")
	}
	return missing
}

func (a *API) listProducts(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	products, err := a.store.List(r.Context(), category)
	if err != nil {
		log.Error().Err(err).Msg("failed to list products")
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to list products")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"products": products, "count": len(products)})
}

func (a *API) getProduct(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	p, err := a.store.Get(r.Context(), productID)
	if err != nil {
		httpx.WriteJSONError(w, http.StatusNotFound, "product not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (a *API) createProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
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

	now := time.Now().UTC()
	p := &Product{
		ID:          events.NewID("prod"),
		Name:        *req.Name,
		Description: *req.Description,
		Price:       *req.Price,
		Category:    *req.Category,
		Stock:       *req.Stock,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.Validate(); err != nil {
		httpx.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.store.Create(r.Context(), p); err != nil {
		log.Error().Err(err).Str("product_id", p.ID).Msg("failed to create product")
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to create product")
		return
	}

	emitOrLog(r.Context(), a.bus, "", events.ProductCreated{ProductID: p.ID, Product: p.Doc()})
	log.Info().Str("product_id", p.ID).Str("name", p.Name).Msg("product created")
	httpx.WriteJSON(w, http.StatusCreated, p)
}

// updateProduct applies the supplied fields and reports the old and
// new value of each one that actually changed. No change, no event.
func (a *API) updateProduct(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")

	var req productRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := a.store.Get(r.Context(), productID)
	if err != nil {
		httpx.WriteJSONError(w, http.StatusNotFound, "product not found")
		return
	}

	changes := map[string]events.FieldChange{}
	if req.Name != nil && *req.Name != p.Name {
		changes["name"] = events.FieldChange{Old: p.Name, New: *req.Name}
		p.Name = *req.Name
	}
	if req.Description != nil && *req.Description != p.Description {
		changes["description"] = events.FieldChange{Old: p.Description, New: *req.Description}
		p.Description = *req.Description
	}
	if req.Price != nil && *req.Price != p.Price {
		changes["price"] = events.FieldChange{Old: p.Price, New: *req.Price}
		p.Price = *req.Price
	}
	if req.Category != nil && *req.Category != p.Category {
		changes["category"] = events.FieldChange{Old: p.Category, New: *req.Category}
		p.Category = *req.Category
	}
	if req.Stock != nil && *req.Stock != p.Stock {
		changes["stock"] = events.FieldChange{Old: p.Stock, New: *req.Stock}
		p.Stock = *req.Stock
	}

	if len(changes) == 0 {
		httpx.WriteJSON(w, http.StatusOK, p)
		return
	}

	if err := p.Validate(); err != nil {
		httpx.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	p.UpdatedAt = time.Now().UTC()
	if err := a.store.Update(r.Context(), p); err != nil {
		log.Error().Err(err).Str("product_id", productID).Msg("failed to update product")
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to update product")
		return
	}

	emitOrLog(r.Context(), a.bus, "", events.ProductUpdated{ProductID: p.ID, Product: p.Doc(), Changes: changes})
	log.Info().Str("product_id", p.ID).Int("changed_fields", len(changes)).Msg("product updated")
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (a *API) deleteProduct(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")

	// Read first: the deletion event carries the final snapshot.
	p, err := a.store.Get(r.Context(), productID)
	if err != nil {
		httpx.WriteJSONError(w, http.StatusNotFound, "product not found")
		return
	}
	if err := a.store.Delete(r.Context(), productID); err != nil {
		log.Error().Err(err).Str("product_id", productID).Msg("failed to delete product")
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to delete product")
		return
	}

	emitOrLog(r.Context(), a.bus, "", events.ProductDeleted{ProductID: p.ID, Product: p.Doc()})
	log.Info().Str("product_id", p.ID).Str("name", p.Name).Msg("product deleted")
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"message":    "Product deleted",
		"product_id": productID,
	})
}

type adjustStockRequest struct {
	Quantity int `json:"quantity"`
}

// adjustStock applies a signed delta to the stock level, used by
// operators to restock or correct counts.
func (a *API) adjustStock(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")

	var req adjustStockRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	change, err := a.store.AdjustStock(r.Context(), productID, req.Quantity)
	switch {
	case err == nil:
		// fallthrough to the announcement below
	case errors.Is(err, ErrNotFound):
		httpx.WriteJSONError(w, http.StatusNotFound, "product not found")
		return
	case errors.Is(err, ErrInsufficientStock):
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error":            "Insufficient stock",
			"current_stock":    change.OldStock,
			"requested_change": req.Quantity,
		})
		return
	default:
		log.Error().Err(err).Str("product_id", productID).Msg("failed to adjust stock")
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to adjust stock")
		return
	}

	emitOrLog(r.Context(), a.bus, "", events.ProductStockUpdated{
		ProductID: productID,
		OldStock:  change.OldStock,
		NewStock:  change.NewStock,
		Change:    req.Quantity,
	})
	log.Info().Str("product_id", productID).
		Int("old_stock", change.OldStock).Int("new_stock", change.NewStock).
		Msg("stock adjusted")
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"product_id": productID,
		"old_stock":  change.OldStock,
		"new_stock":  change.NewStock,
	})
}
