package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drluca/shopflow/internal/events"
)

var (
	// ErrNotFound is returned for unknown product IDs.
	ErrNotFound = errors.New("product not found")
	// ErrInsufficientStock is returned when an adjustment would take
	// stock below zero. The current level is reported alongside it.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Product is a catalog entry. Stock is the authoritative count the
// order.placed consumer decrements.
type Product struct {
	ID          string    `db:"id" json:"product_id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description,omitempty"`
	Price       float64   `db:"price" json:"price"`
	Category    string    `db:"category" json:"category,omitempty"`
	Stock       int       `db:"stock" json:"stock"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Validate checks the fields a client must supply on create.
func (p *Product) Validate() error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	if p.Price <= 0 {
		return fmt.Errorf("price must be positive, got %.2f", p.Price)
	}
	if p.Stock < 0 {
		return fmt.Errorf("stock cannot be negative, got %d", p.Stock)
	}
	return nil
}

// Doc converts the product to the snapshot carried by product.* events.
func (p *Product) Doc() events.ProductDoc {
	return events.ProductDoc{
		ProductID:   p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price,
		Category:    p.Category,
		Stock:       p.Stock,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// StockChange reports the before/after levels of an applied stock
// adjustment.
type StockChange struct {
	ProductID string
	OldStock  int
	NewStock  int
}

// Delta is the signed quantity the adjustment applied.
func (c StockChange) Delta() int { return c.NewStock - c.OldStock }

// StockAdjustment is the per-line-item outcome of an order placement.
// Insufficient items are reported, not rolled back; the order has
// already been paid by the time stock is decremented.
type StockAdjustment struct {
	ProductID    string
	Requested    int
	OldStock     int
	NewStock     int
	Insufficient bool
}

// Store is the catalog persistence contract. The Postgres
// implementation backs the service; the memory one backs tests.
type Store interface {
	Create(ctx context.Context, p *Product) error
	Get(ctx context.Context, id string) (*Product, error)
	Update(ctx context.Context, p *Product) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, category string) ([]*Product, error)
	// AdjustStock applies a signed delta atomically, refusing to go
	// below zero. On ErrInsufficientStock the returned change carries
	// the untouched current level in both fields.
	AdjustStock(ctx context.Context, id string, delta int) (StockChange, error)
	// DecrementForOrder applies every line item in one transaction.
	// Insufficient (or missing) items are reported in the result and
	// skipped, never rolled back; an infrastructure error rolls back
	// the whole batch so a redelivery starts clean.
	DecrementForOrder(ctx context.Context, items []events.LineItem) ([]StockAdjustment, error)
}
