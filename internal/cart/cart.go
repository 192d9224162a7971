// Package cart owns per-user shopping carts. Checkout hands the order
// document to the saga via order.created and the cart's involvement
// ends there.
package cart

import (
	"math"
	"time"

	"github.com/drluca/shopflow/internal/events"
)

// Pricing applied at checkout. Each service prices independently;
// these constants belong to the cart, not to a shared pricing package.
const (
	taxRate      = 0.08
	flatShipping = 5.99
)

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Item is one product line in a cart.
type Item struct {
	ItemID      string    `json:"item_id"`
	ProductID   string    `json:"product_id"`
	ProductName string    `json:"product_name"`
	Quantity    int       `json:"quantity"`
	UnitPrice   float64   `json:"unit_price"`
	AddedAt     time.Time `json:"added_at"`
}

// Cart is a user's open cart. One per user; cleared, not deleted, on
// checkout.
type Cart struct {
	UserID    string    `json:"user_id"`
	Items     []Item    `json:"items"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newCart(userID string) *Cart {
	now := time.Now().UTC()
	return &Cart{UserID: userID, Items: []Item{}, CreatedAt: now, UpdatedAt: now}
}

// Subtotal is the sum of line prices, rounded to cents.
func (c *Cart) Subtotal() float64 {
	var sum float64
	for _, item := range c.Items {
		sum += item.UnitPrice * float64(item.Quantity)
	}
	return round2(sum)
}

// TotalQuantity counts units across all lines.
func (c *Cart) TotalQuantity() int {
	var n int
	for _, item := range c.Items {
		n += item.Quantity
	}
	return n
}

func (c *Cart) item(itemID string) *Item {
	for i := range c.Items {
		if c.Items[i].ItemID == itemID {
			return &c.Items[i]
		}
	}
	return nil
}

func (c *Cart) itemByProduct(productID string) *Item {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			return &c.Items[i]
		}
	}
	return nil
}

func (c *Cart) removeItem(itemID string) bool {
	for i := range c.Items {
		if c.Items[i].ItemID == itemID {
			c.Items = append(c.Items[:i], c.Items[i+1:]...)
			return true
		}
	}
	return false
}

// orderDoc prices the cart into the order document order.created
// carries. The saga persists it verbatim.
func (c *Cart) orderDoc(orderID string) events.OrderDoc {
	items := make([]events.LineItem, len(c.Items))
	for i, item := range c.Items {
		items[i] = events.LineItem{
			ItemID:      item.ItemID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		}
	}
	subtotal := c.Subtotal()
	tax := round2(subtotal * taxRate)
	total := round2(subtotal + tax + flatShipping)
	return events.OrderDoc{
		OrderID:   orderID,
		UserID:    c.UserID,
		Items:     items,
		Subtotal:  subtotal,
		Tax:       tax,
		Shipping:  flatShipping,
		Total:     total,
		Status:    "pending",
		CreatedAt: time.Now().UTC(),
	}
}
