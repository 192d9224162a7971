// Package order owns the saga state: the order lifecycle, its
// persistence, the event handlers that drive it, and the HTTP API for
// reading and administering orders.
package order

import (
	"fmt"
	"math"
	"time"

	"github.com/drluca/shopflow/internal/events"
)

// Status is the saga position of an order. Transitions only move
// forward; a terminal status never changes.
type Status string

const (
	StatusCreated          Status = "created"
	StatusConfirmed        Status = "confirmed"
	StatusPaymentRequested Status = "payment_requested"
	StatusPaid             Status = "paid"
	StatusPlaced           Status = "placed"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// rank orders the happy path so staleness checks can compare statuses.
// Terminal failure statuses are outside the chain.
var rank = map[Status]int{
	StatusCreated:          0,
	StatusConfirmed:        1,
	StatusPaymentRequested: 2,
	StatusPaid:             3,
	StatusPlaced:           4,
	StatusCompleted:        5,
}

// transitions enumerates every legal move. The happy path advances one
// step at a time; failure and cancellation are the only exits.
var transitions = map[Status][]Status{
	StatusCreated:          {StatusConfirmed, StatusCancelled},
	StatusConfirmed:        {StatusPaymentRequested},
	StatusPaymentRequested: {StatusPaid, StatusFailed},
	StatusPaid:             {StatusPlaced},
	StatusPlaced:           {StatusCompleted},
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusConfirmed, StatusPaymentRequested, StatusPaid,
		StatusPlaced, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the saga is finished for this order.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ReachedAtLeast reports whether s is at or past other on the happy
// path. False whenever either side is off the chain.
func (s Status) ReachedAtLeast(other Status) bool {
	sr, ok1 := rank[s]
	or, ok2 := rank[other]
	return ok1 && ok2 && sr >= or
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllStatuses lists every defined status, for API validation messages.
func AllStatuses() []Status {
	return []Status{
		StatusCreated, StatusConfirmed, StatusPaymentRequested, StatusPaid,
		StatusPlaced, StatusCompleted, StatusFailed, StatusCancelled,
	}
}

// Order is the persisted saga record. Items and totals are copied from
// the order.created payload and never recomputed here.
type Order struct {
	OrderID       string            `json:"order_id"`
	UserID        string            `json:"user_id"`
	Items         []events.LineItem `json:"items"`
	Subtotal      float64           `json:"subtotal"`
	Tax           float64           `json:"tax"`
	Shipping      float64           `json:"shipping"`
	Total         float64           `json:"total"`
	Status        Status            `json:"status"`
	PaymentID     string            `json:"payment_id,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	CorrelationID string            `json:"correlation_id"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// FromDoc materializes an order from an order.created payload.
func FromDoc(doc events.OrderDoc, correlationID string) *Order {
	now := time.Now().UTC()
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	return &Order{
		OrderID:       doc.OrderID,
		UserID:        doc.UserID,
		Items:         append([]events.LineItem(nil), doc.Items...),
		Subtotal:      doc.Subtotal,
		Tax:           doc.Tax,
		Shipping:      doc.Shipping,
		Total:         doc.Total,
		Status:        StatusCreated,
		CorrelationID: correlationID,
		CreatedAt:     createdAt,
		UpdatedAt:     now,
	}
}

// Advance moves the order to the next status, enforcing the transition
// table.
func (o *Order) Advance(to Status) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("order %s: illegal transition %s -> %s", o.OrderID, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Pricing policy applied when this service materializes an order from a
// direct API submission. Checkout flows compute the same numbers on
// their side; the saga itself never recomputes totals.
const (
	TaxRate      = 0.08
	FlatShipping = 5.99
)

// Round2 rounds money to cents.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ComputeTotals prices a set of line items under the standard policy.
func ComputeTotals(items []events.LineItem) (subtotal, tax, shipping, total float64) {
	for _, item := range items {
		subtotal += item.UnitPrice * float64(item.Quantity)
	}
	subtotal = Round2(subtotal)
	tax = Round2(subtotal * TaxRate)
	shipping = FlatShipping
	total = Round2(subtotal + tax + shipping)
	return subtotal, tax, shipping, total
}
