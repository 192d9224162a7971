// Package payment processes payment.requested events against a
// simulated card gateway and answers with payment.completed or
// payment.failed on the same topic.
package payment

import (
	"errors"
	"time"
)

// Status is a payment record's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// AllStatuses lists the valid statuses for error messages.
func AllStatuses() []Status {
	return []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRefunded}
}

// ErrNotFound is returned for unknown payment IDs.
var ErrNotFound = errors.New("payment not found")

// Payment is one charge attempt against an order. Declined attempts
// are kept too; they explain why an order failed.
type Payment struct {
	PaymentID     string     `json:"payment_id"`
	OrderID       string     `json:"order_id"`
	UserID        string     `json:"user_id"`
	Amount        float64    `json:"amount"`
	Currency      string     `json:"currency"`
	Status        Status     `json:"status"`
	Method        string     `json:"payment_method"`
	CardLastFour  string     `json:"card_last_four,omitempty"`
	TransactionID string     `json:"transaction_id,omitempty"`
	ErrorCode     string     `json:"error_code,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	RefundID      string     `json:"refund_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   time.Time  `json:"processed_at"`
	RefundedAt    *time.Time `json:"refunded_at,omitempty"`
}
