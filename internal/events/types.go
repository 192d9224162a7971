package events

import (
	"errors"
	"fmt"
	"time"
)

// Event type names, grouped by topic.
const (
	// product-events
	TypeProductCreated        = "product.created"
	TypeProductUpdated        = "product.updated"
	TypeProductDeleted        = "product.deleted"
	TypeProductStockUpdated   = "product.stock_updated"
	TypeStockAdjustmentFailed = "product.stock_adjustment_failed"

	// cart-events
	TypeCartItemAdded         = "cart.item_added"
	TypeCartItemUpdated       = "cart.item_updated"
	TypeCartItemRemoved       = "cart.item_removed"
	TypeCartCleared           = "cart.cleared"
	TypeCartCheckoutCompleted = "cart.checkout_completed"

	// order-events
	TypeOrderCreated       = "order.created"
	TypeOrderConfirmed     = "order.confirmed"
	TypeOrderPaid          = "order.paid"
	TypeOrderPlaced        = "order.placed"
	TypeOrderFailed        = "order.failed"
	TypeOrderStatusChanged = "order.status_changed"

	// payment-events
	TypePaymentRequested = "payment.requested"
	TypePaymentCompleted = "payment.completed"
	TypePaymentFailed    = "payment.failed"
	TypePaymentRefunded  = "payment.refunded"
)

// Payload is implemented by every event payload. EventType returns the
// wire name the codec registers the payload under; Validate rejects
// payloads missing required fields, which consumers treat as permanent
// failures.
type Payload interface {
	EventType() string
	Validate() error
}

var errMissingField = errors.New("missing required field")

func required(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s", errMissingField, field)
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// LineItem is one order or cart line as it appears on the wire.
type LineItem struct {
	ItemID      string  `json:"item_id,omitempty"`
	ProductID   string  `json:"product_id"`
	ProductName string  `json:"product_name,omitempty"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

func (li LineItem) validate() error {
	if err := required("product_id", li.ProductID); err != nil {
		return err
	}
	if li.Quantity <= 0 {
		return fmt.Errorf("line item %s: quantity must be positive, got %d", li.ProductID, li.Quantity)
	}
	return nil
}

// OrderDoc is the full order document carried by order.created. The
// saga persists it verbatim; no field is recomputed on the consumer
// side.
type OrderDoc struct {
	OrderID   string     `json:"order_id"`
	UserID    string     `json:"user_id"`
	Items     []LineItem `json:"items"`
	Subtotal  float64    `json:"subtotal"`
	Tax       float64    `json:"tax"`
	Shipping  float64    `json:"shipping"`
	Total     float64    `json:"total"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

func (d OrderDoc) validate() error {
	if err := firstErr(required("order_id", d.OrderID), required("user_id", d.UserID)); err != nil {
		return err
	}
	if len(d.Items) == 0 {
		return fmt.Errorf("order %s: %w: items", d.OrderID, errMissingField)
	}
	for _, item := range d.Items {
		if err := item.validate(); err != nil {
			return fmt.Errorf("order %s: %w", d.OrderID, err)
		}
	}
	if d.Total <= 0 {
		return fmt.Errorf("order %s: total must be positive, got %.2f", d.OrderID, d.Total)
	}
	return nil
}

// ProductDoc is the product snapshot carried by product lifecycle
// events.
type ProductDoc struct {
	ProductID   string    `json:"product_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       float64   `json:"price"`
	Category    string    `json:"category"`
	Stock       int       `json:"stock"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FieldChange records one before/after pair in a product.updated event.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// ---- order-events payloads ----

// OrderCreated starts a saga run. Emitted by the cart checkout or by a
// direct order submission.
type OrderCreated struct {
	Order OrderDoc `json:"order"`
}

func (OrderCreated) EventType() string { return TypeOrderCreated }
func (p OrderCreated) Validate() error { return p.Order.validate() }

// OrderConfirmed reports that the saga accepted and persisted an order.
type OrderConfirmed struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
	Status  string `json:"status"`
	Total   float64 `json:"total"`
}

func (OrderConfirmed) EventType() string { return TypeOrderConfirmed }
func (p OrderConfirmed) Validate() error { return required("order_id", p.OrderID) }

// OrderPaid reports a successful payment applied to an order.
type OrderPaid struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

func (OrderPaid) EventType() string { return TypeOrderPaid }
func (p OrderPaid) Validate() error {
	return firstErr(required("order_id", p.OrderID), required("payment_id", p.PaymentID))
}

// OrderPlaced tells the catalog which stock to decrement. Items carry
// product IDs and quantities only; prices are irrelevant downstream.
type OrderPlaced struct {
	OrderID string     `json:"order_id"`
	UserID  string     `json:"user_id"`
	Items   []LineItem `json:"items"`
}

func (OrderPlaced) EventType() string { return TypeOrderPlaced }
func (p OrderPlaced) Validate() error {
	if err := required("order_id", p.OrderID); err != nil {
		return err
	}
	if len(p.Items) == 0 {
		return fmt.Errorf("order %s: %w: items", p.OrderID, errMissingField)
	}
	for _, item := range p.Items {
		if err := item.validate(); err != nil {
			return fmt.Errorf("order %s: %w", p.OrderID, err)
		}
	}
	return nil
}

// OrderFailed marks a saga run as failed, carrying the upstream reason.
type OrderFailed struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason"`
}

func (OrderFailed) EventType() string { return TypeOrderFailed }
func (p OrderFailed) Validate() error { return required("order_id", p.OrderID) }

// OrderStatusChanged reports an administrative status override made
// through the order API rather than by the saga itself.
type OrderStatusChanged struct {
	OrderID   string `json:"order_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

func (OrderStatusChanged) EventType() string { return TypeOrderStatusChanged }
func (p OrderStatusChanged) Validate() error {
	return firstErr(
		required("order_id", p.OrderID),
		required("old_status", p.OldStatus),
		required("new_status", p.NewStatus),
	)
}

// ---- payment-events payloads ----

// PaymentRequested asks the payment service to charge for an order.
type PaymentRequested struct {
	OrderID string  `json:"order_id"`
	UserID  string  `json:"user_id"`
	Amount  float64 `json:"amount"`
}

func (PaymentRequested) EventType() string { return TypePaymentRequested }
func (p PaymentRequested) Validate() error {
	if err := firstErr(required("order_id", p.OrderID), required("user_id", p.UserID)); err != nil {
		return err
	}
	if p.Amount <= 0 {
		return fmt.Errorf("payment for order %s: amount must be positive, got %.2f", p.OrderID, p.Amount)
	}
	return nil
}

// PaymentCompleted reports a successful charge.
type PaymentCompleted struct {
	PaymentID     string  `json:"payment_id"`
	OrderID       string  `json:"order_id"`
	UserID        string  `json:"user_id"`
	Amount        float64 `json:"amount"`
	TransactionID string  `json:"transaction_id"`
}

func (PaymentCompleted) EventType() string { return TypePaymentCompleted }
func (p PaymentCompleted) Validate() error {
	return firstErr(required("payment_id", p.PaymentID), required("order_id", p.OrderID))
}

// PaymentFailed reports a declined or errored charge.
type PaymentFailed struct {
	PaymentID string  `json:"payment_id"`
	OrderID   string  `json:"order_id"`
	UserID    string  `json:"user_id"`
	Amount    float64 `json:"amount"`
	ErrorCode string  `json:"error_code"`
	Error     string  `json:"error"`
}

func (PaymentFailed) EventType() string { return TypePaymentFailed }
func (p PaymentFailed) Validate() error {
	return firstErr(required("payment_id", p.PaymentID), required("order_id", p.OrderID))
}

// PaymentRefunded reports a refund issued against a completed payment.
type PaymentRefunded struct {
	PaymentID string  `json:"payment_id"`
	RefundID  string  `json:"refund_id"`
	OrderID   string  `json:"order_id"`
	Amount    float64 `json:"amount"`
}

func (PaymentRefunded) EventType() string { return TypePaymentRefunded }
func (p PaymentRefunded) Validate() error {
	return firstErr(required("payment_id", p.PaymentID), required("refund_id", p.RefundID))
}

// ---- product-events payloads ----

// ProductCreated announces a new catalog entry.
type ProductCreated struct {
	ProductID string     `json:"product_id"`
	Product   ProductDoc `json:"product"`
}

func (ProductCreated) EventType() string { return TypeProductCreated }
func (p ProductCreated) Validate() error { return required("product_id", p.ProductID) }

// ProductUpdated announces changed product fields. Changes maps field
// name to its old and new value; consumers that only care about price
// look for the "price" key.
type ProductUpdated struct {
	ProductID string                 `json:"product_id"`
	Product   ProductDoc             `json:"product"`
	Changes   map[string]FieldChange `json:"changes"`
}

func (ProductUpdated) EventType() string { return TypeProductUpdated }
func (p ProductUpdated) Validate() error { return required("product_id", p.ProductID) }

// ProductDeleted announces a catalog removal, carrying the final
// snapshot for consumers that need the last known state.
type ProductDeleted struct {
	ProductID string     `json:"product_id"`
	Product   ProductDoc `json:"product"`
}

func (ProductDeleted) EventType() string { return TypeProductDeleted }
func (p ProductDeleted) Validate() error { return required("product_id", p.ProductID) }

// ProductStockUpdated reports an applied stock level change, whether
// from an administrative adjustment or an order placement.
type ProductStockUpdated struct {
	ProductID string `json:"product_id"`
	OldStock  int    `json:"old_stock"`
	NewStock  int    `json:"new_stock"`
	Change    int    `json:"change"`
}

func (ProductStockUpdated) EventType() string { return TypeProductStockUpdated }
func (p ProductStockUpdated) Validate() error { return required("product_id", p.ProductID) }

// StockAdjustmentFailed reports that an order asked for more stock than
// the catalog had. The saga does not consume it; it exists for
// monitoring and manual follow-up.
type StockAdjustmentFailed struct {
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func (StockAdjustmentFailed) EventType() string { return TypeStockAdjustmentFailed }
func (p StockAdjustmentFailed) Validate() error {
	return firstErr(required("order_id", p.OrderID), required("product_id", p.ProductID))
}

// ---- cart-events payloads ----

// CartItemAdded reports an item added to a user's cart.
type CartItemAdded struct {
	UserID       string  `json:"user_id"`
	ProductID    string  `json:"product_id"`
	Quantity     int     `json:"quantity"`
	CartSubtotal float64 `json:"cart_subtotal"`
}

func (CartItemAdded) EventType() string { return TypeCartItemAdded }
func (p CartItemAdded) Validate() error {
	return firstErr(required("user_id", p.UserID), required("product_id", p.ProductID))
}

// CartItemUpdated reports a quantity change on an existing cart item.
type CartItemUpdated struct {
	UserID      string `json:"user_id"`
	ItemID      string `json:"item_id"`
	ProductID   string `json:"product_id"`
	OldQuantity int    `json:"old_quantity"`
	NewQuantity int    `json:"new_quantity"`
}

func (CartItemUpdated) EventType() string { return TypeCartItemUpdated }
func (p CartItemUpdated) Validate() error {
	return firstErr(required("user_id", p.UserID), required("item_id", p.ItemID))
}

// CartItemRemoved reports an item removed from a cart.
type CartItemRemoved struct {
	UserID    string `json:"user_id"`
	ItemID    string `json:"item_id"`
	ProductID string `json:"product_id"`
}

func (CartItemRemoved) EventType() string { return TypeCartItemRemoved }
func (p CartItemRemoved) Validate() error {
	return firstErr(required("user_id", p.UserID), required("item_id", p.ItemID))
}

// CartCleared reports a cart emptied outside of checkout.
type CartCleared struct {
	UserID       string `json:"user_id"`
	ItemsRemoved int    `json:"items_removed"`
}

func (CartCleared) EventType() string { return TypeCartCleared }
func (p CartCleared) Validate() error { return required("user_id", p.UserID) }

// CartCheckoutCompleted links a cart to the order its checkout
// produced.
type CartCheckoutCompleted struct {
	UserID  string  `json:"user_id"`
	OrderID string  `json:"order_id"`
	Total   float64 `json:"total"`
}

func (CartCheckoutCompleted) EventType() string { return TypeCartCheckoutCompleted }
func (p CartCheckoutCompleted) Validate() error {
	return firstErr(required("user_id", p.UserID), required("order_id", p.OrderID))
}
