package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Decode errors. Both mark an event as permanently unprocessable:
// redelivering a payload the registry cannot name, or one missing
// required fields, can never succeed.
var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrMalformedPayload = errors.New("malformed event payload")
)

// registry maps wire names to payload constructors. Adding an event
// type means adding the payload struct and one line here.
var registry = map[string]func() Payload{
	TypeProductCreated:        func() Payload { return &ProductCreated{} },
	TypeProductUpdated:        func() Payload { return &ProductUpdated{} },
	TypeProductDeleted:        func() Payload { return &ProductDeleted{} },
	TypeProductStockUpdated:   func() Payload { return &ProductStockUpdated{} },
	TypeStockAdjustmentFailed: func() Payload { return &StockAdjustmentFailed{} },

	TypeCartItemAdded:         func() Payload { return &CartItemAdded{} },
	TypeCartItemUpdated:       func() Payload { return &CartItemUpdated{} },
	TypeCartItemRemoved:       func() Payload { return &CartItemRemoved{} },
	TypeCartCleared:           func() Payload { return &CartCleared{} },
	TypeCartCheckoutCompleted: func() Payload { return &CartCheckoutCompleted{} },

	TypeOrderCreated:       func() Payload { return &OrderCreated{} },
	TypeOrderConfirmed:     func() Payload { return &OrderConfirmed{} },
	TypeOrderPaid:          func() Payload { return &OrderPaid{} },
	TypeOrderPlaced:        func() Payload { return &OrderPlaced{} },
	TypeOrderFailed:        func() Payload { return &OrderFailed{} },
	TypeOrderStatusChanged: func() Payload { return &OrderStatusChanged{} },

	TypePaymentRequested: func() Payload { return &PaymentRequested{} },
	TypePaymentCompleted: func() Payload { return &PaymentCompleted{} },
	TypePaymentFailed:    func() Payload { return &PaymentFailed{} },
	TypePaymentRefunded:  func() Payload { return &PaymentRefunded{} },
}

// Known reports whether the event type is registered.
func Known(eventType string) bool {
	_, ok := registry[eventType]
	return ok
}

// Decode resolves the envelope's event type against the registry and
// unmarshals the raw data into the matching payload struct. It returns
// ErrUnknownEventType for names the registry has never heard of and
// ErrMalformedPayload for data that does not parse or fails payload
// validation.
func Decode(e Envelope) (Payload, error) {
	newPayload, ok := registry[e.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, e.EventType)
	}

	payload := newPayload()
	if err := json.Unmarshal(e.Data, payload); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrMalformedPayload, e.EventType, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, e.EventType, err)
	}
	return payload, nil
}
