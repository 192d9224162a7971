package payment

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/drluca/shopflow/internal/eventbus"
	"github.com/drluca/shopflow/internal/events"
	"github.com/drluca/shopflow/internal/metrics"
)

// ConsumerID is the identity this service claims ledger entries under.
const ConsumerID = "payment-service"

// Processor charges payment.requested events and answers on the same
// topic with payment.completed or payment.failed.
type Processor struct {
	payments *Store
	gateway  *Gateway
	bus      eventbus.Publisher
}

func NewProcessor(payments *Store, gateway *Gateway, bus eventbus.Publisher) *Processor {
	return &Processor{payments: payments, gateway: gateway, bus: bus}
}

// HandlePaymentRequested runs one charge attempt and announces the
// outcome. The record and its announcement stand or fall together:
// when the outcome event cannot be published the record is unwound and
// the delivery fails, so the retried event charges afresh. Without the
// announcement the order would wait in payment_requested forever; the
// gateway is a simulation, so a second charge costs nothing.
func (p *Processor) HandlePaymentRequested(ctx context.Context, env events.Envelope, payload events.Payload) error {
	req := payload.(*events.PaymentRequested)

	pay := p.gateway.Charge(req.OrderID, req.UserID, req.Amount)
	if err := p.payments.Save(ctx, &pay); err != nil {
		return err
	}

	logger := log.With().
		Str("payment_id", pay.PaymentID).
		Str("order_id", pay.OrderID).
		Float64("amount", pay.Amount).
		Logger()
	if pay.Status == StatusCompleted {
		logger.Info().Str("transaction_id", pay.TransactionID).Msg("payment completed")
	} else {
		logger.Warn().Str("error_code", pay.ErrorCode).Msg("payment declined")
	}

	if err := publish(ctx, p.bus, env.CorrelationID, outcomePayload(&pay)); err != nil {
		if delErr := p.payments.Delete(ctx, pay.PaymentID); delErr != nil {
			logger.Error().Err(delErr).Msg("could not unwind unannounced payment record")
		}
		return fmt.Errorf("announcing payment %s: %w", pay.PaymentID, err)
	}
	return nil
}

// publish builds and sends one payment-events envelope.
func publish(ctx context.Context, bus eventbus.Publisher, correlationID string, payload events.Payload) error {
	env, err := events.New(ConsumerID, correlationID, payload)
	if err != nil {
		return err
	}
	_, err = bus.Publish(ctx, events.TopicPaymentEvents, env)
	return err
}

// emitOrLog publishes an event whose state change is already durable,
// such as a refund. Failure is recorded instead of surfaced.
func emitOrLog(ctx context.Context, bus eventbus.Publisher, correlationID string, payload events.Payload) {
	if err := publish(ctx, bus, correlationID, payload); err != nil {
		metrics.LostEmissions.WithLabelValues(ConsumerID, payload.EventType()).Inc()
		log.Error().Err(err).
			Str("event_type", payload.EventType()).
			Msg("payment event lost")
	}
}

// outcomePayload maps a charge attempt to the event the order saga
// consumes.
func outcomePayload(pay *Payment) events.Payload {
	if pay.Status == StatusCompleted {
		return events.PaymentCompleted{
			PaymentID:     pay.PaymentID,
			OrderID:       pay.OrderID,
			UserID:        pay.UserID,
			Amount:        pay.Amount,
			TransactionID: pay.TransactionID,
		}
	}
	return events.PaymentFailed{
		PaymentID: pay.PaymentID,
		OrderID:   pay.OrderID,
		UserID:    pay.UserID,
		Amount:    pay.Amount,
		ErrorCode: pay.ErrorCode,
		Error:     pay.ErrorMessage,
	}
}
