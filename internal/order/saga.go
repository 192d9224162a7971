package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/drluca/shopflow/internal/eventbus"
	"github.com/drluca/shopflow/internal/events"
)

// ConsumerID is the identity this service claims ledger entries under.
// Every replica shares it.
const ConsumerID = "order-service"

// ErrEarlyEvent marks an event that arrived before the saga state it
// depends on. It is transient: redelivery gives the missing event time
// to land, and the dead letter queue catches the case where it never
// does.
var ErrEarlyEvent = errors.New("event arrived ahead of saga state")

// Saga advances orders through their lifecycle in response to events.
// All mutations flow through here; the HTTP API only reads, except for
// the administrative cancel.
type Saga struct {
	orders *Store
	bus    eventbus.Publisher
}

func NewSaga(orders *Store, bus eventbus.Publisher) *Saga {
	return &Saga{orders: orders, bus: bus}
}

func (s *Saga) emit(ctx context.Context, topic, correlationID string, payload events.Payload) error {
	env, err := events.New(ConsumerID, correlationID, payload)
	if err != nil {
		return err
	}
	_, err = s.bus.Publish(ctx, topic, env)
	return err
}

// HandleOrderCreated materializes the order and asks for payment.
//
// The record is persisted before anything is emitted, so a failed
// publish can roll the whole application back: the record is deleted,
// the error bubbles up, the dispatcher releases the ledger claim, and
// the redelivered event starts from scratch.
func (s *Saga) HandleOrderCreated(ctx context.Context, env events.Envelope, payload events.Payload) error {
	doc := payload.(*events.OrderCreated).Order
	o := FromDoc(doc, env.CorrelationID)

	created, err := s.orders.Create(ctx, o)
	if err != nil {
		return err
	}
	if !created {
		// A previous delivery already materialized this order. The
		// ledger usually catches duplicates first; this guards the
		// window where a claim was released after the record stuck.
		log.Warn().Str("order_id", o.OrderID).Str("event_id", env.EventID).
			Msg("order already materialized, ignoring replay")
		return nil
	}

	if err := o.Advance(StatusConfirmed); err != nil {
		return err
	}
	if err := o.Advance(StatusPaymentRequested); err != nil {
		return err
	}
	if err := s.orders.Save(ctx, o); err != nil {
		return s.rollbackCreate(ctx, o, err)
	}

	if err := s.emit(ctx, events.TopicOrderEvents, o.CorrelationID, events.OrderConfirmed{
		OrderID: o.OrderID,
		UserID:  o.UserID,
		Status:  string(StatusConfirmed),
		Total:   o.Total,
	}); err != nil {
		return s.rollbackCreate(ctx, o, err)
	}

	if err := s.emit(ctx, events.TopicPaymentEvents, o.CorrelationID, events.PaymentRequested{
		OrderID: o.OrderID,
		UserID:  o.UserID,
		Amount:  o.Total,
	}); err != nil {
		return s.rollbackCreate(ctx, o, err)
	}

	log.Info().Str("order_id", o.OrderID).Str("correlation_id", o.CorrelationID).
		Float64("total", o.Total).Msg("order accepted, payment requested")
	return nil
}

// rollbackCreate undoes a partially applied order.created so the
// redelivered event sees no trace of this attempt.
func (s *Saga) rollbackCreate(ctx context.Context, o *Order, cause error) error {
	if err := s.orders.Delete(ctx, o.OrderID); err != nil {
		log.Error().Err(err).Str("order_id", o.OrderID).
			Msg("rollback failed, order record inconsistent until redelivery")
	}
	return fmt.Errorf("applying order.created for %s: %w", o.OrderID, cause)
}

// HandlePaymentCompleted drives a paid order to completion: mark paid,
// announce it, hand the items to the catalog, settle.
func (s *Saga) HandlePaymentCompleted(ctx context.Context, env events.Envelope, payload events.Payload) error {
	p := payload.(*events.PaymentCompleted)

	o, err := s.orders.Get(ctx, p.OrderID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("payment.completed for %s: %w", p.OrderID, ErrEarlyEvent)
	}
	if err != nil {
		return err
	}

	switch {
	case o.Status == StatusPaymentRequested:
		// proceed
	case o.Status == StatusCreated || o.Status == StatusConfirmed:
		return fmt.Errorf("order %s still %s: %w", o.OrderID, o.Status, ErrEarlyEvent)
	default:
		// Paid or later, failed, or cancelled: this outcome is stale.
		// Acking keeps the state machine monotonic.
		log.Warn().Str("order_id", o.OrderID).Str("status", string(o.Status)).
			Str("event_id", env.EventID).Msg("stale payment.completed, order already resolved")
		return nil
	}

	prev := *o
	o.PaymentID = p.PaymentID

	if err := s.advanceAndSave(ctx, o, StatusPaid, &prev); err != nil {
		return err
	}
	if err := s.emit(ctx, events.TopicOrderEvents, o.CorrelationID, events.OrderPaid{
		OrderID:   o.OrderID,
		PaymentID: o.PaymentID,
		Status:    string(StatusPaid),
	}); err != nil {
		return s.restore(ctx, &prev, err)
	}

	if err := s.advanceAndSave(ctx, o, StatusPlaced, &prev); err != nil {
		return err
	}
	if err := s.emit(ctx, events.TopicOrderEvents, o.CorrelationID, events.OrderPlaced{
		OrderID: o.OrderID,
		UserID:  o.UserID,
		Items:   o.Items,
	}); err != nil {
		return s.restore(ctx, &prev, err)
	}

	if err := s.advanceAndSave(ctx, o, StatusCompleted, &prev); err != nil {
		return err
	}

	log.Info().Str("order_id", o.OrderID).Str("payment_id", o.PaymentID).
		Str("correlation_id", o.CorrelationID).Msg("order paid and placed")
	return nil
}

// HandlePaymentFailed moves the order to its failed terminal state.
func (s *Saga) HandlePaymentFailed(ctx context.Context, env events.Envelope, payload events.Payload) error {
	p := payload.(*events.PaymentFailed)

	o, err := s.orders.Get(ctx, p.OrderID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("payment.failed for %s: %w", p.OrderID, ErrEarlyEvent)
	}
	if err != nil {
		return err
	}

	switch {
	case o.Status == StatusPaymentRequested:
		// proceed
	case o.Status == StatusCreated || o.Status == StatusConfirmed:
		return fmt.Errorf("order %s still %s: %w", o.OrderID, o.Status, ErrEarlyEvent)
	default:
		log.Warn().Str("order_id", o.OrderID).Str("status", string(o.Status)).
			Str("event_id", env.EventID).Msg("stale payment.failed, order already resolved")
		return nil
	}

	prev := *o
	o.FailureReason = p.Error

	if err := s.advanceAndSave(ctx, o, StatusFailed, &prev); err != nil {
		return err
	}
	if err := s.emit(ctx, events.TopicOrderEvents, o.CorrelationID, events.OrderFailed{
		OrderID: o.OrderID,
		Status:  string(StatusFailed),
		Reason:  p.Error,
	}); err != nil {
		return s.restore(ctx, &prev, err)
	}

	log.Info().Str("order_id", o.OrderID).Str("reason", p.Error).
		Str("correlation_id", o.CorrelationID).Msg("order failed, payment declined")
	return nil
}

func (s *Saga) advanceAndSave(ctx context.Context, o *Order, to Status, prev *Order) error {
	if err := o.Advance(to); err != nil {
		return err
	}
	if err := s.orders.Save(ctx, o); err != nil {
		return s.restore(ctx, prev, err)
	}
	return nil
}

// restore puts the pre-handler snapshot back so the redelivered event
// replays against clean state. If even the restore fails the order is
// flagged inconsistent and left for redelivery to repair.
func (s *Saga) restore(ctx context.Context, prev *Order, cause error) error {
	if err := s.orders.Save(ctx, prev); err != nil {
		log.Error().Err(err).Str("order_id", prev.OrderID).
			Msg("rollback failed, order state inconsistent until redelivery")
	}
	return fmt.Errorf("applying event to order %s: %w", prev.OrderID, cause)
}
