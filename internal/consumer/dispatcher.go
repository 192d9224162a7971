// Package consumer implements the shared event-processing discipline:
// decode, deduplicate against the idempotency ledger, apply, and
// classify failures so the bus can decide between redelivery and the
// parking lot.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/drluca/shopflow/internal/eventbus"
	"github.com/drluca/shopflow/internal/events"
	"github.com/drluca/shopflow/internal/ledger"
	"github.com/drluca/shopflow/internal/metrics"
)

// Processing outcomes, recorded per event for the metrics scrape.
const (
	outcomeApplied   = "applied"
	outcomeDuplicate = "skipped_duplicate"
	outcomeIgnored   = "ignored"
	outcomeDropped   = "dropped"
	outcomeRetried   = "retried"
)

// HandlerFunc applies one decoded event. The payload is already
// validated; handlers type-assert it to the struct registered for the
// event type.
type HandlerFunc func(ctx context.Context, env events.Envelope, payload events.Payload) error

// Dispatcher routes decoded events to per-type handlers behind the
// idempotency ledger. One dispatcher serves one consumer identity,
// regardless of how many topics feed it.
type Dispatcher struct {
	consumerID string
	ledger     ledger.Ledger
	handlers   map[string]HandlerFunc
}

// New builds a dispatcher for the consumer identity.
func New(consumerID string, led ledger.Ledger) *Dispatcher {
	return &Dispatcher{
		consumerID: consumerID,
		ledger:     led,
		handlers:   make(map[string]HandlerFunc),
	}
}

// On registers the handler for an event type. Chainable.
func (d *Dispatcher) On(eventType string, handler HandlerFunc) *Dispatcher {
	d.handlers[eventType] = handler
	return d
}

// ConsumerID returns the identity claims are recorded under.
func (d *Dispatcher) ConsumerID() string { return d.consumerID }

// Handle is the eventbus.Handler for this consumer.
//
// The sequence is fixed: decode and validate, skip event types this
// consumer does not handle, claim the ledger entry, apply, and release
// the claim if applying failed. Undecodable events are permanent
// failures; everything after a won claim that fails is returned as-is
// so the bus redelivers unless the handler says otherwise.
func (d *Dispatcher) Handle(ctx context.Context, env events.Envelope) error {
	logger := log.With().
		Str("consumer", d.consumerID).
		Str("event_id", env.EventID).
		Str("event_type", env.EventType).
		Str("correlation_id", env.CorrelationID).
		Logger()

	payload, err := events.Decode(env)
	if err != nil {
		if errors.Is(err, events.ErrUnknownEventType) || errors.Is(err, events.ErrMalformedPayload) {
			logger.Error().Err(err).Msg("event cannot ever be processed, dropping")
			metrics.EventsProcessed.WithLabelValues(d.consumerID, env.EventType, outcomeDropped).Inc()
			return fmt.Errorf("%w: %v", eventbus.ErrPermanentFailure, err)
		}
		return err
	}

	handler, handled := d.handlers[env.EventType]
	if !handled {
		// Valid event on a topic we subscribe to, just not one of ours.
		// The payment service sees its own payment.completed this way.
		metrics.EventsProcessed.WithLabelValues(d.consumerID, env.EventType, outcomeIgnored).Inc()
		return nil
	}

	fresh, err := d.ledger.RecordIfNew(ctx, d.consumerID, env.EventID)
	if err != nil {
		logger.Warn().Err(err).Msg("ledger unavailable, leaving event for redelivery")
		return fmt.Errorf("claiming event %s: %w", env.EventID, err)
	}
	if !fresh {
		logger.Info().Msg("duplicate delivery, already applied")
		metrics.EventsProcessed.WithLabelValues(d.consumerID, env.EventType, outcomeDuplicate).Inc()
		return nil
	}

	start := time.Now()
	if err := handler(ctx, env, payload); err != nil {
		// Release the claim so the redelivered event is processed
		// rather than skipped as a duplicate.
		if forgetErr := d.ledger.Forget(ctx, d.consumerID, env.EventID); forgetErr != nil {
			logger.Error().Err(forgetErr).Msg("failed to release ledger claim; redelivery will be skipped")
		}

		outcome := outcomeRetried
		if errors.Is(err, eventbus.ErrPermanentFailure) {
			outcome = outcomeDropped
		}
		metrics.EventsProcessed.WithLabelValues(d.consumerID, env.EventType, outcome).Inc()
		logger.Warn().Err(err).Msg("handler failed")
		return err
	}

	metrics.EventsProcessed.WithLabelValues(d.consumerID, env.EventType, outcomeApplied).Inc()
	metrics.HandlerDuration.WithLabelValues(d.consumerID, env.EventType).Observe(time.Since(start).Seconds())
	logger.Debug().Msg("event applied")
	return nil
}
