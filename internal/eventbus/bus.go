// Package eventbus provides the publish/subscribe substrate the
// shopflow services communicate over. Two implementations share one
// contract: a RabbitMQ-backed bus for deployment and an in-process bus
// for tests and single-binary development runs.
//
// Delivery is at least once on both. Handlers own idempotency; the bus
// owns redelivery, dead-lettering, and the parking lot for events that
// can never succeed.
package eventbus

import (
	"context"
	"errors"

	"github.com/drluca/shopflow/internal/events"
)

// Handler processes one delivered envelope.
//
// Return values drive the delivery contract:
//   - nil acknowledges the event; it will not be seen again.
//   - an error wrapping ErrPermanentFailure parks the event without
//     further attempts.
//   - any other error is treated as transient and the event is
//     redelivered until the attempt budget runs out, after which it is
//     dead-lettered.
type Handler func(ctx context.Context, env events.Envelope) error

// ErrPermanentFailure marks an event that no amount of redelivery can
// fix: unparseable payloads, unknown event types, schema violations.
var ErrPermanentFailure = errors.New("permanent failure processing event")

// ErrMalformedEvent is returned by Publish when the envelope itself is
// unfit for the wire. It is a producer bug; retrying the publish is
// pointless.
var ErrMalformedEvent = errors.New("malformed event")

// ErrBusClosed is returned once a bus has been shut down.
var ErrBusClosed = errors.New("event bus is closed")

// Publisher is the producer half of the bus. Publish returns the event
// ID it put on the wire, after the broker has confirmed receipt.
type Publisher interface {
	Publish(ctx context.Context, topic string, env events.Envelope) (string, error)
}

// Bus is the full substrate contract. Subscribe registers a handler for
// one topic under a consumer identity; each consumer ID gets its own
// queue, so distinct services each receive every event while replicas
// of one service share the stream.
type Bus interface {
	Publisher
	Subscribe(topic, consumerID string, handler Handler) error
	Close() error
}
