// Package events defines the wire contract shared by every shopflow
// service: the event envelope, the typed payloads carried inside it, and
// the codec that maps event type names to payload structs.
//
// The envelope is the only thing that crosses a topic. Consumers never
// exchange Go types directly; they re-decode the payload from the
// envelope's raw data on every delivery.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topic names. Every event flows over exactly one of these.
const (
	TopicProductEvents = "product-events"
	TopicCartEvents    = "cart-events"
	TopicOrderEvents   = "order-events"
	TopicPaymentEvents = "payment-events"
)

// SchemaVersion is stamped into envelope metadata so consumers can
// reject payloads from a future, incompatible producer.
const SchemaVersion = "1.0"

// Metadata carries envelope fields that are not part of the payload
// contract itself.
type Metadata struct {
	Version string `json:"version"`
}

// Envelope wraps a single event for transport. Data stays raw until a
// consumer decodes it through the codec, so an envelope can be routed
// and acknowledged without understanding its payload.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	CorrelationID string          `json:"correlation_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Source        string          `json:"source"`
	Data          json.RawMessage `json:"data"`
	Metadata      Metadata        `json:"metadata"`
}

// ErrInvalidEnvelope reports an envelope missing required fields. It is
// a producer-side bug, never worth a retry.
var ErrInvalidEnvelope = errors.New("invalid event envelope")

// New builds an envelope around the given payload. The event type is
// taken from the payload itself so producers cannot mislabel an event.
// correlationID groups every event in one saga run; pass the event ID of
// the triggering event, or empty for a saga-starting event to correlate
// with itself.
func New(source, correlationID string, payload Payload) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s payload: %w", payload.EventType(), err)
	}

	id := uuid.New().String()
	if correlationID == "" {
		correlationID = id
	}

	return Envelope{
		EventID:       id,
		EventType:     payload.EventType(),
		CorrelationID: correlationID,
		OccurredAt:    time.Now().UTC(),
		Source:        source,
		Data:          data,
		Metadata:      Metadata{Version: SchemaVersion},
	}, nil
}

// Validate checks the envelope fields every consumer depends on.
// Payload-level validation happens later, in Decode.
func (e Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("%w: missing event_id", ErrInvalidEnvelope)
	case e.EventType == "":
		return fmt.Errorf("%w: missing event_type", ErrInvalidEnvelope)
	case e.OccurredAt.IsZero():
		return fmt.Errorf("%w: missing occurred_at", ErrInvalidEnvelope)
	case len(e.Data) == 0:
		return fmt.Errorf("%w: missing data", ErrInvalidEnvelope)
	}
	return nil
}

// Marshal serializes the envelope for transport.
func Marshal(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Unmarshal parses an envelope off the wire. A body that is not valid
// JSON, or that lacks required envelope fields, is permanently
// unprocessable; the caller should not redeliver it.
func Unmarshal(body []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
