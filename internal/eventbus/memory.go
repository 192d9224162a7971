package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/drluca/shopflow/internal/events"
	"github.com/drluca/shopflow/internal/metrics"
)

// MemoryBusOptions tune the in-process bus. Zero values get the
// defaults below.
type MemoryBusOptions struct {
	MaxAttempts     int           // delivery attempts before dead-lettering (default 3)
	RedeliveryDelay time.Duration // pause before a transient failure is redelivered (default 5ms)
	BufferSize      int           // per-subscription queue depth (default 64)
}

// FailedEvent is a dead-lettered or parked event kept for inspection.
type FailedEvent struct {
	Topic      string
	ConsumerID string
	Env        events.Envelope
	Attempts   int
	Reason     string
}

// MemoryBus is an in-process Bus with the same delivery contract as the
// broker-backed one: at-least-once, per-consumer streams, transient
// failures redelivered up to a budget, permanent failures parked. Used
// by tests and by single-binary development runs.
type MemoryBus struct {
	opts MemoryBusOptions

	mu     sync.Mutex
	subs   map[string][]*memorySub
	dead   []FailedEvent
	parked []FailedEvent
	closed bool
	done   chan struct{}

	// inflight counts deliveries that have not yet been resolved by an
	// ack, a park, or a dead-letter. WaitIdle blocks on it.
	inflight sync.WaitGroup
}

type memorySub struct {
	topic      string
	consumerID string
	handler    Handler
	queue      chan memoryDelivery
}

type memoryDelivery struct {
	body    []byte
	attempt int
}

// NewMemoryBus builds an in-process bus.
func NewMemoryBus(opts MemoryBusOptions) *MemoryBus {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RedeliveryDelay <= 0 {
		opts.RedeliveryDelay = 5 * time.Millisecond
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64
	}
	return &MemoryBus{
		opts: opts,
		subs: make(map[string][]*memorySub),
		done: make(chan struct{}),
	}
}

// Subscribe registers a handler for the topic under a consumer
// identity and starts its delivery worker.
func (b *MemoryBus) Subscribe(topic, consumerID string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}

	sub := &memorySub{
		topic:      topic,
		consumerID: consumerID,
		handler:    handler,
		queue:      make(chan memoryDelivery, b.opts.BufferSize),
	}
	b.subs[topic] = append(b.subs[topic], sub)

	go b.deliverLoop(sub)
	return nil
}

// Publish fans the envelope out to every subscription on the topic.
// The envelope goes through the wire codec so subscribers see exactly
// what a broker would hand them, never a shared Go value.
func (b *MemoryBus) Publish(ctx context.Context, topic string, env events.Envelope) (string, error) {
	body, err := events.Marshal(env)
	if err != nil {
		return "", errors.Join(ErrMalformedEvent, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrBusClosed
	}
	subs := make([]*memorySub, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	for range subs {
		b.inflight.Add(1)
	}
	b.mu.Unlock()

	for i, sub := range subs {
		select {
		case sub.queue <- memoryDelivery{body: body, attempt: 1}:
		case <-ctx.Done():
			for range subs[i:] {
				b.inflight.Done()
			}
			return "", ctx.Err()
		case <-b.done:
			for range subs[i:] {
				b.inflight.Done()
			}
			return "", ErrBusClosed
		}
	}
	return env.EventID, nil
}

func (b *MemoryBus) deliverLoop(sub *memorySub) {
	for {
		select {
		case <-b.done:
			return
		case delivery := <-sub.queue:
			b.process(sub, delivery)
		}
	}
}

func (b *MemoryBus) process(sub *memorySub, delivery memoryDelivery) {
	env, err := events.Unmarshal(delivery.body)
	if err != nil {
		// Publish already validated the body; reaching here means the
		// codec itself is broken.
		b.park(sub, events.Envelope{}, delivery.attempt, err.Error())
		return
	}

	handlerErr := sub.handler(context.Background(), env)
	switch {
	case handlerErr == nil:
		b.inflight.Done()

	case errors.Is(handlerErr, ErrPermanentFailure):
		log.Error().Err(handlerErr).
			Str("event_id", env.EventID).
			Str("event_type", env.EventType).
			Str("consumer", sub.consumerID).
			Msg("permanent failure, parking event")
		b.park(sub, env, delivery.attempt, handlerErr.Error())

	case delivery.attempt < b.opts.MaxAttempts:
		log.Warn().Err(handlerErr).
			Str("event_id", env.EventID).
			Str("consumer", sub.consumerID).
			Int("attempt", delivery.attempt).
			Msg("transient failure, scheduling redelivery")
		next := memoryDelivery{body: delivery.body, attempt: delivery.attempt + 1}
		time.AfterFunc(b.opts.RedeliveryDelay*time.Duration(delivery.attempt), func() {
			b.redeliver(sub, next, env)
		})

	default:
		log.Error().Err(handlerErr).
			Str("event_id", env.EventID).
			Str("event_type", env.EventType).
			Str("consumer", sub.consumerID).
			Int("attempts", delivery.attempt).
			Msg("retries exhausted, dead-lettering event; manual reprocessing required")
		b.deadLetter(sub, env, delivery.attempt, handlerErr.Error())
	}
}

func (b *MemoryBus) redeliver(sub *memorySub, delivery memoryDelivery, env events.Envelope) {
	select {
	case sub.queue <- delivery:
	case <-b.done:
		// The process is going away; a broker would simply hold the
		// message. Resolve it so WaitIdle callers are not stranded.
		b.deadLetter(sub, env, delivery.attempt-1, "bus closed during redelivery")
	}
}

func (b *MemoryBus) park(sub *memorySub, env events.Envelope, attempts int, reason string) {
	b.mu.Lock()
	b.parked = append(b.parked, FailedEvent{
		Topic: sub.topic, ConsumerID: sub.consumerID, Env: env, Attempts: attempts, Reason: reason,
	})
	b.mu.Unlock()
	metrics.ParkedEvents.WithLabelValues(sub.topic, sub.consumerID).Inc()
	b.inflight.Done()
}

func (b *MemoryBus) deadLetter(sub *memorySub, env events.Envelope, attempts int, reason string) {
	b.mu.Lock()
	b.dead = append(b.dead, FailedEvent{
		Topic: sub.topic, ConsumerID: sub.consumerID, Env: env, Attempts: attempts, Reason: reason,
	})
	b.mu.Unlock()
	metrics.DeadLetteredEvents.WithLabelValues(sub.topic, sub.consumerID).Inc()
	b.inflight.Done()
}

// WaitIdle blocks until every published delivery has been acked,
// parked, or dead-lettered. Tests use it instead of sleeping.
func (b *MemoryBus) WaitIdle() {
	b.inflight.Wait()
}

// DeadLetters returns a copy of the dead-lettered events.
func (b *MemoryBus) DeadLetters() []FailedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]FailedEvent, len(b.dead))
	copy(out, b.dead)
	return out
}

// Parked returns a copy of the parked events.
func (b *MemoryBus) Parked() []FailedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]FailedEvent, len(b.parked))
	copy(out, b.parked)
	return out
}

// Close stops accepting publishes and shuts down delivery workers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}
