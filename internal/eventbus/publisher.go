package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/drluca/shopflow/internal/events"
	"github.com/drluca/shopflow/internal/metrics"
)

// RetryPolicy controls publish retries. Delay grows by Multiplier after
// each failed attempt.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy suits broker blips: three attempts over roughly
// half a second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, Multiplier: 2.0}
}

// RetryingPublisher wraps a Publisher with bounded retries. Transient
// broker errors are retried with growing delays; a malformed envelope
// is a producer bug and fails immediately.
type RetryingPublisher struct {
	bus    Publisher
	policy RetryPolicy
}

// NewRetryingPublisher wraps bus. Zero policy fields fall back to the
// defaults.
func NewRetryingPublisher(bus Publisher, policy RetryPolicy) *RetryingPublisher {
	def := DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = def.InitialDelay
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = def.Multiplier
	}
	return &RetryingPublisher{bus: bus, policy: policy}
}

// Publish attempts the publish until it succeeds, the attempt budget
// runs out, or the context is cancelled.
func (p *RetryingPublisher) Publish(ctx context.Context, topic string, env events.Envelope) (string, error) {
	delay := p.policy.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= p.policy.MaxAttempts; attempt++ {
		id, err := p.bus.Publish(ctx, topic, env)
		if err == nil {
			return id, nil
		}
		if errors.Is(err, ErrMalformedEvent) {
			return "", err
		}
		lastErr = err

		metrics.PublishRetries.WithLabelValues(topic).Inc()
		log.Warn().Err(err).
			Str("topic", topic).
			Str("event_type", env.EventType).
			Int("attempt", attempt).
			Int("max_attempts", p.policy.MaxAttempts).
			Msg("publish failed")

		if attempt < p.policy.MaxAttempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * p.policy.Multiplier)
		}
	}
	return "", fmt.Errorf("publishing %s to %s failed after %d attempts: %w",
		env.EventType, topic, p.policy.MaxAttempts, lastErr)
}
