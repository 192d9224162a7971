package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"github.com/drluca/shopflow/config"
	"github.com/drluca/shopflow/internal/events"
	"github.com/drluca/shopflow/internal/metrics"
)

// publishTimeout bounds the wait for a publisher confirm.
const publishTimeout = 5 * time.Second

// RabbitBus is the broker-backed Bus. All topics share one topic
// exchange; the topic name is the routing key. Every subscription gets
// a durable queue named <consumerID>.<topic> with a dead-letter queue
// beside it, so replicas of one service share a stream while distinct
// services each see every event.
type RabbitBus struct {
	config          config.Config
	connection      *amqp.Connection
	consumerChan    *amqp.Channel
	producerChan    *amqp.Channel
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation

	ready        atomic.Bool
	connecting   atomic.Bool
	connectMutex chan struct{} // buffered size 1, used as a mutex
	publishMutex chan struct{} // serializes publish+confirm pairs

	subsMu sync.Mutex
	subs   []*subscription

	done chan struct{}
}

type subscription struct {
	topic      string
	consumerID string
	queue      string
	handler    Handler
}

// NewRabbitBus connects to the broker and declares the shared topology.
// If the initial dial fails the bus is still returned and keeps trying
// in the background; publishes fail until it succeeds.
func NewRabbitBus(cfg config.Config) (*RabbitBus, error) {
	b := &RabbitBus{
		config:       cfg,
		connectMutex: make(chan struct{}, 1),
		publishMutex: make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	b.connectMutex <- struct{}{}
	b.publishMutex <- struct{}{}

	err := b.connect()
	go b.handleReconnect()
	if err != nil {
		return b, fmt.Errorf("initial RabbitMQ connection failed: %w (will keep retrying)", err)
	}
	return b, nil
}

func (b *RabbitBus) connect() error {
	if !b.connecting.CompareAndSwap(false, true) {
		return errors.New("connection attempt already in progress")
	}
	defer b.connecting.Store(false)

	<-b.connectMutex
	defer func() { b.connectMutex <- struct{}{} }()

	log.Info().Str("url", b.config.RabbitMQURL).Msg("connecting to RabbitMQ")
	conn, err := amqp.Dial(b.config.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("dialing RabbitMQ: %w", err)
	}
	b.connection = conn
	b.notifyConnClose = make(chan *amqp.Error)
	b.connection.NotifyClose(b.notifyConnClose)

	if err := b.setupProducerChannel(); err != nil {
		return fmt.Errorf("producer channel: %w", err)
	}
	if err := b.setupConsumerChannel(); err != nil {
		return fmt.Errorf("consumer channel: %w", err)
	}

	b.ready.Store(true)
	log.Info().Msg("RabbitMQ connected, topology declared")

	// Re-establish every registered subscription. On first connect the
	// list is empty; after a reconnect this restores the consumers whose
	// delivery channels died with the old connection.
	b.subsMu.Lock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.subsMu.Unlock()
	for _, sub := range subs {
		if err := b.bindAndConsume(sub); err != nil {
			b.ready.Store(false)
			return fmt.Errorf("restoring subscription %s: %w", sub.queue, err)
		}
	}
	return nil
}

func (b *RabbitBus) setupProducerChannel() error {
	var err error
	b.producerChan, err = b.connection.Channel()
	if err != nil {
		return fmt.Errorf("opening producer channel: %w", err)
	}

	if err := b.producerChan.Confirm(false); err != nil {
		return fmt.Errorf("enabling publisher confirms: %w", err)
	}
	b.notifyConfirm = make(chan amqp.Confirmation, 1)
	b.producerChan.NotifyPublish(b.notifyConfirm)

	log.Info().Str("exchange", b.config.ExchangeName).Str("type", b.config.ExchangeType).Msg("declaring event exchange")
	err = b.producerChan.ExchangeDeclare(
		b.config.ExchangeName,
		b.config.ExchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declaring exchange %s: %w", b.config.ExchangeName, err)
	}
	return nil
}

func (b *RabbitBus) setupConsumerChannel() error {
	var err error
	b.consumerChan, err = b.connection.Channel()
	if err != nil {
		return fmt.Errorf("opening consumer channel: %w", err)
	}

	b.notifyChanClose = make(chan *amqp.Error)
	b.consumerChan.NotifyClose(b.notifyChanClose)

	if err := b.consumerChan.Qos(b.config.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("setting QoS: %w", err)
	}

	log.Info().Str("dlx", b.config.DLXName).Msg("declaring dead letter exchange")
	err = b.consumerChan.ExchangeDeclare(b.config.DLXName, "direct", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declaring DLX %s: %w", b.config.DLXName, err)
	}

	log.Info().Str("exchange", b.config.ParkingLotExchange).Msg("declaring parking lot exchange")
	err = b.consumerChan.ExchangeDeclare(b.config.ParkingLotExchange, "direct", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declaring parking lot exchange %s: %w", b.config.ParkingLotExchange, err)
	}

	_, err = b.consumerChan.QueueDeclare(b.config.ParkingLotQueue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declaring parking lot queue %s: %w", b.config.ParkingLotQueue, err)
	}
	err = b.consumerChan.QueueBind(
		b.config.ParkingLotQueue,
		b.config.ParkingLotRoutingKey,
		b.config.ParkingLotExchange,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("binding parking lot queue: %w", err)
	}
	return nil
}

// Subscribe declares the consumer's queue for the topic, binds it, and
// starts delivering. Safe to call before the first successful connect;
// the subscription is bound once the connection comes up.
func (b *RabbitBus) Subscribe(topic, consumerID string, handler Handler) error {
	sub := &subscription{
		topic:      topic,
		consumerID: consumerID,
		queue:      fmt.Sprintf("%s.%s", consumerID, topic),
		handler:    handler,
	}

	b.subsMu.Lock()
	b.subs = append(b.subs, sub)
	b.subsMu.Unlock()

	if !b.ready.Load() {
		log.Warn().Str("queue", sub.queue).Msg("bus not connected yet, subscription deferred")
		return nil
	}
	return b.bindAndConsume(sub)
}

func (b *RabbitBus) bindAndConsume(sub *subscription) error {
	// Each subscriber queue dead-letters into its own DLQ, keyed by the
	// queue name so one shared DLX can serve every queue.
	queueArgs := amqp.Table{
		"x-dead-letter-exchange":    b.config.DLXName,
		"x-dead-letter-routing-key": sub.queue,
	}
	if _, err := b.consumerChan.QueueDeclare(sub.queue, true, false, false, false, queueArgs); err != nil {
		return fmt.Errorf("declaring queue %s: %w", sub.queue, err)
	}
	if err := b.consumerChan.QueueBind(sub.queue, sub.topic, b.config.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("binding queue %s to topic %s: %w", sub.queue, sub.topic, err)
	}

	dlq := sub.queue + ".dlq"
	if _, err := b.consumerChan.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring DLQ %s: %w", dlq, err)
	}
	if err := b.consumerChan.QueueBind(dlq, sub.queue, b.config.DLXName, false, nil); err != nil {
		return fmt.Errorf("binding DLQ %s: %w", dlq, err)
	}

	deliveries, err := b.consumerChan.Consume(
		sub.queue,
		fmt.Sprintf("%s.%s", b.config.ConsumerTag, sub.queue),
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("registering consumer on %s: %w", sub.queue, err)
	}

	log.Info().Str("queue", sub.queue).Str("topic", sub.topic).Msg("consumer started")

	go func() {
		for {
			select {
			case <-b.done:
				return
			case delivery, ok := <-deliveries:
				if !ok {
					log.Warn().Str("queue", sub.queue).Msg("delivery channel closed, waiting for reconnect")
					b.ready.Store(false)
					return
				}
				b.processDelivery(context.Background(), delivery, sub)
			}
		}
	}()
	return nil
}

// processDelivery runs the handler with in-process retries before
// giving the broker its verdict: ack on success, parking lot for
// permanent failures, nack to the DLX once transient retries are spent.
func (b *RabbitBus) processDelivery(ctx context.Context, delivery amqp.Delivery, sub *subscription) {
	env, err := events.Unmarshal(delivery.Body)
	if err != nil {
		log.Error().Err(err).Str("queue", sub.queue).Msg("undecodable event body, parking")
		b.parkDelivery(delivery, sub, err.Error())
		return
	}

	maxRetries := b.config.MaxProcessingRetries
	var processingErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		processingErr = sub.handler(ctx, env)
		if processingErr == nil {
			if err := delivery.Ack(false); err != nil {
				log.Error().Err(err).Str("event_id", env.EventID).Msg("failed to ack delivery")
			}
			return
		}

		if errors.Is(processingErr, ErrPermanentFailure) {
			log.Error().Err(processingErr).
				Str("event_id", env.EventID).
				Str("event_type", env.EventType).
				Str("queue", sub.queue).
				Msg("permanent failure, parking event")
			b.parkDelivery(delivery, sub, processingErr.Error())
			return
		}

		log.Warn().Err(processingErr).
			Str("event_id", env.EventID).
			Str("queue", sub.queue).
			Int("attempt", attempt).
			Int("max_retries", maxRetries).
			Msg("transient failure processing event")
		if attempt < maxRetries {
			time.Sleep(b.config.RedeliveryDelay * time.Duration(attempt))
		}
	}

	log.Error().Err(processingErr).
		Str("event_id", env.EventID).
		Str("event_type", env.EventType).
		Str("queue", sub.queue).
		Msg("retries exhausted, dead-lettering event; manual reprocessing required")
	metrics.DeadLetteredEvents.WithLabelValues(sub.topic, sub.consumerID).Inc()
	if err := delivery.Nack(false, false); err != nil {
		log.Error().Err(err).Str("event_id", env.EventID).Msg("failed to nack delivery")
	}
}

// parkDelivery republishes the raw delivery to the parking lot and acks
// the original. Parked events are never redelivered; a human decides.
func (b *RabbitBus) parkDelivery(delivery amqp.Delivery, sub *subscription, reason string) {
	headers := delivery.Headers
	if headers == nil {
		headers = amqp.Table{}
	}
	headers["x-parking-reason"] = reason
	headers["x-original-queue"] = sub.queue
	headers["x-original-routing-key"] = delivery.RoutingKey

	<-b.publishMutex
	defer func() { b.publishMutex <- struct{}{} }()

	err := b.producerChan.Publish(
		b.config.ParkingLotExchange,
		b.config.ParkingLotRoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:   delivery.ContentType,
			CorrelationId: delivery.CorrelationId,
			MessageId:     delivery.MessageId,
			Timestamp:     time.Now(),
			DeliveryMode:  amqp.Persistent,
			Body:          delivery.Body,
			Headers:       headers,
		},
	)
	if err != nil {
		log.Error().Err(err).Msg("failed to publish to parking lot, nacking to DLX instead")
		if err := delivery.Nack(false, false); err != nil {
			log.Error().Err(err).Msg("failed to nack after parking lot publish failure")
		}
		return
	}
	if err := b.awaitConfirm(); err != nil {
		log.Error().Err(err).Msg("parking lot publish unconfirmed, nacking to DLX")
		if err := delivery.Nack(false, false); err != nil {
			log.Error().Err(err).Msg("failed to nack after unconfirmed parking lot publish")
		}
		return
	}

	metrics.ParkedEvents.WithLabelValues(sub.topic, sub.consumerID).Inc()
	if err := delivery.Ack(false); err != nil {
		log.Error().Err(err).Msg("failed to ack parked delivery")
	}
}

// Publish sends the envelope to the topic and waits for the broker to
// confirm it. The envelope is validated first; validation failures are
// reported as ErrMalformedEvent and must not be retried.
func (b *RabbitBus) Publish(ctx context.Context, topic string, env events.Envelope) (string, error) {
	body, err := events.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if !b.ready.Load() || b.producerChan == nil {
		return "", errors.New("publisher not ready")
	}

	<-b.publishMutex
	defer func() { b.publishMutex <- struct{}{} }()

	log.Debug().
		Str("topic", topic).
		Str("event_id", env.EventID).
		Str("event_type", env.EventType).
		Msg("publishing event")

	err = b.producerChan.Publish(
		b.config.ExchangeName,
		topic, // routing key
		false,
		false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     env.EventID,
			CorrelationId: env.CorrelationID,
			Timestamp:     env.OccurredAt,
			Body:          body,
		},
	)
	if err != nil {
		return "", fmt.Errorf("publishing %s to %s: %w", env.EventType, topic, err)
	}

	if err := b.awaitConfirm(); err != nil {
		return "", fmt.Errorf("publishing %s to %s: %w", env.EventType, topic, err)
	}
	return env.EventID, nil
}

func (b *RabbitBus) awaitConfirm() error {
	select {
	case confirm := <-b.notifyConfirm:
		if confirm.Ack {
			return nil
		}
		return errors.New("broker nacked publish")
	case <-time.After(publishTimeout):
		return errors.New("publish confirmation timeout")
	}
}

func (b *RabbitBus) handleReconnect() {
	for {
		if b.ready.Load() {
			select {
			case <-b.done:
				return
			case err, ok := <-b.notifyConnClose:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("RabbitMQ connection lost")
				b.ready.Store(false)
			case err, ok := <-b.notifyChanClose:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("RabbitMQ channel lost")
				b.ready.Store(false)
			}
		}

		select {
		case <-b.done:
			return
		default:
		}

		if !b.ready.Load() {
			attempts := 0
			for attempts < b.config.MaxReconnectAttempts || b.config.MaxReconnectAttempts == 0 {
				attempts++
				log.Info().Int("attempt", attempts).Msg("attempting RabbitMQ reconnection")
				if err := b.connect(); err == nil {
					break
				}
				select {
				case <-b.done:
					return
				case <-time.After(b.config.ReconnectDelay):
				}
			}
			if !b.ready.Load() {
				log.Error().Int("attempts", attempts).Msg("reconnection attempts exhausted, waiting before retrying")
				select {
				case <-b.done:
					return
				case <-time.After(b.config.ReconnectDelay * 2):
				}
			}
		}
	}
}

// Close shuts the bus down. In-flight deliveries that have not been
// acked return to their queues for the next process to pick up.
func (b *RabbitBus) Close() error {
	log.Info().Msg("closing RabbitMQ bus")
	b.ready.Store(false)
	close(b.done)

	if b.consumerChan != nil {
		if err := b.consumerChan.Close(); err != nil {
			log.Error().Err(err).Msg("error closing consumer channel")
		}
		b.consumerChan = nil
	}
	if b.producerChan != nil {
		if err := b.producerChan.Close(); err != nil {
			log.Error().Err(err).Msg("error closing producer channel")
		}
		b.producerChan = nil
	}
	if b.connection != nil && !b.connection.IsClosed() {
		if err := b.connection.Close(); err != nil {
			log.Error().Err(err).Msg("error closing connection")
			return err
		}
		b.connection = nil
	}
	return nil
}

// IsReady reports whether the bus can publish and consume right now.
func (b *RabbitBus) IsReady() bool {
	return b.ready.Load() && b.connection != nil && !b.connection.IsClosed()
}
