package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/drluca/shopflow/config"
	"github.com/drluca/shopflow/internal/consumer"
	"github.com/drluca/shopflow/internal/eventbus"
	"github.com/drluca/shopflow/internal/events"
	"github.com/drluca/shopflow/internal/httpx"
	"github.com/drluca/shopflow/internal/ledger"
	"github.com/drluca/shopflow/internal/payment"
	"github.com/drluca/shopflow/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(".", payment.ConsumerID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().Str("app", cfg.AppName).
		Bool("simulate_failures", cfg.SimulateFailures).
		Float64("failure_rate", cfg.FailureRate).
		Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	bus, err := eventbus.FromConfig(cfg)
	if bus == nil {
		log.Fatal().Err(err).Msg("failed to initialize event bus")
	}
	if err != nil {
		log.Warn().Err(err).Msg("event bus not connected yet, reconnecting in the background")
	}
	defer bus.Close()

	publisher := eventbus.NewRetryingPublisher(bus, eventbus.RetryPolicy{
		MaxAttempts:  cfg.PublishMaxAttempts,
		InitialDelay: cfg.PublishInitialDelay,
	})

	payments := payment.NewStore(store.NewRedis(rdb))
	gateway := payment.NewGateway(cfg)
	proc := payment.NewProcessor(payments, gateway, publisher)
	disp := consumer.New(payment.ConsumerID, ledger.NewRedisLedger(rdb, cfg.LedgerRetention)).
		On(events.TypePaymentRequested, proc.HandlePaymentRequested)

	// payment.requested shares the topic with the outcomes this service
	// publishes; the dispatcher ignores the types it has no handler for.
	if err := bus.Subscribe(events.TopicPaymentEvents, payment.ConsumerID, disp.Handle); err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to payment events")
	}

	api := payment.NewAPI(payments, gateway, publisher, httpx.EventIngress(disp.Handle))
	log.Info().Str("addr", cfg.HTTPAddr).Msg("serving HTTP")
	if err := httpx.Run(ctx, cfg.HTTPAddr, api.Router()); err != nil {
		log.Error().Err(err).Msg("HTTP server stopped")
	}
	log.Info().Msg("shut down")
}
