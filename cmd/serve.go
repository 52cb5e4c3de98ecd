package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/transfa/credit-service/internal/api"
	"github.com/transfa/credit-service/internal/app"
	"github.com/transfa/credit-service/internal/domain"
	"github.com/transfa/credit-service/internal/tracing"
	"github.com/transfa/credit-service/pkg/paymentclient"
	rmrabbit "github.com/transfa/credit-service/pkg/rabbitmq"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("migrate", false, "Apply the schema before serving")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, payment event consumer and expiry scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		return errors.New("internal api key must be configured (INTERNAL_API_KEY)")
	}
	if cfg.PaymentWebhookSecret == "" {
		log.Warn().Str("component", "bootstrap").Msg("payment webhook secret missing; every webhook will be rejected")
	}
	log.Info().Str("component", "bootstrap").Str("port", cfg.ServerPort).Msg("starting credit-service")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdownTracing, err := tracing.InitTracerProvider(cfg.ServiceName, cfg.JaegerEndpoint)
		if err != nil {
			log.Warn().Str("component", "bootstrap").Err(err).Msg("tracing init failed; continuing without traces")
		} else {
			defer shutdownTracing(context.Background())
		}
	}

	pool, repository, err := openDatabase(ctx)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer pool.Close()

	if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
		if err := repository.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	var publisher rmrabbit.Publisher
	if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL); err != nil {
		log.Warn().Str("component", "bootstrap").Err(err).Msg("rabbitmq producer unavailable; using fallback")
	} else {
		defer producer.Close()
		publisher = producer
		log.Info().Str("component", "bootstrap").Msg("rabbitmq producer connected")
	}

	payments := paymentclient.NewClient(cfg.PaymentAPIBaseURL, cfg.PaymentKeyID, cfg.PaymentKeySecret, cfg.PaymentWebhookSecret)

	creditService := app.NewService(repository, payments, publisher, app.ServiceConfig{
		CreditEventsExchange: cfg.CreditEventsExchange,
		InitialBalance:       cfg.InitialCreditBalance,
		Pricing: app.PurchasePricing{
			UnitPrice:  cfg.CreditUnitPrice,
			Currency:   cfg.PaymentCurrency,
			MinCredits: cfg.MinPurchaseCredits,
			MaxCredits: cfg.MaxPurchaseCredits,
		},
	})

	if redisClient := connectRedis(ctx); redisClient != nil {
		defer redisClient.Close()
		creditService.SetWebhookReplayCache(app.NewRedisWebhookReplayCache(
			redisClient, cfg.RedisKeyPrefix, time.Duration(cfg.WebhookReplayTTLMinutes)*time.Minute,
		))
	}

	sweeper := creditService.ExpirySweeper(cfg.ExpirySweepBatchSize)
	scheduler := app.NewScheduler(sweeper, cfg.ExpirySweepSchedule)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start expiry scheduler: %w", err)
	}
	defer func() {
		<-scheduler.Stop().Done()
	}()

	if consumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL); err != nil {
		log.Warn().Str("component", "bootstrap").Err(err).Msg("rabbitmq consumer unavailable; payment events only arrive via webhook")
	} else {
		defer consumer.Close()
		paymentConsumer := creditService.PaymentEventConsumer()
		bindings := map[string]rmrabbit.Handler{
			domain.PaymentEventCaptured: paymentConsumer.HandleMessage,
			domain.PaymentEventFailed:   paymentConsumer.HandleMessage,
		}
		if err := consumer.ConsumeWithBindings(cfg.PaymentEventsExchange, cfg.PaymentEventQueue, bindings); err != nil {
			return fmt.Errorf("payment event consumer start failed: %w", err)
		}
	}

	handlers := api.NewCreditHandlers(creditService, sweeper)
	router := api.NewRouter(handlers, api.RouterOptions{
		JWKSURL:        cfg.ClerkJWKSURL,
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("component", "http").Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server stopped unexpectedly: %w", err)
		}
	}
	log.Info().Str("component", "http").Msg("shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Str("component", "http").Err(err).Msg("shutdown failed")
	}
	log.Info().Str("component", "http").Msg("shutdown complete")
	return nil
}

// connectRedis returns nil when Redis is not configured or unreachable; the webhook path
// then relies on the database state alone.
func connectRedis(ctx context.Context) *redis.Client {
	if cfg.RedisURL == "" {
		log.Info().Str("component", "bootstrap").Msg("redis url missing; webhook replay cache disabled")
		return nil
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Warn().Str("component", "bootstrap").Err(err).Msg("redis url parse failed; webhook replay cache disabled")
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Str("component", "bootstrap").Err(err).Msg("redis ping failed; webhook replay cache disabled")
		client.Close()
		return nil
	}
	log.Info().Str("component", "bootstrap").Msg("redis connected")
	return client
}
