package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/ledgerwatch/common/config"
	"github.com/telhawk-systems/ledgerwatch/common/deliveryqueue"
	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/messaging"
	natsclient "github.com/telhawk-systems/ledgerwatch/common/messaging/nats"
	"github.com/telhawk-systems/ledgerwatch/common/middleware"
	"github.com/telhawk-systems/ledgerwatch/common/pubsub"
	"github.com/telhawk-systems/ledgerwatch/common/server"
	"github.com/telhawk-systems/ledgerwatch/delivery/internal/deliverer"
	"github.com/telhawk-systems/ledgerwatch/delivery/internal/handlers"
	"github.com/telhawk-systems/ledgerwatch/delivery/internal/ratelimit"
	"github.com/telhawk-systems/ledgerwatch/delivery/internal/repository"
	deliveryserver "github.com/telhawk-systems/ledgerwatch/delivery/internal/server"
	"github.com/telhawk-systems/ledgerwatch/delivery/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume the delivery queues and serve the operator API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting delivery service",
		"port", cfg.Delivery.Server.Port,
		"environment", cfg.Environment,
		"prefetch", cfg.Delivery.Prefetch,
		"max_retries", cfg.Delivery.MaxRetries,
	)

	repo, err := repository.NewPostgresRepository(ctx, cfg.Database.Postgres.ConnString())
	if err != nil {
		return err
	}
	defer repo.Close()

	limiter, redisClient := newLimiter(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	d, err := deliverer.New(cfg.Delivery, cfg.Environment, cfg.IsProduction(), limiter,
		deliverer.WithLogger(logger.With("component", "deliverer")))
	if err != nil {
		return err
	}

	broker := newBroker(cfg, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := broker.Shutdown(shutdownCtx); err != nil {
			logger.Warn("broker shutdown incomplete", logging.Error(err))
		}
	}()

	queue := deliveryqueue.New(broker)
	w := worker.New(repo, d, queue, cfg.Delivery, logger.With("component", "worker"))
	fwd := worker.NewForwarder(queue, logger.With("component", "retry-forwarder"))

	// Consumers stay registered across reconnects, so a broker that is down
	// at startup is logged and picked up when the manager reconnects.
	if err := startConsumers(ctx, broker, w, fwd); err != nil {
		logger.Warn("consumers not started yet, waiting for broker", logging.Error(err))
	}

	h := handlers.NewHandler(repo, deliveryqueue.NewDeadLetters(broker, logger), broker, logger)
	srv := server.New(cfg.Delivery.Server, cfg.Server, secured(deliveryserver.NewRouter(h, logger)))
	if err := server.Run(ctx, srv, logger); err != nil {
		logger.Error("delivery server failed", logging.Error(err))
		return err
	}
	return nil
}

func newBroker(cfg *config.Config, logger *logging.Logger) *natsclient.Manager {
	return natsclient.NewManager(natsclient.ConfigFrom(cfg.NATS, cfg.Delivery.Prefetch),
		natsclient.WithLogger(logger.With("component", "nats")))
}

// startConsumers declares the three streams and attaches the worker to the
// primary queue and the forwarder to the delay queue. Declared streams and
// registered consumers are restored by the manager on every reconnect.
func startConsumers(ctx context.Context, broker *natsclient.Manager, w *worker.Worker, fwd *worker.Forwarder) error {
	if err := broker.DeclareStreams(ctx,
		natsclient.WebhooksStream, natsclient.WebhooksRetryStream, natsclient.WebhooksDLQStream); err != nil {
		return fmt.Errorf("declare streams: %w", err)
	}
	deliverErr := broker.Consume(ctx, natsclient.WebhooksStream,
		natsclient.DefaultConsumerConfig(messaging.ConsumerDeliveryWorkers, messaging.SubjectWebhooksDeliver),
		w.Handle)
	retryErr := broker.Consume(ctx, natsclient.WebhooksRetryStream,
		natsclient.DefaultConsumerConfig(messaging.ConsumerRetryForwarder, messaging.SubjectWebhooksRetry),
		fwd.Handle)
	return errors.Join(deliverErr, retryErr)
}

// newLimiter returns the per-subscription limiter. A disabled or unreachable
// Redis falls back to no limiting.
func newLimiter(ctx context.Context, cfg *config.Config, logger *logging.Logger) (ratelimit.RateLimiter, *redis.Client) {
	rl := cfg.Delivery.RateLimit
	if !rl.Enabled {
		return ratelimit.NoOpRateLimiter{}, nil
	}
	client, err := pubsub.Connect(ctx, cfg.Redis)
	if err != nil {
		logger.Warn("redis unavailable, webhook rate limiting disabled", logging.Error(err))
		return ratelimit.NoOpRateLimiter{}, nil
	}
	logger.Info("webhook rate limiting enabled", "requests", rl.Requests, "window", rl.Window.String())
	return ratelimit.NewRedisRateLimiter(client, rl.Requests, rl.Window), client
}

func secured(h http.Handler) http.Handler {
	return middleware.SecurityHeaders(middleware.SecurityConfig{HSTS: cfg.IsProduction()})(h)
}
