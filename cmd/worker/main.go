// Worker that retries failed webhooks in the background and executes
// payment commands consumed from Kafka. Several instances can share a
// consumer group; the idempotency store keeps their work from overlapping.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dantweb/vbwd-sdk-sub001/internal/app"
	"github.com/dantweb/vbwd-sdk-sub001/internal/config"
	"github.com/dantweb/vbwd-sdk-sub001/internal/kafka"
	"github.com/dantweb/vbwd-sdk-sub001/internal/observability"
	"github.com/dantweb/vbwd-sdk-sub001/internal/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	logger := observability.NewLogger(os.Stdout, cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	pollerConfig := retry.DefaultPollerConfig()
	pollerConfig.PollInterval = cfg.RetryPollInterval
	retryPoller := retry.NewPoller(a.Processor, pollerConfig, logger)
	go retryPoller.Start(ctx)

	var consumer *kafka.Consumer
	if len(cfg.KafkaBrokers) > 0 {
		consumerConfig := kafka.DefaultConsumerConfig()
		consumerConfig.Brokers = cfg.KafkaBrokers
		consumerConfig.Topic = cfg.KafkaCommandsTopic
		consumerConfig.GroupID = cfg.KafkaGroupID
		consumerConfig.InstanceID, _ = os.Hostname()

		consumer = kafka.NewConsumer(consumerConfig, kafka.NewDispatchHandler(a.Dispatcher, logger), logger)
		consumer.Start(ctx)
	} else {
		logger.Info("KAFKA_BROKERS not set, command consumer disabled")
	}

	healthHandler := observability.NewHealthHandler(a.Checks)
	healthHandler.SetReady(true)

	// The worker serves only probes and metrics.
	r := chi.NewRouter()
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              cfg.WorkerAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("probe server error", "error", err)
		}
	}()

	logger.Info("worker started",
		"retry_poll_interval", pollerConfig.PollInterval,
		"commands_topic", cfg.KafkaCommandsTopic,
		"group", cfg.KafkaGroupID,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	if consumer != nil {
		consumer.Stop()
	}
	retryPoller.Stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown probe server", "error", err)
	}

	logger.Info("shutdown complete")
}
