// Command payment runs the Payment service: the saga's terminal effect,
// capturing funds and bounding manual retries before deposit to DLQ.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/harborline/bookingsaga/internal/config"
	"github.com/harborline/bookingsaga/internal/logger"
	"github.com/harborline/bookingsaga/internal/tracing"
)

func main() {
	cfg := Config{
		ServiceName: config.GetEnv("SERVICE_NAME", "payment"),
		InstanceID:  config.GetEnv("INSTANCE_ID", "payment-1"),
		HTTPAddr:    config.GetEnv("HTTP_ADDR", ":8083"),
		MetricsAddr: config.GetEnv("METRICS_ADDR", ":9103"),
		ConsulAddr:  config.GetEnv("CONSUL_ADDR", ""),
		OTELAddr:    config.GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		MongoURI: config.GetEnv("MONGO_URI", "mongodb://localhost:27017"),

		AMQPUser:  config.GetEnv("AMQP_USER", "guest"),
		AMQPPass:  config.GetEnv("AMQP_PASS", "guest"),
		AMQPHost:  config.GetEnv("AMQP_HOST", "localhost"),
		AMQPPort:  config.GetEnv("AMQP_PORT", "5672"),
		AMQPVhost: config.GetEnv("AMQP_VHOST", ""),

		BrokerConnectMaxRetries: config.GetEnvInt("BROKER_CONNECT_MAX_RETRIES", 10),
		BrokerConnectBaseDelay:  config.GetEnvDuration("BROKER_CONNECT_BASE_DELAY", 5*time.Second),
		BrokerConnectMaxDelay:   config.GetEnvDuration("BROKER_CONNECT_MAX_DELAY", 60*time.Second),

		OutboxPollInterval: config.GetEnvDuration("OUTBOX_POLL_INTERVAL", 10*time.Second),
		OutboxBatchSize:    config.GetEnvInt("OUTBOX_BATCH_SIZE", 100),
		OutboxMaxRetries:   config.GetEnvInt("OUTBOX_MAX_RETRIES", 3),

		ConsumerRetryBaseDelay: config.GetEnvDuration("CONSUMER_RETRY_BASE_DELAY", 2*time.Second),
		ConsumerMaxRequeue:     config.GetEnvInt("CONSUMER_MAX_REQUEUE", 3),

		PaymentMaxRetries:     config.GetEnvInt("PAYMENT_MAX_RETRIES", 3),
		SimulatedSuccessRatio: config.GetEnvFloat("PAYMENT_SIMULATED_SUCCESS_RATIO", 0.9),
	}

	log := logger.New(cfg.ServiceName)
	log.Info("starting service", slog.String("instance_id", cfg.InstanceID), slog.String("http_addr", cfg.HTTPAddr))

	shutdownTracer, err := tracing.Init(cfg.ServiceName, cfg.OTELAddr, log)
	if err != nil {
		log.Error("failed to initialize tracer", slog.Any("error", err))
		os.Exit(1)
	}
	defer shutdownTracer(context.Background())

	ctx := context.Background()
	app, err := NewApp(ctx, cfg)
	if err != nil {
		log.Error("failed to create app", slog.Any("error", err))
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Shutdown(shutdownCtx); err != nil {
			log.Error("error during shutdown", slog.Any("error", err))
		}
	}()

	if err := app.Start(ctx); err != nil {
		log.Error("service stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}
