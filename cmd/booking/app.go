package main

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harborline/bookingsaga/internal/booking"
	"github.com/harborline/bookingsaga/internal/broker"
	"github.com/harborline/bookingsaga/internal/consumerrt"
	"github.com/harborline/bookingsaga/internal/discovery"
	"github.com/harborline/bookingsaga/internal/discovery/consul"
	"github.com/harborline/bookingsaga/internal/events"
	"github.com/harborline/bookingsaga/internal/logger"
	"github.com/harborline/bookingsaga/internal/metrics"
	"github.com/harborline/bookingsaga/internal/outbox"
	"github.com/harborline/bookingsaga/internal/registration"
)

// Config is the booking service's process configuration, loaded once in
// main from the environment (internal/config).
type Config struct {
	ServiceName string
	InstanceID  string
	HTTPAddr    string
	MetricsAddr string
	ConsulAddr  string
	OTELAddr    string

	PostgresDSN string

	AMQPUser  string
	AMQPPass  string
	AMQPHost  string
	AMQPPort  string
	AMQPVhost string

	BrokerConnectMaxRetries int
	BrokerConnectBaseDelay  time.Duration
	BrokerConnectMaxDelay   time.Duration

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxRetries   int

	ConsumerRetryBaseDelay time.Duration
	ConsumerMaxRequeue     int
}

// App wires together the booking service's store, outbox publisher, saga
// consumers and external HTTP surface, grounded on orders/app.go's
// Config/NewApp/Start/Shutdown shape.
type App struct {
	cfg          Config
	log          *slog.Logger
	store        *booking.Store
	b            *broker.Broker
	publisher    *outbox.Publisher
	httpServer   *http.Server
	metricsSrv   *http.Server
	registry     discovery.Registry
	registration *registration.ServiceRegistration
	cancelBg     context.CancelFunc
	sagaMetrics  *metrics.SagaMetrics
	httpMetrics  *metrics.HTTPMetrics
}

func NewApp(cfg Config) (*App, error) {
	log := logger.New(cfg.ServiceName)

	store, err := booking.NewStore(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	connectBackoff := broker.BackoffPolicy{
		BaseDelay:   cfg.BrokerConnectBaseDelay,
		MaxDelay:    cfg.BrokerConnectMaxDelay,
		Factor:      2,
		MaxAttempts: cfg.BrokerConnectMaxRetries,
	}
	b, err := broker.Connect(context.Background(), cfg.AMQPUser, cfg.AMQPPass, cfg.AMQPHost, cfg.AMQPPort, cfg.AMQPVhost, broker.EventTypes(), connectBackoff, log)
	if err != nil {
		return nil, err
	}

	var registry discovery.Registry
	if cfg.ConsulAddr != "" {
		registry, err = consul.NewRegistry(cfg.ConsulAddr)
		if err != nil {
			return nil, err
		}
	}

	return &App{
		cfg:         cfg,
		log:         log,
		store:       store,
		b:           b,
		registry:    registry,
		sagaMetrics: metrics.NewSagaMetrics(cfg.ServiceName),
		httpMetrics: metrics.NewHTTPMetrics(cfg.ServiceName),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	reg, err := registration.Register(ctx, a.registry, a.cfg.InstanceID, a.cfg.ServiceName, a.cfg.HTTPAddr, a.log)
	if err != nil {
		return err
	}
	a.registration = reg

	dlqStore := a.store // Store implements deadletter.Store directly.
	a.publisher = outbox.NewPublisher(a.store, a.b, dlqStore, outbox.PublisherConfig{
		PollInterval: a.cfg.OutboxPollInterval,
		BatchSize:    a.cfg.OutboxBatchSize,
		MaxRetries:   a.cfg.OutboxMaxRetries,
	}, a.log, a.cfg.ServiceName, a.sagaMetrics)

	bgCtx, cancel := context.WithCancel(context.Background())
	a.cancelBg = cancel
	go a.publisher.Run(bgCtx)

	handlers := booking.NewConsumerHandlers(a.store, a.log)
	copts := consumerrt.Options{
		BaseDelay:  a.cfg.ConsumerRetryBaseDelay,
		MaxRequeue: a.cfg.ConsumerMaxRequeue,
	}
	if err := a.b.Consume(events.PaymentSucceeded, consumerrt.Wrap(events.PaymentSucceeded, handlers.HandlePaymentSucceeded, a.b, copts, a.log, a.sagaMetrics)); err != nil {
		return err
	}
	if err := a.b.Consume(events.PaymentFailed, consumerrt.Wrap(events.PaymentFailed, handlers.HandlePaymentFailed, a.b, copts, a.log, a.sagaMetrics)); err != nil {
		return err
	}
	if err := a.b.Consume(events.InventoryReservationFailed, consumerrt.Wrap(events.InventoryReservationFailed, handlers.HandleInventoryReservationFailed, a.b, copts, a.log, a.sagaMetrics)); err != nil {
		return err
	}

	dlqSink := consumerrt.DeadLetterSink(dlqStore, a.cfg.ServiceName, a.log, a.sagaMetrics)
	for _, name := range []string{events.PaymentSucceeded, events.PaymentFailed, events.InventoryReservationFailed} {
		if err := a.b.Consume(name+"_dlq", dlqSink); err != nil {
			return err
		}
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	a.metricsSrv = &http.Server{Addr: a.cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		a.log.Info("starting metrics server", slog.String("addr", a.cfg.MetricsAddr))
		if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("metrics server error", slog.Any("error", err))
		}
	}()

	mux := http.NewServeMux()
	booking.NewHTTPHandler(a.store, a.log).Register(mux)
	a.httpServer = &http.Server{Addr: a.cfg.HTTPAddr, Handler: a.metricsMiddleware(mux)}

	a.log.Info("starting http server", slog.String("addr", a.cfg.HTTPAddr))
	err = a.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (a *App) Shutdown(ctx context.Context) error {
	a.log.Info("shutting down")

	if a.cancelBg != nil {
		a.cancelBg()
	}
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.log.Error("error shutting down http server", slog.Any("error", err))
		}
	}
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			a.log.Error("error shutting down metrics server", slog.Any("error", err))
		}
	}
	if err := a.b.Close(); err != nil {
		a.log.Error("error closing broker", slog.Any("error", err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Error("error closing store", slog.Any("error", err))
	}
	if a.registration != nil {
		return a.registration.Deregister(ctx)
	}
	return nil
}

// metricsMiddleware records request count and duration for every HTTP route
// except /health.
func (a *App) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		a.httpMetrics.Record(r.Method, r.URL.Path, strconv.Itoa(recorder.statusCode), time.Since(start))
	})
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *responseRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
