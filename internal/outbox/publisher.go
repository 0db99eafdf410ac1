package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/harborline/bookingsaga/internal/broker"
	"github.com/harborline/bookingsaga/internal/deadletter"
	"github.com/harborline/bookingsaga/internal/metrics"
)

// EventPublisher is the confirmed-publish capability the loop drains into.
// *broker.Broker satisfies this.
type EventPublisher interface {
	Publish(ctx context.Context, queue string, payload []byte, headers amqp.Table) error
}

// PublisherConfig tunes the polling loop. Every field has a sensible
// default; callers leaving a field at its zero value get it.
type PublisherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
}

// queueForEventType maps an outbox row's EventType to the queue name the
// saga's static event set publishes on — the queue is simply the event name
// (see internal/broker/topology.go), so this exists mainly as the seam a
// service would override if that ever stopped being true.
func queueForEventType(eventType string) string {
	return eventType
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	return c
}

// Publisher is the single background loop each service runs to drain its
// outbox: poll, make one publish attempt per message per poll, mark it
// published or record the failure, and spill it to the dead-letter store once
// its retry count reaches MaxRetries. Failed messages are retried on later
// polls at the poll interval; no backoff is applied between attempts.
type Publisher struct {
	store   Store
	pub     EventPublisher
	dlq     deadletter.Store
	cfg     PublisherConfig
	log     *slog.Logger
	source  string
	metrics *metrics.SagaMetrics
}

// NewPublisher builds a Publisher. source identifies the owning service in
// dead-letter entries (e.g. "booking", "inventory", "payment"). m may be nil,
// in which case publish/spill events simply aren't counted.
func NewPublisher(store Store, pub EventPublisher, dlq deadletter.Store, cfg PublisherConfig, log *slog.Logger, source string, m *metrics.SagaMetrics) *Publisher {
	return &Publisher{
		store:   store,
		pub:     pub,
		dlq:     dlq,
		cfg:     cfg.withDefaults(),
		log:     log,
		source:  source,
		metrics: m,
	}
}

// Run polls until ctx is cancelled. Intended to be started as a single
// goroutine from a service's main.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.drainOnce(ctx); err != nil {
				p.log.Error("outbox drain failed", slog.Any("error", err))
			}
		}
	}
}

func (p *Publisher) drainOnce(ctx context.Context) error {
	msgs, err := p.store.FetchUnpublished(ctx, p.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, m := range msgs {
		p.publishOne(ctx, m)
	}
	return nil
}

func (p *Publisher) publishOne(ctx context.Context, m Message) {
	queue := queueForEventType(m.EventType)
	headers := broker.InjectTraceContext(ctx)

	err := p.pub.Publish(ctx, queue, m.Payload, headers)
	if err == nil {
		if mErr := p.store.MarkPublished(ctx, m.ID); mErr != nil {
			p.log.Error("failed to mark outbox message published", slog.String("id", m.ID.String()), slog.Any("error", mErr))
		}
		if p.metrics != nil {
			p.metrics.OutboxPublished.WithLabelValues(m.EventType).Inc()
		}
		return
	}

	p.log.Warn("outbox publish attempt failed", slog.String("id", m.ID.String()), slog.String("event_type", m.EventType), slog.Any("error", err))

	retryCount, rErr := p.store.RecordFailure(ctx, m.ID, err.Error())
	if rErr != nil {
		p.log.Error("failed to record outbox publish failure", slog.String("id", m.ID.String()), slog.Any("error", rErr))
		return
	}

	if retryCount < p.cfg.MaxRetries {
		return
	}

	p.spillToDeadLetter(ctx, m, err, retryCount)
}

func (p *Publisher) spillToDeadLetter(ctx context.Context, m Message, cause error, attempts int) {
	dlMsg := deadletter.Message{
		ID:             uuid.New(),
		SourceQueue:    "outbox_" + m.EventType,
		EventType:      m.EventType,
		Payload:        m.Payload,
		ErrorMessage:   cause.Error(),
		AttemptCount:   attempts,
		FirstAttemptAt: m.CreatedAt,
		FailedAt:       time.Now().UTC(),
		Resolved:       false,
	}

	if err := p.dlq.Insert(ctx, dlMsg); err != nil {
		p.log.Error("failed to spill exhausted outbox message to dead-letter store",
			slog.String("id", m.ID.String()), slog.String("source", p.source), slog.Any("error", err))
		return
	}

	if mErr := p.store.MarkPublished(ctx, m.ID); mErr != nil {
		p.log.Error("failed to mark spilled outbox message published", slog.String("id", m.ID.String()), slog.Any("error", mErr))
	}
	if p.metrics != nil {
		p.metrics.OutboxSpilled.WithLabelValues(m.EventType).Inc()
	}

	p.log.Error("outbox message exhausted retries, spilled to dead-letter store",
		slog.String("id", m.ID.String()), slog.String("event_type", m.EventType), slog.Int("attempts", attempts))
}
