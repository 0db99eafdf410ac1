// Package broker is the durable-queue adapter: connection lifecycle with
// retry, durable queue declaration (on the default exchange; no exchanges
// are declared), confirmed persistent publish,
// and manual-ack consume. Grounded on common/broker/broker.go and
// common/broker/tracing.go, generalized from a fixed four-event topology to
// the full saga's event set and given a real reconnect path that
// re-declares topology and re-attaches consumers after a dropped
// connection.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Outcome is how a consumer handler disposes of a delivery. The adapter
// translates it into the matching ack/nack call.
type Outcome int

const (
	// Ack confirms successful processing; the broker removes the message.
	Ack Outcome = iota
	// Requeue nacks the delivery and asks the broker to redeliver it.
	Requeue
	// Reject nacks the delivery without requeue and without any broker-side
	// reroute. Handlers that need a delivery dead-lettered publish to
	// `<queue>_dlq` explicitly (see internal/consumerrt) and Ack; Reject is
	// for a poison delivery a handler wants gone with no further action.
	Reject
)

// Handler processes one delivery and reports how it should be disposed of.
type Handler func(ctx context.Context, d amqp.Delivery) Outcome

type registeredConsumer struct {
	queue   string
	handler Handler
}

// Broker owns a single AMQP connection and channel, transparently
// reconnecting and re-declaring topology and consumers on link loss.
type Broker struct {
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel

	url            string
	log            *slog.Logger
	connectBackoff BackoffPolicy

	eventTypes []string
	consumers  []registeredConsumer

	closing chan struct{}
}

// Connect dials the broker under backoff's exponential-backoff retry
// pipeline (jittered; DefaultConnectBackoff gives base 5s, factor 2, cap
// 60s, 10 attempts), declares the static queue topology for eventTypes, and
// starts the background reconnect watcher. A zero-valued backoff falls back
// to DefaultConnectBackoff.
func Connect(ctx context.Context, user, pass, host, port, vhost string, eventTypes []string, backoff BackoffPolicy, log *slog.Logger) (*Broker, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%s/%s", user, pass, host, port, vhost)

	if backoff.MaxAttempts <= 0 {
		backoff = DefaultConnectBackoff()
	}

	b := &Broker{
		url:            url,
		log:            log,
		connectBackoff: backoff,
		eventTypes:     eventTypes,
		closing:        make(chan struct{}),
	}

	if err := b.dial(ctx); err != nil {
		return nil, err
	}

	go b.watch()

	return b, nil
}

func (b *Broker) dial(ctx context.Context) error {
	return Retry(ctx, b.connectBackoff, func(attempt int) error {
		conn, err := amqp.Dial(b.url)
		if err != nil {
			b.log.Warn("broker connect attempt failed", slog.Int("attempt", attempt+1), slog.Any("error", err))
			return err
		}

		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return err
		}

		if err := ch.Confirm(false); err != nil {
			ch.Close()
			conn.Close()
			return err
		}

		if err := declareTopology(ch, b.eventTypes); err != nil {
			ch.Close()
			conn.Close()
			return err
		}

		b.mu.Lock()
		b.conn = conn
		b.ch = ch
		b.mu.Unlock()

		b.log.Info("broker connected", slog.Int("attempt", attempt+1))
		return nil
	})
}

// watch observes the connection for unexpected closure and transparently
// reconnects, re-declaring topology and re-attaching every previously
// registered consumer.
func (b *Broker) watch() {
	for {
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn == nil {
			return
		}

		notify := make(chan *amqp.Error, 1)
		conn.NotifyClose(notify)

		select {
		case <-b.closing:
			return
		case err := <-notify:
			if err == nil {
				return
			}
			b.log.Error("broker connection lost, reconnecting", slog.Any("error", err))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		if dialErr := b.dial(ctx); dialErr != nil {
			b.log.Error("broker reconnect exhausted retries", slog.Any("error", dialErr))
			cancel()
			return
		}
		cancel()

		b.mu.Lock()
		consumers := append([]registeredConsumer(nil), b.consumers...)
		b.mu.Unlock()
		for _, c := range consumers {
			if err := b.attachConsumer(c.queue, c.handler); err != nil {
				b.log.Error("failed to re-attach consumer after reconnect", slog.String("queue", c.queue), slog.Any("error", err))
			}
		}
	}
}

// Close stops the reconnect watcher and closes the underlying channel and
// connection. Safe to call once during service shutdown.
func (b *Broker) Close() error {
	close(b.closing)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// Channel returns the current underlying AMQP channel, for callers that need
// direct access to it instead of Broker.Publish's confirm wrapper. The outbox
// publisher does not use it; it publishes through Broker.Publish.
func (b *Broker) Channel() *amqp.Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}
