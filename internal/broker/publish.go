package broker

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// publishTimeout bounds a single publish attempt.
const publishTimeout = 10 * time.Second

// Publish sends payload to queue as a durable, persistent message, returning
// only once the broker has confirmed acceptance (publisher confirms) or a
// transient error. It does not retry; callers that need a retry pipeline
// wrap this in broker.Retry themselves.
func (b *Broker) Publish(ctx context.Context, queue string, payload []byte, headers amqp.Table) error {
	ch := b.Channel()
	if ch == nil {
		return fmt.Errorf("broker: not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Headers:      headers,
		Body:         payload,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("broker: publish to %s: %w", queue, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("broker: publish to %s: %w", queue, err)
	}
	if !acked {
		return fmt.Errorf("broker: publish to %s was nacked by broker", queue)
	}
	return nil
}
