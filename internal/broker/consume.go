package broker

import (
	"context"
	"fmt"
	"log/slog"
)

// Consume registers handler against queue with prefetch 1 and manual
// acknowledgement; it delivers messages one at a time and translates the
// handler's Outcome into ack/nack-requeue/nack-no-requeue. Registration is
// remembered so Broker can re-attach the consumer after a reconnect.
func (b *Broker) Consume(queue string, handler Handler) error {
	b.mu.Lock()
	b.consumers = append(b.consumers, registeredConsumer{queue: queue, handler: handler})
	b.mu.Unlock()

	return b.attachConsumer(queue, handler)
}

func (b *Broker) attachConsumer(queue string, handler Handler) error {
	ch := b.Channel()
	if ch == nil {
		return fmt.Errorf("broker: not connected")
	}

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("broker: set prefetch for %s: %w", queue, err)
	}

	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("broker: consume %s: %w", queue, err)
	}

	go func() {
		for d := range msgs {
			ctx := ExtractTraceContext(context.Background(), d.Headers)
			outcome := handler(ctx, d)
			switch outcome {
			case Ack:
				d.Ack(false)
			case Requeue:
				d.Nack(false, true)
			case Reject:
				d.Nack(false, false)
			default:
				b.log.Error("unknown handler outcome, rejecting", slog.String("queue", queue))
				d.Nack(false, false)
			}
		}
	}()

	return nil
}
