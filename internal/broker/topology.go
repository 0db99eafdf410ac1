package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// declareTopology declares the static queue topology: one durable queue per
// event type, plus its "<name>_dlq" counterpart, all messages persistent.
// The DLQ is a plain queue, not a broker-level x-dead-letter-exchange
// target: consumerrt publishes to it explicitly with retry metadata headers
// once a delivery exhausts its retries, since those headers need to ride on
// the message the DLQ sink reads, not on a server-side DLX reroute.
func declareTopology(ch *amqp.Channel, eventTypes []string) error {
	for _, name := range eventTypes {
		dlqName := name + "_dlq"

		if _, err := ch.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
			return fmt.Errorf("broker: declare dlq %s: %w", dlqName, err)
		}
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("broker: declare queue %s: %w", name, err)
		}
	}

	return nil
}

// EventTypes lists every queue name declared by the saga, in the order the
// saga's events are emitted.
func EventTypes() []string {
	return []string{
		"booking_created",
		"inventory_reserved",
		"inventory_reservation_failed",
		"inventory_released",
		"payment_succeeded",
		"payment_failed",
		"booking_cancelled",
	}
}
