package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
)

// headerCarrier adapts amqp.Table to OpenTelemetry's TextMapCarrier so trace
// context can ride in AMQP message headers across the broker, the same way
// HTTP rides it in request headers.
type headerCarrier struct {
	headers amqp.Table
}

func (c *headerCarrier) Get(key string) string {
	if v, ok := c.headers[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	c.headers[key] = value
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for k := range c.headers {
		keys = append(keys, k)
	}
	return keys
}

// InjectTraceContext writes the current span context into a fresh AMQP
// headers table for outgoing publishes.
func InjectTraceContext(ctx context.Context) amqp.Table {
	headers := make(amqp.Table)
	otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{headers: headers})
	return headers
}

// ExtractTraceContext recovers a span context from an incoming delivery's
// headers so the consumer's processing span continues the same trace.
func ExtractTraceContext(ctx context.Context, headers amqp.Table) context.Context {
	if headers == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, &headerCarrier{headers: headers})
}
