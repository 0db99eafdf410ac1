// Package logger builds the structured slog logger shared by all three services.
package logger

import (
	"log/slog"
	"os"
)

// New creates a new structured logger with JSON output, tagged with the
// owning service name so multi-service logs can be filtered downstream.
func New(serviceName string) *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(slog.String("service", serviceName))
}

func parseLevel(levelStr string) slog.Level {
	switch levelStr {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithCorrelation returns a logger scoped to a single saga delivery, carrying
// the correlation and booking IDs for the lifetime of that delivery.
func WithCorrelation(log *slog.Logger, correlationID, bookingID string) *slog.Logger {
	return log.With(
		slog.String("correlation_id", correlationID),
		slog.String("booking_id", bookingID),
	)
}
