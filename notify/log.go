package notify

import (
	"context"
	"log/slog"
)

// LogSink writes events to a logger instead of a push dispatcher. It is
// the engine's sink when none is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Deliver implements Sink.
func (s *LogSink) Deliver(ctx context.Context, events []Event) error {
	for _, e := range events {
		s.logger.InfoContext(ctx, "notify: event",
			slog.String("event_id", e.ID),
			slog.String("kind", string(e.Kind)),
			slog.String("request_id", e.RequestID),
			slog.String("recipient", e.Recipient),
		)
	}
	return nil
}

// Close implements Sink.
func (s *LogSink) Close() error { return nil }
