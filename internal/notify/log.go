package notify

import (
	"context"
	"log/slog"
)

// LogPublisher is the fallback sink when no broker is configured; it keeps
// local runs observable without Kafka.
type LogPublisher struct {
	Logger *slog.Logger
}

func (l *LogPublisher) Publish(_ context.Context, topic, key string, payload any) error {
	l.Logger.Info("event", "topic", topic, "key", key, "payload", payload)
	return nil
}

func (l *LogPublisher) Close() error { return nil }
