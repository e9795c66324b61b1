// Package notify delivers outbox notifications to a broker.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Publisher hands one event to the broker. Delivery is at-least-once, so
// consumers dedupe on id.
type Publisher interface {
	Publish(ctx context.Context, id string, topic string, payload []byte) error
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, id string, topic string, payload []byte) error {
	p.logger.Info("notification published",
		zap.String("id", id),
		zap.String("topic", topic),
		zap.ByteString("payload", payload),
	)
	return nil
}
