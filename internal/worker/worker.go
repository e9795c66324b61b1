// Package worker runs the background loops: payment reconciliation, the
// notification outbox relay and auction closing.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// every calls fn on each tick until ctx is done. A failed run is logged and
// retried on the next tick.
func every(ctx context.Context, interval time.Duration, name string, logger *zap.Logger, fn func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("worker.started", zap.String("worker", name), zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker.stopped", zap.String("worker", name))
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				logger.Error("worker.run.failed", zap.String("worker", name), zap.Error(err))
			}
		}
	}
}
