package worker

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"market-orchestrator/internal/infrastructure/notify"
	"market-orchestrator/internal/repo"
)

// OutboxRelay publishes stored notifications. Several relays may run at
// once; rows are claimed with SKIP LOCKED so each is sent by one of them.
// Delivery is at-least-once and consumers dedupe on the message id.
type OutboxRelay struct {
	tx        repo.TxRunner
	outbox    repo.OutboxRepo
	publisher notify.Publisher
	batch     int
	interval  time.Duration
	logger    *zap.Logger
}

func NewOutboxRelay(tx repo.TxRunner, outbox repo.OutboxRepo, publisher notify.Publisher, interval time.Duration, logger *zap.Logger) *OutboxRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxRelay{
		tx:        tx,
		outbox:    outbox,
		publisher: publisher,
		batch:     100,
		interval:  interval,
		logger:    logger.Named("outbox"),
	}
}

func (r *OutboxRelay) Run(ctx context.Context) {
	every(ctx, r.interval, "outbox", r.logger, func(ctx context.Context) error {
		_, err := r.Flush(ctx)
		return err
	})
}

// Flush publishes one batch and reports how many events went out.
func (r *OutboxRelay) Flush(ctx context.Context) (int, error) {
	sent := 0
	err := r.tx.WithTx(ctx, func(tx *sql.Tx) error {
		sent = 0
		events, err := r.outbox.ClaimBatch(ctx, tx, r.batch)
		if err != nil {
			return err
		}
		for _, e := range events {
			if err := r.publisher.Publish(ctx, e.ID.String(), e.EventType, e.Payload); err != nil {
				r.logger.Warn("outbox.publish.failed",
					zap.String("eventId", e.ID.String()),
					zap.String("type", e.EventType),
					zap.Int("attempts", e.Attempts+1),
					zap.Error(err),
				)
				if err := r.outbox.MarkAttempt(ctx, tx, e.ID); err != nil {
					return err
				}
				continue
			}
			if err := r.outbox.Delete(ctx, tx, e.ID); err != nil {
				return err
			}
			sent++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if sent > 0 {
		r.logger.Debug("outbox.flushed", zap.Int("sent", sent))
	}
	return sent, nil
}
