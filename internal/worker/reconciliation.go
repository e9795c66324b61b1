package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"market-orchestrator/internal/domain"
	"market-orchestrator/internal/infrastructure/payment"
	"market-orchestrator/internal/repo"
	"market-orchestrator/internal/resilience"
	"market-orchestrator/internal/service"
)

const reconcileBatch = 50

// Purger drops expired keys from a shared store.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// ReconciliationWorker repairs what a lost response or a crash left behind.
// The processor is the source of truth for whether a buyer was charged.
type ReconciliationWorker struct {
	transactions repo.TransactionRepo
	processor    payment.Processor
	webhook      service.WebhookService
	orders       service.OrderService
	runner       *resilience.Runner
	purger       Purger
	interval     time.Duration
	stuckAfter   time.Duration
	timeout      time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

type ReconcileOption func(*ReconciliationWorker)

// WithPurger also clears expired idempotency keys on every pass.
func WithPurger(p Purger) ReconcileOption {
	return func(w *ReconciliationWorker) { w.purger = p }
}

func NewReconciliationWorker(
	transactions repo.TransactionRepo,
	processor payment.Processor,
	webhook service.WebhookService,
	orders service.OrderService,
	runner *resilience.Runner,
	interval, stuckAfter, timeout time.Duration,
	logger *zap.Logger,
	opts ...ReconcileOption,
) *ReconciliationWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &ReconciliationWorker{
		transactions: transactions,
		processor:    processor,
		webhook:      webhook,
		orders:       orders,
		runner:       runner,
		interval:     interval,
		stuckAfter:   stuckAfter,
		timeout:      timeout,
		logger:       logger.Named("reconciler"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (rw *ReconciliationWorker) Run(ctx context.Context) {
	every(ctx, rw.interval, "reconciliation", rw.logger, rw.process)
}

// Report counts what one pass fixed.
type Report struct {
	Confirmed int
	Abandoned int
	PaidOut   int
	Purged    int64
}

func (rw *ReconciliationWorker) process(ctx context.Context) error {
	_, err := rw.RunOnce(ctx)
	return err
}

// RunOnce performs a single reconciliation pass.
func (rw *ReconciliationWorker) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	var errs []error

	if err := rw.sweepStuck(ctx, &report); err != nil {
		errs = append(errs, err)
	}
	if err := rw.sweepPayouts(ctx, &report); err != nil {
		errs = append(errs, err)
	}
	if rw.purger != nil {
		n, err := rw.purger.PurgeExpired(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		report.Purged = n
	}

	if report != (Report{}) {
		rw.logger.Info("reconcile.pass",
			zap.Int("confirmed", report.Confirmed),
			zap.Int("abandoned", report.Abandoned),
			zap.Int("paidOut", report.PaidOut),
			zap.Int64("purged", report.Purged),
		)
	}
	return report, errors.Join(errs...)
}

// sweepStuck settles pending transactions that never got an order: the
// buyer was charged and the confirmation was lost, or checkout died before
// the processor was reached.
func (rw *ReconciliationWorker) sweepStuck(ctx context.Context, report *Report) error {
	stuck, err := rw.transactions.FindStuck(ctx, rw.now().Add(-rw.stuckAfter), reconcileBatch)
	if err != nil {
		return err
	}
	if len(stuck) > 0 {
		rw.logger.Info("reconcile.stuck.found", zap.Int("count", len(stuck)))
	}

	for _, txn := range stuck {
		log := rw.logger.With(zap.String("transactionId", txn.ID.String()))

		if txn.PaymentAuthorizationID == "" {
			rw.abandon(ctx, log, txn, report)
			continue
		}

		var status payment.Status
		err := rw.runner.Do(ctx, "payment.lookup", resilience.ReadPolicy(rw.timeout), func(ctx context.Context) error {
			auth, err := rw.processor.Lookup(ctx, txn.PaymentAuthorizationID)
			status = auth.Status
			if err != nil && !payment.IsRetryable(err) {
				return resilience.Permanent(err)
			}
			return err
		})
		if err != nil {
			// skip, next pass asks again
			log.Warn("reconcile.lookup.failed", zap.Error(err))
			continue
		}

		switch status {
		case payment.StatusSucceeded:
			if err := rw.webhook.OnPaymentConfirmed(ctx, txn.ID); err != nil {
				log.Error("reconcile.confirm.failed", zap.Error(err))
				continue
			}
			log.Warn("reconcile.ghost_charge.fixed", zap.String("authorizationId", txn.PaymentAuthorizationID))
			report.Confirmed++
		case payment.StatusFailed:
			rw.abandon(ctx, log, txn, report)
		default:
			log.Debug("reconcile.still_pending", zap.String("paymentStatus", string(status)))
		}
	}
	return nil
}

func (rw *ReconciliationWorker) abandon(ctx context.Context, log *zap.Logger, txn domain.Transaction, report *Report) {
	ok, err := rw.transactions.MarkAbandoned(ctx, txn.ID)
	if err != nil {
		log.Error("reconcile.abandon.failed", zap.Error(err))
		return
	}
	if ok {
		log.Info("reconcile.abandoned")
		report.Abandoned++
	}
}

func (rw *ReconciliationWorker) sweepPayouts(ctx context.Context, report *Report) error {
	unpaid, err := rw.transactions.FindUnpaidPayouts(ctx, reconcileBatch)
	if err != nil {
		return err
	}
	for _, txn := range unpaid {
		if err := rw.orders.Payout(ctx, txn.ID); err != nil {
			level := zap.WarnLevel
			if !domain.IsKind(err, domain.KindConflict) {
				level = zap.ErrorLevel
			}
			rw.logger.Log(level, "reconcile.payout.failed", zap.String("transactionId", txn.ID.String()), zap.Error(err))
			continue
		}
		report.PaidOut++
	}
	return nil
}
