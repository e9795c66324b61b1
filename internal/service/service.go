// Package service holds the orchestration layer: checkout, payment
// confirmation, order transitions, bids, refunds and auction close. It is
// the only layer that turns collaborator failures into domain errors.
package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"market-orchestrator/internal/domain"
	"market-orchestrator/internal/infrastructure/carrier"
	"market-orchestrator/internal/infrastructure/payment"
	"market-orchestrator/internal/repo"
)

// Stores groups the repositories the services write through.
type Stores struct {
	Tx           repo.TxRunner
	Transactions repo.TransactionRepo
	Orders       repo.OrderRepo
	Listings     repo.ListingRepo
	Auctions     repo.AuctionRepo
	Accounts     repo.AccountRepo
	Outbox       repo.OutboxRepo
}

// NewStores builds the Postgres-backed repositories over one pool.
func NewStores(db *sql.DB) Stores {
	return Stores{
		Tx:           repo.NewTxRunner(db),
		Transactions: repo.NewTransactionRepo(db),
		Orders:       repo.NewOrderRepo(db),
		Listings:     repo.NewListingRepo(db),
		Auctions:     repo.NewAuctionRepo(db),
		Accounts:     repo.NewAccountRepo(db),
		Outbox:       repo.NewOutboxRepo(db),
	}
}

const (
	paymentService = "payment processor"
	carrierService = "carrier"
	orderStore     = "order store"
)

func storeFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.Internal(op, err)
}

// paymentFailure relabels a processor error. Timeouts are retryable: the
// caller cannot know whether the processor acted, and every payment write
// carries an idempotency key.
func paymentFailure(err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.External(paymentService, true, err)
	}
	return domain.External(paymentService, payment.IsRetryable(err), err)
}

func carrierFailure(err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, carrier.ErrUnknownShipment) {
		return domain.NotFound("carrier has no record of this shipment")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.External(carrierService, true, err)
	}
	return domain.External(carrierService, carrier.IsRetryable(err), err)
}

func statusChanged(order *domain.Order, txn *domain.Transaction, from, to domain.OrderStatus, recipients []string, now time.Time) []domain.Notification {
	payload := map[string]any{
		"orderId":       order.ID,
		"transactionId": txn.ID,
		"from":          from,
		"to":            to,
	}
	out := make([]domain.Notification, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, domain.NewNotification(domain.EventOrderStatusChanged, r, order.ID, payload, now))
	}
	return out
}
