package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"market-orchestrator/internal/domain"
	"market-orchestrator/internal/orderstate"
)

// WebhookService applies payment confirmations. Deliveries may repeat,
// race each other or arrive before checkout has finished; each one ends in
// at most one pending->paid transition and never a second order.
type WebhookService interface {
	OnPaymentConfirmed(ctx context.Context, transactionID uuid.UUID) error
}

type webhookService struct {
	stores Stores
	logger *zap.Logger
	now    func() time.Time
}

func NewWebhookService(stores Stores, logger *zap.Logger) WebhookService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &webhookService{stores: stores, logger: logger, now: time.Now}
}

func (s *webhookService) OnPaymentConfirmed(ctx context.Context, transactionID uuid.UUID) error {
	log := s.logger.With(zap.String("transactionId", transactionID.String()))

	txn, err := s.stores.Transactions.FindByID(ctx, transactionID)
	if err != nil {
		return storeFailure("load transaction", err)
	}
	if txn == nil {
		return domain.NotFound("transaction %s not found", transactionID)
	}
	if txn.Status == domain.TransactionAbandoned {
		log.Error("webhook.payment.abandoned_transaction")
		return domain.Conflict("payment confirmed for an abandoned transaction")
	}

	if txn.OrderID != nil {
		order, err := s.stores.Orders.FindById(ctx, *txn.OrderID)
		if err != nil {
			return storeFailure("load order", err)
		}
		if order != nil && order.Status.AtLeastPaid() {
			if order.Status == domain.OrderCancelled {
				log.Warn("webhook.payment.cancelled_order", zap.String("orderId", order.ID.String()))
			}
			log.Debug("webhook.payment.duplicate")
			return nil
		}
	}

	if err := orderstate.Check(orderstate.Request{From: domain.OrderPending, To: domain.OrderPaid, Role: domain.RoleSystem}); err != nil {
		return err
	}

	now := s.now()
	var transitioned bool
	var orderID uuid.UUID
	err = s.stores.Tx.WithTx(ctx, func(tx *sql.Tx) error {
		order, err := s.ensureOrder(ctx, tx, txn, now)
		if err != nil {
			return err
		}
		orderID = order.ID

		ok, err := s.stores.Orders.UpdateStatus(ctx, tx, order.ID, domain.OrderPending, domain.OrderPaid, now)
		if err != nil {
			return err
		}
		if !ok {
			// another delivery got there first, or the order was cancelled
			return nil
		}
		transitioned = true

		if err := s.stores.Listings.MarkSold(ctx, tx, txn.ListingID, now); err != nil {
			return err
		}
		for _, n := range statusChanged(order, txn, domain.OrderPending, domain.OrderPaid, []string{txn.BuyerID, txn.SellerID}, now) {
			if err := s.stores.Outbox.Add(ctx, tx, n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storeFailure("confirm payment", err)
	}

	if transitioned {
		log.Info("webhook.payment.confirmed", zap.String("orderId", orderID.String()))
	} else {
		log.Debug("webhook.payment.no_op", zap.String("orderId", orderID.String()))
	}
	return nil
}

// ensureOrder returns the transaction's order, creating it when checkout
// never got that far. Such an order has no shipping address until the
// buyer's checkout retry fills it in.
func (s *webhookService) ensureOrder(ctx context.Context, tx *sql.Tx, txn *domain.Transaction, now time.Time) (*domain.Order, error) {
	order := &domain.Order{
		ID:            uuid.New(),
		TransactionID: txn.ID,
		Status:        domain.OrderPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if txn.OrderID != nil {
		order.ID = *txn.OrderID
	} else {
		listing, err := s.stores.Listings.FindByID(ctx, txn.ListingID)
		if err != nil {
			return nil, err
		}
		item := domain.LineItem{ListingID: txn.ListingID, Quantity: 1, Amount: txn.ItemAmount, Currency: txn.Currency}
		if listing != nil {
			item.Title = listing.Title
		}
		order.LineItems = []domain.LineItem{item}
	}

	id, err := s.stores.Orders.Create(ctx, tx, order)
	if err != nil {
		return nil, err
	}
	order.ID = id
	if _, err := s.stores.Transactions.AttachOrder(ctx, tx, txn.ID, id); err != nil {
		return nil, err
	}
	return order, nil
}
