package service

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"market-orchestrator/internal/config"
	"market-orchestrator/internal/domain"
	"market-orchestrator/internal/infrastructure/carrier"
	"market-orchestrator/internal/infrastructure/payment"
	"market-orchestrator/internal/orderstate"
	"market-orchestrator/internal/resilience"
)

type OrderService interface {
	Get(ctx context.Context, p domain.Principal, orderID uuid.UUID) (*domain.Order, error)
	Ship(ctx context.Context, p domain.Principal, orderID uuid.UUID, trackingNumber, carrierName string) (*domain.Order, error)
	Complete(ctx context.Context, p domain.Principal, orderID uuid.UUID) (*domain.Order, error)
	Cancel(ctx context.Context, p domain.Principal, orderID uuid.UUID) (*domain.Order, error)
	// MarkDelivered is driven by the carrier's delivery scan.
	MarkDelivered(ctx context.Context, trackingNumber string) (*domain.Order, error)
	Label(ctx context.Context, p domain.Principal, orderID uuid.UUID) (carrier.Label, error)
	Tracking(ctx context.Context, p domain.Principal, orderID uuid.UUID) (carrier.Tracking, error)
	// Payout transfers the seller's share of a completed transaction. It is
	// safe to call repeatedly.
	Payout(ctx context.Context, transactionID uuid.UUID) error
}

type orderService struct {
	stores    Stores
	processor payment.Processor
	carrier   carrier.Carrier
	runner    *resilience.Runner
	timeouts  config.Timeouts
	logger    *zap.Logger
	now       func() time.Time
}

func NewOrderService(
	stores Stores,
	processor payment.Processor,
	shipping carrier.Carrier,
	runner *resilience.Runner,
	timeouts config.Timeouts,
	logger *zap.Logger,
) OrderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &orderService{
		stores:    stores,
		processor: processor,
		carrier:   shipping,
		runner:    runner,
		timeouts:  timeouts,
		logger:    logger,
		now:       time.Now,
	}
}

// change is one requested transition plus the writes that ride along in
// the same database transaction.
type change struct {
	to             domain.OrderStatus
	trackingNumber string
	carrier        string
	apply          func(ctx context.Context, tx *sql.Tx, order *domain.Order, txn *domain.Transaction, now time.Time) error
	notify         func(order *domain.Order, txn *domain.Transaction) []string
}

func (s *orderService) load(ctx context.Context, orderID uuid.UUID) (*domain.Order, *domain.Transaction, error) {
	order, err := s.stores.Orders.FindById(ctx, orderID)
	if err != nil {
		return nil, nil, storeFailure("load order", err)
	}
	if order == nil {
		return nil, nil, domain.NotFound("order %s not found", orderID)
	}
	txn, err := s.stores.Transactions.FindByID(ctx, order.TransactionID)
	if err != nil {
		return nil, nil, storeFailure("load transaction", err)
	}
	if txn == nil {
		return nil, nil, domain.Internal("order without transaction", nil).With("orderId", orderID)
	}
	return order, txn, nil
}

func (s *orderService) loadAs(ctx context.Context, p domain.Principal, orderID uuid.UUID) (*domain.Order, *domain.Transaction, domain.Role, error) {
	order, txn, err := s.load(ctx, orderID)
	if err != nil {
		return nil, nil, "", err
	}
	role, ok := domain.RoleFor(p, txn)
	if !ok {
		return nil, nil, "", domain.Forbidden("not a party to this order")
	}
	return order, txn, role, nil
}

func (s *orderService) transition(ctx context.Context, order *domain.Order, txn *domain.Transaction, role domain.Role, c change) (*domain.Order, error) {
	from := order.Status
	err := orderstate.Check(orderstate.Request{
		From:           from,
		To:             c.to,
		Role:           role,
		TrackingNumber: c.trackingNumber,
		Carrier:        c.carrier,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	err = s.stores.Tx.WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.stores.Orders.UpdateStatus(ctx, tx, order.ID, from, c.to, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.Conflict("order status changed while processing, reload and retry").
				With("expectedStatus", from)
		}
		if c.apply != nil {
			if err := c.apply(ctx, tx, order, txn, now); err != nil {
				return err
			}
		}
		if c.notify != nil {
			for _, n := range statusChanged(order, txn, from, c.to, c.notify(order, txn), now) {
				if err := s.stores.Outbox.Add(ctx, tx, n); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeFailure("update order status", err)
	}

	s.logger.Info("order.transitioned",
		zap.String("orderId", order.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(c.to)),
		zap.String("role", string(role)),
	)
	updated := *order
	updated.Status = c.to
	updated.UpdatedAt = now
	if c.trackingNumber != "" {
		updated.TrackingNumber = c.trackingNumber
		updated.Carrier = c.carrier
	}
	return &updated, nil
}

func (s *orderService) Get(ctx context.Context, p domain.Principal, orderID uuid.UUID) (*domain.Order, error) {
	order, _, _, err := s.loadAs(ctx, p, orderID)
	return order, err
}

func (s *orderService) Ship(ctx context.Context, p domain.Principal, orderID uuid.UUID, trackingNumber, carrierName string) (*domain.Order, error) {
	order, txn, role, err := s.loadAs(ctx, p, orderID)
	if err != nil {
		return nil, err
	}
	trackingNumber = strings.TrimSpace(trackingNumber)
	carrierName = strings.TrimSpace(carrierName)
	if order.Status == domain.OrderPaid && role == domain.RoleSeller && order.ShippingAddress.IsZero() {
		return nil, domain.Validation("order has no shipping address yet")
	}
	return s.transition(ctx, order, txn, role, change{
		to:             domain.OrderShipped,
		trackingNumber: trackingNumber,
		carrier:        carrierName,
		apply: func(ctx context.Context, tx *sql.Tx, order *domain.Order, _ *domain.Transaction, _ time.Time) error {
			return s.stores.Orders.AttachTracking(ctx, tx, order.ID, trackingNumber, carrierName)
		},
		notify: func(_ *domain.Order, txn *domain.Transaction) []string { return []string{txn.BuyerID} },
	})
}

func (s *orderService) Complete(ctx context.Context, p domain.Principal, orderID uuid.UUID) (*domain.Order, error) {
	order, txn, role, err := s.loadAs(ctx, p, orderID)
	if err != nil {
		return nil, err
	}
	updated, err := s.transition(ctx, order, txn, role, change{
		to: domain.OrderCompleted,
		apply: func(ctx context.Context, tx *sql.Tx, _ *domain.Order, txn *domain.Transaction, now time.Time) error {
			return s.stores.Transactions.MarkCompleted(ctx, tx, txn.ID, now)
		},
		notify: func(_ *domain.Order, txn *domain.Transaction) []string { return []string{txn.SellerID} },
	})
	if err != nil {
		return nil, err
	}

	// a failed payout is picked up again by the reconciler
	if err := s.Payout(ctx, txn.ID); err != nil {
		s.logger.Warn("order.payout.deferred", zap.String("transactionId", txn.ID.String()), zap.Error(err))
	}
	return updated, nil
}

func (s *orderService) Cancel(ctx context.Context, p domain.Principal, orderID uuid.UUID) (*domain.Order, error) {
	order, txn, role, err := s.loadAs(ctx, p, orderID)
	if err != nil {
		return nil, err
	}
	beforeShipment := order.Status == domain.OrderPending || order.Status == domain.OrderPaid
	return s.transition(ctx, order, txn, role, change{
		to: domain.OrderCancelled,
		apply: func(ctx context.Context, tx *sql.Tx, _ *domain.Order, txn *domain.Transaction, now time.Time) error {
			if beforeShipment && txn.ListingKind == domain.ListingSale {
				return s.stores.Listings.Relist(ctx, tx, txn.ListingID, now)
			}
			return nil
		},
		notify: func(_ *domain.Order, txn *domain.Transaction) []string { return []string{txn.BuyerID, txn.SellerID} },
	})
}

func (s *orderService) MarkDelivered(ctx context.Context, trackingNumber string) (*domain.Order, error) {
	trackingNumber = strings.TrimSpace(trackingNumber)
	if trackingNumber == "" {
		return nil, domain.Validation("tracking number is required")
	}
	order, err := s.stores.Orders.FindByTracking(ctx, trackingNumber)
	if err != nil {
		return nil, storeFailure("load order", err)
	}
	if order == nil {
		return nil, domain.NotFound("no order with tracking number %s", trackingNumber)
	}
	// carriers resend scans
	if order.Status == domain.OrderDelivered || order.Status == domain.OrderCompleted {
		return order, nil
	}
	txn, err := s.stores.Transactions.FindByID(ctx, order.TransactionID)
	if err != nil {
		return nil, storeFailure("load transaction", err)
	}
	if txn == nil {
		return nil, domain.Internal("order without transaction", nil).With("orderId", order.ID)
	}
	return s.transition(ctx, order, txn, domain.RoleCarrier, change{
		to:     domain.OrderDelivered,
		notify: func(_ *domain.Order, txn *domain.Transaction) []string { return []string{txn.BuyerID, txn.SellerID} },
	})
}

func (s *orderService) Label(ctx context.Context, p domain.Principal, orderID uuid.UUID) (carrier.Label, error) {
	order, _, role, err := s.loadAs(ctx, p, orderID)
	if err != nil {
		return carrier.Label{}, err
	}
	if role != domain.RoleSeller {
		return carrier.Label{}, domain.Forbidden("only the seller may buy a shipping label")
	}
	if order.Status != domain.OrderPaid {
		return carrier.Label{}, domain.BadRequest("labels can only be bought for paid orders").With("currentStatus", order.Status)
	}
	if order.ShippingAddress.IsZero() {
		return carrier.Label{}, domain.Validation("order has no shipping address yet")
	}

	spec := carrier.ShipmentSpec{
		OrderCode:      order.ID.String(),
		ShippingMethod: order.ShippingMethod,
		To:             order.ShippingAddress,
	}
	var label carrier.Label
	// one label per order code on the carrier side, so a retry cannot buy twice
	err = s.runner.Do(ctx, "carrier.label", resilience.KeyedWritePolicy(s.timeouts.Carrier), func(ctx context.Context) error {
		var err error
		label, err = s.carrier.GetLabel(ctx, spec)
		return carrierFailure(err)
	})
	if err != nil {
		return carrier.Label{}, carrierFailure(err)
	}
	return label, nil
}

func (s *orderService) Tracking(ctx context.Context, p domain.Principal, orderID uuid.UUID) (carrier.Tracking, error) {
	order, _, _, err := s.loadAs(ctx, p, orderID)
	if err != nil {
		return carrier.Tracking{}, err
	}
	if order.TrackingNumber == "" {
		return carrier.Tracking{}, domain.NotFound("order has not been shipped")
	}
	var tracking carrier.Tracking
	err = s.runner.Do(ctx, "carrier.tracking", resilience.ReadPolicy(s.timeouts.Carrier), func(ctx context.Context) error {
		var err error
		tracking, err = s.carrier.GetTracking(ctx, order.TrackingNumber)
		return carrierFailure(err)
	})
	if err != nil {
		return carrier.Tracking{}, carrierFailure(err)
	}
	return tracking, nil
}

func (s *orderService) Payout(ctx context.Context, transactionID uuid.UUID) error {
	txn, err := s.stores.Transactions.FindByID(ctx, transactionID)
	if err != nil {
		return storeFailure("load transaction", err)
	}
	if txn == nil {
		return domain.NotFound("transaction %s not found", transactionID)
	}
	if txn.PaymentTransferID != "" {
		return nil
	}
	if txn.CompletedAt == nil {
		return domain.Conflict("order has not been completed")
	}
	if txn.SellerPayoutAmount == nil || *txn.SellerPayoutAmount <= 0 {
		return domain.Conflict("transaction has no recorded seller payout")
	}

	account, err := s.stores.Accounts.FindBySeller(ctx, txn.SellerID)
	if err != nil {
		return storeFailure("load seller account", err)
	}
	if account == nil || account.Status != domain.StripeAccountActive {
		return domain.Conflict("seller payout account is not active").With("sellerId", txn.SellerID)
	}

	req := payment.TransferRequest{
		DestinationAccountID: account.AccountID,
		Amount:               *txn.SellerPayoutAmount,
		Currency:             txn.Currency,
		TransferGroup:        txn.ID.String(),
		Metadata:             map[string]string{payment.MetadataTransactionID: txn.ID.String()},
		IdempotencyKey:       txn.IdempotencyKey("payout"),
	}
	var transferID string
	err = s.runner.Do(ctx, "payment.transfer", resilience.KeyedWritePolicy(s.timeouts.Payment), func(ctx context.Context) error {
		var err error
		transferID, err = s.processor.Transfer(ctx, req)
		return paymentFailure(err)
	})
	if err != nil {
		return paymentFailure(err)
	}

	now := s.now()
	err = s.stores.Tx.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.stores.Transactions.AttachTransfer(ctx, tx, txn.ID, transferID); err != nil {
			return err
		}
		return s.stores.Outbox.Add(ctx, tx, domain.NewNotification(domain.EventPayoutTransferred, txn.SellerID, txn.ID, map[string]any{
			"transactionId": txn.ID,
			"transferId":    transferID,
			"amount":        *txn.SellerPayoutAmount,
			"currency":      txn.Currency,
		}, now))
	})
	if err != nil {
		return storeFailure("record payout", err)
	}
	s.logger.Info("order.payout.transferred",
		zap.String("transactionId", txn.ID.String()),
		zap.String("transferId", transferID),
		zap.Int64("amount", *txn.SellerPayoutAmount),
	)
	return nil
}
