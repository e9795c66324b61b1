package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"market-orchestrator/internal/config"
	"market-orchestrator/internal/domain"
	"market-orchestrator/internal/infrastructure/payment"
	"market-orchestrator/internal/refund"
	"market-orchestrator/internal/resilience"
)

type RefundResult struct {
	TransactionID uuid.UUID                `json:"transactionId"`
	RefundID      string                   `json:"refundId"`
	Amount        int64                    `json:"amount"`
	Currency      string                   `json:"currency"`
	Status        domain.TransactionStatus `json:"status"`
}

type RefundService interface {
	// Refund returns part of a transaction to its buyer. amount nil asks
	// for the maximum allowed.
	Refund(ctx context.Context, p domain.Principal, transactionID uuid.UUID, amount *int64) (*RefundResult, error)
}

type refundService struct {
	stores    Stores
	policy    refund.Policy
	processor payment.Processor
	runner    *resilience.Runner
	timeouts  config.Timeouts
	logger    *zap.Logger
	now       func() time.Time
}

func NewRefundService(
	stores Stores,
	policy refund.Policy,
	processor payment.Processor,
	runner *resilience.Runner,
	timeouts config.Timeouts,
	logger *zap.Logger,
) RefundService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &refundService{
		stores:    stores,
		policy:    policy,
		processor: processor,
		runner:    runner,
		timeouts:  timeouts,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *refundService) Refund(ctx context.Context, p domain.Principal, transactionID uuid.UUID, amount *int64) (*RefundResult, error) {
	txn, err := s.stores.Transactions.FindByID(ctx, transactionID)
	if err != nil {
		return nil, storeFailure("load transaction", err)
	}
	if txn == nil {
		return nil, domain.NotFound("transaction %s not found", transactionID)
	}
	if p.UserID == "" || p.UserID != txn.BuyerID {
		return nil, domain.Forbidden("only the buyer may request a refund")
	}

	now := s.now()
	decision := s.policy.Evaluate(txn, amount, now)
	if !decision.Approved() {
		return nil, decision.Rejection
	}
	if txn.PaymentAuthorizationID == "" {
		return nil, domain.Conflict("transaction has no payment to refund")
	}

	req := payment.RefundRequest{
		AuthorizationID: txn.PaymentAuthorizationID,
		Amount:          decision.Amount,
		Reason:          "requested_by_customer",
		Metadata:        map[string]string{payment.MetadataTransactionID: txn.ID.String()},
		IdempotencyKey:  txn.IdempotencyKey("refund"),
	}
	var refundID string
	err = s.runner.Do(ctx, "payment.refund", resilience.KeyedWritePolicy(s.timeouts.Payment), func(ctx context.Context) error {
		var err error
		refundID, err = s.processor.Refund(ctx, req)
		return paymentFailure(err)
	})
	if err != nil {
		s.logger.Warn("refund.processor.failed", zap.String("transactionId", txn.ID.String()), zap.Error(err))
		return nil, paymentFailure(err)
	}

	platformFee := int64(0)
	if txn.PlatformFeeAmount != nil {
		platformFee = *txn.PlatformFeeAmount
	}
	err = s.stores.Tx.WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.stores.Transactions.MarkRefunded(ctx, tx, txn.ID, refundID, decision.Amount, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.Conflict("transaction has already been refunded")
		}
		return s.stores.Outbox.Add(ctx, tx, domain.NewNotification(domain.EventRefundIssued, txn.SellerID, txn.ID, map[string]any{
			"transactionId":       txn.ID,
			"refundId":            refundID,
			"amount":              decision.Amount,
			"currency":            txn.Currency,
			"platformFeeRetained": platformFee,
			"message":             fmt.Sprintf("%d %s was refunded to the buyer. The platform fee of %d was retained.", decision.Amount, txn.Currency, platformFee),
		}, now))
	})
	if err != nil {
		return nil, storeFailure("record refund", err)
	}

	s.logger.Info("refund.issued",
		zap.String("transactionId", txn.ID.String()),
		zap.String("refundId", refundID),
		zap.Int64("amount", decision.Amount),
	)
	return &RefundResult{
		TransactionID: txn.ID,
		RefundID:      refundID,
		Amount:        decision.Amount,
		Currency:      txn.Currency,
		Status:        domain.TransactionRefunded,
	}, nil
}
