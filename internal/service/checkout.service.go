package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"market-orchestrator/internal/config"
	"market-orchestrator/internal/domain"
	"market-orchestrator/internal/fees"
	"market-orchestrator/internal/infrastructure/payment"
	"market-orchestrator/internal/repo"
	"market-orchestrator/internal/resilience"
)

type CheckoutRequest struct {
	ListingID       uuid.UUID
	BuyerID         string
	ShippingMethod  string
	ShippingAddress domain.Address
	ShippingCost    int64
	// QuoteTimestamp is when the shipping price was quoted, if the client
	// passed one.
	QuoteTimestamp *time.Time
}

type CheckoutResult struct {
	TransactionID       uuid.UUID        `json:"transactionId"`
	OrderID             uuid.UUID        `json:"orderId"`
	PaymentClientSecret string           `json:"paymentClientSecret"`
	Breakdown           domain.Breakdown `json:"breakdown"`
}

type CheckoutService interface {
	InitCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error)
}

type checkoutService struct {
	stores    Stores
	fees      fees.Calculator
	processor payment.Processor
	runner    *resilience.Runner
	timeouts  config.Timeouts
	quoteTTL  time.Duration
	currency  string
	logger    *zap.Logger
	now       func() time.Time
}

func NewCheckoutService(
	stores Stores,
	calc fees.Calculator,
	processor payment.Processor,
	runner *resilience.Runner,
	timeouts config.Timeouts,
	quoteTTL time.Duration,
	currency string,
	logger *zap.Logger,
) CheckoutService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &checkoutService{
		stores:    stores,
		fees:      calc,
		processor: processor,
		runner:    runner,
		timeouts:  timeouts,
		quoteTTL:  quoteTTL,
		currency:  currency,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *checkoutService) InitCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	now := s.now()
	address, err := s.validate(req, now)
	if err != nil {
		return nil, err
	}
	req.ShippingAddress = address

	listing, price, err := s.loadPurchasable(ctx, req.ListingID, req.BuyerID)
	if err != nil {
		return nil, err
	}

	currency := listing.Currency
	if currency == "" {
		currency = s.currency
	}
	breakdown := s.fees.Split(currency, price, req.ShippingCost)

	txn, auth, err := s.prepare(ctx, listing, req, breakdown, now)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("transactionId", txn.ID.String()), zap.String("listingId", listing.ID.String()))

	orderID, err := s.createOrder(ctx, txn, listing, req, now)
	if err != nil {
		log.Error("checkout.order.failed", zap.Error(err))
		return nil, err
	}

	log.Info("checkout.initiated",
		zap.String("orderId", orderID.String()),
		zap.Int64("total", breakdown.Total),
	)
	return &CheckoutResult{
		TransactionID:       txn.ID,
		OrderID:             orderID,
		PaymentClientSecret: auth.ClientSecret,
		Breakdown:           breakdown,
	}, nil
}

func (s *checkoutService) validate(req CheckoutRequest, now time.Time) (domain.Address, error) {
	if req.ListingID == uuid.Nil {
		return domain.Address{}, domain.Validation("listingId is required")
	}
	if strings.TrimSpace(req.BuyerID) == "" {
		return domain.Address{}, domain.Validation("buyer is required")
	}
	if req.ShippingCost < 0 {
		return domain.Address{}, domain.Validation("shipping cost must not be negative").With("shippingCost", req.ShippingCost)
	}
	if strings.TrimSpace(req.ShippingMethod) == "" {
		return domain.Address{}, domain.Validation("shipping method is required")
	}
	address := req.ShippingAddress.Normalize()
	if err := address.Validate(); err != nil {
		return domain.Address{}, err
	}
	if req.QuoteTimestamp != nil && s.quoteTTL > 0 && now.Sub(*req.QuoteTimestamp) > s.quoteTTL {
		return domain.Address{}, domain.Conflict("shipping quote has expired, fetch shipping rates again").
			With("quotedAt", req.QuoteTimestamp.UTC()).
			With("ttl", s.quoteTTL.String())
	}
	return address, nil
}

// loadPurchasable returns the listing and the price the buyer pays for it.
// Auction listings sell at the final bid, to the winner only.
func (s *checkoutService) loadPurchasable(ctx context.Context, listingID uuid.UUID, buyerID string) (*domain.Listing, int64, error) {
	listing, err := s.stores.Listings.FindByID(ctx, listingID)
	if err != nil {
		return nil, 0, storeFailure("load listing", err)
	}
	if listing == nil {
		return nil, 0, domain.NotFound("listing %s not found", listingID)
	}
	if listing.Status != domain.ListingActive {
		return nil, 0, domain.Conflict("listing is no longer available").With("listingStatus", listing.Status)
	}
	if listing.SellerID == buyerID {
		return nil, 0, domain.Forbidden("sellers cannot buy their own listing")
	}
	if listing.Kind != domain.ListingAuction {
		return listing, listing.Price, nil
	}

	if listing.AuctionID == nil {
		return nil, 0, domain.Internal("auction listing without auction", nil)
	}
	auction, err := s.stores.Auctions.FindByID(ctx, *listing.AuctionID)
	if err != nil {
		return nil, 0, storeFailure("load auction", err)
	}
	if auction == nil {
		return nil, 0, domain.NotFound("auction %s not found", *listing.AuctionID)
	}
	switch {
	case auction.Status == domain.AuctionActive:
		return nil, 0, domain.Conflict("auction is still running").With("endTime", auction.EndTime.UTC())
	case auction.Status != domain.AuctionEnded || auction.CurrentBid == nil:
		return nil, 0, domain.Conflict("auction closed without a winner").With("auctionStatus", auction.Status)
	case auction.CurrentBidderID != buyerID:
		return nil, 0, domain.Forbidden("only the winning bidder may check out this auction")
	}
	return listing, *auction.CurrentBid, nil
}

// prepare settles the transaction and payment authorization a checkout
// runs on. A stored authorization is read back instead of creating a new
// one. When that intent can no longer be paid, the transaction is released
// and checkout starts over once.
func (s *checkoutService) prepare(ctx context.Context, listing *domain.Listing, req CheckoutRequest, b domain.Breakdown, now time.Time) (*domain.Transaction, payment.Authorization, error) {
	for attempt := 0; ; attempt++ {
		txn, err := s.pendingTransaction(ctx, listing, req, b, now)
		if err != nil {
			return nil, payment.Authorization{}, err
		}
		log := s.logger.With(zap.String("transactionId", txn.ID.String()), zap.String("listingId", listing.ID.String()))

		if txn.PaymentAuthorizationID == "" {
			auth, err := s.authorize(ctx, txn)
			if err != nil {
				log.Warn("checkout.authorize.failed", zap.Error(err))
				return nil, payment.Authorization{}, err
			}
			attached, err := s.stores.Transactions.AttachAuthorization(ctx, txn.ID, auth.ID)
			if err != nil {
				return nil, payment.Authorization{}, storeFailure("record payment authorization", err)
			}
			if !attached {
				log.Debug("checkout.authorize.already_recorded", zap.String("authorizationId", auth.ID))
			}
			return txn, auth, nil
		}

		auth, err := s.lookupAuthorization(ctx, txn.PaymentAuthorizationID)
		if err != nil {
			log.Warn("checkout.authorize.lookup_failed", zap.Error(err))
			return nil, payment.Authorization{}, err
		}
		if auth.Status == payment.StatusPending || auth.Status == payment.StatusSucceeded {
			return txn, auth, nil
		}
		if attempt > 0 {
			return nil, payment.Authorization{}, domain.Conflict("payment for this checkout can no longer be completed").
				With("transactionId", txn.ID).
				With("paymentStatus", auth.Status)
		}
		log.Info("checkout.authorize.stale",
			zap.String("authorizationId", auth.ID),
			zap.String("paymentStatus", string(auth.Status)),
		)
		if err := s.release(ctx, txn, now); err != nil {
			return nil, payment.Authorization{}, err
		}
	}
}

// pendingTransaction reuses the buyer's live transaction on this listing
// when the terms match, so a retried checkout never creates a second one.
// A transaction whose order already ended is retired and replaced.
func (s *checkoutService) pendingTransaction(ctx context.Context, listing *domain.Listing, req CheckoutRequest, b domain.Breakdown, now time.Time) (*domain.Transaction, error) {
	existing, err := s.stores.Transactions.FindPendingForBuyer(ctx, listing.ID, req.BuyerID)
	if err != nil {
		return nil, storeFailure("load pending transaction", err)
	}
	if existing != nil {
		order, err := s.linkedOrder(ctx, existing)
		if err != nil {
			return nil, err
		}
		switch {
		case order != nil && order.Status.Terminal():
			if _, err := s.stores.Transactions.Retire(ctx, existing.ID, now); err != nil {
				return nil, storeFailure("retire transaction", err)
			}
			s.logger.Info("checkout.transaction.retired",
				zap.String("transactionId", existing.ID.String()),
				zap.String("orderId", order.ID.String()),
				zap.String("orderStatus", string(order.Status)),
			)
		case order != nil:
			if err := checkLinkedTerms(existing, order, req, b); err != nil {
				return nil, err
			}
			return existing, nil
		case sameTerms(existing, b):
			return existing, nil
		default:
			if _, err := s.stores.Transactions.MarkAbandoned(ctx, existing.ID); err != nil {
				return nil, storeFailure("abandon stale transaction", err)
			}
		}
	}

	txn := &domain.Transaction{
		ID:                 uuid.New(),
		BuyerID:            req.BuyerID,
		SellerID:           listing.SellerID,
		ListingID:          listing.ID,
		ListingKind:        listing.Kind,
		Currency:           b.Currency,
		ItemAmount:         b.ItemAmount,
		ShippingAmount:     b.ShippingAmount,
		PlatformFeeAmount:  &b.PlatformFee,
		SellerFeeAmount:    &b.SellerFee,
		SellerPayoutAmount: &b.SellerPayout,
		TotalAmount:        b.Total,
		Status:             domain.TransactionPending,
		CreatedAt:          now,
	}
	if !txn.SplitBalanced() {
		return nil, domain.Internal("fee split does not balance", nil)
	}
	err = s.stores.Transactions.Create(ctx, nil, txn)
	if errors.Is(err, repo.ErrPendingCheckout) {
		return s.concurrentCheckout(ctx, listing.ID, req, b)
	}
	if err != nil {
		return nil, storeFailure("create transaction", err)
	}
	return txn, nil
}

// concurrentCheckout resolves a lost race for the buyer's checkout slot.
// The winner is reused only when it matches this request exactly.
func (s *checkoutService) concurrentCheckout(ctx context.Context, listingID uuid.UUID, req CheckoutRequest, b domain.Breakdown) (*domain.Transaction, error) {
	winner, err := s.stores.Transactions.FindPendingForBuyer(ctx, listingID, req.BuyerID)
	if err != nil {
		return nil, storeFailure("load pending transaction", err)
	}
	if winner == nil {
		return nil, domain.Conflict("checkout for this listing changed concurrently, retry")
	}
	order, err := s.linkedOrder(ctx, winner)
	if err != nil {
		return nil, err
	}
	switch {
	case order == nil && sameTerms(winner, b):
		return winner, nil
	case order == nil || order.Status.Terminal():
		return nil, domain.Conflict("checkout for this listing changed concurrently, retry").
			With("transactionId", winner.ID)
	}
	if err := checkLinkedTerms(winner, order, req, b); err != nil {
		return nil, err
	}
	return winner, nil
}

func (s *checkoutService) linkedOrder(ctx context.Context, txn *domain.Transaction) (*domain.Order, error) {
	if txn.OrderID == nil {
		return nil, nil
	}
	order, err := s.stores.Orders.FindById(ctx, *txn.OrderID)
	if err != nil {
		return nil, storeFailure("load order", err)
	}
	if order == nil {
		return nil, domain.Internal("transaction linked to a missing order", nil).With("transactionId", txn.ID)
	}
	return order, nil
}

// release takes a transaction whose payment intent is dead out of checkout
// reuse. Unlinked transactions are abandoned, linked ones retired.
func (s *checkoutService) release(ctx context.Context, txn *domain.Transaction, now time.Time) error {
	if txn.OrderID == nil {
		ok, err := s.stores.Transactions.MarkAbandoned(ctx, txn.ID)
		if err != nil {
			return storeFailure("abandon stale transaction", err)
		}
		if ok {
			return nil
		}
	}
	if _, err := s.stores.Transactions.Retire(ctx, txn.ID, now); err != nil {
		return storeFailure("retire transaction", err)
	}
	return nil
}

func sameTerms(t *domain.Transaction, b domain.Breakdown) bool {
	return t.ItemAmount == b.ItemAmount &&
		t.ShippingAmount == b.ShippingAmount &&
		t.TotalAmount == b.Total &&
		strings.EqualFold(t.Currency, b.Currency)
}

func checkLinkedTerms(t *domain.Transaction, order *domain.Order, req CheckoutRequest, b domain.Breakdown) error {
	if !sameTerms(t, b) {
		return domain.Conflict("a checkout with different terms is already pending for this listing").
			With("transactionId", t.ID)
	}
	// an order opened by an early payment confirmation has no shipping yet
	methodDiffers := order.ShippingMethod != "" && !strings.EqualFold(order.ShippingMethod, req.ShippingMethod)
	addressDiffers := !order.ShippingAddress.IsZero() && order.ShippingAddress != req.ShippingAddress
	if methodDiffers || addressDiffers {
		return domain.Conflict("a checkout with a different shipping choice is already pending for this listing").
			With("transactionId", t.ID).
			With("orderId", order.ID)
	}
	return nil
}

func (s *checkoutService) authorize(ctx context.Context, txn *domain.Transaction) (payment.Authorization, error) {
	req := payment.AuthorizeRequest{
		Amount:        txn.TotalAmount,
		Currency:      txn.Currency,
		TransferGroup: txn.ID.String(),
		Metadata: map[string]string{
			payment.MetadataTransactionID: txn.ID.String(),
			"listing_id":                  txn.ListingID.String(),
			"buyer_id":                    txn.BuyerID,
		},
		IdempotencyKey: txn.IdempotencyKey("authorize"),
	}
	if txn.SellerPayoutAmount != nil {
		req.DestinationAmount = *txn.SellerPayoutAmount
	}
	account, err := s.stores.Accounts.FindBySeller(ctx, txn.SellerID)
	if err != nil {
		return payment.Authorization{}, storeFailure("load seller account", err)
	}
	if account != nil {
		req.DestinationAccountID = account.AccountID
	} else {
		s.logger.Warn("checkout.seller.no_payout_account", zap.String("sellerId", txn.SellerID))
	}

	var auth payment.Authorization
	err = s.runner.Do(ctx, "payment.authorize", resilience.KeyedWritePolicy(s.timeouts.Payment), func(ctx context.Context) error {
		var err error
		auth, err = s.processor.Authorize(ctx, req)
		return paymentFailure(err)
	})
	if err != nil {
		return payment.Authorization{}, paymentFailure(err)
	}
	return auth, nil
}

func (s *checkoutService) lookupAuthorization(ctx context.Context, authorizationID string) (payment.Authorization, error) {
	var auth payment.Authorization
	err := s.runner.Do(ctx, "payment.lookup", resilience.ReadPolicy(s.timeouts.Payment), func(ctx context.Context) error {
		var err error
		auth, err = s.processor.Lookup(ctx, authorizationID)
		return paymentFailure(err)
	})
	if err != nil {
		return payment.Authorization{}, paymentFailure(err)
	}
	return auth, nil
}

func (s *checkoutService) createOrder(ctx context.Context, txn *domain.Transaction, listing *domain.Listing, req CheckoutRequest, now time.Time) (uuid.UUID, error) {
	order := &domain.Order{
		ID:            uuid.New(),
		TransactionID: txn.ID,
		Status:        domain.OrderPending,
		LineItems: []domain.LineItem{{
			ListingID: listing.ID,
			Title:     listing.Title,
			Quantity:  1,
			Amount:    txn.ItemAmount,
			Currency:  txn.Currency,
		}},
		ShippingMethod:  req.ShippingMethod,
		ShippingAddress: req.ShippingAddress,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var orderID uuid.UUID
	err := s.runner.Do(ctx, "orders.create", resilience.KeyedWritePolicy(s.timeouts.Store), func(ctx context.Context) error {
		return s.stores.Tx.WithTx(ctx, func(tx *sql.Tx) error {
			id, err := s.stores.Orders.Create(ctx, tx, order)
			if err != nil {
				return err
			}
			if _, err := s.stores.Transactions.AttachOrder(ctx, tx, txn.ID, id); err != nil {
				return err
			}
			orderID = id
			return nil
		})
	})
	if err != nil {
		return uuid.Nil, domain.External(orderStore, true, err)
	}
	return orderID, nil
}
