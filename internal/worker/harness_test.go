package worker

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"market-orchestrator/internal/config"
	"market-orchestrator/internal/database/dbtest"
	"market-orchestrator/internal/domain"
	"market-orchestrator/internal/fees"
	"market-orchestrator/internal/infrastructure/carrier"
	"market-orchestrator/internal/infrastructure/payment"
	"market-orchestrator/internal/resilience"
	"market-orchestrator/internal/service"
)

const (
	sellerID = "seller-1"
	buyerID  = "buyer-1"
)

var testTimeouts = config.Timeouts{Payment: time.Second, Carrier: time.Second, Store: time.Second}

type harness struct {
	db       *sql.DB
	stores   service.Stores
	gateway  *payment.MockGateway
	runner   *resilience.Runner
	checkout service.CheckoutService
	webhook  service.WebhookService
	orders   service.OrderService
	auctions service.AuctionService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := dbtest.Start(t)
	h := &harness{
		db:      db,
		stores:  service.NewStores(db),
		gateway: payment.NewMockGateway(),
		runner:  resilience.NewRunner(nil, resilience.WithBackoff(time.Millisecond, 2*time.Millisecond)),
	}
	h.checkout = service.NewCheckoutService(h.stores, fees.DefaultCalculator(), h.gateway, h.runner, testTimeouts, 15*time.Minute, "usd", nil)
	h.webhook = service.NewWebhookService(h.stores, nil)
	h.orders = service.NewOrderService(h.stores, h.gateway, carrier.NewMockCarrier(), h.runner, testTimeouts, nil)
	h.auctions = service.NewAuctionService(h.stores, nil)
	h.setAccount(t, domain.StripeAccountActive)
	return h
}

func (h *harness) setAccount(t *testing.T, status domain.StripeAccountStatus) {
	t.Helper()
	require.NoError(t, h.stores.Accounts.Upsert(context.Background(), &domain.StripeAccount{
		SellerID: sellerID, AccountID: "acct_seller", Status: status,
	}))
}

func (h *harness) listing(t *testing.T, price int64) domain.Listing {
	t.Helper()
	now := time.Now().UTC()
	l := domain.Listing{
		ID:        uuid.New(),
		SellerID:  sellerID,
		Title:     "Field recorder",
		Kind:      domain.ListingSale,
		Price:     price,
		Currency:  "usd",
		Status:    domain.ListingActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, h.stores.Listings.Create(context.Background(), &l))
	return l
}

// pendingTransaction records a transaction the way checkout does before the
// order exists.
func (h *harness) pendingTransaction(t *testing.T, createdAt time.Time) *domain.Transaction {
	t.Helper()
	l := h.listing(t, 4000)
	b := fees.DefaultCalculator().Split("usd", l.Price, 0)
	txn := &domain.Transaction{
		ID:                 uuid.New(),
		BuyerID:            buyerID,
		SellerID:           sellerID,
		ListingID:          l.ID,
		ListingKind:        domain.ListingSale,
		Currency:           "usd",
		ItemAmount:         b.ItemAmount,
		PlatformFeeAmount:  &b.PlatformFee,
		SellerFeeAmount:    &b.SellerFee,
		SellerPayoutAmount: &b.SellerPayout,
		TotalAmount:        b.Total,
		Status:             domain.TransactionPending,
		CreatedAt:          createdAt,
	}
	require.NoError(t, h.stores.Transactions.Create(context.Background(), nil, txn))
	return txn
}

func (h *harness) authorize(t *testing.T, txn *domain.Transaction) string {
	t.Helper()
	ctx := context.Background()
	auth, err := h.gateway.Authorize(ctx, payment.AuthorizeRequest{
		Amount:         txn.TotalAmount,
		Currency:       txn.Currency,
		Metadata:       map[string]string{payment.MetadataTransactionID: txn.ID.String()},
		IdempotencyKey: txn.IdempotencyKey("authorize"),
	})
	require.NoError(t, err)
	_, err = h.stores.Transactions.AttachAuthorization(ctx, txn.ID, auth.ID)
	require.NoError(t, err)
	return auth.ID
}
