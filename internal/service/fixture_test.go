package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"market-orchestrator/internal/domain"
	"market-orchestrator/internal/fees"
	"market-orchestrator/internal/infrastructure/carrier"
	"market-orchestrator/internal/refund"
)

const (
	sellerID = "seller-1"
	buyerID  = "buyer-1"
)

var testAddress = domain.Address{
	Name:       "Ada Buyer",
	Line1:      "1 Main St",
	City:       "Springfield",
	PostalCode: "12345",
	Country:    "us",
}

type fixture struct {
	db        *memDB
	stores    Stores
	processor *flakyProcessor
	carrier   *carrier.MockCarrier
	now       time.Time

	checkout *checkoutService
	webhook  *webhookService
	orders   *orderService
	bids     *bidService
	refunds  *refundService
	auctions *auctionService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newMemDB()
	f := &fixture{
		db:        db,
		stores:    db.stores(),
		processor: newFlakyProcessor(),
		carrier:   carrier.NewMockCarrier(),
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := fixedClock(f.now)
	runner := testRunner()

	f.checkout = NewCheckoutService(f.stores, fees.DefaultCalculator(), f.processor, runner, testTimeouts, 15*time.Minute, "usd", nil).(*checkoutService)
	f.checkout.now = clock
	f.webhook = NewWebhookService(f.stores, nil).(*webhookService)
	f.webhook.now = clock
	f.orders = NewOrderService(f.stores, f.processor, f.carrier, runner, testTimeouts, nil).(*orderService)
	f.orders.now = clock
	f.bids = NewBidService(f.stores, nil).(*bidService)
	f.bids.now = clock
	f.refunds = NewRefundService(f.stores, refund.NewPolicy(refund.DefaultWindow), f.processor, runner, testTimeouts, nil).(*refundService)
	f.refunds.now = clock
	f.auctions = NewAuctionService(f.stores, nil).(*auctionService)
	f.auctions.now = clock

	require.NoError(t, f.stores.Accounts.Upsert(context.Background(), &domain.StripeAccount{
		SellerID: sellerID, AccountID: "acct_seller", Status: domain.StripeAccountActive,
	}))
	return f
}

func (f *fixture) saleListing(t *testing.T, price int64) domain.Listing {
	t.Helper()
	l := domain.Listing{
		ID:        uuid.New(),
		SellerID:  sellerID,
		Title:     "Vintage camera",
		Kind:      domain.ListingSale,
		Price:     price,
		Currency:  "usd",
		Status:    domain.ListingActive,
		CreatedAt: f.now,
		UpdatedAt: f.now,
	}
	require.NoError(t, f.stores.Listings.Create(context.Background(), &l))
	return l
}

func (f *fixture) auction(t *testing.T, startingBid int64, endsIn time.Duration) (domain.Listing, domain.Auction) {
	t.Helper()
	a := domain.Auction{
		ID:          uuid.New(),
		SellerID:    sellerID,
		StartingBid: startingBid,
		Status:      domain.AuctionActive,
		EndTime:     f.now.Add(endsIn),
		CreatedAt:   f.now,
		UpdatedAt:   f.now,
	}
	l := domain.Listing{
		ID:        uuid.New(),
		SellerID:  sellerID,
		Title:     "Signed record",
		Kind:      domain.ListingAuction,
		Price:     startingBid,
		Currency:  "usd",
		Status:    domain.ListingActive,
		AuctionID: &a.ID,
		CreatedAt: f.now,
		UpdatedAt: f.now,
	}
	a.ListingID = l.ID
	require.NoError(t, f.stores.Auctions.Create(context.Background(), &a))
	require.NoError(t, f.stores.Listings.Create(context.Background(), &l))
	return l, a
}

func (f *fixture) checkoutRequest(listingID uuid.UUID) CheckoutRequest {
	return CheckoutRequest{
		ListingID:       listingID,
		BuyerID:         buyerID,
		ShippingMethod:  "standard",
		ShippingAddress: testAddress,
		ShippingCost:    0,
	}
}

// paidOrder runs checkout and payment confirmation for a fresh listing.
func (f *fixture) paidOrder(t *testing.T, price int64) (*CheckoutResult, domain.Order) {
	t.Helper()
	ctx := context.Background()
	l := f.saleListing(t, price)
	res, err := f.checkout.InitCheckout(ctx, f.checkoutRequest(l.ID))
	require.NoError(t, err)
	require.NoError(t, f.webhook.OnPaymentConfirmed(ctx, res.TransactionID))
	order := f.db.order(res.OrderID)
	require.Equal(t, domain.OrderPaid, order.Status)
	return res, order
}

func buyer() domain.Principal  { return domain.Principal{UserID: buyerID} }
func seller() domain.Principal { return domain.Principal{UserID: sellerID} }
func admin() domain.Principal  { return domain.Principal{UserID: "ops", Admin: true} }

func requireKind(t *testing.T, err error, kind domain.ErrorKind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, domain.KindOf(err), "error: %v", err)
}
