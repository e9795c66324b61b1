package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"market-orchestrator/internal/config"
	"market-orchestrator/internal/database"
	"market-orchestrator/internal/domain"
	"market-orchestrator/internal/fees"
	"market-orchestrator/internal/infrastructure/carrier"
	"market-orchestrator/internal/infrastructure/payment"
	"market-orchestrator/internal/logger"
	"market-orchestrator/internal/resilience"
	"market-orchestrator/internal/service"
	"market-orchestrator/internal/worker"
)

const sellerID = "sim-seller"

type simulation struct {
	stores   service.Stores
	gateway  *payment.MockGateway
	checkout service.CheckoutService
	webhook  service.WebhookService
	orders   service.OrderService
	bids     service.BidService
	logger   *zap.Logger
}

func main() {
	bidders := flag.Int("bidders", 50, "concurrent bidders on one auction")
	checkouts := flag.Int("checkouts", 20, "checkouts to run against the flaky gateway")
	deliveries := flag.Int("deliveries", 5, "duplicate payment confirmations per checkout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	zl, err := logger.New(cfg.Env, "warn")
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	db, err := database.New(cfg.DB)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()
	if err := database.Migrate(ctx, db.DB()); err != nil {
		log.Fatal(err)
	}

	gateway := payment.NewMockGateway()
	gateway.DeclinePct = 10
	gateway.PhantomPct = 30
	gateway.PhantomDelay = 300 * time.Millisecond
	gateway.Latency = 20 * time.Millisecond

	timeouts := config.Timeouts{Payment: 200 * time.Millisecond, Carrier: time.Second, Store: time.Second}
	stores := service.NewStores(db.DB())
	runner := resilience.NewRunner(zl, resilience.WithBackoff(50*time.Millisecond, 200*time.Millisecond))
	sim := &simulation{
		stores:   stores,
		gateway:  gateway,
		checkout: service.NewCheckoutService(stores, fees.DefaultCalculator(), gateway, runner, timeouts, cfg.QuoteTTL, "usd", zl),
		webhook:  service.NewWebhookService(stores, zl),
		orders:   service.NewOrderService(stores, gateway, carrier.NewMockCarrier(), runner, timeouts, zl),
		bids:     service.NewBidService(stores, zl),
		logger:   zl,
	}
	if err := stores.Accounts.Upsert(ctx, &domain.StripeAccount{SellerID: sellerID, AccountID: "acct_sim", Status: domain.StripeAccountActive}); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("--- AUCTION: %d CONCURRENT BIDDERS ---\n", *bidders)
	sim.bidStorm(ctx, *bidders)

	fmt.Printf("\n--- CHECKOUT: %d ORDERS, %d CONFIRMATIONS EACH ---\n", *checkouts, *deliveries)
	stranded := sim.checkoutStorm(ctx, *checkouts, *deliveries)

	fmt.Printf("\n--- RECONCILIATION (%d transactions without an order) ---\n", stranded)
	rw := worker.NewReconciliationWorker(stores.Transactions, gateway, sim.webhook, sim.orders, runner,
		time.Second, time.Nanosecond, timeouts.Payment, zl)
	report, err := rw.RunOnce(ctx)
	if err != nil {
		fmt.Printf("reconciliation error: %v\n", err)
	}
	fmt.Printf("confirmed=%d abandoned=%d paidOut=%d\n", report.Confirmed, report.Abandoned, report.PaidOut)
}

func (s *simulation) listing(ctx context.Context, kind domain.ListingKind, price int64) domain.Listing {
	now := time.Now().UTC()
	l := domain.Listing{
		ID:        uuid.New(),
		SellerID:  sellerID,
		Title:     "Simulated item",
		Kind:      kind,
		Price:     price,
		Currency:  "usd",
		Status:    domain.ListingActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if kind == domain.ListingAuction {
		a := domain.Auction{
			ID:          uuid.New(),
			ListingID:   l.ID,
			SellerID:    sellerID,
			StartingBid: price,
			Status:      domain.AuctionActive,
			EndTime:     now.Add(time.Hour),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		l.AuctionID = &a.ID
		if err := s.stores.Listings.Create(ctx, &l); err != nil {
			log.Fatal(err)
		}
		if err := s.stores.Auctions.Create(ctx, &a); err != nil {
			log.Fatal(err)
		}
		return l
	}
	if err := s.stores.Listings.Create(ctx, &l); err != nil {
		log.Fatal(err)
	}
	return l
}

// bidStorm fires bids in a narrow price band so many of them collide.
func (s *simulation) bidStorm(ctx context.Context, n int) {
	l := s.listing(ctx, domain.ListingAuction, 1000)
	auctionID := *l.AuctionID

	var accepted, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := int64(1001 + rand.IntN(n/2+1)*10)
			_, err := s.bids.PlaceBid(ctx, auctionID, fmt.Sprintf("bidder-%d", i), amount)
			if err != nil {
				rejected.Add(1)
				return
			}
			accepted.Add(1)
		}(i)
	}
	wg.Wait()

	a, err := s.stores.Auctions.FindByID(ctx, auctionID)
	if err != nil || a == nil {
		log.Fatalf("reload auction: %v", err)
	}
	history, _ := s.stores.Auctions.ListBids(ctx, auctionID)
	current := int64(0)
	if a.CurrentBid != nil {
		current = *a.CurrentBid
	}
	fmt.Printf("accepted=%d rejected=%d bidsStored=%d currentBid=%d leader=%s\n",
		accepted.Load(), rejected.Load(), len(history), current, a.CurrentBidderID)
	for i := 1; i < len(history); i++ {
		if history[i].Amount <= history[i-1].Amount {
			fmt.Printf("!! bid history not strictly increasing at %d\n", i)
		}
	}
}

// checkoutStorm runs checkouts against the flaky gateway and replays each
// payment confirmation concurrently. It returns how many transactions were
// left without an order.
func (s *simulation) checkoutStorm(ctx context.Context, n, deliveries int) int {
	stranded := 0
	for i := 0; i < n; i++ {
		l := s.listing(ctx, domain.ListingSale, int64(1000+rand.IntN(9000)))
		fmt.Printf("[%02d] listing %s price=%d ... ", i+1, l.ID, l.Price)

		res, err := s.checkout.InitCheckout(ctx, service.CheckoutRequest{
			ListingID:      l.ID,
			BuyerID:        fmt.Sprintf("buyer-%d", i),
			ShippingMethod: "standard",
			ShippingAddress: domain.Address{
				Name: "Sim Buyer", Line1: "1 Test Road", City: "Testville", PostalCode: "00000", Country: "US",
			},
		})
		if err != nil {
			fmt.Printf("FAILED: %v\n", err)
			stranded++
			continue
		}
		fmt.Printf("total=%d ", res.Breakdown.Total)

		txn, err := s.stores.Transactions.FindByID(ctx, res.TransactionID)
		if err != nil || txn == nil {
			log.Fatalf("reload transaction: %v", err)
		}
		if err := s.gateway.Confirm(txn.PaymentAuthorizationID); err != nil {
			fmt.Printf("confirm: %v\n", err)
			continue
		}

		var (
			wg       sync.WaitGroup
			rejected atomic.Int32
		)
		for d := 0; d < deliveries; d++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.webhook.OnPaymentConfirmed(ctx, res.TransactionID); err != nil {
					rejected.Add(1)
					s.logger.Warn("simulate.webhook.failed",
						zap.String("transactionId", res.TransactionID.String()),
						zap.Error(err),
					)
				}
			}()
		}
		wg.Wait()

		order, err := s.stores.Orders.FindById(ctx, res.OrderID)
		if err != nil || order == nil {
			log.Fatalf("reload order: %v", err)
		}
		count, err := s.stores.Orders.CountByTransactionID(ctx, res.TransactionID)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("-> order=%s orders=%d webhookFailures=%d\n", order.Status, count, rejected.Load())
	}
	return stranded
}
