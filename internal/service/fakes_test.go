package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"market-orchestrator/internal/config"
	"market-orchestrator/internal/domain"
	"market-orchestrator/internal/infrastructure/payment"
	"market-orchestrator/internal/repo"
	"market-orchestrator/internal/resilience"
)

// memDB is an in-memory stand-in for Postgres. One mutex makes every repo
// call atomic, which is what the real statements guarantee.
type memDB struct {
	mu           sync.Mutex
	transactions map[uuid.UUID]domain.Transaction
	orders       map[uuid.UUID]domain.Order
	listings     map[uuid.UUID]domain.Listing
	auctions     map[uuid.UUID]domain.Auction
	bids         []domain.Bid
	accounts     map[string]domain.StripeAccount
	outbox       []domain.Notification
}

func newMemDB() *memDB {
	return &memDB{
		transactions: make(map[uuid.UUID]domain.Transaction),
		orders:       make(map[uuid.UUID]domain.Order),
		listings:     make(map[uuid.UUID]domain.Listing),
		auctions:     make(map[uuid.UUID]domain.Auction),
		accounts:     make(map[string]domain.StripeAccount),
	}
}

func (m *memDB) stores() Stores {
	return Stores{
		Tx:           fakeTx{},
		Transactions: &fakeTransactions{m},
		Orders:       &fakeOrders{m},
		Listings:     &fakeListings{m},
		Auctions:     &fakeAuctions{m},
		Accounts:     &fakeAccounts{m},
		Outbox:       &fakeOutbox{m},
	}
}

func (m *memDB) events(eventType string) []domain.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Notification
	for _, n := range m.outbox {
		if n.Type == eventType {
			out = append(out, n)
		}
	}
	return out
}

func (m *memDB) txn(id uuid.UUID) domain.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transactions[id]
}

func (m *memDB) updateTxn(id uuid.UUID, fn func(t *domain.Transaction)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.transactions[id]
	fn(&t)
	m.transactions[id] = t
}

func (m *memDB) order(id uuid.UUID) domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id]
}

func (m *memDB) listing(id uuid.UUID) domain.Listing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listings[id]
}

func (m *memDB) orderCount(transactionID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.orders {
		if o.TransactionID == transactionID {
			n++
		}
	}
	return n
}

type fakeTx struct{}

func (fakeTx) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return fn(nil)
}

type fakeTransactions struct{ m *memDB }

func (f *fakeTransactions) Create(ctx context.Context, tx *sql.Tx, t *domain.Transaction) error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if _, ok := f.m.transactions[t.ID]; ok {
		return errors.New("duplicate transaction")
	}
	if t.Status == domain.TransactionPending {
		for _, other := range f.m.transactions {
			if live(other) && other.ListingID == t.ListingID && other.BuyerID == t.BuyerID {
				return repo.ErrPendingCheckout
			}
		}
	}
	f.m.transactions[t.ID] = *t
	return nil
}

func live(t domain.Transaction) bool {
	return t.Status == domain.TransactionPending && t.RetiredAt == nil
}

func (f *fakeTransactions) get(id uuid.UUID) (*domain.Transaction, error) {
	t, ok := f.m.transactions[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (f *fakeTransactions) FindByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	return f.get(id)
}

func (f *fakeTransactions) FindPendingForBuyer(ctx context.Context, listingID uuid.UUID, buyerID string) (*domain.Transaction, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	var found *domain.Transaction
	for _, t := range f.m.transactions {
		if t.ListingID == listingID && t.BuyerID == buyerID && live(t) {
			if found == nil || t.CreatedAt.After(found.CreatedAt) {
				t := t
				found = &t
			}
		}
	}
	return found, nil
}

func (f *fakeTransactions) update(id uuid.UUID, fn func(t *domain.Transaction) bool) bool {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	t, ok := f.m.transactions[id]
	if !ok || !fn(&t) {
		return false
	}
	f.m.transactions[id] = t
	return true
}

func (f *fakeTransactions) AttachAuthorization(ctx context.Context, id uuid.UUID, authorizationID string) (bool, error) {
	return f.update(id, func(t *domain.Transaction) bool {
		if t.PaymentAuthorizationID != "" {
			return false
		}
		t.PaymentAuthorizationID = authorizationID
		return true
	}), nil
}

func (f *fakeTransactions) AttachOrder(ctx context.Context, tx *sql.Tx, id, orderID uuid.UUID) (bool, error) {
	return f.update(id, func(t *domain.Transaction) bool {
		if t.OrderID != nil {
			return false
		}
		t.OrderID = &orderID
		return true
	}), nil
}

func (f *fakeTransactions) MarkCompleted(ctx context.Context, tx *sql.Tx, id uuid.UUID, at time.Time) error {
	f.update(id, func(t *domain.Transaction) bool {
		if t.CompletedAt != nil {
			return false
		}
		t.CompletedAt = &at
		return true
	})
	return nil
}

func (f *fakeTransactions) AttachTransfer(ctx context.Context, tx *sql.Tx, id uuid.UUID, transferID string) error {
	f.update(id, func(t *domain.Transaction) bool {
		if t.PaymentTransferID != "" {
			return false
		}
		t.PaymentTransferID = transferID
		return true
	})
	return nil
}

func (f *fakeTransactions) MarkRefunded(ctx context.Context, tx *sql.Tx, id uuid.UUID, refundID string, amount int64, at time.Time) (bool, error) {
	return f.update(id, func(t *domain.Transaction) bool {
		if t.Status != domain.TransactionPending {
			return false
		}
		t.Status = domain.TransactionRefunded
		t.RefundID = refundID
		t.RefundAmount = amount
		t.RefundedAt = &at
		return true
	}), nil
}

func (f *fakeTransactions) MarkAbandoned(ctx context.Context, id uuid.UUID) (bool, error) {
	return f.update(id, func(t *domain.Transaction) bool {
		if t.Status != domain.TransactionPending || t.OrderID != nil {
			return false
		}
		t.Status = domain.TransactionAbandoned
		return true
	}), nil
}

func (f *fakeTransactions) Retire(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return f.update(id, func(t *domain.Transaction) bool {
		if !live(*t) {
			return false
		}
		t.RetiredAt = &at
		return true
	}), nil
}

func (f *fakeTransactions) FindStuck(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Transaction, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	var out []domain.Transaction
	for _, t := range f.m.transactions {
		if t.Status == domain.TransactionPending && t.OrderID == nil && t.CreatedAt.Before(createdBefore) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeTransactions) FindUnpaidPayouts(ctx context.Context, limit int) ([]domain.Transaction, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	var out []domain.Transaction
	for _, t := range f.m.transactions {
		if t.Status == domain.TransactionPending && t.CompletedAt != nil && t.PaymentTransferID == "" && t.SellerPayoutAmount != nil {
			out = append(out, t)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeOrders struct{ m *memDB }

func (f *fakeOrders) Create(ctx context.Context, tx *sql.Tx, order *domain.Order) (uuid.UUID, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	for id, o := range f.m.orders {
		if o.TransactionID == order.TransactionID {
			if o.ShippingAddress.IsZero() {
				o.ShippingAddress = order.ShippingAddress
			}
			if o.ShippingMethod == "" {
				o.ShippingMethod = order.ShippingMethod
			}
			f.m.orders[id] = o
			return id, nil
		}
	}
	f.m.orders[order.ID] = *order
	return order.ID, nil
}

func (f *fakeOrders) find(match func(o domain.Order) bool) (*domain.Order, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	for _, o := range f.m.orders {
		if match(o) {
			return &o, nil
		}
	}
	return nil, nil
}

func (f *fakeOrders) FindById(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return f.find(func(o domain.Order) bool { return o.ID == id })
}

func (f *fakeOrders) FindByTracking(ctx context.Context, trackingNumber string) (*domain.Order, error) {
	return f.find(func(o domain.Order) bool { return o.TrackingNumber != "" && o.TrackingNumber == trackingNumber })
}

func (f *fakeOrders) UpdateStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, from, to domain.OrderStatus, at time.Time) (bool, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	o, ok := f.m.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = at
	f.m.orders[id] = o
	return true, nil
}

func (f *fakeOrders) AttachTracking(ctx context.Context, tx *sql.Tx, id uuid.UUID, trackingNumber, carrier string) error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	o := f.m.orders[id]
	o.TrackingNumber = trackingNumber
	o.Carrier = carrier
	f.m.orders[id] = o
	return nil
}

func (f *fakeOrders) CountByTransactionID(ctx context.Context, transactionID uuid.UUID) (int, error) {
	return f.m.orderCount(transactionID), nil
}

type fakeListings struct{ m *memDB }

func (f *fakeListings) Create(ctx context.Context, l *domain.Listing) error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	f.m.listings[l.ID] = *l
	return nil
}

func (f *fakeListings) FindByID(ctx context.Context, id uuid.UUID) (*domain.Listing, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	l, ok := f.m.listings[id]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (f *fakeListings) setStatus(id uuid.UUID, status domain.ListingStatus, at time.Time) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if l, ok := f.m.listings[id]; ok {
		l.Status = status
		l.UpdatedAt = at
		f.m.listings[id] = l
	}
}

func (f *fakeListings) MarkSold(ctx context.Context, tx *sql.Tx, id uuid.UUID, at time.Time) error {
	f.setStatus(id, domain.ListingSold, at)
	return nil
}

func (f *fakeListings) Relist(ctx context.Context, tx *sql.Tx, id uuid.UUID, at time.Time) error {
	f.setStatus(id, domain.ListingActive, at)
	return nil
}

type fakeAuctions struct{ m *memDB }

func (f *fakeAuctions) Create(ctx context.Context, a *domain.Auction) error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	f.m.auctions[a.ID] = *a
	return nil
}

func (f *fakeAuctions) FindByID(ctx context.Context, id uuid.UUID) (*domain.Auction, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	a, ok := f.m.auctions[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

// AcceptBid mirrors the conditional UPDATE + INSERT statement.
func (f *fakeAuctions) AcceptBid(ctx context.Context, tx *sql.Tx, bid *domain.Bid) (repo.BidOutcome, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	a, ok := f.m.auctions[bid.AuctionID]
	if !ok || a.Status != domain.AuctionActive || !a.EndTime.After(bid.CreatedAt) || a.SellerID == bid.BidderID {
		return repo.BidOutcome{}, nil
	}
	if bid.Amount <= a.StartingBid || (a.CurrentBid != nil && bid.Amount <= *a.CurrentBid) {
		return repo.BidOutcome{}, nil
	}
	previous := a.CurrentBidderID
	amount := bid.Amount
	a.CurrentBid = &amount
	a.CurrentBidderID = bid.BidderID
	a.UpdatedAt = bid.CreatedAt
	f.m.auctions[a.ID] = a
	f.m.bids = append(f.m.bids, *bid)
	return repo.BidOutcome{Accepted: true, PreviousBidderID: previous}, nil
}

func (f *fakeAuctions) ListBids(ctx context.Context, auctionID uuid.UUID) ([]domain.Bid, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	var out []domain.Bid
	for _, b := range f.m.bids {
		if b.AuctionID == auctionID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Amount < out[j].Amount })
	return out, nil
}

func (f *fakeAuctions) EndExpired(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]domain.Auction, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	var out []domain.Auction
	for id, a := range f.m.auctions {
		if len(out) == limit {
			break
		}
		if a.Status == domain.AuctionActive && !a.EndTime.After(now) {
			a.Status = domain.AuctionEnded
			a.UpdatedAt = now
			f.m.auctions[id] = a
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeAccounts struct{ m *memDB }

func (f *fakeAccounts) FindBySeller(ctx context.Context, sellerID string) (*domain.StripeAccount, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	a, ok := f.m.accounts[sellerID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (f *fakeAccounts) Upsert(ctx context.Context, a *domain.StripeAccount) error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	f.m.accounts[a.SellerID] = *a
	return nil
}

type fakeOutbox struct{ m *memDB }

func (f *fakeOutbox) Add(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	f.m.outbox = append(f.m.outbox, n)
	return nil
}

func (f *fakeOutbox) ClaimBatch(ctx context.Context, tx *sql.Tx, limit int) ([]repo.OutboxEvent, error) {
	return nil, nil
}

func (f *fakeOutbox) Delete(ctx context.Context, tx *sql.Tx, id uuid.UUID) error { return nil }

func (f *fakeOutbox) MarkAttempt(ctx context.Context, tx *sql.Tx, id uuid.UUID) error { return nil }

// flakyProcessor fronts the mock gateway and fails the next N calls of an
// operation with the configured error. Intents marked dead report failed on
// lookup.
type flakyProcessor struct {
	*payment.MockGateway
	mu         sync.Mutex
	failures   map[string]int
	dead       map[string]bool
	err        error
	authorizes atomic.Int32
	lookups    atomic.Int32
	transfers  atomic.Int32
	refunds    atomic.Int32
}

func newFlakyProcessor() *flakyProcessor {
	return &flakyProcessor{MockGateway: payment.NewMockGateway(), failures: make(map[string]int), dead: make(map[string]bool)}
}

func (p *flakyProcessor) kill(authorizationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dead[authorizationID] = true
}

func (p *flakyProcessor) failNext(op string, n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = n
	p.err = err
}

func (p *flakyProcessor) fail(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures[op] > 0 {
		p.failures[op]--
		return p.err
	}
	return nil
}

func (p *flakyProcessor) Authorize(ctx context.Context, req payment.AuthorizeRequest) (payment.Authorization, error) {
	p.authorizes.Add(1)
	if err := p.fail("authorize"); err != nil {
		return payment.Authorization{}, err
	}
	return p.MockGateway.Authorize(ctx, req)
}

func (p *flakyProcessor) Lookup(ctx context.Context, authorizationID string) (payment.Authorization, error) {
	p.lookups.Add(1)
	if err := p.fail("lookup"); err != nil {
		return payment.Authorization{}, err
	}
	auth, err := p.MockGateway.Lookup(ctx, authorizationID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil && p.dead[authorizationID] {
		auth.Status = payment.StatusFailed
	}
	return auth, err
}

func (p *flakyProcessor) Transfer(ctx context.Context, req payment.TransferRequest) (string, error) {
	p.transfers.Add(1)
	if err := p.fail("transfer"); err != nil {
		return "", err
	}
	return p.MockGateway.Transfer(ctx, req)
}

func (p *flakyProcessor) Refund(ctx context.Context, req payment.RefundRequest) (string, error) {
	p.refunds.Add(1)
	if err := p.fail("refund"); err != nil {
		return "", err
	}
	return p.MockGateway.Refund(ctx, req)
}

func testRunner() *resilience.Runner {
	return resilience.NewRunner(nil, resilience.WithBackoff(time.Millisecond, 2*time.Millisecond))
}

var testTimeouts = config.Timeouts{Payment: time.Second, Carrier: time.Second, Store: time.Second}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func int64p(v int64) *int64 { return &v }
