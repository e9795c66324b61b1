package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"market-orchestrator/internal/domain"
)

type BidService interface {
	PlaceBid(ctx context.Context, auctionID uuid.UUID, bidderID string, amount int64) (*domain.Bid, error)
}

type bidService struct {
	stores Stores
	logger *zap.Logger
	now    func() time.Time
}

func NewBidService(stores Stores, logger *zap.Logger) BidService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &bidService{stores: stores, logger: logger, now: time.Now}
}

var errBidNotAccepted = errors.New("bid not accepted")

// PlaceBid validates against a fresh read for a precise error, then lets
// the store decide atomically. The read is advisory only: a concurrent
// higher bid can still win between the two, and then this bid is refused.
func (s *bidService) PlaceBid(ctx context.Context, auctionID uuid.UUID, bidderID string, amount int64) (*domain.Bid, error) {
	if strings.TrimSpace(bidderID) == "" {
		return nil, domain.Validation("bidder is required")
	}
	if amount <= 0 {
		return nil, domain.Validation("bid amount must be positive")
	}

	auction, err := s.stores.Auctions.FindByID(ctx, auctionID)
	if err != nil {
		return nil, storeFailure("load auction", err)
	}
	now := s.now()
	if err := checkBid(auction, auctionID, bidderID, amount, now); err != nil {
		return nil, err
	}

	bid := &domain.Bid{
		ID:        uuid.New(),
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
		CreatedAt: now,
	}
	var previous string
	err = s.stores.Tx.WithTx(ctx, func(tx *sql.Tx) error {
		outcome, err := s.stores.Auctions.AcceptBid(ctx, tx, bid)
		if err != nil {
			return err
		}
		if !outcome.Accepted {
			return errBidNotAccepted
		}
		previous = outcome.PreviousBidderID
		if previous == "" || previous == bidderID {
			return nil
		}
		return s.stores.Outbox.Add(ctx, tx, domain.NewNotification(domain.EventAuctionOutbid, previous, auctionID, map[string]any{
			"auctionId": auctionID,
			"newBid":    amount,
		}, now))
	})
	if errors.Is(err, errBidNotAccepted) {
		return nil, s.rejection(ctx, bid)
	}
	if err != nil {
		return nil, storeFailure("accept bid", err)
	}

	s.logger.Info("auction.bid.accepted",
		zap.String("auctionId", auctionID.String()),
		zap.String("bidderId", bidderID),
		zap.Int64("amount", amount),
		zap.Bool("outbid", previous != "" && previous != bidderID),
	)
	return bid, nil
}

// rejection explains why the atomic accept refused a bid that passed the
// advisory checks.
func (s *bidService) rejection(ctx context.Context, bid *domain.Bid) error {
	auction, err := s.stores.Auctions.FindByID(ctx, bid.AuctionID)
	if err == nil {
		if err := checkBid(auction, bid.AuctionID, bid.BidderID, bid.Amount, s.now()); err != nil {
			return err
		}
	}
	return domain.BadRequest("bid must be higher than current bid")
}

func checkBid(auction *domain.Auction, auctionID uuid.UUID, bidderID string, amount int64, now time.Time) error {
	if auction == nil {
		return domain.NotFound("auction %s not found", auctionID)
	}
	if auction.Status != domain.AuctionActive {
		return domain.BadRequest("auction is not active").With("auctionStatus", auction.Status)
	}
	if auction.Ended(now) {
		return domain.BadRequest("auction has ended").With("endTime", auction.EndTime.UTC())
	}
	if auction.SellerID == bidderID {
		return domain.Forbidden("sellers cannot bid on their own auction")
	}
	if minimum := auction.MinimumExclusive(); amount <= minimum {
		return domain.BadRequest("bid must be higher than current bid").With("currentBid", minimum)
	}
	return nil
}
