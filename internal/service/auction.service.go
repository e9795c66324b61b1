package service

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"market-orchestrator/internal/domain"
)

type AuctionService interface {
	// CloseExpired ends auctions past their end time and reports how many
	// were closed.
	CloseExpired(ctx context.Context) (int, error)
}

type auctionService struct {
	stores    Stores
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
}

func NewAuctionService(stores Stores, logger *zap.Logger) AuctionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &auctionService{stores: stores, batchSize: 100, logger: logger, now: time.Now}
}

func (s *auctionService) CloseExpired(ctx context.Context) (int, error) {
	now := s.now()
	var closed []domain.Auction
	err := s.stores.Tx.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		closed, err = s.stores.Auctions.EndExpired(ctx, tx, now, s.batchSize)
		if err != nil {
			return err
		}
		for _, a := range closed {
			for _, n := range closingNotifications(a, now) {
				if err := s.stores.Outbox.Add(ctx, tx, n); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, storeFailure("close auctions", err)
	}

	for _, a := range closed {
		s.logger.Info("auction.closed",
			zap.String("auctionId", a.ID.String()),
			zap.String("winnerId", a.CurrentBidderID),
		)
	}
	return len(closed), nil
}

func closingNotifications(a domain.Auction, now time.Time) []domain.Notification {
	payload := map[string]any{
		"auctionId": a.ID,
		"listingId": a.ListingID,
	}
	if a.CurrentBid != nil {
		payload["winningBid"] = *a.CurrentBid
		payload["winnerId"] = a.CurrentBidderID
	}
	out := []domain.Notification{
		domain.NewNotification(domain.EventAuctionEnded, a.SellerID, a.ID, payload, now),
	}
	if a.CurrentBidderID != "" {
		out = append(out, domain.NewNotification(domain.EventAuctionWon, a.CurrentBidderID, a.ID, payload, now))
	}
	return out
}
