package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"market-orchestrator/internal/service"
)

type AuctionCloser struct {
	auctions service.AuctionService
	interval time.Duration
	logger   *zap.Logger
}

func NewAuctionCloser(auctions service.AuctionService, interval time.Duration, logger *zap.Logger) *AuctionCloser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuctionCloser{auctions: auctions, interval: interval, logger: logger.Named("auctions")}
}

func (c *AuctionCloser) Run(ctx context.Context) {
	every(ctx, c.interval, "auction-closer", c.logger, func(ctx context.Context) error {
		// drain everything that is due, one batch per statement
		for {
			n, err := c.auctions.CloseExpired(ctx)
			if err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
			c.logger.Info("auctions.closed", zap.Int("count", n))
		}
	})
}
