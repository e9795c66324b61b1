package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-orchestrator/internal/domain"
)

func TestCloseExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, won := f.auction(t, 1000, time.Hour)
	_, unsold := f.auction(t, 1000, time.Hour)
	_, later := f.auction(t, 1000, 3*time.Hour)

	_, err := f.bids.PlaceBid(ctx, won.ID, buyerID, 1500)
	require.NoError(t, err)

	n, err := f.auctions.CloseExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.auctions.now = fixedClock(f.now.Add(2 * time.Hour))
	n, err = f.auctions.CloseExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, domain.AuctionEnded, f.db.auctions[won.ID].Status)
	assert.Equal(t, domain.AuctionEnded, f.db.auctions[unsold.ID].Status)
	assert.Equal(t, domain.AuctionActive, f.db.auctions[later.ID].Status)

	assert.Len(t, f.db.events(domain.EventAuctionEnded), 2)
	wins := f.db.events(domain.EventAuctionWon)
	require.Len(t, wins, 1)
	assert.Equal(t, buyerID, wins[0].RecipientID)
	assert.Equal(t, int64(1500), wins[0].Payload["winningBid"])

	n, err = f.auctions.CloseExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCloseExpiredBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.auctions.batchSize = 2
	for i := 0; i < 3; i++ {
		f.auction(t, 1000, time.Minute)
	}
	f.auctions.now = fixedClock(f.now.Add(time.Hour))

	n, err := f.auctions.CloseExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = f.auctions.CloseExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
