package domain

import (
	"time"

	"github.com/google/uuid"
)

type AuctionStatus string

const (
	AuctionActive    AuctionStatus = "active"
	AuctionEnded     AuctionStatus = "ended"
	AuctionCancelled AuctionStatus = "cancelled"
)

type Auction struct {
	ID              uuid.UUID
	ListingID       uuid.UUID
	SellerID        string
	StartingBid     int64
	CurrentBid      *int64
	CurrentBidderID string
	Status          AuctionStatus
	EndTime         time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// MinimumExclusive is the amount a new bid must exceed.
func (a *Auction) MinimumExclusive() int64 {
	if a.CurrentBid != nil && *a.CurrentBid > a.StartingBid {
		return *a.CurrentBid
	}
	return a.StartingBid
}

func (a *Auction) Ended(now time.Time) bool {
	return !now.Before(a.EndTime)
}

type Bid struct {
	ID        uuid.UUID `json:"id"`
	AuctionID uuid.UUID `json:"auctionId"`
	BidderID  string    `json:"bidderId"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}
