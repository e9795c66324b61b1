package domain

import (
	"time"

	"github.com/google/uuid"
)

type ListingStatus string

const (
	ListingActive   ListingStatus = "active"
	ListingReserved ListingStatus = "reserved"
	ListingSold     ListingStatus = "sold"
)

type Listing struct {
	ID        uuid.UUID
	SellerID  string
	Title     string
	Kind      ListingKind
	Price     int64
	Currency  string
	Status    ListingStatus
	AuctionID *uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
}

type StripeAccountStatus string

const (
	StripeAccountPending    StripeAccountStatus = "pending"
	StripeAccountActive     StripeAccountStatus = "active"
	StripeAccountRestricted StripeAccountStatus = "restricted"
)

// StripeAccount is the seller's connected payout destination.
type StripeAccount struct {
	SellerID  string
	AccountID string
	Status    StripeAccountStatus
}
