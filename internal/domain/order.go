package domain

import (
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderShipped   OrderStatus = "shipped"
	OrderDelivered OrderStatus = "delivered"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

var orderRank = map[OrderStatus]int{
	OrderPending:   0,
	OrderPaid:      1,
	OrderShipped:   2,
	OrderDelivered: 3,
	OrderCompleted: 4,
}

func (s OrderStatus) Valid() bool {
	_, ok := orderRank[s]
	return ok || s == OrderCancelled
}

func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

// AtLeastPaid reports whether payment has been confirmed for an order in
// this status. Cancelled orders count as settled so a late confirmation is a
// no-op rather than a resurrection.
func (s OrderStatus) AtLeastPaid() bool {
	if s == OrderCancelled {
		return true
	}
	return orderRank[s] >= orderRank[OrderPaid]
}

type LineItem struct {
	ListingID uuid.UUID `json:"listingId"`
	Title     string    `json:"title"`
	Quantity  int64     `json:"quantity"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
}

// Order is the record held by the order store. Only its status, tracking
// details and timestamps change after creation.
type Order struct {
	ID              uuid.UUID
	TransactionID   uuid.UUID
	Status          OrderStatus
	LineItems       []LineItem
	ShippingMethod  string
	ShippingAddress Address
	TrackingNumber  string
	Carrier         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
