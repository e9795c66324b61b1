package domain

import (
	"time"

	"github.com/google/uuid"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionRefunded  TransactionStatus = "refunded"
	TransactionAbandoned TransactionStatus = "abandoned"
)

type ListingKind string

const (
	ListingSale    ListingKind = "sale"
	ListingAuction ListingKind = "auction"
)

// Transaction is the financial record of one purchase. All amounts are
// integer minor units of Currency. The fee fields are nil on rows written
// before fee-split tracking existed.
type Transaction struct {
	ID          uuid.UUID
	BuyerID     string
	SellerID    string
	ListingID   uuid.UUID
	ListingKind ListingKind
	Currency    string

	ItemAmount         int64
	ShippingAmount     int64
	PlatformFeeAmount  *int64
	SellerFeeAmount    *int64
	SellerPayoutAmount *int64
	TotalAmount        int64

	PaymentAuthorizationID string
	PaymentTransferID      string
	RefundID               string
	RefundAmount           int64
	OrderID                *uuid.UUID

	Status      TransactionStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
	RefundedAt  *time.Time
	// RetiredAt is set when the checkout was superseded after its order
	// was cancelled. The row stays pending so a captured charge remains
	// refundable.
	RetiredAt *time.Time
}

// IdempotencyKey derives the key used for every payment write made on
// behalf of this transaction.
func (t *Transaction) IdempotencyKey(operation string) string {
	return operation + ":" + t.ID.String()
}

// SplitBalanced checks seller_payout + platform_fee + seller_fee == total - shipping.
// Legacy rows without fee fields are considered balanced.
func (t *Transaction) SplitBalanced() bool {
	if t.PlatformFeeAmount == nil || t.SellerFeeAmount == nil || t.SellerPayoutAmount == nil {
		return true
	}
	return *t.SellerPayoutAmount+*t.PlatformFeeAmount+*t.SellerFeeAmount == t.TotalAmount-t.ShippingAmount
}

// Breakdown is the money split returned to the buyer at checkout.
type Breakdown struct {
	Currency       string `json:"currency"`
	ItemAmount     int64  `json:"itemAmount"`
	ShippingAmount int64  `json:"shippingAmount"`
	PlatformFee    int64  `json:"platformFee"`
	SellerFee      int64  `json:"sellerFee"`
	SellerPayout   int64  `json:"sellerPayout"`
	Total          int64  `json:"total"`
}

// TotalExclShipping is what the buyer pays for the item itself.
func (b Breakdown) TotalExclShipping() int64 {
	return b.Total - b.ShippingAmount
}
