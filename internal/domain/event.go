package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderStatusChanged = "order.status_changed"
	EventAuctionOutbid      = "auction.outbid"
	EventAuctionWon         = "auction.won"
	EventAuctionEnded       = "auction.ended"
	EventRefundIssued       = "refund.issued"
	EventPayoutTransferred  = "payout.transferred"
)

// Notification is an obligation to tell a user about something. It is
// written to the outbox alongside the state change that caused it.
type Notification struct {
	ID          uuid.UUID      `json:"id"`
	Type        string         `json:"type"`
	RecipientID string         `json:"recipientId"`
	AggregateID uuid.UUID      `json:"aggregateId"`
	Payload     map[string]any `json:"payload"`
	CreatedAt   time.Time      `json:"createdAt"`
}

func NewNotification(eventType, recipient string, aggregate uuid.UUID, payload map[string]any, now time.Time) Notification {
	return Notification{
		ID:          uuid.New(),
		Type:        eventType,
		RecipientID: recipient,
		AggregateID: aggregate,
		Payload:     payload,
		CreatedAt:   now,
	}
}
