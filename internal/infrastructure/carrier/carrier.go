// Package carrier talks to the shipping carrier. Only the label and
// tracking contracts matter to the orchestrator; rates are not modelled.
package carrier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"market-orchestrator/internal/domain"
)

type ShipmentSpec struct {
	OrderCode      string         `json:"orderCode"`
	ShippingMethod string         `json:"shippingMethod"`
	To             domain.Address `json:"to"`
	WeightGrams    int64          `json:"weightGrams,omitempty"`
}

type Label struct {
	TrackingNumber string `json:"trackingNumber"`
	LabelURL       string `json:"labelUrl"`
	Carrier        string `json:"carrier"`
}

type TrackingEvent struct {
	Status      string    `json:"status"`
	Description string    `json:"description"`
	Location    string    `json:"location,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

type Tracking struct {
	Status string          `json:"status"`
	Events []TrackingEvent `json:"events"`
}

// StatusDelivered is the carrier status that completes the shipped leg.
const StatusDelivered = "delivered"

type Carrier interface {
	GetLabel(ctx context.Context, spec ShipmentSpec) (Label, error)
	GetTracking(ctx context.Context, orderCode string) (Tracking, error)
}

// ErrUnknownShipment is returned when the carrier has no record of a code.
var ErrUnknownShipment = errors.New("carrier: unknown shipment")

// Error is a failed carrier call. Retryable is set for throttling, 5xx
// and transport failures.
type Error struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("carrier: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("carrier: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}
