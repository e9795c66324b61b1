package payment

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

const EventPaymentSucceeded = "payment_intent.succeeded"

// Event is the part of a processor notification the orchestrator acts on.
type Event struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	AuthorizationID string `json:"authorizationId"`
	TransactionID   string `json:"transactionId"`
}

// EventVerifier authenticates and decodes an incoming webhook body.
type EventVerifier interface {
	Verify(payload []byte, signature string) (Event, error)
}

var ErrInvalidSignature = errors.New("payment webhook: invalid signature")

type StripeVerifier struct {
	secret string
}

func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret}
}

func (v *StripeVerifier) Verify(payload []byte, signature string) (Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := Event{ID: ev.ID, Type: string(ev.Type)}
	if ev.Type != EventPaymentSucceeded || ev.Data == nil {
		return out, nil
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &intent); err != nil {
		return Event{}, fmt.Errorf("payment webhook: decode payment intent: %w", err)
	}
	out.AuthorizationID = intent.ID
	out.TransactionID = intent.Metadata[MetadataTransactionID]
	return out, nil
}

// UnsignedVerifier accepts plain JSON events. Local development only.
type UnsignedVerifier struct{}

func (UnsignedVerifier) Verify(payload []byte, _ string) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("payment webhook: decode event: %w", err)
	}
	return ev, nil
}
