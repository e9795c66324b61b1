package payment

import (
	"context"
	"errors"
	"fmt"
)

// Status is the normalised state of a payment authorization.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// MetadataTransactionID is the metadata key linking a payment back to its
// transaction; the confirmation webhook reads it.
const MetadataTransactionID = "transaction_id"

// AuthorizeRequest asks for a destination-style authorization: the full
// amount settles to the platform and the seller's share is recorded for a
// later transfer to DestinationAccountID.
type AuthorizeRequest struct {
	Amount               int64
	Currency             string
	TransferGroup        string
	DestinationAccountID string
	DestinationAmount    int64
	Metadata             map[string]string
	IdempotencyKey       string
}

type Authorization struct {
	ID           string
	ClientSecret string
	Status       Status
}

type TransferRequest struct {
	DestinationAccountID string
	Amount               int64
	Currency             string
	TransferGroup        string
	Metadata             map[string]string
	IdempotencyKey       string
}

type RefundRequest struct {
	AuthorizationID string
	Amount          int64
	Reason          string
	Metadata        map[string]string
	IdempotencyKey  string
}

// Processor is the payment processor contract. Amounts are minor units.
type Processor interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error)
	Transfer(ctx context.Context, req TransferRequest) (string, error)
	Refund(ctx context.Context, req RefundRequest) (string, error)
	// Lookup reads an existing authorization back from the processor.
	Lookup(ctx context.Context, authorizationID string) (Authorization, error)
}

// ProcessorError carries the processor's verdict on whether a retry can help.
type ProcessorError struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *ProcessorError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment processor: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("payment processor: %v", e.Err)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying. Unknown errors are
// treated as transient.
func IsRetryable(err error) bool {
	var pe *ProcessorError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}
