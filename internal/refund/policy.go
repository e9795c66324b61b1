// Package refund decides how much of a transaction a buyer may get back.
// Only the seller fee is refundable; the platform fee is always retained.
package refund

import (
	"time"

	"market-orchestrator/internal/domain"
)

const DefaultWindow = 14 * 24 * time.Hour

// Decision is the outcome of a refund request. Rejection is nil when the
// refund of Amount is allowed.
type Decision struct {
	Amount        int64
	MaxRefundable int64
	Rejection     *domain.Error
}

func (d Decision) Approved() bool { return d.Rejection == nil }

type Policy struct {
	Window time.Duration
}

func NewPolicy(window time.Duration) Policy {
	if window <= 0 {
		window = DefaultWindow
	}
	return Policy{Window: window}
}

// Evaluate applies the refund rules in order. requested nil means the full
// allowed amount. Business outcomes come back as a rejection, never as an
// error. The buyer-only rule is the caller's job.
func (p Policy) Evaluate(txn *domain.Transaction, requested *int64, now time.Time) Decision {
	if txn.Status == domain.TransactionRefunded {
		return reject(domain.Conflict("transaction has already been refunded"))
	}
	if txn.Status == domain.TransactionAbandoned {
		return reject(domain.Conflict("transaction was abandoned before payment"))
	}
	if txn.CompletedAt != nil && now.Sub(*txn.CompletedAt) > p.window() {
		return reject(domain.BadRequest("refund requests must be made within %d days of order completion", int(p.window().Hours()/24)).
			With("completedAt", txn.CompletedAt.UTC()))
	}

	limit := MaxRefundable(txn)
	if limit <= 0 {
		return reject(domain.BadRequest("nothing on this transaction is refundable"))
	}
	if requested == nil {
		return Decision{Amount: limit, MaxRefundable: limit}
	}
	if *requested <= 0 {
		return Decision{MaxRefundable: limit, Rejection: domain.Validation("refund amount must be positive")}
	}
	if *requested > limit {
		return Decision{
			MaxRefundable: limit,
			Rejection: domain.BadRequest("maximum refund is %d (only the seller fee is refundable)", limit).
				With("maxRefundable", limit),
		}
	}
	return Decision{Amount: *requested, MaxRefundable: limit}
}

// MaxRefundable is the seller fee, or the whole amount for transactions
// recorded before fee tracking.
func MaxRefundable(txn *domain.Transaction) int64 {
	if txn.SellerFeeAmount != nil {
		return *txn.SellerFeeAmount
	}
	return txn.TotalAmount
}

func (p Policy) window() time.Duration {
	if p.Window <= 0 {
		return DefaultWindow
	}
	return p.Window
}

func reject(err *domain.Error) Decision {
	return Decision{Rejection: err}
}
