// Package idempotency is the keyed, expiring store shared by every server
// instance. It backs Idempotency-Key replay, processor event dedupe and
// per-user rate limiting.
package idempotency

import (
	"context"
	"time"
)

type State string

const (
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
)

type Record struct {
	Key        string
	State      State
	StatusCode int
	Body       []byte
	ExpiresAt  time.Time
}

type Store interface {
	// Claim reserves key for ttl. When the key is already held it returns
	// claimed == false and the existing record.
	Claim(ctx context.Context, key string, ttl time.Duration) (claimed bool, existing *Record, err error)
	// Complete stores the outcome of a claimed key so retries can replay it.
	Complete(ctx context.Context, key string, statusCode int, body []byte, ttl time.Duration) error
	Lookup(ctx context.Context, key string) (*Record, error)
	// Release drops a claim so the operation can be retried.
	Release(ctx context.Context, key string) error
	// Incr bumps a counter living for ttl from its first increment and
	// returns the new value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
