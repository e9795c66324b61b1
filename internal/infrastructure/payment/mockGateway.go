package payment

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

type mockIntent struct {
	id       string
	amount   int64
	status   Status
	metadata map[string]string
	refunded int64
}

// MockGateway is an in-memory processor for local runs and the simulator.
// Writes are keyed by idempotency key exactly like the real processor: a
// retried key returns the first result. DeclinePct and PhantomPct inject
// card declines and "charged but the response was lost" timeouts.
type MockGateway struct {
	mu        sync.RWMutex
	intents   map[string]*mockIntent
	byKey     map[string]string
	transfers map[string]string
	refunds   map[string]string

	DeclinePct   int
	PhantomPct   int
	Latency      time.Duration
	PhantomDelay time.Duration
}

func NewMockGateway() *MockGateway {
	return &MockGateway{
		intents:      make(map[string]*mockIntent),
		byKey:        make(map[string]string),
		transfers:    make(map[string]string),
		refunds:      make(map[string]string),
		PhantomDelay: 2 * time.Second,
	}
}

func (pg *MockGateway) Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	if req.Amount <= 0 {
		return Authorization{}, &ProcessorError{Code: "amount_too_small", Err: errors.New("amount must be positive")}
	}

	// check Idempotency Key (if already authorized, return the same intent)
	pg.mu.RLock()
	if id, exists := pg.byKey[req.IdempotencyKey]; exists && req.IdempotencyKey != "" {
		intent := pg.intents[id]
		pg.mu.RUnlock()
		return Authorization{ID: intent.id, ClientSecret: intent.id + "_secret", Status: intent.status}, nil
	}
	pg.mu.RUnlock()

	if err := sleep(ctx, pg.Latency); err != nil {
		return Authorization{}, err
	}

	chance := rand.IntN(100)
	switch {
	case chance < pg.DeclinePct:
		return Authorization{}, &ProcessorError{Code: "card_declined", Err: errors.New("card declined")}

	case chance < pg.DeclinePct+pg.PhantomPct:
		// the intent exists on the processor side but the caller never hears back
		pg.store(req)
		if err := sleep(ctx, pg.PhantomDelay); err != nil {
			return Authorization{}, err
		}
		return Authorization{}, &ProcessorError{Code: "timeout", Retryable: true, Err: errors.New("connection timeout")}

	default:
		intent := pg.store(req)
		return Authorization{ID: intent.id, ClientSecret: intent.id + "_secret", Status: intent.status}, nil
	}
}

func (pg *MockGateway) store(req AuthorizeRequest) *mockIntent {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if id, exists := pg.byKey[req.IdempotencyKey]; exists && req.IdempotencyKey != "" {
		return pg.intents[id]
	}
	intent := &mockIntent{
		id:       "pi_" + uuid.NewString(),
		amount:   req.Amount,
		status:   StatusPending,
		metadata: copyMetadata(req.Metadata),
	}
	pg.intents[intent.id] = intent
	if req.IdempotencyKey != "" {
		pg.byKey[req.IdempotencyKey] = intent.id
	}
	return intent
}

// Confirm plays the buyer completing payment on the client.
func (pg *MockGateway) Confirm(authorizationID string) error {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	intent, ok := pg.intents[authorizationID]
	if !ok {
		return fmt.Errorf("mock gateway: unknown intent %s", authorizationID)
	}
	intent.status = StatusSucceeded
	return nil
}

// IntentForKey finds the intent created under an idempotency key, if any.
func (pg *MockGateway) IntentForKey(key string) (string, bool) {
	pg.mu.RLock()
	defer pg.mu.RUnlock()
	id, ok := pg.byKey[key]
	return id, ok
}

func (pg *MockGateway) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if err := sleep(ctx, pg.Latency); err != nil {
		return "", err
	}
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if id, ok := pg.transfers[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return id, nil
	}
	id := "tr_" + uuid.NewString()
	if req.IdempotencyKey != "" {
		pg.transfers[req.IdempotencyKey] = id
	}
	return id, nil
}

func (pg *MockGateway) Refund(ctx context.Context, req RefundRequest) (string, error) {
	if err := sleep(ctx, pg.Latency); err != nil {
		return "", err
	}
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if id, ok := pg.refunds[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return id, nil
	}
	intent, ok := pg.intents[req.AuthorizationID]
	if !ok {
		return "", &ProcessorError{Code: "resource_missing", Err: fmt.Errorf("no such payment intent %s", req.AuthorizationID)}
	}
	if intent.refunded+req.Amount > intent.amount {
		return "", &ProcessorError{Code: "amount_too_large", Err: errors.New("refund exceeds charge")}
	}
	intent.refunded += req.Amount
	if intent.refunded == intent.amount {
		intent.status = StatusRefunded
	}
	id := "re_" + uuid.NewString()
	if req.IdempotencyKey != "" {
		pg.refunds[req.IdempotencyKey] = id
	}
	return id, nil
}

func (pg *MockGateway) Lookup(ctx context.Context, authorizationID string) (Authorization, error) {
	pg.mu.RLock()
	defer pg.mu.RUnlock()
	intent, ok := pg.intents[authorizationID]
	if !ok {
		return Authorization{}, &ProcessorError{Code: "resource_missing", Err: fmt.Errorf("no such payment intent %s", authorizationID)}
	}
	return Authorization{ID: intent.id, ClientSecret: intent.id + "_secret", Status: intent.status}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
