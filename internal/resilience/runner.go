// Package resilience wraps every call to an external collaborator with a
// timeout, a tracing span and, for idempotent calls only, bounded retries.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"market-orchestrator/internal/domain"
)

// Policy describes one kind of external call.
type Policy struct {
	Timeout time.Duration
	// Idempotent calls may be retried; everything else gets one attempt.
	Idempotent  bool
	MaxAttempts uint64
}

func ReadPolicy(timeout time.Duration) Policy {
	return Policy{Timeout: timeout, Idempotent: true, MaxAttempts: 3}
}

// KeyedWritePolicy is for writes made idempotent by an idempotency key.
func KeyedWritePolicy(timeout time.Duration) Policy {
	return Policy{Timeout: timeout, Idempotent: true, MaxAttempts: 3}
}

func WritePolicy(timeout time.Duration) Policy {
	return Policy{Timeout: timeout, Idempotent: false, MaxAttempts: 1}
}

type Runner struct {
	logger      *zap.Logger
	tracer      trace.Tracer
	initialWait time.Duration
	maxWait     time.Duration
}

type Option func(*Runner)

// WithBackoff overrides the retry intervals, mostly for tests.
func WithBackoff(initial, max time.Duration) Option {
	return func(r *Runner) {
		r.initialWait = initial
		r.maxWait = max
	}
}

func NewRunner(logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		logger:      logger,
		tracer:      otel.Tracer("market-orchestrator/resilience"),
		initialWait: 200 * time.Millisecond,
		maxWait:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Permanent marks an error that must not be retried.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs fn under the policy. Each attempt gets its own timeout derived
// from ctx; cancellation of ctx stops retrying immediately.
func (r *Runner) Do(ctx context.Context, name string, p Policy, fn func(ctx context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Bool("call.idempotent", p.Idempotent),
	))
	defer span.End()

	attempt := 0
	op := func() error {
		attempt++
		err := r.attempt(ctx, p.Timeout, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	attempts := p.MaxAttempts
	if !p.Idempotent || attempts == 0 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialWait
	b.MaxInterval = r.maxWait
	b.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		r.logger.Warn("external call failed, retrying",
			zap.String("call", name),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, attempts-1), ctx), notify)
	span.SetAttributes(attribute.Int("call.attempts", attempt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Runner) attempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

func retryable(err error) bool {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return de.Retryable
	}
	return true
}
