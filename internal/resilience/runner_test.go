package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"market-orchestrator/internal/domain"
)

func newTestRunner() *Runner {
	return NewRunner(zap.NewNop(), WithBackoff(time.Millisecond, 2*time.Millisecond))
}

func TestDoRetriesIdempotentCalls(t *testing.T) {
	calls := 0
	err := newTestRunner().Do(context.Background(), "lookup", ReadPolicy(time.Second), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := newTestRunner().Do(context.Background(), "lookup", ReadPolicy(time.Second), func(ctx context.Context) error {
		calls++
		return errors.New("down")
	})

	require.EqualError(t, err, "down")
	assert.Equal(t, 3, calls)
}

func TestDoNeverRetriesNonIdempotentWrites(t *testing.T) {
	calls := 0
	err := newTestRunner().Do(context.Background(), "charge", WritePolicy(time.Second), func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnPermanentErrors(t *testing.T) {
	calls := 0
	declined := errors.New("card declined")
	err := newTestRunner().Do(context.Background(), "authorize", KeyedWritePolicy(time.Second), func(ctx context.Context) error {
		calls++
		return Permanent(declined)
	})

	assert.ErrorIs(t, err, declined)
	assert.Equal(t, 1, calls)

	calls = 0
	err = newTestRunner().Do(context.Background(), "authorize", KeyedWritePolicy(time.Second), func(ctx context.Context) error {
		calls++
		return domain.External("payments", false, declined)
	})
	assert.ErrorIs(t, err, declined)
	assert.Equal(t, 1, calls)
}

func TestDoAppliesPerAttemptTimeout(t *testing.T) {
	err := newTestRunner().Do(context.Background(), "slow", WritePolicy(20*time.Millisecond), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDoHonoursParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := newTestRunner().Do(ctx, "lookup", ReadPolicy(time.Second), func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
