package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "rcs/pkg/errors"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      1.5,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func() error {
		calls++
		if calls < 3 {
			return apperrors.ErrStorageOperation.WithCause(fmt.Errorf("timeout"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnFatalError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), func() error {
		calls++
		return apperrors.ErrSchemaValidation.WithMessage("amount is required")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, apperrors.IsSchemaValidation(err))
}

func TestRetryWithCallback_ReportsAttempts(t *testing.T) {
	var attempts []int
	err := RetryWithCallback(context.Background(), fastPolicy(3), func() error {
		return fmt.Errorf("still failing")
	}, func(attempt int, err error, nextDelay time.Duration) {
		attempts = append(attempts, attempt)
	})

	require.Error(t, err)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestPolicy_Merge(t *testing.T) {
	p := DefaultPolicy().Merge(Policy{MaxAttempts: 7, Multiplier: 3})
	assert.Equal(t, 7, p.MaxAttempts)
	assert.Equal(t, 3.0, p.Multiplier)
	assert.Equal(t, time.Second, p.InitialInterval)
}

func TestNewFatalError_Nil(t *testing.T) {
	assert.Nil(t, NewFatalError(nil))
	assert.Nil(t, NewRetryableError(nil))
}
