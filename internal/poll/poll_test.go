package poll

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUntil_SucceedsOnLaterAttempt(t *testing.T) {
	calls := 0
	err := Until(context.Background(), time.Millisecond, 5, func(attempt int) (bool, error) {
		calls++
		return attempt == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestUntil_TimesOutAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Until(context.Background(), time.Millisecond, 4, func(int) (bool, error) {
		calls++
		return false, nil
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 4, calls)
}

func TestUntil_PropagatesFatalError(t *testing.T) {
	boom := fmt.Errorf("boom")
	calls := 0
	err := Until(context.Background(), time.Millisecond, 5, func(int) (bool, error) {
		calls++
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestUntil_HonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Until(ctx, time.Hour, 3, func(int) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
