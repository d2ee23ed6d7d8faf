package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fast() Config {
	return Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond, Multiplier: 2}
}

func TestDo_RetriesTransientErrors(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fast(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", Retryable(errors.New("503"))
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	perm := errors.New("400")
	calls := 0
	_, err := Do(context.Background(), fast(), func() (int, error) {
		calls++
		return 0, perm
	})
	assert.ErrorIs(t, err, perm)
	assert.Equal(t, 1, calls)
}

func TestDo_ReturnsUnwrappedLastError(t *testing.T) {
	cause := errors.New("connection refused")
	calls := 0
	_, err := Do(context.Background(), fast(), func() (int, error) {
		calls++
		return 0, Retryable(cause)
	})
	assert.Equal(t, cause, err)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, 3, calls)
}

func TestDo_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := fast()
	cfg.InitialWait = time.Hour
	_, err := Do(ctx, cfg, func() (int, error) {
		return 0, Retryable(errors.New("timeout"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryable_Nil(t *testing.T) {
	assert.NoError(t, Retryable(nil))
	assert.False(t, IsRetryable(nil))
}
