package errors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Sentinels(t *testing.T) {
	assert.Equal(t, ErrorInvalid, Classify(ErrInvalidEnvelope))
	assert.Equal(t, ErrorTransient, Classify(ErrCircuitOpen))
	assert.Equal(t, ErrorTransient, Classify(ErrRateLimited))
	assert.Equal(t, ErrorFatal, Classify(ErrMissingConfig))
	// Unknown errors default to transient so the queue may retry them.
	assert.Equal(t, ErrorTransient, Classify(New("socket hiccup")))
}

func TestWrap_PreservesChain(t *testing.T) {
	err := WrapTransient(ErrConnectionLost, "bus", "Emit", "publish")
	assert.True(t, Is(err, ErrConnectionLost))
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "bus.Emit: publish failed")

	var ce *ClassifiedError
	require.True(t, As(err, &ce))
	assert.Equal(t, "bus", ce.Component)
	assert.Equal(t, ErrorTransient, ce.Class)
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
}

func TestClassifiedOverridesSentinelHeuristics(t *testing.T) {
	// A classification applied by the caller wins over chain inspection.
	err := WrapInvalid(ErrTimeout, "queue", "process", "validate")
	assert.True(t, IsInvalid(err))
	assert.False(t, IsTransient(err))
}

func TestRateLimitError(t *testing.T) {
	err := fmt.Errorf("telegram send: %w", &RateLimitError{RetryAfter: 7 * time.Second})
	assert.True(t, Is(err, ErrRateLimited))
	assert.True(t, IsTransient(err))

	after, ok := RetryAfterHint(err)
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, after)

	_, ok = RetryAfterHint(ErrTimeout)
	assert.False(t, ok)
}

func TestIsTransient_ContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	assert.True(t, IsTransient(ctx.Err()))
}
