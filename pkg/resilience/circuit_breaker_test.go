package resilience

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholar-search/scholar-search/pkg/observability"
)

func newTestBreaker(threshold uint32) *CircuitBreaker {
	cfg := BreakerConfig{
		Name:             "test",
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: threshold,
	}
	return NewCircuitBreaker(cfg, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestExecutePassesThrough(t *testing.T) {
	b := newTestBreaker(3)

	out, err := b.Execute(func() (interface{}, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(3)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_, err := b.Execute(func() (interface{}, error) { return nil, boom })
		require.ErrorIs(t, err, boom)
		assert.False(t, IsOpen(err))
	}

	// tripped: the call is rejected without running
	ran := false
	_, err := b.Execute(func() (interface{}, error) {
		ran = true
		return nil, nil
	})
	require.Error(t, err)
	assert.True(t, IsOpen(err))
	assert.False(t, ran)
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(3)
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		_, _ = b.Execute(func() (interface{}, error) { return nil, boom })
	}
	_, err := b.Execute(func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)

	// two more failures stay under the threshold
	for i := 0; i < 2; i++ {
		_, err = b.Execute(func() (interface{}, error) { return nil, boom })
		require.ErrorIs(t, err, boom)
	}
	_, err = b.Execute(func() (interface{}, error) { return "still closed", nil })
	assert.NoError(t, err)
}
