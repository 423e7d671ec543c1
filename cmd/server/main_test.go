package main

import (
	"context"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectBackoffGivesUp(t *testing.T) {
	b := connectBackoff(context.Background())
	for i := 0; i < 4; i++ {
		require.NotEqual(t, backoff.Stop, b.NextBackOff())
	}
	assert.Equal(t, backoff.Stop, b.NextBackOff())
}

func TestConnectBackoffHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return errors.New("still down")
	}, connectBackoff(ctx))

	require.Error(t, err)
	assert.Equal(t, 1, attempts, "a cancelled context must not schedule retries")
}
