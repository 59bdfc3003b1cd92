package keybridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRaceTimeout(t *testing.T) {
	v, err := raceTimeout(context.Background(), time.Second, "quick", func(ctx context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	release := make(chan struct{})
	defer close(release)
	_, err = raceTimeout(context.Background(), 20*time.Millisecond, "stuck", func(ctx context.Context) (int, error) {
		<-release // ignores ctx on purpose
		return 1, nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestRaceTimeoutPanic(t *testing.T) {
	_, err := raceTimeout(context.Background(), time.Second, "boom", func(ctx context.Context) (string, error) {
		panic("collaborator exploded")
	})
	require.Error(t, err)
	var ae *AuthError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "internal", ae.Code)
}

func TestRaceTimeoutCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	release := make(chan struct{})
	defer close(release)
	_, err := raceTimeout(ctx, time.Second, "cancelled", func(ctx context.Context) (int, error) {
		<-release
		return 0, nil
	})
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
