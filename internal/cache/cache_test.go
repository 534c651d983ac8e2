package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/battle-engine/internal/cache"
	"github.com/oggyb/battle-engine/internal/tally"
	"github.com/oggyb/battle-engine/internal/testutil"
)

func TestTallyCacheRoundTripAndInvalidate(t *testing.T) {
	ctx := context.Background()
	rc, mr := testutil.NewRedis(t)

	_, ok, err := rc.GetTally(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, ok, "empty cache is a miss")

	want := tally.Compute([]string{"c", "p"}, map[string]int64{"c": 3, "p": 1})
	require.NoError(t, rc.SetTally(ctx, "b1", want, 5*time.Second))

	got, ok, err := rc.GetTally(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, got)

	require.NoError(t, rc.InvalidateTally(ctx, "b1"))
	_, ok, err = rc.GetTally(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, ok)

	// ttl expiry
	require.NoError(t, rc.SetTally(ctx, "b1", want, 5*time.Second))
	mr.FastForward(6 * time.Second)
	_, ok, err = rc.GetTally(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTallyCacheCorruptEntry(t *testing.T) {
	ctx := context.Background()
	rc, _ := testutil.NewRedis(t)

	require.NoError(t, rc.Set(ctx, rc.KeyForTally("b1"), "not-json", time.Minute))
	_, ok, err := rc.GetTally(ctx, "b1")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestLockerIsExclusive(t *testing.T) {
	ctx := context.Background()
	rc, _ := testutil.NewRedis(t)
	locker := cache.NewLocker(rc)

	release, ok, err := locker.TryAcquire(ctx, "battle:sweep", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok2, err := locker.TryAcquire(ctx, "battle:sweep", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok2, "second holder must be refused")

	release()

	release3, ok3, err := locker.TryAcquire(ctx, "battle:sweep", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok3, "lock is free again after release")
	release3()
}
