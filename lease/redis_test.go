//go:build integration

package lease_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/bloodbank/internal/testutil/containers"
	"github.com/warp/bloodbank/lease"
)

func TestRedis_Lease(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	ctx := context.Background()
	a := lease.NewRedis(rc.Client)
	b := lease.NewRedis(rc.Client)

	release, ok, err := a.TryAcquire(ctx, "sweep", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryAcquire(ctx, "sweep", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second replica is refused")

	require.NoError(t, release(ctx))
	releaseB, ok, err := b.TryAcquire(ctx, "sweep", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// A stale release must not drop someone else's lease.
	require.NoError(t, release(ctx))
	_, ok, err = a.TryAcquire(ctx, "sweep", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, releaseB(ctx))
}

func TestRedis_LeaseExpires(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	ctx := context.Background()
	l := lease.NewRedis(rc.Client)

	_, ok, err := l.TryAcquire(ctx, "sweep", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok, err := l.TryAcquire(ctx, "sweep", time.Second)
		return err == nil && ok
	}, 3*time.Second, 50*time.Millisecond)
}
