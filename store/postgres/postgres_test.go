//go:build integration

package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/warp/bloodbank/allocation/storetest"
	"github.com/warp/bloodbank/internal/testutil/containers"
	"github.com/warp/bloodbank/store/postgres"
)

func TestPostgres_Contract(t *testing.T) {
	pg := containers.NewPostgresContainer(t)

	ctx := context.Background()
	s, err := postgres.New(ctx, pg.DSN)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// One database for every subtest; each starts from empty tables.
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		require.NoError(t, s.Reset(ctx))
		return s
	})
}
