package checkpoint

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/stacklok/toolhive-replicator/database"
)

func TestPostgresStore(t *testing.T) {
	t.Parallel()

	conn, cleanup := database.SetupTestDB(t)
	t.Cleanup(cleanup)

	testStore(t, NewPostgresStore(conn))
}

func TestRedisStore(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("skipping Redis container test in short mode")
	}

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { tc.CleanupContainer(t, container) })

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(connStr)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	testStore(t, NewRedisStore(client, "test:"))
}
