package streams

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: server.Addr(),
	})

	cleanup := func() {
		_ = client.Close()
		server.Close()
	}
	return client, cleanup
}

func TestRequestSyncAndRead(t *testing.T) {
	client, cleanup := newTestRedis(t)
	defer cleanup()

	bus := NewBus(client)
	ctx := context.Background()

	id1, err := bus.RequestSync(ctx, "user-1", "webhook:exists")
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := bus.RequestSync(ctx, "user-2", "manual")
	require.NoError(t, err)

	entries, nextID, err := bus.ReadRequests(ctx, "0")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, id2, nextID)
	require.Equal(t, "user-1", entries[0].UserID)
	require.Equal(t, "webhook:exists", entries[0].Values["reason"])
	require.Equal(t, "user-2", entries[1].UserID)
}

func TestRequestSyncValidation(t *testing.T) {
	client, cleanup := newTestRedis(t)
	defer cleanup()

	bus := NewBus(client)
	_, err := bus.RequestSync(context.Background(), "  ", "manual")
	require.Error(t, err)

	var nilBus *Bus
	_, err = nilBus.RequestSync(context.Background(), "user-1", "manual")
	require.Error(t, err)
}

func TestActivityAppendAndTail(t *testing.T) {
	client, cleanup := newTestRedis(t)
	defer cleanup()

	bus := NewBus(client)
	ctx := context.Background()

	id, err := bus.AppendActivity(ctx, "user-1", map[string]any{
		"trigger":  "sweep",
		"imported": 3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entries, nextID, err := bus.TailActivity(ctx, "user-1", "0")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, id, nextID)
	require.Equal(t, "sweep", entries[0].Values["trigger"])
	require.Equal(t, "3", entries[0].Values["imported"])
	require.NotEmpty(t, entries[0].Values["ts"], "a timestamp is attached when missing")
}

func TestActivityStreamKeys(t *testing.T) {
	require.Equal(t, "sync:requests", RequestStream())
	require.Equal(t, "user:user-1:sync:activity", ActivityStream("user-1"))
}
