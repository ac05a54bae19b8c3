package events

import (
	"context"
	"testing"
	"time"

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

func TestCreateAndGet(t *testing.T) {
	client, cleanup := newTestRedis(t)
	defer cleanup()

	store := NewRedisStore(client)
	ctx := context.Background()

	event := &Event{
		Title:    "Missa Dominical",
		Start:    time.Now().Add(24 * time.Hour),
		End:      time.Now().Add(25 * time.Hour),
		IsPublic: true,
	}
	require.NoError(t, store.Create(ctx, event))
	require.NotEmpty(t, event.ID)
	require.False(t, event.UpdatedAt.IsZero())

	got, err := store.Get(ctx, event.ID)
	require.NoError(t, err)
	require.Equal(t, "Missa Dominical", got.Title)
	require.True(t, got.IsPublic)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRequiresExisting(t *testing.T) {
	client, cleanup := newTestRedis(t)
	defer cleanup()

	store := NewRedisStore(client)
	ctx := context.Background()

	err := store.Update(ctx, &Event{ID: "missing", Title: "x", Start: time.Now(), End: time.Now()})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListUpcomingOrdersByStart(t *testing.T) {
	client, cleanup := newTestRedis(t)
	defer cleanup()

	store := NewRedisStore(client)
	ctx := context.Background()
	now := time.Now()

	past := &Event{Title: "past", Start: now.Add(-2 * time.Hour), End: now.Add(-time.Hour)}
	soon := &Event{Title: "soon", Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)}
	later := &Event{Title: "later", Start: now.Add(48 * time.Hour), End: now.Add(49 * time.Hour)}
	require.NoError(t, store.Create(ctx, later))
	require.NoError(t, store.Create(ctx, past))
	require.NoError(t, store.Create(ctx, soon))

	upcoming, err := store.ListUpcoming(ctx, now)
	require.NoError(t, err)
	require.Len(t, upcoming, 2)
	require.Equal(t, "soon", upcoming[0].Title)
	require.Equal(t, "later", upcoming[1].Title)
}

func TestFindByExternalID(t *testing.T) {
	client, cleanup := newTestRedis(t)
	defer cleanup()

	store := NewRedisStore(client)
	ctx := context.Background()

	event := &Event{
		Title:      "linked",
		Start:      time.Now().Add(time.Hour),
		End:        time.Now().Add(2 * time.Hour),
		ExternalID: "goog-123",
	}
	require.NoError(t, store.Create(ctx, event))

	got, err := store.FindByExternalID(ctx, "goog-123")
	require.NoError(t, err)
	require.Equal(t, event.ID, got.ID)

	_, err = store.FindByExternalID(ctx, "goog-unknown")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateReindexesExternalID(t *testing.T) {
	client, cleanup := newTestRedis(t)
	defer cleanup()

	store := NewRedisStore(client)
	ctx := context.Background()

	event := &Event{
		Title:      "relinked",
		Start:      time.Now().Add(time.Hour),
		End:        time.Now().Add(2 * time.Hour),
		ExternalID: "goog-old",
	}
	require.NoError(t, store.Create(ctx, event))

	event.ExternalID = "goog-new"
	require.NoError(t, store.Update(ctx, event))

	got, err := store.FindByExternalID(ctx, "goog-new")
	require.NoError(t, err)
	require.Equal(t, event.ID, got.ID)

	_, err = store.FindByExternalID(ctx, "goog-old")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestModifiedSinceExport(t *testing.T) {
	now := time.Now()
	event := &Event{UpdatedAt: now, LastSyncedAt: now}
	require.False(t, event.ModifiedSinceExport(), "equal timestamps mean no local edits since export")

	event.UpdatedAt = now.Add(time.Second)
	require.True(t, event.ModifiedSinceExport())

	unlinked := &Event{UpdatedAt: now}
	require.False(t, unlinked.Linked())
	require.True(t, unlinked.ModifiedSinceExport())
}
