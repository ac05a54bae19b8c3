package sync

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"recanto-cloud/events"
	"recanto-cloud/security"
	"recanto-cloud/streams"
)

func newTestScheduler(t *testing.T, prov Provider) (*Scheduler, *security.CredentialStore, *memStore, func()) {
	t.Helper()
	client, cleanup := newTestRedis(t)

	creds := security.NewCredentialStore(client)
	store := newMemStore()
	factory := &stubFactory{prov: prov}
	engine := NewEngine(client, creds, store, factory, 0)
	webhooks := NewWebhookManager(creds, factory, "https://example.org/cb")
	bus := streams.NewBus(client)
	sched := NewScheduler(engine, creds, store, webhooks, bus, client, SchedulerOptions{
		SweepInterval:  time.Hour,
		DebounceWindow: 100 * time.Millisecond,
	})
	return sched, creds, store, cleanup
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	sched, _, _, cleanup := newTestScheduler(t, newStubProvider())
	defer cleanup()

	require.False(t, sched.Running())
	sched.Start(context.Background())
	require.True(t, sched.Running())

	// Second Start is a no-op.
	sched.Start(context.Background())
	require.True(t, sched.Running())

	sched.Stop()
	require.False(t, sched.Running())

	// Second Stop is a no-op.
	sched.Stop()
	require.False(t, sched.Running())
}

func TestRunSweepCoversAllUsers(t *testing.T) {
	start := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	prov := newStubProvider(googleItem("goog-1", "Missa Dominical", start))

	sched, creds, store, cleanup := newTestScheduler(t, prov)
	defer cleanup()
	ctx := context.Background()

	saveSyncCred(t, creds, "user-1", false)
	saveSyncCred(t, creds, "user-2", false)

	stats := sched.RunSweep(ctx)
	require.Equal(t, 2, stats.Users)
	require.Zero(t, stats.Errored)
	// Both users import the same external event into the shared store; the
	// second pass finds it already linked.
	require.Equal(t, 1, stats.Totals.Imported)

	_, err := store.FindByExternalID(ctx, "goog-1")
	require.NoError(t, err)
}

func TestRunSweepOneUserFailureDoesNotAbort(t *testing.T) {
	prov := newStubProvider()
	sched, creds, store, cleanup := newTestScheduler(t, prov)
	defer cleanup()
	ctx := context.Background()

	saveSyncCred(t, creds, "locked", false)
	saveSyncCred(t, creds, "fine", false)

	require.NoError(t, store.Create(ctx, &events.Event{
		Title:     "Retiro de Verão",
		Start:     time.Now().Add(48 * time.Hour),
		End:       time.Now().Add(72 * time.Hour),
		IsPublic:  true,
		UpdatedAt: time.Now(),
	}))

	// Simulate a pass already running for one user.
	require.NoError(t, sched.redisClient.Set(ctx, "sync_lock:locked", "1", time.Minute).Err())

	stats := sched.RunSweep(ctx)
	require.Equal(t, 2, stats.Users)
	require.Equal(t, 1, stats.Errored)
	require.Equal(t, 1, stats.Totals.Exported, "the healthy user still syncs")
}

func TestSweepPublishesActivity(t *testing.T) {
	start := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	prov := newStubProvider(googleItem("goog-1", "Missa Dominical", start))

	sched, creds, _, cleanup := newTestScheduler(t, prov)
	defer cleanup()
	ctx := context.Background()

	saveSyncCred(t, creds, "user-1", false)
	sched.RunSweep(ctx)

	entries, _, err := sched.bus.TailActivity(ctx, "user-1", "0")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.Equal(t, "sweep", entries[0].Values["trigger"])
	require.Equal(t, "1", entries[0].Values["imported"])
}

func TestDebounceCollapsesBursts(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	creds := security.NewCredentialStore(client)
	store := newMemStore()
	factory := &stubFactory{prov: newStubProvider()}
	engine := NewEngine(client, creds, store, factory, 0)
	webhooks := NewWebhookManager(creds, factory, "https://example.org/cb")
	sched := NewScheduler(engine, creds, store, webhooks, streams.NewBus(client), client, SchedulerOptions{
		DebounceWindow: 5 * time.Second,
	})
	ctx := context.Background()

	require.True(t, sched.debounce(ctx, "user-1"))
	require.False(t, sched.debounce(ctx, "user-1"), "second request inside the window collapses")
	require.True(t, sched.debounce(ctx, "user-2"), "windows are per user")

	server.FastForward(6 * time.Second)
	require.True(t, sched.debounce(ctx, "user-1"), "window expired")
}

func TestSyncOneEventAcrossUsers(t *testing.T) {
	prov := newStubProvider()
	sched, creds, store, cleanup := newTestScheduler(t, prov)
	defer cleanup()
	ctx := context.Background()

	saveSyncCred(t, creds, "member", false)
	saveSyncCred(t, creds, "coordinator", true)

	private := &events.Event{
		Title:     "Reunião interna",
		Start:     time.Now().Add(24 * time.Hour),
		End:       time.Now().Add(25 * time.Hour),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, store.Create(ctx, private))

	res, err := sched.SyncOneEvent(ctx, private.ID)
	require.NoError(t, err)
	// Gated for the member, exported once for the coordinator.
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 1, res.Exported)
}
