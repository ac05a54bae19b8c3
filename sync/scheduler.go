package sync

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"recanto-cloud/events"
	"recanto-cloud/security"
	"recanto-cloud/streams"
)

const (
	defaultSweepInterval  = time.Hour
	defaultUserTimeout    = 2 * time.Minute
	defaultDebounceWindow = 5 * time.Second
	defaultRenewThreshold = 12 * time.Hour
	debounceKeyPrefix     = "sync_debounce:"
)

// SchedulerOptions tune the background loops. Zero values select defaults.
type SchedulerOptions struct {
	SweepInterval  time.Duration
	UserTimeout    time.Duration
	DebounceWindow time.Duration
	RenewThreshold time.Duration
}

// SweepStats aggregates one full sweep over all sync-enabled users.
type SweepStats struct {
	Users    int     `json:"users"`
	Errored  int     `json:"errored"`
	Totals   *Result `json:"totals"`
	Duration string  `json:"duration"`
}

// Scheduler owns the periodic reconciliation loop and the webhook-triggered
// sync request consumer. Start and Stop are idempotent; the running state is
// an explicit atomic flag, not module-level globals.
type Scheduler struct {
	engine      *Engine
	creds       *security.CredentialStore
	store       events.Store
	webhooks    *WebhookManager
	bus         *streams.Bus
	redisClient *redis.Client

	interval       time.Duration
	userTimeout    time.Duration
	debounceWindow time.Duration
	renewThreshold time.Duration

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates the scheduler. All collaborators are injected once at
// process startup.
func NewScheduler(engine *Engine, creds *security.CredentialStore, store events.Store, webhooks *WebhookManager, bus *streams.Bus, redisClient *redis.Client, opts SchedulerOptions) *Scheduler {
	interval := opts.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	userTimeout := opts.UserTimeout
	if userTimeout <= 0 {
		userTimeout = defaultUserTimeout
	}
	debounce := opts.DebounceWindow
	if debounce <= 0 {
		debounce = defaultDebounceWindow
	}
	renew := opts.RenewThreshold
	if renew <= 0 {
		renew = defaultRenewThreshold
	}
	return &Scheduler{
		engine:         engine,
		creds:          creds,
		store:          store,
		webhooks:       webhooks,
		bus:            bus,
		redisClient:    redisClient,
		interval:       interval,
		userTimeout:    userTimeout,
		debounceWindow: debounce,
		renewThreshold: renew,
	}
}

// Start launches the sweep loop and the request consumer. A second Start
// while running is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.sweepLoop(ctx)
	go s.requestLoop(ctx)
	log.Printf("Sync scheduler started (interval=%s)", s.interval)
}

// Stop halts the background loops and waits for them to drain. Idempotent.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()
	log.Println("Sync scheduler stopped")
}

// Running reports whether the scheduler loops are active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.RunSweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunSweep reconciles every sync-enabled user sequentially. One user's
// failure never aborts the sweep for the rest.
func (s *Scheduler) RunSweep(ctx context.Context) *SweepStats {
	started := time.Now()
	stats := &SweepStats{Totals: NewResult()}

	creds, err := s.creds.ListSyncEnabled(ctx)
	if err != nil {
		log.Printf("Sweep: failed to enumerate sync-enabled users: %v", err)
		return stats
	}

	for _, cred := range creds {
		stats.Users++
		res, err := s.syncWithTimeout(ctx, cred.UserID)
		if err != nil {
			stats.Errored++
			log.Printf("Sweep: sync failed for user %s: %v", cred.UserID, err)
			continue
		}
		if res == nil {
			continue
		}
		stats.Totals.Add(res)
		s.publishActivity(ctx, cred.UserID, "sweep", res)
	}

	s.webhooks.RenewExpiring(ctx, s.renewThreshold)

	stats.Duration = time.Since(started).String()
	log.Printf("Sweep complete: users=%d imported=%d imported_updated=%d exported=%d exported_updated=%d skipped=%d failed=%d errored_users=%d duration=%s",
		stats.Users, stats.Totals.Imported, stats.Totals.ImportedUpdated, stats.Totals.Exported,
		stats.Totals.ExportedUpdated, stats.Totals.Skipped, stats.Totals.Failed, stats.Errored, stats.Duration)
	return stats
}

// syncWithTimeout caps one user's pass so a stuck provider call cannot block
// the whole sweep.
func (s *Scheduler) syncWithTimeout(ctx context.Context, userID string) (*Result, error) {
	userCtx, cancel := context.WithTimeout(ctx, s.userTimeout)
	defer cancel()
	return s.engine.SyncUser(userCtx, userID)
}

// requestLoop consumes webhook-triggered sync requests, collapsing duplicate
// near-simultaneous notifications via a debounce key.
func (s *Scheduler) requestLoop(ctx context.Context) {
	defer s.wg.Done()
	afterID := "$"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries, nextID, err := s.bus.ReadRequests(ctx, afterID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Warning: sync request read failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		afterID = nextID

		for _, entry := range entries {
			if entry.UserID == "" {
				continue
			}
			if !s.debounce(ctx, entry.UserID) {
				continue
			}
			res, err := s.syncWithTimeout(ctx, entry.UserID)
			if err != nil {
				log.Printf("Webhook sync failed for user %s: %v", entry.UserID, err)
				continue
			}
			if res != nil {
				s.publishActivity(ctx, entry.UserID, "webhook", res)
			}
		}
	}
}

// debounce reports whether this user's request should run now. Requests
// arriving inside the window collapse into the pass already triggered.
func (s *Scheduler) debounce(ctx context.Context, userID string) bool {
	ok, err := s.redisClient.SetNX(ctx, debounceKeyPrefix+userID, "1", s.debounceWindow).Result()
	if err != nil {
		log.Printf("Warning: debounce check failed for user %s: %v", userID, err)
		// Running an extra pass is safe; the engine is idempotent.
		return true
	}
	return ok
}

// SyncOneEvent applies the export-direction logic to a single event for every
// sync-enabled user whose visibility gate the event passes. Used by write
// paths that want the event pushed without waiting for the next sweep.
func (s *Scheduler) SyncOneEvent(ctx context.Context, eventID string) (*Result, error) {
	creds, err := s.creds.ListSyncEnabled(ctx)
	if err != nil {
		return nil, err
	}

	totals := NewResult()
	for _, cred := range creds {
		res, err := s.engine.ExportOne(ctx, cred, eventID)
		if err != nil {
			log.Printf("SyncOneEvent: export failed for user %s event %s: %v", cred.UserID, eventID, err)
			totals.addError(cred.UserID+":"+eventID, err)
			continue
		}
		totals.Add(res)
	}
	return totals, nil
}

func (s *Scheduler) publishActivity(ctx context.Context, userID, trigger string, res *Result) {
	if s.bus == nil {
		return
	}
	_, err := s.bus.AppendActivity(ctx, userID, map[string]any{
		"trigger":          trigger,
		"imported":         res.Imported,
		"imported_updated": res.ImportedUpdated,
		"exported":         res.Exported,
		"exported_updated": res.ExportedUpdated,
		"skipped":          res.Skipped,
		"failed":           res.Failed,
	})
	if err != nil {
		log.Printf("Warning: failed to publish sync activity for user %s: %v", userID, err)
	}
}
