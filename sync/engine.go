package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"recanto-cloud/events"
	"recanto-cloud/security"
)

const (
	defaultImportWindow = 60 * 24 * time.Hour
	defaultLockTTL      = 5 * time.Minute
	lockKeyPrefix       = "sync_lock:"
)

// Result aggregates one reconciliation pass. Ephemeral: returned to the
// caller and logged, never persisted.
type Result struct {
	Imported        int               `json:"imported"`
	ImportedUpdated int               `json:"imported_updated"`
	Exported        int               `json:"exported"`
	ExportedUpdated int               `json:"exported_updated"`
	Skipped         int               `json:"skipped"`
	Failed          int               `json:"failed"`
	Errors          map[string]string `json:"errors,omitempty"`
}

// NewResult creates an empty pass result.
func NewResult() *Result {
	return &Result{Errors: make(map[string]string)}
}

func (r *Result) addError(ref string, err error) {
	r.Failed++
	if r.Errors == nil {
		r.Errors = make(map[string]string)
	}
	r.Errors[ref] = err.Error()
}

// Add folds another result into this one.
func (r *Result) Add(other *Result) {
	if other == nil {
		return
	}
	r.Imported += other.Imported
	r.ImportedUpdated += other.ImportedUpdated
	r.Exported += other.Exported
	r.ExportedUpdated += other.ExportedUpdated
	r.Skipped += other.Skipped
	r.Failed += other.Failed
	for ref, msg := range other.Errors {
		if r.Errors == nil {
			r.Errors = make(map[string]string)
		}
		r.Errors[ref] = msg
	}
}

// Engine runs import-then-export reconciliation passes for one user at a
// time. All collaborators are injected once at construction.
type Engine struct {
	redisClient  *redis.Client
	creds        *security.CredentialStore
	store        events.Store
	providers    ProviderFactory
	importWindow time.Duration
	lockTTL      time.Duration
}

// NewEngine creates a sync engine. importWindow bounds the provider-side
// fetch (now → now+window); zero selects the default.
func NewEngine(redisClient *redis.Client, creds *security.CredentialStore, store events.Store, providers ProviderFactory, importWindow time.Duration) *Engine {
	if importWindow <= 0 {
		importWindow = defaultImportWindow
	}
	return &Engine{
		redisClient:  redisClient,
		creds:        creds,
		store:        store,
		providers:    providers,
		importWindow: importWindow,
		lockTTL:      defaultLockTTL,
	}
}

// SyncUser runs one full import-then-export pass for the user, under the
// per-user advisory lock. A credential missing its prerequisites skips the
// pass (nil result, nil error) rather than failing it.
func (e *Engine) SyncUser(ctx context.Context, userID string) (*Result, error) {
	cred, err := e.creds.Get(ctx, userID)
	if err != nil {
		return nil, ErrNotConnected
	}
	if !cred.ReadyToSync() {
		log.Printf("Sync: skipping user %s (sync disabled or calendar not configured)", userID)
		return nil, nil
	}

	unlock, err := e.acquireLock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	prov, err := e.providerFor(ctx, cred)
	if err != nil {
		return nil, err
	}

	res := NewResult()
	if err := e.importPass(ctx, cred, prov, res); err != nil {
		// Transient fetch failure: record it and still attempt the export
		// direction; the next pass retries the import.
		res.addError("import:"+cred.CalendarID, err)
	}
	e.exportPass(ctx, cred, prov, cred.IsAdmin, res)

	if err := e.creds.SetLastSync(ctx, userID, time.Now()); err != nil {
		log.Printf("Warning: failed to record last sync for user %s: %v", userID, err)
	}
	return res, nil
}

// ExportUser runs only the export direction, with the caller's role deciding
// the visibility gate. Backs the manual export entry point.
func (e *Engine) ExportUser(ctx context.Context, userID string, admin bool) (*Result, error) {
	cred, err := e.creds.Get(ctx, userID)
	if err != nil {
		return nil, ErrNotConnected
	}
	if !cred.ReadyToSync() {
		return nil, ErrNotConnected
	}

	unlock, err := e.acquireLock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	prov, err := e.providerFor(ctx, cred)
	if err != nil {
		return nil, err
	}

	res := NewResult()
	e.exportPass(ctx, cred, prov, admin, res)

	if err := e.creds.SetLastSync(ctx, userID, time.Now()); err != nil {
		log.Printf("Warning: failed to record last sync for user %s: %v", userID, err)
	}
	return res, nil
}

// ExportOne applies the export rules to a single event for one credential.
// Used by write paths that want an event pushed promptly.
func (e *Engine) ExportOne(ctx context.Context, cred *security.Credential, eventID string) (*Result, error) {
	if !cred.ReadyToSync() {
		return nil, nil
	}

	unlock, err := e.acquireLock(ctx, cred.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	event, err := e.store.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}

	res := NewResult()
	now := time.Now()
	if event.Start.Before(now) {
		return res, nil
	}
	if event.Linked() && !event.ModifiedSinceExport() {
		return res, nil
	}

	prov, err := e.providerFor(ctx, cred)
	if err != nil {
		return nil, err
	}

	if !cred.IsAdmin && !event.IsPublic {
		res.Skipped++
		return res, nil
	}
	if event.Linked() {
		e.exportUpdate(ctx, cred, prov, event, res)
	} else {
		e.exportCreate(ctx, cred, prov, event, res)
	}
	return res, nil
}

// providerFor resolves the user's provider. A revoked refresh token downgrades
// the credential so the sweep stops retrying until the user reconnects.
func (e *Engine) providerFor(ctx context.Context, cred *security.Credential) (Provider, error) {
	prov, err := e.providers.ProviderFor(ctx, cred.UserID)
	if err != nil {
		var refreshErr *security.AuthRefreshError
		if errors.As(err, &refreshErr) {
			log.Printf("Sync: refresh token revoked for user %s, disabling sync until reconnect", cred.UserID)
			if disableErr := e.creds.SetSyncEnabled(ctx, cred.UserID, false); disableErr != nil {
				log.Printf("Warning: failed to disable sync for user %s: %v", cred.UserID, disableErr)
			}
		}
		return nil, err
	}
	return prov, nil
}

// importPass pulls the provider window and reconciles it into the internal
// store. Events missing from the window are never treated as deletions.
func (e *Engine) importPass(ctx context.Context, cred *security.Credential, prov Provider, res *Result) error {
	now := time.Now()
	items, err := prov.ListUpcoming(ctx, cred.CalendarID, now, now.Add(e.importWindow))
	if err != nil {
		return err
	}

	for _, item := range items {
		if item.Status == "cancelled" {
			continue
		}

		existing, err := e.store.FindByExternalID(ctx, item.Id)
		switch {
		case err == nil:
			changed, terr := ApplyProviderFields(existing, item)
			if terr != nil {
				res.addError(providerRef(item), terr)
				continue
			}
			if !changed {
				continue
			}
			syncedAt := time.Now()
			existing.UpdatedAt = syncedAt
			existing.LastSyncedAt = syncedAt
			if err := e.store.Update(ctx, existing); err != nil {
				res.addError(providerRef(item), err)
				continue
			}
			res.ImportedUpdated++

		case errors.Is(err, events.ErrNotFound):
			imported, terr := FromProviderEvent(item)
			if terr != nil {
				res.addError(providerRef(item), terr)
				continue
			}
			syncedAt := time.Now()
			imported.UpdatedAt = syncedAt
			imported.LastSyncedAt = syncedAt
			if err := e.store.Create(ctx, imported); err != nil {
				res.addError(providerRef(item), err)
				continue
			}
			res.Imported++

		default:
			res.addError(providerRef(item), err)
		}
	}
	return nil
}

// exportPass pushes eligible internal events to the provider: unlinked events
// first (creates), then linked-and-modified ones (updates).
func (e *Engine) exportPass(ctx context.Context, cred *security.Credential, prov Provider, admin bool, res *Result) {
	now := time.Now()
	upcoming, err := e.store.ListUpcoming(ctx, now)
	if err != nil {
		res.addError("export:list", err)
		return
	}

	var creates, updates []*events.Event
	for _, event := range upcoming {
		if !event.Linked() {
			creates = append(creates, event)
		} else if event.ModifiedSinceExport() {
			updates = append(updates, event)
		}
	}

	for _, event := range creates {
		if !admin && !event.IsPublic {
			res.Skipped++
			continue
		}
		e.exportCreate(ctx, cred, prov, event, res)
	}
	for _, event := range updates {
		if !admin && !event.IsPublic {
			res.Skipped++
			continue
		}
		e.exportUpdate(ctx, cred, prov, event, res)
	}
}

// exportCreate creates the provider-side event and links the record. On
// failure the record stays unlinked so the next pass retries; no partial
// external artifact is referenced internally.
func (e *Engine) exportCreate(ctx context.Context, cred *security.Credential, prov Provider, event *events.Event, res *Result) {
	translated, err := ToProviderEvent(event)
	if err != nil {
		res.addError(eventRef(event), err)
		return
	}
	created, err := prov.Insert(ctx, cred.CalendarID, translated)
	if err != nil {
		res.addError(eventRef(event), err)
		return
	}
	event.ExternalID = created.Id
	event.LastSyncedAt = time.Now()
	if err := e.store.Update(ctx, event); err != nil {
		res.addError(eventRef(event), fmt.Errorf("created on provider but failed to link: %w", err))
		return
	}
	res.Exported++
}

// exportUpdate pushes modified fields to the linked provider event. On
// failure LastSyncedAt stays behind UpdatedAt so the next pass retries.
func (e *Engine) exportUpdate(ctx context.Context, cred *security.Credential, prov Provider, event *events.Event, res *Result) {
	translated, err := ToProviderEvent(event)
	if err != nil {
		res.addError(eventRef(event), err)
		return
	}
	if _, err := prov.Update(ctx, cred.CalendarID, event.ExternalID, translated); err != nil {
		res.addError(eventRef(event), err)
		return
	}
	event.LastSyncedAt = time.Now()
	if err := e.store.Update(ctx, event); err != nil {
		res.addError(eventRef(event), err)
		return
	}
	res.ExportedUpdated++
}

// acquireLock takes the per-user advisory lock for the duration of a pass.
// Two concurrent passes observing the same unlinked event would both create
// it externally; the lock closes that window.
func (e *Engine) acquireLock(ctx context.Context, userID string) (func(), error) {
	key := lockKeyPrefix + userID
	ok, err := e.redisClient.SetNX(ctx, key, "1", e.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync lock for user %s: %w", userID, err)
	}
	if !ok {
		return nil, ErrPassInProgress
	}
	return func() {
		if err := e.redisClient.Del(context.Background(), key).Err(); err != nil {
			log.Printf("Warning: failed to release sync lock for user %s: %v", userID, err)
		}
	}, nil
}
