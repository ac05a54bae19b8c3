package sync

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	calendar "google.golang.org/api/calendar/v3"

	"recanto-cloud/security"
)

const defaultChannelTTL = 24 * time.Hour

// WebhookManager registers and tears down push-notification channels so
// external-side changes trigger on-demand reconciliation instead of waiting
// for the periodic sweep.
type WebhookManager struct {
	creds       *security.CredentialStore
	providers   ProviderFactory
	callbackURL string
	channelTTL  time.Duration
}

// NewWebhookManager creates a webhook manager pointing channels at
// callbackURL.
func NewWebhookManager(creds *security.CredentialStore, providers ProviderFactory, callbackURL string) *WebhookManager {
	return &WebhookManager{
		creds:       creds,
		providers:   providers,
		callbackURL: callbackURL,
		channelTTL:  defaultChannelTTL,
	}
}

// Register establishes a push channel for the user's configured calendar and
// persists the channel metadata on the credential record.
func (wm *WebhookManager) Register(ctx context.Context, userID string) (*calendar.Channel, error) {
	cred, err := wm.creds.Get(ctx, userID)
	if err != nil {
		return nil, &WebhookRegistrationError{UserID: userID, Err: err}
	}
	if cred.CalendarID == "" {
		return nil, &WebhookRegistrationError{UserID: userID, Err: ErrNotConnected}
	}

	prov, err := wm.providers.ProviderFor(ctx, userID)
	if err != nil {
		return nil, &WebhookRegistrationError{UserID: userID, Err: err}
	}

	channel := &calendar.Channel{
		Id:      uuid.New().String(),
		Type:    "web_hook",
		Address: wm.callbackURL,
		// Provider expects milliseconds.
		Expiration: time.Now().Add(wm.channelTTL).UnixMilli(),
	}
	registered, err := prov.Watch(ctx, cred.CalendarID, channel)
	if err != nil {
		return nil, &WebhookRegistrationError{UserID: userID, Err: err}
	}

	expiration := time.UnixMilli(registered.Expiration)
	if err := wm.creds.SetWebhookChannel(ctx, userID, registered.Id, registered.ResourceId, expiration); err != nil {
		log.Printf("Warning: registered channel %s but failed to persist metadata: %v", registered.Id, err)
	}

	log.Printf("Registered webhook channel for user %s: channel=%s resource=%s expires=%s",
		userID, registered.Id, registered.ResourceId, expiration.Format(time.RFC3339))
	return registered, nil
}

// Unregister stops the user's push channel. Best-effort: a failed stop is
// logged and the channel metadata is cleared regardless, since a dangling
// external channel self-expires.
func (wm *WebhookManager) Unregister(ctx context.Context, userID string) error {
	cred, err := wm.creds.Get(ctx, userID)
	if err != nil {
		return err
	}
	if cred.WebhookChannelID == "" {
		return nil
	}

	wm.stopChannel(ctx, userID, cred.WebhookChannelID, cred.WebhookResourceID)
	return wm.creds.ClearWebhookChannel(ctx, userID)
}

func (wm *WebhookManager) stopChannel(ctx context.Context, userID, channelID, resourceID string) {
	prov, err := wm.providers.ProviderFor(ctx, userID)
	if err != nil {
		log.Printf("Warning: cannot stop channel %s for user %s: %v", channelID, userID, err)
		return
	}
	err = prov.StopChannel(ctx, &calendar.Channel{Id: channelID, ResourceId: resourceID})
	if err != nil {
		log.Printf("Warning: failed to stop channel %s for user %s: %v", channelID, userID, err)
	}
}

// RenewExpiring re-registers channels expiring within the threshold. Invoked
// from the scheduler sweep.
func (wm *WebhookManager) RenewExpiring(ctx context.Context, threshold time.Duration) {
	creds, err := wm.creds.ListSyncEnabled(ctx)
	if err != nil {
		log.Printf("Warning: webhook renewal scan failed: %v", err)
		return
	}
	for _, cred := range creds {
		if cred.WebhookChannelID == "" {
			continue
		}
		if time.Until(cred.WebhookExpiration) > threshold {
			continue
		}

		oldChannelID := cred.WebhookChannelID
		oldResourceID := cred.WebhookResourceID
		log.Printf("Renewing webhook channel for user %s (expires %s)",
			cred.UserID, cred.WebhookExpiration.Format(time.RFC3339))

		if _, err := wm.Register(ctx, cred.UserID); err != nil {
			log.Printf("Warning: webhook renewal failed for user %s: %v", cred.UserID, err)
			continue
		}
		wm.stopChannel(ctx, cred.UserID, oldChannelID, oldResourceID)
	}
}

// ResolveChannel maps an incoming notification's channel id to a user.
func (wm *WebhookManager) ResolveChannel(ctx context.Context, channelID string) (string, error) {
	return wm.creds.FindUserByChannel(ctx, channelID)
}
