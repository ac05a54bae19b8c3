package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

const (
	credentialKeyPrefix = "calendar_cred:"
	channelKeyPrefix    = "calendar_channel:"
)

// Credential is the per-user calendar connection record. Each field group is
// owned by exactly one subsystem: tokens by the token manager, sync timestamps
// by the sync engine, webhook metadata by the webhook manager.
type Credential struct {
	UserID            string    `json:"user_id"`
	AccessToken       string    `json:"access_token"`
	RefreshToken      string    `json:"refresh_token"`
	TokenType         string    `json:"token_type"`
	TokenExpiry       time.Time `json:"token_expiry"`
	CalendarID        string    `json:"calendar_id"`
	SyncEnabled       bool      `json:"sync_enabled"`
	IsAdmin           bool      `json:"is_admin"`
	LastSync          time.Time `json:"last_sync"`
	WebhookChannelID  string    `json:"webhook_channel_id"`
	WebhookResourceID string    `json:"webhook_resource_id"`
	WebhookExpiration time.Time `json:"webhook_expiration"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Token returns the stored OAuth token set.
func (c *Credential) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.TokenExpiry,
	}
}

// ReadyToSync reports whether a sync pass should be attempted at all. A false
// result means the pass is skipped, not failed.
func (c *Credential) ReadyToSync() bool {
	return c != nil && c.SyncEnabled && c.CalendarID != "" &&
		(c.AccessToken != "" || c.RefreshToken != "")
}

// CredentialStore persists calendar credentials in Redis.
type CredentialStore struct {
	redisClient *redis.Client
}

// NewCredentialStore creates a new credential store.
func NewCredentialStore(redisClient *redis.Client) *CredentialStore {
	return &CredentialStore{redisClient: redisClient}
}

func credentialKey(userID string) string {
	return credentialKeyPrefix + userID
}

func channelKey(channelID string) string {
	return channelKeyPrefix + channelID
}

// Save writes the full credential record.
func (cs *CredentialStore) Save(ctx context.Context, cred *Credential) error {
	if cred == nil || cred.UserID == "" {
		return fmt.Errorf("credential with user id is required")
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}
	cred.UpdatedAt = time.Now()

	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	if err := cs.redisClient.Set(ctx, credentialKey(cred.UserID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store credential in Redis: %w", err)
	}
	return nil
}

// Get retrieves the credential record for a user. Returns redis.Nil-wrapped
// error when no record exists.
func (cs *CredentialStore) Get(ctx context.Context, userID string) (*Credential, error) {
	data, err := cs.redisClient.Get(ctx, credentialKey(userID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("no calendar credential for user %s: %w", userID, err)
	} else if err != nil {
		return nil, fmt.Errorf("failed to retrieve credential: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal([]byte(data), &cred); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return &cred, nil
}

// Exists reports whether a credential record is stored for the user.
func (cs *CredentialStore) Exists(ctx context.Context, userID string) (bool, error) {
	n, err := cs.redisClient.Exists(ctx, credentialKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check credential: %w", err)
	}
	return n > 0, nil
}

// Delete removes the credential record and any channel reverse lookup.
func (cs *CredentialStore) Delete(ctx context.Context, userID string) error {
	cred, err := cs.Get(ctx, userID)
	if err == nil && cred.WebhookChannelID != "" {
		if err := cs.redisClient.Del(ctx, channelKey(cred.WebhookChannelID)).Err(); err != nil {
			log.Printf("Warning: failed to delete channel lookup for user %s: %v", userID, err)
		}
	}
	if err := cs.redisClient.Del(ctx, credentialKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// SaveTokens persists a renewed token set. Called by the token manager before
// the new token is handed to any provider call.
func (cs *CredentialStore) SaveTokens(ctx context.Context, userID string, token *oauth2.Token) error {
	if token == nil {
		return fmt.Errorf("token cannot be nil")
	}
	cred, err := cs.Get(ctx, userID)
	if err != nil {
		return err
	}
	cred.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		cred.RefreshToken = token.RefreshToken
	}
	cred.TokenType = token.TokenType
	cred.TokenExpiry = token.Expiry
	return cs.Save(ctx, cred)
}

// SetLastSync records the completion time of a reconciliation pass.
func (cs *CredentialStore) SetLastSync(ctx context.Context, userID string, at time.Time) error {
	cred, err := cs.Get(ctx, userID)
	if err != nil {
		return err
	}
	cred.LastSync = at
	return cs.Save(ctx, cred)
}

// SetSyncEnabled toggles the sync flag. Used by the engine to downgrade a user
// whose refresh token has been revoked.
func (cs *CredentialStore) SetSyncEnabled(ctx context.Context, userID string, enabled bool) error {
	cred, err := cs.Get(ctx, userID)
	if err != nil {
		return err
	}
	cred.SyncEnabled = enabled
	return cs.Save(ctx, cred)
}

// SetWebhookChannel records push-notification channel metadata and maintains
// the channel-to-user reverse lookup.
func (cs *CredentialStore) SetWebhookChannel(ctx context.Context, userID, channelID, resourceID string, expiration time.Time) error {
	cred, err := cs.Get(ctx, userID)
	if err != nil {
		return err
	}
	if cred.WebhookChannelID != "" && cred.WebhookChannelID != channelID {
		if err := cs.redisClient.Del(ctx, channelKey(cred.WebhookChannelID)).Err(); err != nil {
			log.Printf("Warning: failed to drop stale channel lookup %s: %v", cred.WebhookChannelID, err)
		}
	}
	cred.WebhookChannelID = channelID
	cred.WebhookResourceID = resourceID
	cred.WebhookExpiration = expiration
	if err := cs.Save(ctx, cred); err != nil {
		return err
	}

	ttl := time.Until(expiration)
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := cs.redisClient.Set(ctx, channelKey(channelID), userID, ttl).Err(); err != nil {
		log.Printf("Warning: failed to store channel lookup for %s: %v", channelID, err)
	}
	return nil
}

// ClearWebhookChannel removes channel metadata from the record.
func (cs *CredentialStore) ClearWebhookChannel(ctx context.Context, userID string) error {
	cred, err := cs.Get(ctx, userID)
	if err != nil {
		return err
	}
	if cred.WebhookChannelID != "" {
		if err := cs.redisClient.Del(ctx, channelKey(cred.WebhookChannelID)).Err(); err != nil {
			log.Printf("Warning: failed to delete channel lookup %s: %v", cred.WebhookChannelID, err)
		}
	}
	cred.WebhookChannelID = ""
	cred.WebhookResourceID = ""
	cred.WebhookExpiration = time.Time{}
	return cs.Save(ctx, cred)
}

// FindUserByChannel resolves a webhook channel ID to its user. Falls back to a
// scan over credential records when the reverse lookup has expired.
func (cs *CredentialStore) FindUserByChannel(ctx context.Context, channelID string) (string, error) {
	userID, err := cs.redisClient.Get(ctx, channelKey(channelID)).Result()
	if err == nil && userID != "" {
		return userID, nil
	}
	if err != nil && err != redis.Nil {
		return "", fmt.Errorf("failed to resolve channel %s: %w", channelID, err)
	}

	creds, err := cs.ListSyncEnabled(ctx)
	if err != nil {
		return "", err
	}
	for _, cred := range creds {
		if cred.WebhookChannelID == channelID {
			// Repair the reverse lookup for future callbacks.
			cs.redisClient.Set(ctx, channelKey(channelID), cred.UserID, 24*time.Hour)
			return cred.UserID, nil
		}
	}
	return "", fmt.Errorf("no user found for channel %s", channelID)
}

// ListSyncEnabled enumerates all credentials with sync enabled.
func (cs *CredentialStore) ListSyncEnabled(ctx context.Context) ([]*Credential, error) {
	var creds []*Credential
	iter := cs.redisClient.Scan(ctx, 0, credentialKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := cs.redisClient.Get(ctx, iter.Val()).Result()
		if err != nil {
			log.Printf("Warning: failed to read credential %s: %v", iter.Val(), err)
			continue
		}
		var cred Credential
		if err := json.Unmarshal([]byte(data), &cred); err != nil {
			log.Printf("Warning: malformed credential at %s: %v", iter.Val(), err)
			continue
		}
		if cred.SyncEnabled {
			creds = append(creds, &cred)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("credential scan failed: %w", err)
	}
	return creds, nil
}
