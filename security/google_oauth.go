package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

// CalendarScopes are the OAuth scopes requested for calendar sync.
var CalendarScopes = []string{
	calendar.CalendarScope,
	calendar.CalendarEventsScope,
}

// Refresh tokens are exercised this far before the stored expiry.
const tokenRefreshSkew = 5 * time.Minute

// Helper to allow time mocking in tests.
var Now = time.Now

// AuthExchangeError reports a failed authorization-code exchange. Fatal to the
// one configure attempt that triggered it.
type AuthExchangeError struct {
	UserID string
	Err    error
}

func (e *AuthExchangeError) Error() string {
	return fmt.Sprintf("auth code exchange failed for user %s: %v", e.UserID, e.Err)
}

func (e *AuthExchangeError) Unwrap() error { return e.Err }

// AuthRefreshError reports a refresh attempt against a revoked or missing
// refresh token. The user must reconnect; callers must not retry blindly.
type AuthRefreshError struct {
	UserID string
	Err    error
}

func (e *AuthRefreshError) Error() string {
	return fmt.Sprintf("token refresh failed for user %s, reconnection required: %v", e.UserID, e.Err)
}

func (e *AuthRefreshError) Unwrap() error { return e.Err }

// TokenManager owns the OAuth credential lifecycle: code exchange, refresh,
// and persistence of renewed token sets.
type TokenManager struct {
	redisClient *redis.Client
	creds       *CredentialStore
	config      *oauth2.Config
}

// NewTokenManager creates a token manager against the Google endpoint.
func NewTokenManager(redisClient *redis.Client, creds *CredentialStore, clientID, clientSecret, redirectURL string) *TokenManager {
	return NewTokenManagerWithConfig(redisClient, creds, &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       CalendarScopes,
		Endpoint:     google.Endpoint,
	})
}

// NewTokenManagerWithConfig creates a token manager with an explicit oauth2
// config. Tests use this to point at a local token endpoint.
func NewTokenManagerWithConfig(redisClient *redis.Client, creds *CredentialStore, config *oauth2.Config) *TokenManager {
	return &TokenManager{
		redisClient: redisClient,
		creds:       creds,
		config:      config,
	}
}

// AuthURL generates the OAuth authorization URL with a CSRF state parameter
// stored in Redis for 10 minutes.
func (tm *TokenManager) AuthURL(ctx context.Context, userID string) (string, string, error) {
	stateBytes := make([]byte, 32)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}
	state := base64.URLEncoding.EncodeToString(stateBytes)

	stateKey := fmt.Sprintf("oauth_state:%s", state)
	if err := tm.redisClient.Set(ctx, stateKey, userID, 10*time.Minute).Err(); err != nil {
		return "", "", fmt.Errorf("failed to store OAuth state: %w", err)
	}

	authURL := tm.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	return authURL, state, nil
}

// ResolveUserIDFromState returns the user ID associated with an OAuth state.
func (tm *TokenManager) ResolveUserIDFromState(ctx context.Context, state string) (string, error) {
	stateKey := fmt.Sprintf("oauth_state:%s", state)
	userID, err := tm.redisClient.Get(ctx, stateKey).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("invalid or expired state parameter")
	} else if err != nil {
		return "", fmt.Errorf("failed to resolve OAuth state: %w", err)
	}
	return userID, nil
}

// ExchangeCode exchanges an authorization code for tokens and persists them on
// the user's credential record. The record is created if none exists yet.
func (tm *TokenManager) ExchangeCode(ctx context.Context, userID, code, state string) (*oauth2.Token, error) {
	stateKey := fmt.Sprintf("oauth_state:%s", state)
	defer tm.redisClient.Del(ctx, stateKey)

	storedUser, err := tm.redisClient.Get(ctx, stateKey).Result()
	if err == redis.Nil {
		return nil, &AuthExchangeError{UserID: userID, Err: fmt.Errorf("invalid or expired state parameter")}
	} else if err != nil {
		return nil, fmt.Errorf("failed to verify state: %w", err)
	}
	if userID == "" {
		userID = storedUser
	} else if storedUser != userID {
		return nil, &AuthExchangeError{UserID: userID, Err: fmt.Errorf("state parameter user mismatch")}
	}

	token, err := tm.config.Exchange(ctx, code)
	if err != nil {
		return nil, &AuthExchangeError{UserID: userID, Err: err}
	}

	cred, err := tm.creds.Get(ctx, userID)
	if err != nil {
		cred = &Credential{UserID: userID}
	}
	cred.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		cred.RefreshToken = token.RefreshToken
	}
	cred.TokenType = token.TokenType
	cred.TokenExpiry = token.Expiry
	if err := tm.creds.Save(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to store exchanged token: %w", err)
	}

	log.Printf("Stored OAuth token for user %s", userID)
	return token, nil
}

// Refresh renews the access token using the stored refresh token. The renewed
// token set is persisted before it is returned, so a crash mid-pass does not
// lose it.
func (tm *TokenManager) Refresh(ctx context.Context, userID string) (*oauth2.Token, error) {
	cred, err := tm.creds.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cred.RefreshToken == "" {
		return nil, &AuthRefreshError{UserID: userID, Err: fmt.Errorf("no refresh token stored")}
	}

	current := cred.Token()
	// Force the cached token to be considered expired so the TokenSource
	// actually refreshes.
	if current.Expiry.After(Now()) {
		current.Expiry = Now().Add(-1 * time.Minute)
	}

	newToken, err := tm.config.TokenSource(ctx, current).Token()
	if err != nil {
		return nil, &AuthRefreshError{UserID: userID, Err: err}
	}

	if err := tm.creds.SaveTokens(ctx, userID, newToken); err != nil {
		return nil, fmt.Errorf("failed to store refreshed token: %w", err)
	}

	log.Printf("Refreshed OAuth token for user %s", userID)
	return newToken, nil
}

// ValidToken returns a usable token, refreshing when the stored one expires
// within the skew window.
func (tm *TokenManager) ValidToken(ctx context.Context, userID string) (*oauth2.Token, error) {
	cred, err := tm.creds.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	token := cred.Token()
	if token.Expiry.Before(Now().Add(tokenRefreshSkew)) {
		log.Printf("Token expired for user %s, refreshing...", userID)
		return tm.Refresh(ctx, userID)
	}
	return token, nil
}

// HTTPClient returns an authenticated HTTP client for provider construction.
func (tm *TokenManager) HTTPClient(ctx context.Context, userID string) (*http.Client, error) {
	token, err := tm.ValidToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	return tm.config.Client(ctx, token), nil
}
