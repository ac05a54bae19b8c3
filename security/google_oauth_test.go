package security

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// newTokenServer serves the OAuth token endpoint, counting hits and handing
// out sequential access tokens.
func newTokenServer(t *testing.T, refreshCount *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		n := refreshCount.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("access-%d", n),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
}

func newTestTokenManager(t *testing.T, tokenURL string) (*TokenManager, *CredentialStore, func()) {
	t.Helper()
	client, cleanup := newTestRedis(t)
	creds := NewCredentialStore(client)
	tm := NewTokenManagerWithConfig(client, creds, &oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost:8080/auth/google/callback",
		Scopes:       CalendarScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  tokenURL + "/auth",
			TokenURL: tokenURL + "/token",
		},
	})
	return tm, creds, cleanup
}

func TestAuthURLStoresState(t *testing.T) {
	tm, _, cleanup := newTestTokenManager(t, "http://localhost:1")
	defer cleanup()
	ctx := context.Background()

	authURL, state, err := tm.AuthURL(ctx, "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, state)
	require.Contains(t, authURL, "state="+state)
	require.Contains(t, authURL, "access_type=offline")

	userID, err := tm.ResolveUserIDFromState(ctx, state)
	require.NoError(t, err)
	require.Equal(t, "user-1", userID)

	_, err = tm.ResolveUserIDFromState(ctx, "bogus-state")
	require.Error(t, err)
}

func TestExchangeCodePersistsCredential(t *testing.T) {
	var hits atomic.Int64
	srv := newTokenServer(t, &hits)
	defer srv.Close()

	tm, creds, cleanup := newTestTokenManager(t, srv.URL)
	defer cleanup()
	ctx := context.Background()

	_, state, err := tm.AuthURL(ctx, "user-1")
	require.NoError(t, err)

	token, err := tm.ExchangeCode(ctx, "user-1", "auth-code", state)
	require.NoError(t, err)
	require.Equal(t, "access-1", token.AccessToken)

	cred, err := creds.Get(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, "access-1", cred.AccessToken)

	// State is single-use.
	_, err = tm.ExchangeCode(ctx, "user-1", "auth-code", state)
	var exchangeErr *AuthExchangeError
	require.ErrorAs(t, err, &exchangeErr)
	require.Equal(t, "user-1", exchangeErr.UserID)
}

func TestExchangeCodeRejectsUserMismatch(t *testing.T) {
	var hits atomic.Int64
	srv := newTokenServer(t, &hits)
	defer srv.Close()

	tm, _, cleanup := newTestTokenManager(t, srv.URL)
	defer cleanup()
	ctx := context.Background()

	_, state, err := tm.AuthURL(ctx, "user-1")
	require.NoError(t, err)

	_, err = tm.ExchangeCode(ctx, "someone-else", "auth-code", state)
	var exchangeErr *AuthExchangeError
	require.ErrorAs(t, err, &exchangeErr)
	require.Zero(t, hits.Load(), "mismatched state must not reach the token endpoint")
}

func TestRefreshPersistsBeforeReturning(t *testing.T) {
	var hits atomic.Int64
	srv := newTokenServer(t, &hits)
	defer srv.Close()

	tm, creds, cleanup := newTestTokenManager(t, srv.URL)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, creds.Save(ctx, &Credential{
		UserID:       "user-1",
		AccessToken:  "stale-access",
		RefreshToken: "refresh-token",
		TokenType:    "Bearer",
		TokenExpiry:  time.Now().Add(-time.Hour),
	}))

	token, err := tm.Refresh(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, "access-1", token.AccessToken)
	require.Equal(t, int64(1), hits.Load())

	cred, err := creds.Get(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, "access-1", cred.AccessToken)
	require.Equal(t, "refresh-token", cred.RefreshToken)
	require.True(t, cred.TokenExpiry.After(time.Now()))
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	tm, creds, cleanup := newTestTokenManager(t, "http://localhost:1")
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, creds.Save(ctx, &Credential{
		UserID:      "user-1",
		AccessToken: "access-only",
		TokenExpiry: time.Now().Add(-time.Hour),
	}))

	_, err := tm.Refresh(ctx, "user-1")
	var refreshErr *AuthRefreshError
	require.ErrorAs(t, err, &refreshErr)
	require.Equal(t, "user-1", refreshErr.UserID)
	require.Contains(t, refreshErr.Error(), "reconnection required")
}

func TestRefreshSurfacesRevokedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer srv.Close()

	tm, creds, cleanup := newTestTokenManager(t, srv.URL)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, creds.Save(ctx, &Credential{
		UserID:       "user-1",
		AccessToken:  "stale-access",
		RefreshToken: "revoked-refresh",
		TokenExpiry:  time.Now().Add(-time.Hour),
	}))

	_, err := tm.Refresh(ctx, "user-1")
	var refreshErr *AuthRefreshError
	require.ErrorAs(t, err, &refreshErr)

	// A failed refresh must not clobber the stored tokens.
	cred, err := creds.Get(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, "stale-access", cred.AccessToken)
}

func TestValidTokenRefreshesOnlyWhenStale(t *testing.T) {
	var hits atomic.Int64
	srv := newTokenServer(t, &hits)
	defer srv.Close()

	tm, creds, cleanup := newTestTokenManager(t, srv.URL)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, creds.Save(ctx, &Credential{
		UserID:       "user-1",
		AccessToken:  "fresh-access",
		RefreshToken: "refresh-token",
		TokenExpiry:  time.Now().Add(time.Hour),
	}))

	token, err := tm.ValidToken(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, "fresh-access", token.AccessToken)
	require.Zero(t, hits.Load())

	// Push the stored expiry inside the skew window.
	require.NoError(t, creds.SaveTokens(ctx, "user-1", &oauth2.Token{
		AccessToken: "fresh-access",
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Minute),
	}))

	token, err = tm.ValidToken(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), hits.Load())
	require.True(t, strings.HasPrefix(token.AccessToken, "access-"))
}
