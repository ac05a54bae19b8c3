package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"recanto-cloud/security"
)

// GoogleAuthHandler handles the Google OAuth connection flow.
type GoogleAuthHandler struct {
	tokens *security.TokenManager
	creds  *security.CredentialStore
}

// NewGoogleAuthHandler creates a new Google auth handler.
func NewGoogleAuthHandler(tokens *security.TokenManager, creds *security.CredentialStore) *GoogleAuthHandler {
	return &GoogleAuthHandler{tokens: tokens, creds: creds}
}

// AuthRequest represents an authentication request.
type AuthRequest struct {
	UserID string `json:"user_id"`
}

// AuthResponse represents an authentication response.
type AuthResponse struct {
	AuthURL string `json:"auth_url"`
	State   string `json:"state"`
}

// CallbackResponse represents the OAuth callback response.
type CallbackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	UserID  string `json:"user_id,omitempty"`
}

// RegisterRoutes registers Google authentication routes.
func (h *GoogleAuthHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/google", h.StartAuth).Methods("POST")
	router.HandleFunc("/auth/google/callback", h.HandleCallback).Methods("GET")
	router.HandleFunc("/auth/status", h.GetStatus).Methods("GET")
}

// StartAuth initiates the OAuth flow for a user.
func (h *GoogleAuthHandler) StartAuth(w http.ResponseWriter, r *http.Request) {
	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	authURL, state, err := h.tokens.AuthURL(r.Context(), req.UserID)
	if err != nil {
		log.Printf("Failed to generate auth URL: %v", err)
		http.Error(w, "Failed to generate authentication URL", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AuthResponse{AuthURL: authURL, State: state})
}

// HandleCallback handles the OAuth redirect from Google.
func (h *GoogleAuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if errorParam := r.URL.Query().Get("error"); errorParam != "" {
		log.Printf("OAuth error: %s", errorParam)
		http.Error(w, fmt.Sprintf("OAuth failed: %s", errorParam), http.StatusBadRequest)
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" {
		http.Error(w, "Authorization code is required", http.StatusBadRequest)
		return
	}
	if state == "" {
		http.Error(w, "State parameter is required", http.StatusBadRequest)
		return
	}

	userID, err := h.tokens.ResolveUserIDFromState(ctx, state)
	if err != nil {
		log.Printf("OAuth callback resolution failed: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := h.tokens.ExchangeCode(ctx, userID, code, state); err != nil {
		log.Printf("Failed to exchange code for token: %v", err)
		http.Error(w, "Failed to exchange authorization code for token", http.StatusBadRequest)
		return
	}

	log.Printf("Successfully authenticated user %s for calendar sync", userID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(CallbackResponse{
		Success: true,
		Message: "Successfully connected Google Calendar. Pick a calendar via /calendar/configure to enable sync.",
		UserID:  userID,
	})
}

// GetStatus returns the connection status for a user.
func (h *GoogleAuthHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id parameter is required", http.StatusBadRequest)
		return
	}

	status := map[string]any{"user_id": userID, "connected": false}
	cred, err := h.creds.Get(r.Context(), userID)
	if err == nil {
		status["connected"] = cred.AccessToken != "" || cred.RefreshToken != ""
		status["sync_enabled"] = cred.SyncEnabled
		status["calendar_id"] = cred.CalendarID
		if cred.TokenExpiry.Before(time.Now()) {
			status["token"] = "expired"
		} else {
			status["token"] = "valid"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
