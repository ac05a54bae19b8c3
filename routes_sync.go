package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"recanto-cloud/security"
	"recanto-cloud/streams"
	"recanto-cloud/sync"
)

// CalendarSyncHandler exposes the calendar sync boundary consumed by the
// surrounding application. Callers are already authenticated upstream; the
// identity and role arrive as headers and only feed the visibility gate.
type CalendarSyncHandler struct {
	engine    *sync.Engine
	scheduler *sync.Scheduler
	webhooks  *sync.WebhookManager
	creds     *security.CredentialStore
	providers sync.ProviderFactory
	bus       *streams.Bus
}

// NewCalendarSyncHandler creates the sync boundary handler.
func NewCalendarSyncHandler(engine *sync.Engine, scheduler *sync.Scheduler, webhooks *sync.WebhookManager, creds *security.CredentialStore, providers sync.ProviderFactory, bus *streams.Bus) *CalendarSyncHandler {
	return &CalendarSyncHandler{
		engine:    engine,
		scheduler: scheduler,
		webhooks:  webhooks,
		creds:     creds,
		providers: providers,
		bus:       bus,
	}
}

// RegisterRoutes registers the calendar sync routes.
func (h *CalendarSyncHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/calendar/calendars", h.handleListCalendars).Methods("GET")
	r.HandleFunc("/calendar/configure", h.handleConfigure).Methods("POST")
	r.HandleFunc("/calendar/disconnect", h.handleDisconnect).Methods("POST")
	r.HandleFunc("/calendar/export", h.handleExport).Methods("POST")
	r.HandleFunc("/calendar/webhook/notification", h.handleWebhookNotification).Methods("POST")
	r.HandleFunc("/sync/status", h.handleStatus).Methods("GET")
	r.HandleFunc("/sync/event/{eventId}", h.handleSyncOneEvent).Methods("POST")
}

// ConfigureRequest selects an existing calendar or asks for a new one.
type ConfigureRequest struct {
	CalendarID      string `json:"calendar_id,omitempty"`
	NewCalendarName string `json:"new_calendar_name,omitempty"`
}

// ConfigureResponse reports the resulting connection state.
type ConfigureResponse struct {
	UserID         string `json:"user_id"`
	CalendarID     string `json:"calendar_id"`
	SyncEnabled    bool   `json:"sync_enabled"`
	WebhookChannel string `json:"webhook_channel,omitempty"`
	Warning        string `json:"warning,omitempty"`
}

// CalendarEntry is one selectable calendar.
type CalendarEntry struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
	Primary bool   `json:"primary"`
}

// callerIdentity extracts the authenticated caller from headers set by the
// upstream application. The role only feeds the visibility gate.
func callerIdentity(r *http.Request) (string, bool) {
	return r.Header.Get("X-User-ID"), r.Header.Get("X-User-Role") == "admin"
}

func (h *CalendarSyncHandler) handleListCalendars(w http.ResponseWriter, r *http.Request) {
	userID, _ := callerIdentity(r)
	if userID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}

	prov, err := h.providers.ProviderFor(r.Context(), userID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get calendar service: %v", err), http.StatusUnauthorized)
		return
	}

	entries, err := prov.ListCalendars(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to list calendars: %v", err), http.StatusBadGateway)
		return
	}

	calendars := make([]CalendarEntry, 0, len(entries))
	for _, entry := range entries {
		calendars = append(calendars, CalendarEntry{ID: entry.Id, Summary: entry.Summary, Primary: entry.Primary})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"user_id": userID, "calendars": calendars})
}

// handleConfigure picks or creates the calendar to sync against and enables
// sync. Configuration-time failures surface synchronously; a webhook
// registration failure does not fail the configure, since the periodic sweep
// still covers the user.
func (h *CalendarSyncHandler) handleConfigure(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, admin := callerIdentity(r)
	if userID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}

	var req ConfigureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.CalendarID == "" && req.NewCalendarName == "" {
		http.Error(w, "calendar_id or new_calendar_name is required", http.StatusBadRequest)
		return
	}

	cred, err := h.creds.Get(ctx, userID)
	if err != nil {
		http.Error(w, "Not connected: complete Google authentication first", http.StatusConflict)
		return
	}

	prov, err := h.providers.ProviderFor(ctx, userID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get calendar service: %v", err), http.StatusUnauthorized)
		return
	}

	calendarID := req.CalendarID
	if calendarID != "" {
		entries, err := prov.ListCalendars(ctx)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to validate calendar: %v", err), http.StatusBadGateway)
			return
		}
		found := false
		for _, entry := range entries {
			if entry.Id == calendarID {
				found = true
				break
			}
		}
		if !found {
			http.Error(w, fmt.Sprintf("Calendar %s not found for this account", calendarID), http.StatusBadRequest)
			return
		}
	} else {
		created, err := prov.CreateCalendar(ctx, req.NewCalendarName)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to create calendar: %v", err), http.StatusBadGateway)
			return
		}
		calendarID = created.Id
	}

	cred.CalendarID = calendarID
	cred.SyncEnabled = true
	cred.IsAdmin = admin
	if err := h.creds.Save(ctx, cred); err != nil {
		http.Error(w, fmt.Sprintf("Failed to save configuration: %v", err), http.StatusInternalServerError)
		return
	}

	resp := ConfigureResponse{UserID: userID, CalendarID: calendarID, SyncEnabled: true}
	channel, err := h.webhooks.Register(ctx, userID)
	if err != nil {
		log.Printf("Warning: %v (continuing with periodic sweep only)", err)
		resp.Warning = "push notifications unavailable, relying on periodic sync"
	} else {
		resp.WebhookChannel = channel.Id
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleDisconnect tears down the webhook channel (best-effort) and deletes
// the credential record.
func (h *CalendarSyncHandler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := callerIdentity(r)
	if userID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}

	exists, err := h.creds.Exists(ctx, userID)
	if err != nil {
		http.Error(w, "Failed to look up connection", http.StatusInternalServerError)
		return
	}
	if !exists {
		http.Error(w, "Not connected", http.StatusNotFound)
		return
	}

	if err := h.webhooks.Unregister(ctx, userID); err != nil {
		log.Printf("Warning: webhook teardown failed for user %s: %v", userID, err)
	}
	if err := h.creds.Delete(ctx, userID); err != nil {
		http.Error(w, fmt.Sprintf("Failed to disconnect: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "disconnected", "user_id": userID})
}

// handleExport runs one export pass for the caller and returns the structured
// result. Partial failure is data, not an HTTP error; only "not connected" is.
func (h *CalendarSyncHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	userID, admin := callerIdentity(r)
	if userID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}

	result, err := h.engine.ExportUser(r.Context(), userID, admin)
	if err != nil {
		switch {
		case errors.Is(err, sync.ErrNotConnected):
			http.Error(w, "Calendar not connected", http.StatusConflict)
		case errors.Is(err, sync.ErrPassInProgress):
			http.Error(w, "A sync pass is already running for this user", http.StatusConflict)
		default:
			http.Error(w, fmt.Sprintf("Export failed: %v", err), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// handleWebhookNotification receives Google push notifications. The payload
// carries no event data; it only signals that something changed for the
// channel, so the handler enqueues one debounced sync request for the user.
func (h *CalendarSyncHandler) handleWebhookNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	channelID := r.Header.Get("X-Goog-Channel-ID")
	resourceID := r.Header.Get("X-Goog-Resource-ID")
	resourceState := r.Header.Get("X-Goog-Resource-State")
	if channelID == "" || resourceID == "" || resourceState == "" {
		http.Error(w, "Missing required Google headers", http.StatusBadRequest)
		return
	}

	log.Printf("Calendar webhook notification: ChannelID=%s, ResourceID=%s, ResourceState=%s",
		channelID, resourceID, resourceState)

	// Google sends a sync notification when the channel is established.
	if resourceState == "sync" {
		log.Printf("Webhook validation successful for channel %s", channelID)
		w.WriteHeader(http.StatusOK)
		return
	}

	userID, err := h.webhooks.ResolveChannel(ctx, channelID)
	if err != nil {
		// Channel likely expired or was torn down; still 200 to Google.
		log.Printf("Warning: could not resolve user for channel %s: %v", channelID, err)
		w.WriteHeader(http.StatusOK)
		return
	}

	if _, err := h.bus.RequestSync(ctx, userID, "webhook:"+resourceState); err != nil {
		log.Printf("Warning: failed to enqueue sync request for user %s: %v", userID, err)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *CalendarSyncHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := callerIdentity(r)
	if userID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}

	cred, err := h.creds.Get(r.Context(), userID)
	if err != nil {
		http.Error(w, "Not connected", http.StatusNotFound)
		return
	}

	status := map[string]any{
		"user_id":      userID,
		"calendar_id":  cred.CalendarID,
		"sync_enabled": cred.SyncEnabled,
		"is_admin":     cred.IsAdmin,
		"scheduler":    h.scheduler.Running(),
	}
	if !cred.LastSync.IsZero() {
		status["last_sync"] = cred.LastSync.UTC().Format(time.RFC3339)
	}
	if cred.WebhookChannelID != "" {
		status["webhook_channel"] = cred.WebhookChannelID
		status["webhook_expiration"] = cred.WebhookExpiration.UTC().Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleSyncOneEvent pushes a single event to every sync-enabled calendar it
// passes the visibility gate for. Used by write paths after create/update.
func (h *CalendarSyncHandler) handleSyncOneEvent(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["eventId"]
	if eventID == "" {
		http.Error(w, "event id is required", http.StatusBadRequest)
		return
	}

	result, err := h.scheduler.SyncOneEvent(r.Context(), eventID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Sync failed: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
