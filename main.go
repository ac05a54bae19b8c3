package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"recanto-cloud/events"
	"recanto-cloud/security"
	"recanto-cloud/streams"
	"recanto-cloud/sync"
)

type HealthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
	Service string `json:"service"`
}

const VERSION = "0.0.1"

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	log.Println("Starting Recanto Cloud Server...")

	// Initialize Redis
	redisURL := getEnv("REDIS_URL", "localhost:6379")
	// Remove redis:// prefix if present
	if strings.HasPrefix(redisURL, "redis://") {
		redisURL = strings.TrimPrefix(redisURL, "redis://")
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr: redisURL,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Println("Connected to Redis")

	// OAuth credential lifecycle
	clientID := os.Getenv("CALENDAR_CLIENT_ID")
	clientSecret := os.Getenv("CALENDAR_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		log.Fatal("CALENDAR_CLIENT_ID and CALENDAR_CLIENT_SECRET environment variables are required")
	}
	redirectURL := getEnv("OAUTH_REDIRECT_URL", "http://localhost:8080/auth/google/callback")

	credStore := security.NewCredentialStore(redisClient)
	tokenManager := security.NewTokenManager(redisClient, credStore, clientID, clientSecret, redirectURL)
	log.Printf("Initialized Calendar OAuth with client ID: %s", clientID)

	// Provider factory shared by the engine and webhook manager
	providerQPS := parseFloatOrDefault(os.Getenv("CALENDAR_PROVIDER_QPS"), 5)
	callTimeout := parseDurationOrDefault(os.Getenv("CALENDAR_PROVIDER_CALL_TIMEOUT"), 30*time.Second)
	providers := sync.NewGoogleProviderFactory(tokenManager, providerQPS, callTimeout)

	// Event store and stream bus
	eventStore := events.NewRedisStore(redisClient)
	bus := streams.NewBus(redisClient)

	// Sync engine
	importWindow := parseDurationOrDefault(os.Getenv("CALENDAR_IMPORT_WINDOW"), 60*24*time.Hour)
	engine := sync.NewEngine(redisClient, credStore, eventStore, providers, importWindow)

	// Webhook channel manager
	webhookCallbackURL := getEnv("CALENDAR_WEBHOOK_CALLBACK_URL", "http://localhost:8080/calendar/webhook/notification")
	webhooks := sync.NewWebhookManager(credStore, providers, webhookCallbackURL)

	// Scheduler: periodic sweep plus webhook-triggered sync requests
	scheduler := sync.NewScheduler(engine, credStore, eventStore, webhooks, bus, redisClient, sync.SchedulerOptions{
		SweepInterval:  parseDurationOrDefault(os.Getenv("CALENDAR_SYNC_INTERVAL"), time.Hour),
		UserTimeout:    parseDurationOrDefault(os.Getenv("CALENDAR_SYNC_USER_TIMEOUT"), 2*time.Minute),
		DebounceWindow: parseDurationOrDefault(os.Getenv("CALENDAR_SYNC_DEBOUNCE"), 5*time.Second),
		RenewThreshold: parseDurationOrDefault(os.Getenv("CALENDAR_WEBHOOK_RENEW_THRESHOLD"), 12*time.Hour),
	})
	schedulerEnabled := strings.ToLower(strings.TrimSpace(os.Getenv("CALENDAR_SYNC_ENABLED"))) != "false"
	if schedulerEnabled {
		scheduler.Start(ctx)
	} else {
		log.Println("Sync scheduler disabled: CALENDAR_SYNC_ENABLED=false")
	}

	r := mux.NewRouter()

	// Health check endpoint
	r.HandleFunc("/healthz", healthHandler).Methods("GET")
	r.HandleFunc("/", rootHandler).Methods("GET")

	// OAuth endpoints
	NewGoogleAuthHandler(tokenManager, credStore).RegisterRoutes(r)

	// Calendar sync endpoints
	NewCalendarSyncHandler(engine, scheduler, webhooks, credStore, providers, bus).RegisterRoutes(r)

	// Sync activity feed
	registerActivityRoutes(r, bus)

	// Configure server
	port := getEnv("PORT", "8080")
	srv := &http.Server{
		Handler:      r,
		Addr:         "0.0.0.0:" + port,
		WriteTimeout: 180 * time.Second,
		ReadTimeout:  180 * time.Second,
	}

	log.Printf("Recanto Cloud Server v%s starting on %s", VERSION, srv.Addr)

	// Setup graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	if schedulerEnabled {
		scheduler.Stop()
	}

	// Shutdown server
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := HealthResponse{
		OK:      true,
		Version: VERSION,
		Service: "recanto-cloud",
	}

	json.NewEncoder(w).Encode(response)
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := map[string]string{
		"message": "Recanto Cloud API Server",
		"version": VERSION,
	}

	json.NewEncoder(w).Encode(response)
}

// Helper function to get environment variable with default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}

func parseFloatOrDefault(raw string, def float64) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return def
}
