package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	eventKeyPrefix = "event:"
	linkKeyPrefix  = "event_link:"
	startIndexKey  = "events:by_start"
)

// Event is an internal calendar event record. A non-empty ExternalID means the
// record is linked to a provider-side event.
type Event struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Location     string    `json:"location,omitempty"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	AllDay       bool      `json:"all_day"`
	IsPublic     bool      `json:"is_public"`
	CreatedBy    string    `json:"created_by,omitempty"`
	ExternalID   string    `json:"external_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastSyncedAt time.Time `json:"last_synced_at,omitempty"`
}

// Linked reports whether the event has a provider-side counterpart.
func (e *Event) Linked() bool {
	return e != nil && e.ExternalID != ""
}

// ModifiedSinceExport reports whether the record changed after its last
// successful export. Only meaningful for linked events.
func (e *Event) ModifiedSinceExport() bool {
	return e.UpdatedAt.After(e.LastSyncedAt)
}

// Store is the event repository consumed by the sync engine.
type Store interface {
	Get(ctx context.Context, id string) (*Event, error)
	Create(ctx context.Context, event *Event) error
	Update(ctx context.Context, event *Event) error
	ListUpcoming(ctx context.Context, from time.Time) ([]*Event, error)
	FindByExternalID(ctx context.Context, externalID string) (*Event, error)
}

// ErrNotFound is returned for lookups that match no record.
var ErrNotFound = fmt.Errorf("event not found")

// RedisStore persists events in Redis with a start-time index and an
// external-id link index.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed event store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func eventKey(id string) string {
	return eventKeyPrefix + id
}

func linkKey(externalID string) string {
	return linkKeyPrefix + externalID
}

// Get retrieves an event by internal id.
func (s *RedisStore) Get(ctx context.Context, id string) (*Event, error) {
	data, err := s.client.Get(ctx, eventKey(id)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read event %s: %w", id, err)
	}
	var event Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("malformed event record %s: %w", id, err)
	}
	return &event, nil
}

// Create stores a new event, assigning an id when missing.
func (s *RedisStore) Create(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.UpdatedAt.IsZero() {
		event.UpdatedAt = time.Now()
	}
	return s.write(ctx, event)
}

// Update overwrites an existing event record.
func (s *RedisStore) Update(ctx context.Context, event *Event) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("event with id is required")
	}
	prev, err := s.Get(ctx, event.ID)
	if err != nil {
		return err
	}
	if prev.ExternalID != "" && prev.ExternalID != event.ExternalID {
		if err := s.client.Del(ctx, linkKey(prev.ExternalID)).Err(); err != nil {
			log.Printf("Warning: failed to drop stale link index for %s: %v", prev.ExternalID, err)
		}
	}
	return s.write(ctx, event)
}

func (s *RedisStore) write(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.client.Set(ctx, eventKey(event.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	if err := s.client.ZAdd(ctx, startIndexKey, redis.Z{
		Score:  float64(event.Start.Unix()),
		Member: event.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to index event start: %w", err)
	}
	if event.ExternalID != "" {
		if err := s.client.Set(ctx, linkKey(event.ExternalID), event.ID, 0).Err(); err != nil {
			return fmt.Errorf("failed to store link index: %w", err)
		}
	}
	return nil
}

// ListUpcoming returns events starting at or after from, ordered by start.
func (s *RedisStore) ListUpcoming(ctx context.Context, from time.Time) ([]*Event, error) {
	ids, err := s.client.ZRangeByScore(ctx, startIndexKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", from.Unix()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list upcoming events: %w", err)
	}

	result := make([]*Event, 0, len(ids))
	for _, id := range ids {
		event, err := s.Get(ctx, id)
		if err != nil {
			log.Printf("Warning: skipping indexed event %s: %v", id, err)
			continue
		}
		result = append(result, event)
	}
	return result, nil
}

// FindByExternalID resolves a provider event id to the linked internal record.
// Returns ErrNotFound when the event was never imported or exported.
func (s *RedisStore) FindByExternalID(ctx context.Context, externalID string) (*Event, error) {
	id, err := s.client.Get(ctx, linkKey(externalID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: external id %s", ErrNotFound, externalID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to resolve external id %s: %w", externalID, err)
	}
	return s.Get(ctx, id)
}
