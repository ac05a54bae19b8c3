package streams

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	syncRequestStream = "sync:requests"
	activityKeyFormat = "user:%s:sync:activity"
	defaultBlock      = 5 * time.Second
	defaultBatchCount = 50
	activityMaxLen    = 500
)

// Entry is the typed form of a stream message.
type Entry struct {
	ID     string         `json:"id"`
	Stream string         `json:"stream"`
	UserID string         `json:"user_id"`
	Values map[string]any `json:"values"`
}

// Bus provides typed helpers for the sync-request stream and the per-user
// activity streams.
type Bus struct {
	client *redis.Client
}

// NewBus creates a new bus for the given redis client.
func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// RequestStream returns the shared sync-request stream key.
func RequestStream() string {
	return syncRequestStream
}

// ActivityStream returns the canonical activity stream key for a user.
func ActivityStream(userID string) string {
	return fmt.Sprintf(activityKeyFormat, userID)
}

// RequestSync enqueues a sync request for a user. The reason is carried for
// observability only.
func (b *Bus) RequestSync(ctx context.Context, userID, reason string) (string, error) {
	if b == nil || b.client == nil {
		return "", fmt.Errorf("stream bus not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("user id is required")
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: syncRequestStream,
		Values: map[string]any{
			"user_id":      userID,
			"reason":       reason,
			"requested_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
}

// ReadRequests blocks for new sync requests after afterID and returns them
// with the latest ID observed.
func (b *Bus) ReadRequests(ctx context.Context, afterID string) ([]Entry, string, error) {
	if b == nil || b.client == nil {
		return nil, afterID, fmt.Errorf("stream bus not configured")
	}
	if strings.TrimSpace(afterID) == "" {
		afterID = "$"
	}

	res, err := b.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{syncRequestStream, afterID},
		Count:   defaultBatchCount,
		Block:   defaultBlock,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, afterID, nil
		}
		return nil, afterID, err
	}

	entries := make([]Entry, 0)
	nextID := afterID
	for _, stream := range res {
		for _, msg := range stream.Messages {
			values := make(map[string]any, len(msg.Values))
			for k, v := range msg.Values {
				values[k] = v
			}
			entries = append(entries, Entry{
				ID:     msg.ID,
				Stream: stream.Stream,
				UserID: stringVal(values["user_id"]),
				Values: values,
			})
			nextID = msg.ID
		}
	}
	return entries, nextID, nil
}

// AppendActivity writes a sync activity record to the user's activity stream,
// attaching a ts if missing, and trims the stream to a bounded length.
func (b *Bus) AppendActivity(ctx context.Context, userID string, values map[string]any) (string, error) {
	if b == nil || b.client == nil {
		return "", fmt.Errorf("stream bus not configured")
	}
	if values == nil {
		values = make(map[string]any)
	}
	if _, ok := values["ts"]; !ok {
		values["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: ActivityStream(userID),
		Values: values,
	}).Result()
	if err != nil {
		return "", err
	}
	if err := b.client.XTrimMaxLen(ctx, ActivityStream(userID), activityMaxLen).Err(); err != nil {
		return id, err
	}
	return id, nil
}

// TailActivity blocks for new activity entries after afterID.
func (b *Bus) TailActivity(ctx context.Context, userID, afterID string) ([]Entry, string, error) {
	if b == nil || b.client == nil {
		return nil, afterID, fmt.Errorf("stream bus not configured")
	}
	if strings.TrimSpace(afterID) == "" {
		afterID = "$"
	}

	res, err := b.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{ActivityStream(userID), afterID},
		Count:   defaultBatchCount,
		Block:   defaultBlock,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, afterID, nil
		}
		return nil, afterID, err
	}

	entries := make([]Entry, 0)
	nextID := afterID
	for _, stream := range res {
		for _, msg := range stream.Messages {
			values := make(map[string]any, len(msg.Values))
			for k, v := range msg.Values {
				values[k] = v
			}
			entries = append(entries, Entry{
				ID:     msg.ID,
				Stream: stream.Stream,
				UserID: userID,
				Values: values,
			})
			nextID = msg.ID
		}
	}
	return entries, nextID, nil
}

func stringVal(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return ""
	}
}
