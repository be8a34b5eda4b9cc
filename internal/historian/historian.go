// Package historian records match events for offline persistence. Events are queued in Redis
// by the serving process and drained into Postgres by cmd/historian.
package historian

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list match events are pushed to.
const DefaultQueueName = "quizduel_events"

type EventType string

const (
	EventMatchStarted   EventType = "match_started"
	EventAnswerAccepted EventType = "answer_accepted"
	EventLifeLost       EventType = "life_lost"
	EventMatchFinished  EventType = "match_finished"
)

// Event is one entry in a lobby's match history.
type Event struct {
	LobbyID   uuid.UUID      `json:"lobby_id"`
	Revision  int64          `json:"revision"`
	UserID    uuid.UUID      `json:"user_id,omitempty"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// NewEvent stamps an event with the current time in epoch millis.
func NewEvent(lobbyID uuid.UUID, revision int64, userID uuid.UUID, typ EventType, payload map[string]any) Event {
	return Event{
		LobbyID:   lobbyID,
		Revision:  revision,
		UserID:    userID,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Recorder accepts match events. Implementations must not block match resolution for long.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

// RedisRecorder pushes JSON-encoded events onto a Redis list.
type RedisRecorder struct {
	rdb   *redis.Client
	queue string
}

func NewRedisRecorder(rdb *redis.Client, queue string) *RedisRecorder {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &RedisRecorder{rdb: rdb, queue: queue}
}

// Record serializes the event to JSON, then pushes it to the Redis queue.
func (r *RedisRecorder) Record(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal Event: %w", err)
	}
	if err := r.rdb.RPush(ctx, r.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", r.queue, err)
	}
	return nil
}
