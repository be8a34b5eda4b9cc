package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultChannelPrefix namespaces lobby channels in Redis.
const DefaultChannelPrefix = "quizduel:lobby:"

// RedisBus fans snapshots out across server instances through Redis Pub/Sub.
type RedisBus struct {
	rdb    *redis.Client
	prefix string
	buffer int
	logger *logrus.Entry
}

func NewRedisBus(rdb *redis.Client, logger *logrus.Logger, prefix string, buffer int) *RedisBus {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &RedisBus{
		rdb:    rdb,
		prefix: prefix,
		buffer: buffer,
		logger: logger.WithField("component", "bus.redis"),
	}
}

func (b *RedisBus) channel(lobbyID uuid.UUID) string {
	return b.prefix + lobbyID.String()
}

func (b *RedisBus) Publish(ctx context.Context, s models.Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel(s.Lobby.ID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to '%s': %w", b.channel(s.Lobby.ID), err)
	}
	return nil
}

// Subscribe listens on the lobby channel. Stale or duplicate deliveries are filtered by revision
// before they reach the returned channel.
func (b *RedisBus) Subscribe(ctx context.Context, lobbyID uuid.UUID) (<-chan models.Snapshot, func(), error) {
	ps := b.rdb.Subscribe(ctx, b.channel(lobbyID))
	// wait for the subscription to be confirmed so no publish after return is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to '%s': %w", b.channel(lobbyID), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan models.Snapshot, b.buffer)
	log := b.logger.WithField("lobby_id", lobbyID)

	go func() {
		defer close(out)
		defer ps.Close()

		var cur Cursor
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var s models.Snapshot
				if err := json.Unmarshal([]byte(msg.Payload), &s); err != nil {
					log.Warnf("invalid snapshot payload: %v", err)
					continue
				}
				if !cur.Apply(s) {
					continue
				}
				if offer(out, s) {
					log.Debug("subscriber lagging, coalesced snapshot")
				}
			}
		}
	}()
	return out, cancel, nil
}
