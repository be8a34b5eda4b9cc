package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/quizduel/internal/historian"
)

// EventSink writes drained historian events into match_events.
type EventSink struct {
	db *pgxpool.Pool
}

func NewEventSink(db *pgxpool.Pool) *EventSink {
	return &EventSink{db: db}
}

// InsertEvents inserts the whole batch in one transaction.
func (s *EventSink) InsertEvents(ctx context.Context, events []historian.Event) error {
	if len(events) == 0 {
		return nil
	}
	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, ev := range events {
			var user *uuid.UUID
			if ev.UserID != uuid.Nil {
				u := ev.UserID
				user = &u
			}
			payload := ev.Payload
			if payload == nil {
				payload = map[string]any{}
			}
			batch.Queue(`
				INSERT INTO match_events (lobby_id, revision, user_id, event_type, payload, occurred_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				ev.LobbyID, ev.Revision, user, string(ev.Type), payload, time.UnixMilli(ev.Timestamp).UTC())
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("insert %d match events: %w", len(events), err)
	}
	return nil
}

var _ historian.Sink = (*EventSink)(nil)
