// Package bus fans committed lobby state out to every subscribed observer of that lobby.
// It is a latency optimization: the store stays the source of truth, and an observer that
// misses a delivery re-fetches the current snapshot.
package bus

import (
	"context"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/models"
)

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 16

// Publisher accepts committed snapshots.
type Publisher interface {
	Publish(ctx context.Context, s models.Snapshot) error
}

// Bus is a Publisher that observers can subscribe to, one lobby at a time.
// The returned channel closes when ctx ends or the cancel func is called.
type Bus interface {
	Publisher
	Subscribe(ctx context.Context, lobbyID uuid.UUID) (<-chan models.Snapshot, func(), error)
}

// Cursor implements apply-if-newer for one lobby. Redelivered or stale snapshots are rejected.
type Cursor struct {
	revision int64
}

// Apply reports whether s is newer than anything applied before, recording it if so.
func (c *Cursor) Apply(s models.Snapshot) bool {
	if s.Revision <= c.revision {
		return false
	}
	c.revision = s.Revision
	return true
}

// Revision returns the last applied revision.
func (c *Cursor) Revision() int64 { return c.revision }

// offer enqueues s without blocking. When the queue is full the oldest pending snapshot is
// discarded: snapshots carry full state, so the newest one supersedes it.
// Only one goroutine may call offer for a given channel at a time.
func offer(ch chan models.Snapshot, s models.Snapshot) (dropped bool) {
	select {
	case ch <- s:
		return false
	default:
	}
	select {
	case <-ch:
		dropped = true
	default:
	}
	select {
	case ch <- s:
	default:
	}
	return dropped
}
