package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	userID  uuid.UUID
	expires time.Time
}

// MemoryTracker keeps leases in process memory. Expired leases are pruned lazily on read.
type MemoryTracker struct {
	mu      sync.Mutex
	lobbies map[uuid.UUID]map[uuid.UUID]memoryEntry // lobby -> lease id -> entry
	grace   time.Duration
	now     func() time.Time
}

// NewMemoryTracker returns a tracker whose leases lapse after grace (0 means DefaultGrace).
func NewMemoryTracker(grace time.Duration) *MemoryTracker {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &MemoryTracker{
		lobbies: make(map[uuid.UUID]map[uuid.UUID]memoryEntry),
		grace:   grace,
		now:     time.Now,
	}
}

func (t *MemoryTracker) Join(_ context.Context, lobbyID, userID uuid.UUID) (Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lobbies[lobbyID] == nil {
		t.lobbies[lobbyID] = make(map[uuid.UUID]memoryEntry)
	}
	id := uuid.New()
	t.lobbies[lobbyID][id] = memoryEntry{userID: userID, expires: t.now().Add(t.grace)}
	return &memoryLease{tracker: t, lobbyID: lobbyID, id: id}, nil
}

func (t *MemoryTracker) Online(_ context.Context, lobbyID uuid.UUID) ([]uuid.UUID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var users []uuid.UUID
	for id, e := range t.lobbies[lobbyID] {
		if !now.Before(e.expires) {
			delete(t.lobbies[lobbyID], id)
			continue
		}
		users = append(users, e.userID)
	}
	if len(t.lobbies[lobbyID]) == 0 {
		delete(t.lobbies, lobbyID)
	}
	return sortUsers(users), nil
}

type memoryLease struct {
	tracker *MemoryTracker
	lobbyID uuid.UUID
	id      uuid.UUID
}

// Refresh extends a live lease. A lease that already lapsed stays gone; the caller must Join again.
func (l *memoryLease) Refresh(context.Context) error {
	t := l.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.lobbies[l.lobbyID][l.id]
	if !ok || !t.now().Before(e.expires) {
		return ErrLeaseExpired
	}
	e.expires = t.now().Add(t.grace)
	t.lobbies[l.lobbyID][l.id] = e
	return nil
}

func (l *memoryLease) Release(context.Context) error {
	t := l.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lobbies[l.lobbyID], l.id)
	if len(t.lobbies[l.lobbyID]) == 0 {
		delete(t.lobbies, l.lobbyID)
	}
	return nil
}
