// Package presence tracks which users currently hold an open connection to a lobby.
// It is advisory: it drives "opponent online" indicators and nothing in match consults it.
package presence

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultGrace is how long a lease survives without a refresh.
const DefaultGrace = 30 * time.Second

// Tracker registers connections and reports who is online.
type Tracker interface {
	// Join registers one connection of userID to lobbyID. A user with several
	// connections holds several leases and stays online until all of them lapse.
	Join(ctx context.Context, lobbyID, userID uuid.UUID) (Lease, error)

	// Online returns the distinct users holding at least one live lease, sorted.
	Online(ctx context.Context, lobbyID uuid.UUID) ([]uuid.UUID, error)
}

// Lease is a single connection's liveness key.
type Lease interface {
	// Refresh pushes the expiry out by another grace period.
	Refresh(ctx context.Context) error
	// Release removes the key immediately. Releasing twice is a no-op.
	Release(ctx context.Context) error
}

func sortUsers(users []uuid.UUID) []uuid.UUID {
	slices.SortFunc(users, func(a, b uuid.UUID) int {
		return strings.Compare(a.String(), b.String())
	})
	return slices.Compact(users)
}
