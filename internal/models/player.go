package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

type ParticipantStatus string

const (
	ParticipantActive     ParticipantStatus = "active"
	ParticipantEliminated ParticipantStatus = "eliminated"
)

// Participant is a user's membership and per-match progress within one lobby.
type Participant struct {
	LobbyID     uuid.UUID `json:"lobby_id"`
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`

	// Lives is nil outside of the life-loss mode.
	Lives *int `json:"lives,omitempty"`

	// Progress holds the content item ids matched so far, in match order. Append-only while started.
	Progress []string          `json:"progress"`
	Status   ParticipantStatus `json:"status"`

	JoinedAt  time.Time `json:"joined_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasMatched reports whether itemID is already part of this participant's progress.
func (p *Participant) HasMatched(itemID string) bool {
	return slices.Contains(p.Progress, itemID)
}

// Clone returns a deep copy so callers never share slices or pointers with a store.
func (p Participant) Clone() Participant {
	out := p
	out.Progress = slices.Clone(p.Progress)
	if p.Lives != nil {
		lives := *p.Lives
		out.Lives = &lives
	}
	return out
}
