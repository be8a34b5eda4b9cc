// internal/models/lobby.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// LobbyStatus is the coarse lifecycle state of a lobby: waiting -> started -> finished.
type LobbyStatus string

const (
	StatusWaiting  LobbyStatus = "waiting"
	StatusStarted  LobbyStatus = "started"
	StatusFinished LobbyStatus = "finished"
)

// Lobby represents a row in the lobbies table.
type Lobby struct {
	ID          uuid.UUID   `json:"id"`
	Code        string      `json:"code"`
	OwnerUserID uuid.UUID   `json:"owner_user_id"`
	Status      LobbyStatus `json:"status"`
	Mode        GameMode    `json:"mode"`
	ModeParam   string      `json:"mode_param,omitempty"`

	// RequiredCount is frozen at creation so that catalog edits made mid-match
	// cannot move the finish line.
	RequiredCount int `json:"required_count"`

	// StartedAt and WinnerUserID are write-once.
	StartedAt    *time.Time `json:"started_at,omitempty"`
	WinnerUserID *uuid.UUID `json:"winner_user_id,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`

	// Revision increases on every committed change to the lobby row or any of its participants.
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsOwner reports whether userID owns the lobby.
func (l *Lobby) IsOwner(userID uuid.UUID) bool {
	return l.OwnerUserID == userID
}

// Snapshot is the full state fanned out to every observer of a lobby.
type Snapshot struct {
	Lobby        Lobby         `json:"lobby"`
	Participants []Participant `json:"participants"`
	Revision     int64         `json:"revision"`
}

// ActiveCount returns how many participants in the snapshot are still active.
func (s Snapshot) ActiveCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.Status == ParticipantActive {
			n++
		}
	}
	return n
}

// Clone returns a copy that does not alias the write-once pointer fields.
func (l Lobby) Clone() Lobby {
	out := l
	if l.StartedAt != nil {
		t := *l.StartedAt
		out.StartedAt = &t
	}
	if l.FinishedAt != nil {
		t := *l.FinishedAt
		out.FinishedAt = &t
	}
	if l.WinnerUserID != nil {
		w := *l.WinnerUserID
		out.WinnerUserID = &w
	}
	return out
}
