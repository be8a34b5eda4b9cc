package lobby

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/models"
)

// MinPlayers is the number of active participants needed to start a duel.
const MinPlayers = 2

// LifeLoss is the result of Store.LoseLife. Finished is set when the elimination left fewer
// than MinPlayers active participants and the lobby was finished in the same write.
type LifeLoss struct {
	Participant *models.Participant
	Finished    *models.Lobby
}

// Store persists lobbies and participants. Every state change is a conditional update
// evaluated atomically by the implementation; callers never read-modify-write.
// Each committed mutation bumps the owning lobby's Revision.
type Store interface {
	// CreateLobby inserts the lobby and its owner's participant row. Returns ErrCodeTaken
	// when another non-finished lobby already holds l.Code.
	CreateLobby(ctx context.Context, l *models.Lobby, owner *models.Participant) error

	GetLobby(ctx context.Context, id uuid.UUID) (*models.Lobby, error)

	// GetLobbyByCode resolves a code among waiting or started lobbies.
	GetLobbyByCode(ctx context.Context, code string) (*models.Lobby, error)

	GetParticipant(ctx context.Context, lobbyID, userID uuid.UUID) (*models.Participant, error)
	ListParticipants(ctx context.Context, lobbyID uuid.UUID) ([]models.Participant, error)

	// AddParticipant inserts p while the lobby is waiting. Reports false if the user
	// already had a row (the existing row is left untouched).
	AddParticipant(ctx context.Context, p *models.Participant) (bool, error)

	// RemoveParticipant deletes the row, reporting whether one existed. A finished lobby keeps
	// its rows and yields ErrAlreadyFinished. When the owner leaves, ownership passes to the
	// earliest-joined remaining participant.
	RemoveParticipant(ctx context.Context, lobbyID, userID uuid.UUID) (bool, error)

	// MarkStarted moves waiting -> started and sets StartedAt, only if at least
	// minPlayers active participants exist.
	MarkStarted(ctx context.Context, lobbyID uuid.UUID, at time.Time, minPlayers int) (*models.Lobby, error)

	// MarkFinished moves started -> finished and sets the winner (nil for no winner).
	// A lobby that is already finished yields ErrAlreadyFinished and is not modified.
	// A non-nil winner must still be an active participant, else ErrNotActive.
	MarkFinished(ctx context.Context, lobbyID uuid.UUID, winner *uuid.UUID, at time.Time) (*models.Lobby, error)

	// AppendProgress adds itemID to an active participant's progress while the lobby is started.
	// Appending an item already present is a no-op and reports false.
	AppendProgress(ctx context.Context, lobbyID, userID uuid.UUID, itemID string) (*models.Participant, bool, error)

	// LoseLife decrements an active participant's lives while the lobby is started,
	// flipping them to eliminated at zero. If that leaves fewer than MinPlayers active,
	// the lobby is finished in the same write with the sole survivor, if any, as winner.
	LoseLife(ctx context.Context, lobbyID, userID uuid.UUID, at time.Time) (LifeLoss, error)

	// Snapshot reads the lobby and its participants as one consistent view.
	Snapshot(ctx context.Context, lobbyID uuid.UUID) (models.Snapshot, error)
}
