// internal/lobby/memory_store.go
package lobby

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/models"
)

type lobbyRecord struct {
	lobby        models.Lobby
	participants []*models.Participant // join order
}

func (r *lobbyRecord) find(userID uuid.UUID) (int, *models.Participant) {
	for i, p := range r.participants {
		if p.UserID == userID {
			return i, p
		}
	}
	return -1, nil
}

func (r *lobbyRecord) activeCount() int {
	n := 0
	for _, p := range r.participants {
		if p.Status == models.ParticipantActive {
			n++
		}
	}
	return n
}

func (r *lobbyRecord) touch(now time.Time) {
	r.lobby.Revision++
	r.lobby.UpdatedAt = now
}

// MemoryStore keeps lobbies in process memory. A single mutex serializes every
// conditional update, which is what the Store contract requires.
type MemoryStore struct {
	mu      sync.Mutex
	lobbies map[uuid.UUID]*lobbyRecord
	codes   map[string]uuid.UUID // code -> lobby id, non-finished lobbies only
	now     func() time.Time
}

// NewMemoryStore initializes and returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lobbies: make(map[uuid.UUID]*lobbyRecord),
		codes:   make(map[string]uuid.UUID),
		now:     time.Now,
	}
}

func (s *MemoryStore) CreateLobby(_ context.Context, l *models.Lobby, owner *models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.codes[l.Code]; taken {
		return ErrCodeTaken
	}
	now := s.now()
	l.Revision = 1
	l.CreatedAt, l.UpdatedAt = now, now
	owner.JoinedAt, owner.UpdatedAt = now, now
	if owner.Progress == nil {
		owner.Progress = []string{}
	}

	p := owner.Clone()
	s.lobbies[l.ID] = &lobbyRecord{lobby: l.Clone(), participants: []*models.Participant{&p}}
	s.codes[l.Code] = l.ID
	return nil
}

func (s *MemoryStore) GetLobby(_ context.Context, id uuid.UUID) (*models.Lobby, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lobbies[id]
	if !ok {
		return nil, ErrLobbyNotFound
	}
	l := rec.lobby.Clone()
	return &l, nil
}

func (s *MemoryStore) GetLobbyByCode(_ context.Context, code string) (*models.Lobby, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.codes[code]
	if !ok {
		return nil, ErrLobbyNotFound
	}
	l := s.lobbies[id].lobby.Clone()
	return &l, nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, lobbyID, userID uuid.UUID) (*models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lobbies[lobbyID]
	if !ok {
		return nil, ErrLobbyNotFound
	}
	_, p := rec.find(userID)
	if p == nil {
		return nil, ErrParticipantNotFound
	}
	out := p.Clone()
	return &out, nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, lobbyID uuid.UUID) ([]models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lobbies[lobbyID]
	if !ok {
		return nil, ErrLobbyNotFound
	}
	return cloneAll(rec.participants), nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, p *models.Participant) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lobbies[p.LobbyID]
	if !ok {
		return false, ErrLobbyNotFound
	}
	if _, existing := rec.find(p.UserID); existing != nil {
		return false, nil
	}
	if rec.lobby.Status != models.StatusWaiting {
		return false, ErrAlreadyStarted
	}
	now := s.now()
	p.JoinedAt, p.UpdatedAt = now, now
	if p.Progress == nil {
		p.Progress = []string{}
	}
	np := p.Clone()
	rec.participants = append(rec.participants, &np)
	rec.touch(now)
	return true, nil
}

func (s *MemoryStore) RemoveParticipant(_ context.Context, lobbyID, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lobbies[lobbyID]
	if !ok {
		return false, ErrLobbyNotFound
	}
	i, p := rec.find(userID)
	if p == nil {
		return false, nil
	}
	if rec.lobby.Status == models.StatusFinished {
		return false, ErrAlreadyFinished
	}
	rec.participants = append(rec.participants[:i], rec.participants[i+1:]...)
	if rec.lobby.OwnerUserID == userID && len(rec.participants) > 0 {
		rec.lobby.OwnerUserID = rec.participants[0].UserID
	}
	rec.touch(s.now())
	return true, nil
}

func (s *MemoryStore) MarkStarted(_ context.Context, lobbyID uuid.UUID, at time.Time, minPlayers int) (*models.Lobby, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lobbies[lobbyID]
	if !ok {
		return nil, ErrLobbyNotFound
	}
	if rec.lobby.Status != models.StatusWaiting {
		return nil, ErrAlreadyStarted
	}
	if rec.activeCount() < minPlayers {
		return nil, ErrNotEnoughPlayers
	}
	rec.lobby.Status = models.StatusStarted
	rec.lobby.StartedAt = &at
	rec.touch(s.now())
	l := rec.lobby.Clone()
	return &l, nil
}

func (s *MemoryStore) MarkFinished(_ context.Context, lobbyID uuid.UUID, winner *uuid.UUID, at time.Time) (*models.Lobby, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lobbies[lobbyID]
	if !ok {
		return nil, ErrLobbyNotFound
	}
	switch rec.lobby.Status {
	case models.StatusFinished:
		return nil, ErrAlreadyFinished
	case models.StatusWaiting:
		return nil, ErrNotActive
	}
	if winner != nil {
		if _, p := rec.find(*winner); p == nil || p.Status != models.ParticipantActive {
			return nil, ErrNotActive
		}
	}
	s.finish(rec, winner, at)
	l := rec.lobby.Clone()
	return &l, nil
}

// finish applies started -> finished to rec. Callers hold s.mu and have checked the status.
func (s *MemoryStore) finish(rec *lobbyRecord, winner *uuid.UUID, at time.Time) {
	rec.lobby.Status = models.StatusFinished
	rec.lobby.FinishedAt = &at
	if winner != nil {
		w := *winner
		rec.lobby.WinnerUserID = &w
	}
	delete(s.codes, rec.lobby.Code)
	rec.touch(s.now())
}

// activeParticipant resolves the record and participant for a started-lobby mutation.
func (s *MemoryStore) activeParticipant(lobbyID, userID uuid.UUID) (*lobbyRecord, *models.Participant, error) {
	rec, ok := s.lobbies[lobbyID]
	if !ok {
		return nil, nil, ErrLobbyNotFound
	}
	_, p := rec.find(userID)
	if p == nil {
		return nil, nil, ErrNotAuthorized
	}
	if rec.lobby.Status != models.StatusStarted || p.Status != models.ParticipantActive {
		return nil, nil, ErrNotActive
	}
	return rec, p, nil
}

func (s *MemoryStore) AppendProgress(_ context.Context, lobbyID, userID uuid.UUID, itemID string) (*models.Participant, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, p, err := s.activeParticipant(lobbyID, userID)
	if err != nil {
		return nil, false, err
	}
	if p.HasMatched(itemID) {
		out := p.Clone()
		return &out, false, nil
	}
	now := s.now()
	p.Progress = append(p.Progress, itemID)
	p.UpdatedAt = now
	rec.touch(now)
	out := p.Clone()
	return &out, true, nil
}

func (s *MemoryStore) LoseLife(_ context.Context, lobbyID, userID uuid.UUID, at time.Time) (LifeLoss, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, p, err := s.activeParticipant(lobbyID, userID)
	if err != nil {
		return LifeLoss{}, err
	}
	if p.Lives == nil {
		return LifeLoss{}, withDetail(ErrInvalidMode, "lobby %s does not track lives", lobbyID)
	}
	now := s.now()
	lives := *p.Lives - 1
	if lives <= 0 {
		lives = 0
		p.Status = models.ParticipantEliminated
	}
	p.Lives = &lives
	p.UpdatedAt = now
	rec.touch(now)

	out := p.Clone()
	loss := LifeLoss{Participant: &out}
	if p.Status == models.ParticipantEliminated && rec.activeCount() < MinPlayers {
		var winner *uuid.UUID
		for _, q := range rec.participants {
			if q.Status == models.ParticipantActive {
				winner = &q.UserID
			}
		}
		s.finish(rec, winner, at)
		l := rec.lobby.Clone()
		loss.Finished = &l
	}
	return loss, nil
}

func (s *MemoryStore) Snapshot(_ context.Context, lobbyID uuid.UUID) (models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lobbies[lobbyID]
	if !ok {
		return models.Snapshot{}, ErrLobbyNotFound
	}
	return models.Snapshot{
		Lobby:        rec.lobby.Clone(),
		Participants: cloneAll(rec.participants),
		Revision:     rec.lobby.Revision,
	}, nil
}

// Len reports how many lobbies are held, finished ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lobbies)
}

func cloneAll(ps []*models.Participant) []models.Participant {
	out := make([]models.Participant, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Clone())
	}
	return out
}
