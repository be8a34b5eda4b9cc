package lobby

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedLobby(t *testing.T, s Store, code string) (*models.Lobby, uuid.UUID) {
	t.Helper()
	owner := uuid.New()
	l := &models.Lobby{
		ID:            uuid.New(),
		Code:          code,
		OwnerUserID:   owner,
		Status:        models.StatusWaiting,
		Mode:          models.ModeFixed,
		ModeParam:     "3",
		RequiredCount: 3,
	}
	p := &models.Participant{LobbyID: l.ID, UserID: owner, DisplayName: "owner", Status: models.ParticipantActive}
	require.NoError(t, s.CreateLobby(context.Background(), l, p))
	return l, owner
}

func addPlayer(t *testing.T, s Store, lobbyID uuid.UUID) uuid.UUID {
	t.Helper()
	id := uuid.New()
	added, err := s.AddParticipant(context.Background(), &models.Participant{
		LobbyID: lobbyID, UserID: id, DisplayName: "guest", Status: models.ParticipantActive,
	})
	require.NoError(t, err)
	require.True(t, added)
	return id
}

func TestMemoryStoreCodeUniqueness(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l, _ := seedLobby(t, s, "ABCDEF")
	addPlayer(t, s, l.ID)

	dup := &models.Lobby{ID: uuid.New(), Code: "ABCDEF", Status: models.StatusWaiting}
	err := s.CreateLobby(ctx, dup, &models.Participant{LobbyID: dup.ID, UserID: uuid.New()})
	require.ErrorIs(t, err, ErrCodeTaken)

	_, err = s.MarkStarted(ctx, l.ID, time.Now(), MinPlayers)
	require.NoError(t, err)
	_, err = s.MarkFinished(ctx, l.ID, nil, time.Now())
	require.NoError(t, err)

	// finished lobbies release their code
	_, err = s.GetLobbyByCode(ctx, "ABCDEF")
	require.ErrorIs(t, err, ErrLobbyNotFound)
	seedLobby(t, s, "ABCDEF")
	assert.Equal(t, 2, s.Len())
}

func TestMemoryStoreRevisionBumps(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l, _ := seedLobby(t, s, "QWERTY")

	snap, err := s.Snapshot(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Revision)

	addPlayer(t, s, l.ID)
	snap, err = s.Snapshot(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Revision)
	assert.Equal(t, snap.Revision, snap.Lobby.Revision)
	assert.Len(t, snap.Participants, 2)
}

func TestMemoryStoreMarkStartedGuards(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l, _ := seedLobby(t, s, "GUARDS")

	_, err := s.MarkStarted(ctx, l.ID, time.Now(), MinPlayers)
	require.ErrorIs(t, err, ErrNotEnoughPlayers)

	addPlayer(t, s, l.ID)
	first := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	started, err := s.MarkStarted(ctx, l.ID, first, MinPlayers)
	require.NoError(t, err)
	assert.Equal(t, first, *started.StartedAt)

	_, err = s.MarkStarted(ctx, l.ID, first.Add(time.Minute), MinPlayers)
	require.ErrorIs(t, err, ErrAlreadyStarted)
	got, err := s.GetLobby(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, first, *got.StartedAt, "start timestamp is write-once")

	_, err = s.AddParticipant(ctx, &models.Participant{LobbyID: l.ID, UserID: uuid.New()})
	require.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestMemoryStoreMarkFinishedOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l, owner := seedLobby(t, s, "FINISH")
	guest := addPlayer(t, s, l.ID)

	_, err := s.MarkFinished(ctx, l.ID, &owner, time.Now())
	require.ErrorIs(t, err, ErrNotActive)

	_, err = s.MarkStarted(ctx, l.ID, time.Now(), MinPlayers)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, w := range []uuid.UUID{owner, guest} {
		wg.Add(1)
		go func(i int, w uuid.UUID) {
			defer wg.Done()
			_, results[i] = s.MarkFinished(ctx, l.ID, &w, time.Now())
		}(i, w)
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyFinished)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestMemoryStoreProgressAndLives(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l, owner := seedLobby(t, s, "LIVESS")
	lives := 1
	guest := uuid.New()
	_, err := s.AddParticipant(ctx, &models.Participant{LobbyID: l.ID, UserID: guest, Lives: &lives, Status: models.ParticipantActive})
	require.NoError(t, err)

	_, _, err = s.AppendProgress(ctx, l.ID, owner, "fr")
	require.ErrorIs(t, err, ErrNotActive, "progress only while started")

	_, err = s.MarkStarted(ctx, l.ID, time.Now(), MinPlayers)
	require.NoError(t, err)

	p, appended, err := s.AppendProgress(ctx, l.ID, owner, "fr")
	require.NoError(t, err)
	assert.True(t, appended)
	p, appended, err = s.AppendProgress(ctx, l.ID, owner, "fr")
	require.NoError(t, err)
	assert.False(t, appended)
	assert.Equal(t, []string{"fr"}, p.Progress)

	_, _, err = s.AppendProgress(ctx, l.ID, uuid.New(), "de")
	require.ErrorIs(t, err, ErrNotAuthorized)

	_, err = s.LoseLife(ctx, l.ID, owner, time.Now())
	require.ErrorIs(t, err, ErrInvalidMode)

	loss, err := s.LoseLife(ctx, l.ID, guest, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, *loss.Participant.Lives)
	assert.Equal(t, models.ParticipantEliminated, loss.Participant.Status)
	require.NotNil(t, loss.Finished, "one active participant left")
	assert.Equal(t, owner, *loss.Finished.WinnerUserID)

	_, err = s.LoseLife(ctx, l.ID, guest, time.Now())
	require.ErrorIs(t, err, ErrNotActive)
}

// startLivesLobby starts a lives lobby of n players with one life each, owner first.
func startLivesLobby(t *testing.T, s *MemoryStore, code string, n int) (*models.Lobby, []uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	one := 1
	owner := uuid.New()
	l := &models.Lobby{
		ID: uuid.New(), Code: code, OwnerUserID: owner, Status: models.StatusWaiting,
		Mode: models.ModeLives, ModeParam: "1", RequiredCount: 5,
	}
	require.NoError(t, s.CreateLobby(ctx, l, &models.Participant{
		LobbyID: l.ID, UserID: owner, Lives: &one, Status: models.ParticipantActive,
	}))
	users := []uuid.UUID{owner}
	for len(users) < n {
		id := uuid.New()
		_, err := s.AddParticipant(ctx, &models.Participant{LobbyID: l.ID, UserID: id, Lives: &one, Status: models.ParticipantActive})
		require.NoError(t, err)
		users = append(users, id)
	}
	_, err := s.MarkStarted(ctx, l.ID, time.Now(), MinPlayers)
	require.NoError(t, err)
	return l, users
}

func TestMemoryStoreLoseLifeFinishesLastStanding(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l, users := startLivesLobby(t, s, "LASTST", 3)

	loss, err := s.LoseLife(ctx, l.ID, users[2], time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.ParticipantEliminated, loss.Participant.Status)
	assert.Nil(t, loss.Finished, "two still active")

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	loss, err = s.LoseLife(ctx, l.ID, users[0], at)
	require.NoError(t, err)
	require.NotNil(t, loss.Finished)
	assert.Equal(t, models.StatusFinished, loss.Finished.Status)
	assert.Equal(t, users[1], *loss.Finished.WinnerUserID)
	assert.Equal(t, at, *loss.Finished.FinishedAt)

	// the survivor can no longer lose a life, and the code is released
	_, err = s.LoseLife(ctx, l.ID, users[1], time.Now())
	require.ErrorIs(t, err, ErrNotActive)
	_, err = s.GetLobbyByCode(ctx, "LASTST")
	require.ErrorIs(t, err, ErrLobbyNotFound)

	snap, err := s.Snapshot(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, loss.Finished.Revision, snap.Revision)
}

func TestMemoryStoreMarkFinishedRequiresActiveWinner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l, users := startLivesLobby(t, s, "ACTIVE", 3)

	_, err := s.LoseLife(ctx, l.ID, users[2], time.Now())
	require.NoError(t, err)

	_, err = s.MarkFinished(ctx, l.ID, &users[2], time.Now())
	require.ErrorIs(t, err, ErrNotActive)
	stranger := uuid.New()
	_, err = s.MarkFinished(ctx, l.ID, &stranger, time.Now())
	require.ErrorIs(t, err, ErrNotActive)

	got, err := s.GetLobby(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarted, got.Status)
	assert.Nil(t, got.WinnerUserID)

	fin, err := s.MarkFinished(ctx, l.ID, &users[0], time.Now())
	require.NoError(t, err)
	assert.Equal(t, users[0], *fin.WinnerUserID)
}

func TestMemoryStoreConcurrentLastLives(t *testing.T) {
	for n := 0; n < 20; n++ {
		s := NewMemoryStore()
		ctx := context.Background()
		l, users := startLivesLobby(t, s, "RACING", 2)

		var wg sync.WaitGroup
		losses := make([]LifeLoss, 2)
		errs := make([]error, 2)
		for i, u := range users {
			wg.Add(1)
			go func(i int, u uuid.UUID) {
				defer wg.Done()
				losses[i], errs[i] = s.LoseLife(ctx, l.ID, u, time.Now())
			}(i, u)
		}
		wg.Wait()

		finished := 0
		for i := range users {
			if errs[i] != nil {
				assert.ErrorIs(t, errs[i], ErrNotActive)
				continue
			}
			require.NotNil(t, losses[i].Finished)
			finished++
		}
		require.Equal(t, 1, finished)

		snap, err := s.Snapshot(ctx, l.ID)
		require.NoError(t, err)
		require.NotNil(t, snap.Lobby.WinnerUserID)
		for _, p := range snap.Participants {
			if p.UserID == *snap.Lobby.WinnerUserID {
				assert.Equal(t, models.ParticipantActive, p.Status, "winner must still be active")
			} else {
				assert.Equal(t, models.ParticipantEliminated, p.Status)
			}
		}
	}
}

func TestMemoryStoreRemoveAfterFinishKeepsRows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l, owner := seedLobby(t, s, "KEEPRW")
	guest := addPlayer(t, s, l.ID)
	_, err := s.MarkStarted(ctx, l.ID, time.Now(), MinPlayers)
	require.NoError(t, err)
	_, err = s.MarkFinished(ctx, l.ID, &owner, time.Now())
	require.NoError(t, err)
	before, err := s.Snapshot(ctx, l.ID)
	require.NoError(t, err)

	removed, err := s.RemoveParticipant(ctx, l.ID, owner)
	require.ErrorIs(t, err, ErrAlreadyFinished)
	assert.False(t, removed)
	removed, err = s.RemoveParticipant(ctx, l.ID, uuid.New())
	require.NoError(t, err)
	assert.False(t, removed)

	after, err := s.Snapshot(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, after.Participants, 2)
	_, err = s.GetParticipant(ctx, l.ID, guest)
	require.NoError(t, err)
}

func TestMemoryStoreRemoveOwnerTransfersOwnership(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l, owner := seedLobby(t, s, "HANDOV")
	second := addPlayer(t, s, l.ID)
	third := addPlayer(t, s, l.ID)

	removed, err := s.RemoveParticipant(ctx, l.ID, third)
	require.NoError(t, err)
	require.True(t, removed)
	got, err := s.GetLobby(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, owner, got.OwnerUserID, "a guest leaving keeps the owner")

	removed, err = s.RemoveParticipant(ctx, l.ID, owner)
	require.NoError(t, err)
	require.True(t, removed)
	got, err = s.GetLobby(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, second, got.OwnerUserID)

	// the last participant leaving keeps the old owner id on the empty lobby
	removed, err = s.RemoveParticipant(ctx, l.ID, second)
	require.NoError(t, err)
	require.True(t, removed)
	got, err = s.GetLobby(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, second, got.OwnerUserID)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l, owner := seedLobby(t, s, "COPIES")

	p, err := s.GetParticipant(ctx, l.ID, owner)
	require.NoError(t, err)
	p.Progress = append(p.Progress, "tampered")
	p.DisplayName = "mallory"

	again, err := s.GetParticipant(ctx, l.ID, owner)
	require.NoError(t, err)
	assert.Empty(t, again.Progress)
	assert.Equal(t, "owner", again.DisplayName)
}
