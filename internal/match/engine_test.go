package match

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/catalog"
	"github.com/jason-s-yu/quizduel/internal/lobby"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturePublisher records every published snapshot.
type capturePublisher struct {
	mu    sync.Mutex
	snaps []models.Snapshot
}

func (c *capturePublisher) Publish(_ context.Context, s models.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, s)
	return nil
}

func (c *capturePublisher) revisions() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, 0, len(c.snaps))
	for _, s := range c.snaps {
		out = append(out, s.Revision)
	}
	return out
}

type harness struct {
	store  *lobby.MemoryStore
	svc    *lobby.Service
	engine *Engine
	pub    *capturePublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := lobby.NewMemoryStore()
	pub := &capturePublisher{}
	cat := catalog.Default()
	return &harness{
		store:  store,
		svc:    lobby.NewService(store, cat, pub, logger, lobby.Options{}),
		engine: NewEngine(store, cat, pub, nil, logger),
		pub:    pub,
	}
}

// duel creates a lobby owned by p1, seats p2 and starts the match.
func (h *harness) duel(t *testing.T, mode models.GameMode, param string) (l *models.Lobby, p1, p2 uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	p1, p2 = uuid.New(), uuid.New()

	l, err := h.svc.Create(ctx, p1, "alice", mode, param)
	require.NoError(t, err)
	_, err = h.svc.Join(ctx, l.Code, p2, "bob")
	require.NoError(t, err)
	l, err = h.svc.Start(ctx, l.ID, p1)
	require.NoError(t, err)
	return l, p1, p2
}

// answers returns one accepted answer per content item, in content order.
func (h *harness) answers(t *testing.T, l *models.Lobby) []string {
	t.Helper()
	items, err := h.engine.Content(l)
	require.NoError(t, err)
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Answers[0]
	}
	return out
}

func TestContentIsDeterministicPerCode(t *testing.T) {
	h := newHarness(t)
	l, _, _ := h.duel(t, models.ModeFixed, "5")

	a, err := h.engine.Content(l)
	require.NoError(t, err)
	other := NewEngine(h.store, catalog.Default(), h.pub, nil, logrus.New())
	b, err := other.Content(l)
	require.NoError(t, err)

	require.Len(t, a, 5)
	assert.Equal(t, a, b)
}

func TestSubmitAnswerRequiresStartedLobby(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := uuid.New()
	l, err := h.svc.Create(ctx, owner, "alice", models.ModeFixed, "3")
	require.NoError(t, err)

	_, err = h.engine.SubmitAnswer(ctx, l.ID, owner, "france")
	require.ErrorIs(t, err, lobby.ErrNotActive)
	assert.Equal(t, lobby.KindInvalidState, lobby.KindOf(err))
}

func TestSubmitAnswerRejectsOutsiders(t *testing.T) {
	h := newHarness(t)
	l, _, _ := h.duel(t, models.ModeFixed, "3")

	_, err := h.engine.SubmitAnswer(context.Background(), l.ID, uuid.New(), "france")
	require.ErrorIs(t, err, lobby.ErrNotAuthorized)
}

func TestSubmitAnswerOutcomes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l, p1, _ := h.duel(t, models.ModeFixed, "3")
	answers := h.answers(t, l)

	out, err := h.engine.SubmitAnswer(ctx, l.ID, p1, "atlantis")
	require.NoError(t, err)
	assert.Equal(t, ResultNoMatch, out.Result)
	assert.Equal(t, 0, out.Progress)

	out, err = h.engine.SubmitAnswer(ctx, l.ID, p1, answers[1])
	require.NoError(t, err)
	assert.Equal(t, ResultAccepted, out.Result)
	assert.Equal(t, 1, out.Progress)
	assert.Equal(t, 3, out.Required)
	require.NotNil(t, out.Snapshot)

	out, err = h.engine.SubmitAnswer(ctx, l.ID, p1, answers[1])
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, out.Result)
	assert.Equal(t, 1, out.Progress)
}

func TestFirstToCompleteWinsAndLoserSeesConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l, p1, p2 := h.duel(t, models.ModeFixed, "3")
	answers := h.answers(t, l)

	for _, a := range answers[:2] {
		_, err := h.engine.SubmitAnswer(ctx, l.ID, p2, a)
		require.NoError(t, err)
	}
	var out Outcome
	var err error
	for _, a := range answers {
		out, err = h.engine.SubmitAnswer(ctx, l.ID, p1, a)
		require.NoError(t, err)
	}
	assert.Equal(t, ResultWon, out.Result)
	require.NotNil(t, out.Winner)
	assert.Equal(t, p1, *out.Winner)

	_, err = h.engine.DeclareWin(ctx, l.ID, p2)
	require.ErrorIs(t, err, lobby.ErrAlreadyFinished)
	assert.Equal(t, lobby.KindConflict, lobby.KindOf(err))
	var fe *FinishedError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, p1, fe.Winner)

	_, err = h.engine.SubmitAnswer(ctx, l.ID, p2, answers[2])
	require.ErrorIs(t, err, lobby.ErrNotActive)

	got, err := h.store.GetLobby(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, got.Status)
	assert.Equal(t, p1, *got.WinnerUserID)
	assert.NotNil(t, got.FinishedAt)
}

func TestConcurrentWinClaimsProduceOneWinner(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		ctx := context.Background()
		l, p1, p2 := h.duel(t, models.ModeFixed, "2")
		items, err := h.engine.Content(l)
		require.NoError(t, err)

		// complete both players directly so neither submission auto-declares
		for _, p := range []uuid.UUID{p1, p2} {
			for _, it := range items {
				_, _, err := h.store.AppendProgress(ctx, l.ID, p, it.ID)
				require.NoError(t, err)
			}
		}

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j, p := range []uuid.UUID{p1, p2} {
			wg.Add(1)
			go func(j int, p uuid.UUID) {
				defer wg.Done()
				_, errs[j] = h.engine.DeclareWin(ctx, l.ID, p)
			}(j, p)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, lobby.ErrAlreadyFinished)
		}
		require.Equal(t, 1, wins, "iteration %d", i)

		got, err := h.store.GetLobby(ctx, l.ID)
		require.NoError(t, err)
		want := p1
		if errs[0] != nil {
			want = p2
		}
		assert.Equal(t, want, *got.WinnerUserID)
	}
}

func TestDeclareWinNeedsFullProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l, p1, _ := h.duel(t, models.ModeFixed, "3")

	_, err := h.engine.SubmitAnswer(ctx, l.ID, p1, h.answers(t, l)[0])
	require.NoError(t, err)

	_, err = h.engine.DeclareWin(ctx, l.ID, p1)
	require.ErrorIs(t, err, lobby.ErrIncompleteProgress)

	got, err := h.store.GetLobby(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarted, got.Status)
}

func TestLivesModeEliminationFinishesMatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l, p1, p2 := h.duel(t, models.ModeLives, "2")

	out, err := h.engine.SubmitAnswer(ctx, l.ID, p1, "atlantis")
	require.NoError(t, err)
	assert.Equal(t, ResultLifeLost, out.Result)
	require.NotNil(t, out.Lives)
	assert.Equal(t, 1, *out.Lives)

	out, err = h.engine.LoseLife(ctx, l.ID, p1, p1)
	require.NoError(t, err)
	assert.Equal(t, ResultEliminated, out.Result)
	require.NotNil(t, out.Winner)
	assert.Equal(t, p2, *out.Winner)

	got, err := h.store.GetLobby(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, got.Status)
	assert.Equal(t, p2, *got.WinnerUserID)
}

// interleavingStore runs a hook once around the first LoseLife write, so another
// participant's action can land between the caller's checks and its write, or right after it.
type interleavingStore struct {
	*lobby.MemoryStore
	once   sync.Once
	before func()
	after  func()
}

func (s *interleavingStore) LoseLife(ctx context.Context, lobbyID, userID uuid.UUID, at time.Time) (lobby.LifeLoss, error) {
	first := false
	s.once.Do(func() { first = true })
	if first && s.before != nil {
		s.before()
	}
	loss, err := s.MemoryStore.LoseLife(ctx, lobbyID, userID, at)
	if first && s.after != nil {
		s.after()
	}
	return loss, err
}

func quietEngine(store lobby.Store, pub *capturePublisher) *Engine {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewEngine(store, catalog.Default(), pub, nil, logger)
}

func TestEliminationThenOpponentAnswerKeepsSurvivorAsWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l, p1, p2 := h.duel(t, models.ModeLives, "1")

	var p2Err error
	wrapped := &interleavingStore{MemoryStore: h.store}
	engine := quietEngine(wrapped, h.pub)
	wrapped.after = func() {
		_, p2Err = engine.SubmitAnswer(ctx, l.ID, p2, "atlantis")
	}

	out, err := engine.SubmitAnswer(ctx, l.ID, p1, "atlantis")
	require.NoError(t, err)
	assert.Equal(t, ResultEliminated, out.Result)
	require.NotNil(t, out.Winner)
	assert.Equal(t, p2, *out.Winner)
	require.ErrorIs(t, p2Err, lobby.ErrNotActive, "the match was already over")

	snap, err := h.store.Snapshot(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, snap.Lobby.Status)
	require.NotNil(t, snap.Lobby.WinnerUserID)
	assert.Equal(t, p2, *snap.Lobby.WinnerUserID)
	assert.Equal(t, revisionOf(out.Snapshot), snap.Revision)
}

func TestOpponentEliminatedBetweenChecksAndWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l, p1, p2 := h.duel(t, models.ModeLives, "1")

	var p2Out Outcome
	var p2Err error
	wrapped := &interleavingStore{MemoryStore: h.store}
	engine := quietEngine(wrapped, h.pub)
	// p1 has passed its checks; p2's elimination lands before p1's write
	wrapped.before = func() {
		p2Out, p2Err = engine.SubmitAnswer(ctx, l.ID, p2, "atlantis")
	}

	_, err := engine.SubmitAnswer(ctx, l.ID, p1, "atlantis")
	require.ErrorIs(t, err, lobby.ErrNotActive)

	require.NoError(t, p2Err)
	assert.Equal(t, ResultEliminated, p2Out.Result)
	require.NotNil(t, p2Out.Winner)
	assert.Equal(t, p1, *p2Out.Winner)

	p, err := h.store.GetParticipant(ctx, l.ID, p1)
	require.NoError(t, err)
	assert.Equal(t, models.ParticipantActive, p.Status, "the winner keeps its life")
	got, err := h.store.GetLobby(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, p1, *got.WinnerUserID)
}

func TestConcurrentLastLivesLeaveOneWinner(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		ctx := context.Background()
		l, p1, p2 := h.duel(t, models.ModeLives, "1")

		var wg sync.WaitGroup
		outs := make([]Outcome, 2)
		errs := make([]error, 2)
		for j, p := range []uuid.UUID{p1, p2} {
			wg.Add(1)
			go func(j int, p uuid.UUID) {
				defer wg.Done()
				outs[j], errs[j] = h.engine.SubmitAnswer(ctx, l.ID, p, "atlantis")
			}(j, p)
		}
		wg.Wait()

		eliminated := 0
		for j := range outs {
			if errs[j] != nil {
				assert.ErrorIs(t, errs[j], lobby.ErrNotActive)
				continue
			}
			assert.Equal(t, ResultEliminated, outs[j].Result)
			require.NotNil(t, outs[j].Winner)
			eliminated++
		}
		require.Equal(t, 1, eliminated, "iteration %d", i)

		snap, err := h.store.Snapshot(ctx, l.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusFinished, snap.Lobby.Status)
		require.NotNil(t, snap.Lobby.WinnerUserID)
		for _, p := range snap.Participants {
			if p.UserID == *snap.Lobby.WinnerUserID {
				assert.Equal(t, models.ParticipantActive, p.Status)
			} else {
				assert.Equal(t, models.ParticipantEliminated, p.Status)
			}
		}
	}
}

func TestThirdParticipantKeepsContentAndPairwiseWin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p1, p2, p3 := uuid.New(), uuid.New(), uuid.New()

	l, err := h.svc.Create(ctx, p1, "alice", models.ModeFixed, "3")
	require.NoError(t, err)
	_, err = h.svc.Join(ctx, l.Code, p2, "bob")
	require.NoError(t, err)
	before, err := h.engine.Content(l)
	require.NoError(t, err)

	_, err = h.svc.Join(ctx, l.Code, p3, "carol")
	require.NoError(t, err)
	l, err = h.svc.Start(ctx, l.ID, p1)
	require.NoError(t, err)
	after, err := h.engine.Content(l)
	require.NoError(t, err)
	assert.Equal(t, before, after, "joining does not reshuffle the content")

	answers := h.answers(t, l)
	_, err = h.engine.SubmitAnswer(ctx, l.ID, p3, answers[0])
	require.NoError(t, err)
	var out Outcome
	for _, a := range answers {
		out, err = h.engine.SubmitAnswer(ctx, l.ID, p1, a)
		require.NoError(t, err)
	}
	assert.Equal(t, ResultWon, out.Result)
	assert.Equal(t, p1, *out.Winner)

	for _, p := range []uuid.UUID{p2, p3} {
		_, err = h.engine.DeclareWin(ctx, l.ID, p)
		var fe *FinishedError
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, p1, fe.Winner)
		assert.Equal(t, lobby.KindConflict, lobby.KindOf(err))
	}

	snap, err := h.store.Snapshot(ctx, l.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Participants, 3)
	assert.Equal(t, p1, *snap.Lobby.WinnerUserID)
}

func TestLoseLifeOnlyForSelf(t *testing.T) {
	h := newHarness(t)
	l, p1, p2 := h.duel(t, models.ModeLives, "3")

	_, err := h.engine.LoseLife(context.Background(), l.ID, p1, p2)
	require.ErrorIs(t, err, lobby.ErrForbidden)
}

func TestLoseLifeOutsideLivesMode(t *testing.T) {
	h := newHarness(t)
	l, p1, _ := h.duel(t, models.ModeFixed, "3")

	_, err := h.engine.LoseLife(context.Background(), l.ID, p1, p1)
	require.ErrorIs(t, err, lobby.ErrInvalidMode)
}

func TestForceEndAfterLeave(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l, p1, p2 := h.duel(t, models.ModeFixed, "3")

	out, err := h.engine.ForceEnd(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, ResultInProgress, out.Result)

	res, err := h.svc.Leave(ctx, l.ID, p2)
	require.NoError(t, err)
	require.True(t, res.NeedsForcedEnd)

	out, err = h.engine.ForceEnd(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, ResultWon, out.Result)
	require.NotNil(t, out.Winner)
	assert.Equal(t, p1, *out.Winner)

	_, err = h.engine.ForceEnd(ctx, l.ID)
	require.ErrorIs(t, err, lobby.ErrAlreadyFinished)
}

func TestPublishedRevisionsIncrease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l, p1, _ := h.duel(t, models.ModeFixed, "3")
	for _, a := range h.answers(t, l) {
		_, err := h.engine.SubmitAnswer(ctx, l.ID, p1, a)
		require.NoError(t, err)
	}

	revs := h.pub.revisions()
	require.NotEmpty(t, revs)
	for i := 1; i < len(revs); i++ {
		assert.Greater(t, revs[i], revs[i-1])
	}
	last := h.pub.snaps[len(h.pub.snaps)-1]
	assert.Equal(t, models.StatusFinished, last.Lobby.Status)
}
