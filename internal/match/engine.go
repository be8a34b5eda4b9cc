// Package match is the single authority over match progress. Every answer, win claim and
// life loss from either client funnels through Engine, and every state change it makes is a
// conditional store update, so two clients racing for the same lobby resolve to one outcome.
package match

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/bus"
	"github.com/jason-s-yu/quizduel/internal/catalog"
	"github.com/jason-s-yu/quizduel/internal/historian"
	"github.com/jason-s-yu/quizduel/internal/lobby"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/jason-s-yu/quizduel/internal/shuffle"
	"github.com/sirupsen/logrus"
)

// Result names what a call to the engine did.
type Result string

const (
	ResultAccepted   Result = "accepted"
	ResultDuplicate  Result = "duplicate"
	ResultNoMatch    Result = "no_match"
	ResultWon        Result = "won"
	ResultLifeLost   Result = "life_lost"
	ResultEliminated Result = "eliminated"
	ResultInProgress Result = "in_progress"
	ResultEnded      Result = "ended"
)

// Outcome is the typed answer to a match operation.
type Outcome struct {
	Result   Result           `json:"result"`
	ItemID   string           `json:"item_id,omitempty"`
	Progress int              `json:"progress"`
	Required int              `json:"required"`
	Lives    *int             `json:"lives,omitempty"`
	Winner   *uuid.UUID       `json:"winner,omitempty"`
	Snapshot *models.Snapshot `json:"snapshot,omitempty"`
}

// Engine resolves answer submissions and drives started -> finished.
type Engine struct {
	store    lobby.Store
	catalog  catalog.Catalog
	pub      bus.Publisher
	recorder historian.Recorder
	logger   *logrus.Entry
	now      func() time.Time
}

func NewEngine(store lobby.Store, cat catalog.Catalog, pub bus.Publisher, recorder historian.Recorder, logger *logrus.Logger) *Engine {
	if recorder == nil {
		recorder = historian.Nop{}
	}
	return &Engine{
		store:    store,
		catalog:  cat,
		pub:      pub,
		recorder: recorder,
		logger:   logger.WithField("component", "match"),
		now:      time.Now,
	}
}

// Content derives the ordered content set of a lobby: the catalog listing for its mode,
// permuted with the room code as seed. Fixed mode keeps the first RequiredCount items.
// Any peer holding the same code and mode computes the same sequence.
func (e *Engine) Content(l *models.Lobby) ([]catalog.Item, error) {
	items, err := e.catalog.ListContent(l.Mode, l.ModeParam)
	if err != nil {
		return nil, err
	}
	perm := shuffle.Permute(l.Code, items)
	if l.Mode == models.ModeFixed && len(perm) > l.RequiredCount {
		perm = perm[:l.RequiredCount]
	}
	return perm, nil
}

// authorize re-checks, on every call, that userID is a participant of the lobby.
func (e *Engine) authorize(ctx context.Context, lobbyID, userID uuid.UUID) (*models.Lobby, *models.Participant, error) {
	l, err := e.store.GetLobby(ctx, lobbyID)
	if err != nil {
		return nil, nil, err
	}
	p, err := e.store.GetParticipant(ctx, lobbyID, userID)
	if errors.Is(err, lobby.ErrParticipantNotFound) {
		return nil, nil, lobby.ErrNotAuthorized
	}
	if err != nil {
		return nil, nil, err
	}
	return l, p, nil
}

// SubmitAnswer checks answer against the lobby's derived content and, on a match, records
// the item in the caller's progress. Reaching the required count declares the win.
// In the lives mode a wrong answer costs the caller a life.
func (e *Engine) SubmitAnswer(ctx context.Context, lobbyID, userID uuid.UUID, answer string) (Outcome, error) {
	l, p, err := e.authorize(ctx, lobbyID, userID)
	if err != nil {
		return Outcome{}, err
	}
	if l.Status != models.StatusStarted || p.Status != models.ParticipantActive {
		return Outcome{}, lobby.ErrNotActive
	}

	content, err := e.Content(l)
	if err != nil {
		return Outcome{}, err
	}

	var hit *catalog.Item
	duplicate := false
	for i := range content {
		if !content[i].Matches(answer) {
			continue
		}
		if p.HasMatched(content[i].ID) {
			duplicate = true
			continue
		}
		hit = &content[i]
		break
	}

	if hit == nil {
		if duplicate {
			return outcomeFor(ResultDuplicate, l, p), nil
		}
		if l.Mode == models.ModeLives {
			return e.loseLife(ctx, l, userID)
		}
		return outcomeFor(ResultNoMatch, l, p), nil
	}

	updated, appended, err := e.store.AppendProgress(ctx, lobbyID, userID, hit.ID)
	if err != nil {
		return Outcome{}, err
	}
	log := e.logger.WithFields(logrus.Fields{"lobby_id": lobbyID, "user_id": userID, "item_id": hit.ID})
	if !appended {
		// a concurrent submission of the same answer got there first
		return outcomeFor(ResultDuplicate, l, updated), nil
	}

	log.WithField("progress", len(updated.Progress)).Debug("answer accepted")
	snap := e.commit(ctx, lobbyID)
	e.record(ctx, historian.NewEvent(lobbyID, revisionOf(snap), userID, historian.EventAnswerAccepted, map[string]any{
		"item_id": hit.ID, "progress": len(updated.Progress),
	}))

	if len(updated.Progress) >= l.RequiredCount {
		return e.DeclareWin(ctx, lobbyID, userID)
	}

	out := outcomeFor(ResultAccepted, l, updated)
	out.ItemID = hit.ID
	out.Snapshot = snap
	return out, nil
}

// DeclareWin finishes the match with userID as winner, provided their recorded progress has
// reached the lobby's required count. Only the first successful caller wins; later callers,
// including ones with equal progress, get ErrAlreadyFinished and the winner stays unchanged.
func (e *Engine) DeclareWin(ctx context.Context, lobbyID, userID uuid.UUID) (Outcome, error) {
	l, p, err := e.authorize(ctx, lobbyID, userID)
	if err != nil {
		return Outcome{}, err
	}
	switch l.Status {
	case models.StatusFinished:
		return Outcome{}, e.alreadyFinished(l)
	case models.StatusWaiting:
		return Outcome{}, lobby.ErrNotActive
	}
	if p.Status != models.ParticipantActive {
		return Outcome{}, lobby.ErrNotActive
	}
	// Required count comes from the lobby record, never from the client.
	if len(p.Progress) < l.RequiredCount {
		return Outcome{}, lobby.ErrIncompleteProgress
	}

	out, err := e.finish(ctx, l, &userID, "completed")
	if err != nil {
		return Outcome{}, err
	}
	out.Progress = len(p.Progress)
	out.Lives = p.Lives
	return out, nil
}

// LoseLife is the elimination operation of the lives mode. A user may only spend their own
// lives. When it leaves a single active participant, that participant wins.
func (e *Engine) LoseLife(ctx context.Context, lobbyID, actor, target uuid.UUID) (Outcome, error) {
	if actor != target {
		return Outcome{}, lobby.ErrForbidden
	}
	l, p, err := e.authorize(ctx, lobbyID, target)
	if err != nil {
		return Outcome{}, err
	}
	if l.Status != models.StatusStarted || p.Status != models.ParticipantActive {
		return Outcome{}, lobby.ErrNotActive
	}
	return e.loseLife(ctx, l, target)
}

func (e *Engine) loseLife(ctx context.Context, l *models.Lobby, userID uuid.UUID) (Outcome, error) {
	loss, err := e.store.LoseLife(ctx, l.ID, userID, e.now().UTC())
	if err != nil {
		return Outcome{}, err
	}
	p := loss.Participant
	snap := e.commit(ctx, l.ID)
	e.record(ctx, historian.NewEvent(l.ID, revisionOf(snap), userID, historian.EventLifeLost, map[string]any{
		"lives": p.Lives,
	}))

	out := outcomeFor(ResultLifeLost, l, p)
	out.Snapshot = snap
	if p.Status != models.ParticipantEliminated {
		return out, nil
	}

	log := e.logger.WithFields(logrus.Fields{"lobby_id": l.ID, "user_id": userID})
	log.Info("participant eliminated")
	out.Result = ResultEliminated
	if loss.Finished == nil {
		return out, nil
	}

	// the store finished the lobby in the same write as the elimination
	fin := loss.Finished
	reason := "abandoned"
	var winnerID uuid.UUID
	if fin.WinnerUserID != nil {
		winnerID = *fin.WinnerUserID
		reason = "last_standing"
		log = log.WithField("winner", winnerID)
	}
	log.WithField("reason", reason).Info("match finished")
	e.record(ctx, historian.NewEvent(l.ID, fin.Revision, winnerID, historian.EventMatchFinished, map[string]any{
		"reason": reason,
	}))
	out.Winner = fin.WinnerUserID
	return out, nil
}

// ForceEnd ends a started match whose live membership has dropped below two, e.g. after a
// participant left. The remaining active participant, if any, wins. With two or more still
// active it changes nothing and reports ResultInProgress.
func (e *Engine) ForceEnd(ctx context.Context, lobbyID uuid.UUID) (Outcome, error) {
	return e.settle(ctx, lobbyID)
}

// settle finishes the match when at most one active participant remains. The chosen winner
// may be eliminated before the write lands; the store then refuses it and settle reads again.
func (e *Engine) settle(ctx context.Context, lobbyID uuid.UUID) (Outcome, error) {
	for {
		out, err := e.settleOnce(ctx, lobbyID)
		if !errors.Is(err, lobby.ErrNotActive) {
			return out, err
		}
		cur, gerr := e.store.GetLobby(ctx, lobbyID)
		if gerr != nil {
			return Outcome{}, gerr
		}
		if cur.Status == models.StatusWaiting {
			return out, err
		}
	}
}

func (e *Engine) settleOnce(ctx context.Context, lobbyID uuid.UUID) (Outcome, error) {
	snap, err := e.store.Snapshot(ctx, lobbyID)
	if err != nil {
		return Outcome{}, err
	}
	l := &snap.Lobby
	switch l.Status {
	case models.StatusFinished:
		return Outcome{}, e.alreadyFinished(l)
	case models.StatusWaiting:
		return Outcome{}, lobby.ErrNotActive
	}

	var active []models.Participant
	for _, p := range snap.Participants {
		if p.Status == models.ParticipantActive {
			active = append(active, p)
		}
	}
	if len(active) >= lobby.MinPlayers {
		return Outcome{Result: ResultInProgress, Required: l.RequiredCount}, nil
	}

	var winner *uuid.UUID
	reason := "abandoned"
	if len(active) == 1 {
		w := active[0].UserID
		winner = &w
		reason = "last_standing"
	}
	out, err := e.finish(ctx, l, winner, reason)
	if errors.Is(err, lobby.ErrAlreadyFinished) {
		// another writer settled it first; report what they decided
		cur, gerr := e.store.Snapshot(ctx, lobbyID)
		if gerr != nil {
			return Outcome{}, gerr
		}
		return Outcome{Result: ResultEnded, Winner: cur.Lobby.WinnerUserID, Required: l.RequiredCount, Snapshot: &cur}, nil
	}
	if winner == nil {
		out.Result = ResultEnded
	}
	return out, err
}

// finish fires started -> finished for wins and forced ends. Eliminations finish inside the
// store's LoseLife write instead. The store applies it as a compare-and-swap on status, so a
// second caller fails instead of overwriting the winner.
func (e *Engine) finish(ctx context.Context, l *models.Lobby, winner *uuid.UUID, reason string) (Outcome, error) {
	fin, err := e.store.MarkFinished(ctx, l.ID, winner, e.now().UTC())
	if errors.Is(err, lobby.ErrAlreadyFinished) {
		cur, gerr := e.store.GetLobby(ctx, l.ID)
		if gerr != nil {
			return Outcome{}, gerr
		}
		return Outcome{}, e.alreadyFinished(cur)
	}
	if err != nil {
		return Outcome{}, err
	}

	fields := logrus.Fields{"lobby_id": l.ID, "reason": reason}
	var winnerID uuid.UUID
	if winner != nil {
		winnerID = *winner
		fields["winner"] = winnerID
	}
	e.logger.WithFields(fields).Info("match finished")

	snap := e.commit(ctx, l.ID)
	e.record(ctx, historian.NewEvent(l.ID, revisionOf(snap), winnerID, historian.EventMatchFinished, map[string]any{
		"reason": reason,
	}))
	return Outcome{
		Result:   ResultWon,
		Required: fin.RequiredCount,
		Winner:   fin.WinnerUserID,
		Snapshot: snap,
	}, nil
}

func (e *Engine) alreadyFinished(l *models.Lobby) error {
	if l.WinnerUserID != nil {
		return &FinishedError{Winner: *l.WinnerUserID}
	}
	return lobby.ErrAlreadyFinished
}

// commit reads the committed state and pushes it to observers. Returns nil if the read failed.
func (e *Engine) commit(ctx context.Context, lobbyID uuid.UUID) *models.Snapshot {
	snap, err := e.store.Snapshot(ctx, lobbyID)
	if err != nil {
		e.logger.WithField("lobby_id", lobbyID).Warnf("snapshot after commit: %v", err)
		return nil
	}
	if err := e.pub.Publish(ctx, snap); err != nil {
		e.logger.WithField("lobby_id", lobbyID).Warnf("publish snapshot: %v", err)
	}
	return &snap
}

func (e *Engine) record(ctx context.Context, ev historian.Event) {
	if err := e.recorder.Record(ctx, ev); err != nil {
		e.logger.WithField("lobby_id", ev.LobbyID).Warnf("record %s: %v", ev.Type, err)
	}
}

func outcomeFor(r Result, l *models.Lobby, p *models.Participant) Outcome {
	return Outcome{
		Result:   r,
		Progress: len(p.Progress),
		Required: l.RequiredCount,
		Lives:    p.Lives,
	}
}

func revisionOf(s *models.Snapshot) int64 {
	if s == nil {
		return 0
	}
	return s.Revision
}
