// internal/lobby/service.go
package lobby

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/bus"
	"github.com/jason-s-yu/quizduel/internal/catalog"
	"github.com/jason-s-yu/quizduel/internal/historian"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/sirupsen/logrus"
)

// Options tunes a Service. Zero values fall back to defaults.
type Options struct {
	Codes        CodeGenerator
	CodeRetries  int
	FixedCount   int
	DefaultLives int
	Recorder     historian.Recorder
	Now          func() time.Time
}

// Service owns lobby membership and the waiting -> started transition.
type Service struct {
	store    Store
	catalog  catalog.Catalog
	pub      bus.Publisher
	recorder historian.Recorder
	logger   *logrus.Entry

	codes        CodeGenerator
	codeRetries  int
	fixedCount   int
	defaultLives int
	now          func() time.Time
}

func NewService(store Store, cat catalog.Catalog, pub bus.Publisher, logger *logrus.Logger, opts Options) *Service {
	s := &Service{
		store:        store,
		catalog:      cat,
		pub:          pub,
		recorder:     opts.Recorder,
		logger:       logger.WithField("component", "lobby"),
		codes:        opts.Codes,
		codeRetries:  opts.CodeRetries,
		fixedCount:   opts.FixedCount,
		defaultLives: opts.DefaultLives,
		now:          opts.Now,
	}
	if s.codes == nil {
		s.codes = RandomCodes(DefaultCodeLength)
	}
	if s.codeRetries <= 0 {
		s.codeRetries = 8
	}
	if s.fixedCount <= 0 {
		s.fixedCount = models.DefaultFixedCount
	}
	if s.defaultLives <= 0 {
		s.defaultLives = models.DefaultLives
	}
	if s.recorder == nil {
		s.recorder = historian.Nop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// resolvedMode is a validated mode with its parameter in canonical form.
type resolvedMode struct {
	mode     models.GameMode
	param    string
	required int
	lives    *int
}

func (s *Service) resolveMode(mode models.GameMode, param string) (resolvedMode, error) {
	if !mode.Valid() {
		return resolvedMode{}, withDetail(ErrInvalidMode, "unknown mode %q", mode)
	}
	items, err := s.catalog.ListContent(mode, param)
	if err != nil {
		return resolvedMode{}, withDetail(ErrInvalidMode, "%v", err)
	}

	rm := resolvedMode{mode: mode, required: len(items)}
	switch mode {
	case models.ModeFixed:
		n, err := models.IntParam(param, s.fixedCount)
		if err != nil {
			return resolvedMode{}, withDetail(ErrInvalidMode, "%v", err)
		}
		rm.param = strconv.Itoa(n)
		rm.required = min(n, len(items))
	case models.ModeRegion:
		rm.param = strings.ToLower(strings.TrimSpace(param))
	case models.ModeLives:
		n, err := models.IntParam(param, s.defaultLives)
		if err != nil {
			return resolvedMode{}, withDetail(ErrInvalidMode, "%v", err)
		}
		rm.param = strconv.Itoa(n)
		rm.lives = &n
	}
	return rm, nil
}

// livesFor returns the starting lives for a participant joining l, or nil outside the lives mode.
func livesFor(l *models.Lobby) *int {
	if l.Mode != models.ModeLives {
		return nil
	}
	n, err := strconv.Atoi(l.ModeParam)
	if err != nil || n < 1 {
		n = models.DefaultLives
	}
	return &n
}

// Create allocates a room code, persists a waiting lobby and seats the owner in it.
// The required completion count is computed here and frozen into the lobby.
func (s *Service) Create(ctx context.Context, owner uuid.UUID, displayName string, mode models.GameMode, param string) (*models.Lobby, error) {
	rm, err := s.resolveMode(mode, param)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < s.codeRetries; attempt++ {
		code, err := s.codes()
		if err != nil {
			return nil, err
		}
		l := &models.Lobby{
			ID:            uuid.New(),
			Code:          NormalizeCode(code),
			OwnerUserID:   owner,
			Status:        models.StatusWaiting,
			Mode:          rm.mode,
			ModeParam:     rm.param,
			RequiredCount: rm.required,
		}
		p := &models.Participant{
			LobbyID:     l.ID,
			UserID:      owner,
			DisplayName: displayName,
			Lives:       rm.lives,
			Status:      models.ParticipantActive,
		}
		err = s.store.CreateLobby(ctx, l, p)
		if errors.Is(err, ErrCodeTaken) {
			s.logger.WithFields(logrus.Fields{"code": l.Code, "attempt": attempt + 1}).Debug("room code collision, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}
		s.logger.WithFields(logrus.Fields{
			"lobby_id": l.ID, "code": l.Code, "owner": owner, "mode": l.Mode, "required": l.RequiredCount,
		}).Info("lobby created")
		return l, nil
	}
	return nil, ErrCodeGenerationExhausted
}

// Join seats user in the lobby identified by code. Rejoining is idempotent and returns the
// existing lobby; a new participant can only join while the lobby is waiting.
// No capacity limit is applied here.
func (s *Service) Join(ctx context.Context, code string, user uuid.UUID, displayName string) (*models.Lobby, error) {
	l, err := s.store.GetLobbyByCode(ctx, NormalizeCode(code))
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetParticipant(ctx, l.ID, user); err == nil {
		return l, nil
	} else if !errors.Is(err, ErrParticipantNotFound) {
		return nil, err
	}
	if l.Status != models.StatusWaiting {
		return nil, ErrLobbyNotFound
	}

	added, err := s.store.AddParticipant(ctx, &models.Participant{
		LobbyID:     l.ID,
		UserID:      user,
		DisplayName: displayName,
		Lives:       livesFor(l),
		Status:      models.ParticipantActive,
	})
	if errors.Is(err, ErrAlreadyStarted) {
		// lost a race against Start
		return nil, ErrLobbyNotFound
	}
	if err != nil {
		return nil, err
	}
	if added {
		s.logger.WithFields(logrus.Fields{"lobby_id": l.ID, "user_id": user}).Info("participant joined")
		s.broadcast(ctx, l.ID)
	}
	return s.store.GetLobby(ctx, l.ID)
}

// LeaveResult tells the caller whether the leave requires the forced-end path.
type LeaveResult struct {
	Lobby          *models.Lobby
	ActiveLeft     int
	NeedsForcedEnd bool
}

// Leave deletes the user's participant row. When this drops a started lobby below two
// active participants, NeedsForcedEnd is set and the caller must run match.ForceEnd.
// Leaving a finished lobby changes nothing: its rows are the match record.
func (s *Service) Leave(ctx context.Context, lobbyID, user uuid.UUID) (LeaveResult, error) {
	removed, err := s.store.RemoveParticipant(ctx, lobbyID, user)
	if errors.Is(err, ErrAlreadyFinished) {
		snap, err := s.store.Snapshot(ctx, lobbyID)
		if err != nil {
			return LeaveResult{}, err
		}
		return LeaveResult{Lobby: &snap.Lobby, ActiveLeft: snap.ActiveCount()}, nil
	}
	if err != nil {
		return LeaveResult{}, err
	}
	if !removed {
		return LeaveResult{}, ErrNotAuthorized
	}

	snap, err := s.store.Snapshot(ctx, lobbyID)
	if err != nil {
		return LeaveResult{}, err
	}
	s.publish(ctx, snap)

	res := LeaveResult{Lobby: &snap.Lobby, ActiveLeft: snap.ActiveCount()}
	res.NeedsForcedEnd = snap.Lobby.Status == models.StatusStarted && res.ActiveLeft < MinPlayers
	s.logger.WithFields(logrus.Fields{
		"lobby_id": lobbyID, "user_id": user, "active_left": res.ActiveLeft,
	}).Info("participant left")
	return res, nil
}

// Start fires waiting -> started. Only the owner may do it and at least two active
// participants are required; the start timestamp is written exactly once.
func (s *Service) Start(ctx context.Context, lobbyID, actor uuid.UUID) (*models.Lobby, error) {
	l, err := s.store.GetLobby(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if !l.IsOwner(actor) {
		return nil, ErrForbidden
	}
	started, err := s.store.MarkStarted(ctx, lobbyID, s.now().UTC(), MinPlayers)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"lobby_id": lobbyID, "started_at": started.StartedAt}).Info("match started")
	s.record(ctx, historian.NewEvent(lobbyID, started.Revision, actor, historian.EventMatchStarted, map[string]any{
		"mode": started.Mode, "mode_param": started.ModeParam, "required": started.RequiredCount,
	}))
	s.broadcast(ctx, lobbyID)
	return started, nil
}

// Snapshot returns the current state for a participant of the lobby.
func (s *Service) Snapshot(ctx context.Context, lobbyID, viewer uuid.UUID) (models.Snapshot, error) {
	snap, err := s.store.Snapshot(ctx, lobbyID)
	if err != nil {
		return models.Snapshot{}, err
	}
	for _, p := range snap.Participants {
		if p.UserID == viewer {
			return snap, nil
		}
	}
	return models.Snapshot{}, ErrNotAuthorized
}

// LobbyByCode looks up a non-finished lobby without authorization; used for public metadata such as join QR codes.
func (s *Service) LobbyByCode(ctx context.Context, code string) (*models.Lobby, error) {
	return s.store.GetLobbyByCode(ctx, NormalizeCode(code))
}

func (s *Service) broadcast(ctx context.Context, lobbyID uuid.UUID) {
	Broadcast(ctx, s.store, s.pub, lobbyID, s.logger)
}

func (s *Service) publish(ctx context.Context, snap models.Snapshot) {
	if err := s.pub.Publish(ctx, snap); err != nil {
		s.logger.WithField("lobby_id", snap.Lobby.ID).Warnf("publish snapshot: %v", err)
	}
}

func (s *Service) record(ctx context.Context, ev historian.Event) {
	if err := s.recorder.Record(ctx, ev); err != nil {
		s.logger.WithField("lobby_id", ev.LobbyID).Warnf("record %s: %v", ev.Type, err)
	}
}

// Broadcast reads the committed state of a lobby and publishes it. Failures are logged only:
// observers can always re-fetch, so propagation never fails the mutation that triggered it.
func Broadcast(ctx context.Context, store Store, pub bus.Publisher, lobbyID uuid.UUID, logger *logrus.Entry) {
	snap, err := store.Snapshot(ctx, lobbyID)
	if err != nil {
		logger.WithField("lobby_id", lobbyID).Warnf("snapshot for broadcast: %v", err)
		return
	}
	if err := pub.Publish(ctx, snap); err != nil {
		logger.WithField("lobby_id", lobbyID).Warnf("publish snapshot: %v", err)
	}
}
