// internal/handlers/lobby.go
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/catalog"
	"github.com/jason-s-yu/quizduel/internal/lobby"
	"github.com/jason-s-yu/quizduel/internal/match"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/julienschmidt/httprouter"
)

const (
	defaultDisplayName = "Guest"
	maxDisplayName     = 32
)

type createLobbyRequest struct {
	Mode        string `json:"mode"`
	Param       string `json:"param"`
	DisplayName string `json:"display_name"`
}

type joinLobbyRequest struct {
	DisplayName string `json:"display_name"`
}

type answerRequest struct {
	Answer string `json:"answer"`
}

type loseLifeRequest struct {
	Target *uuid.UUID `json:"target,omitempty"`
}

// LeaveResponse reports a leave and, when it ended the match, the forced outcome.
type LeaveResponse struct {
	Lobby      *models.Lobby  `json:"lobby"`
	ActiveLeft int            `json:"active_left"`
	Outcome    *match.Outcome `json:"outcome,omitempty"`
}

// ContentResponse is the derived content of a lobby without its answers.
type ContentResponse struct {
	Code     string          `json:"code"`
	Mode     models.GameMode `json:"mode"`
	Required int             `json:"required"`
	Items    []catalog.Item  `json:"items"`
}

func displayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultDisplayName
	}
	if utf8.RuneCountInString(name) > maxDisplayName {
		name = string([]rune(name)[:maxDisplayName])
	}
	return name
}

// parseModeRequest accepts either {"mode":"fixed","param":"10"} or the compact {"mode":"fixed-10"}.
func parseModeRequest(req createLobbyRequest) (models.GameMode, string, error) {
	if req.Mode == "" {
		return models.ModeFixed, req.Param, nil
	}
	if req.Param != "" {
		return models.GameMode(strings.ToLower(strings.TrimSpace(req.Mode))), req.Param, nil
	}
	mode, param, err := models.ParseMode(req.Mode)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", lobby.ErrInvalidMode, err)
	}
	return mode, param, nil
}

// CreateLobbyHandler creates a waiting lobby owned by the caller.
func CreateLobbyHandler(s *Server) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		userID, err := EnsureGuestUser(w, r)
		if err != nil {
			http.Error(w, "failed to establish session", http.StatusInternalServerError)
			return
		}
		var req createLobbyRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, "bad lobby request payload", http.StatusBadRequest)
			return
		}
		mode, param, err := parseModeRequest(req)
		if err != nil {
			writeError(w, s.Logger, r, err)
			return
		}

		l, err := s.Lobbies.Create(r.Context(), userID, displayName(req.DisplayName), mode, param)
		if err != nil {
			writeError(w, s.Logger, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, l)
	}
}

// JoinLobbyHandler seats the caller in the lobby with the given room code.
func JoinLobbyHandler(s *Server) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		userID, err := EnsureGuestUser(w, r)
		if err != nil {
			http.Error(w, "failed to establish session", http.StatusInternalServerError)
			return
		}
		var req joinLobbyRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, "bad join payload", http.StatusBadRequest)
			return
		}
		l, err := s.Lobbies.Join(r.Context(), ps.ByName("code"), userID, displayName(req.DisplayName))
		if err != nil {
			writeError(w, s.Logger, r, err)
			return
		}
		writeJSON(w, http.StatusOK, l)
	}
}

// GetLobbyHandler returns the current snapshot; clients use it to resync after missed events.
func GetLobbyHandler(s *Server) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		userID, err := EnsureGuestUser(w, r)
		if err != nil {
			http.Error(w, "failed to establish session", http.StatusInternalServerError)
			return
		}
		lobbyID, ok := lobbyIDParam(w, ps)
		if !ok {
			return
		}
		snap, err := s.Lobbies.Snapshot(r.Context(), lobbyID, userID)
		if err != nil {
			writeError(w, s.Logger, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// ContentHandler returns the ordered content set for participants. Answers are never included.
func ContentHandler(s *Server) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		userID, err := EnsureGuestUser(w, r)
		if err != nil {
			http.Error(w, "failed to establish session", http.StatusInternalServerError)
			return
		}
		lobbyID, ok := lobbyIDParam(w, ps)
		if !ok {
			return
		}
		snap, err := s.Lobbies.Snapshot(r.Context(), lobbyID, userID)
		if err != nil {
			writeError(w, s.Logger, r, err)
			return
		}
		items, err := s.Match.Content(&snap.Lobby)
		if err != nil {
			writeError(w, s.Logger, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ContentResponse{
			Code:     snap.Lobby.Code,
			Mode:     snap.Lobby.Mode,
			Required: snap.Lobby.RequiredCount,
			Items:    items,
		})
	}
}

// StartLobbyHandler lets the owner start the match.
func StartLobbyHandler(s *Server) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		userID, err := EnsureGuestUser(w, r)
		if err != nil {
			http.Error(w, "failed to establish session", http.StatusInternalServerError)
			return
		}
		lobbyID, ok := lobbyIDParam(w, ps)
		if !ok {
			return
		}
		l, err := s.Lobbies.Start(r.Context(), lobbyID, userID)
		if err != nil {
			writeError(w, s.Logger, r, err)
			return
		}
		writeJSON(w, http.StatusOK, l)
	}
}

// leave removes userID and, if that leaves a started match without an opponent, ends it.
func leave(ctx context.Context, s *Server, lobbyID, userID uuid.UUID) (LeaveResponse, error) {
	res, err := s.Lobbies.Leave(ctx, lobbyID, userID)
	if err != nil {
		return LeaveResponse{}, err
	}
	out := LeaveResponse{Lobby: res.Lobby, ActiveLeft: res.ActiveLeft}
	if !res.NeedsForcedEnd {
		return out, nil
	}
	outcome, err := s.Match.ForceEnd(ctx, lobbyID)
	if err != nil && lobby.KindOf(err) != lobby.KindConflict {
		return LeaveResponse{}, err
	}
	if err == nil {
		out.Outcome = &outcome
		if outcome.Snapshot != nil {
			out.Lobby = &outcome.Snapshot.Lobby
		}
	}
	return out, nil
}

// LeaveLobbyHandler removes the caller from the lobby.
func LeaveLobbyHandler(s *Server) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		userID, err := EnsureGuestUser(w, r)
		if err != nil {
			http.Error(w, "failed to establish session", http.StatusInternalServerError)
			return
		}
		lobbyID, ok := lobbyIDParam(w, ps)
		if !ok {
			return
		}
		res, err := leave(r.Context(), s, lobbyID, userID)
		if err != nil {
			writeError(w, s.Logger, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// SubmitAnswerHandler submits one answer to the race-resolution engine.
func SubmitAnswerHandler(s *Server) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		userID, err := EnsureGuestUser(w, r)
		if err != nil {
			http.Error(w, "failed to establish session", http.StatusInternalServerError)
			return
		}
		lobbyID, ok := lobbyIDParam(w, ps)
		if !ok {
			return
		}
		var req answerRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, "bad answer payload", http.StatusBadRequest)
			return
		}
		out, err := s.Match.SubmitAnswer(r.Context(), lobbyID, userID, req.Answer)
		if err != nil {
			writeError(w, s.Logger, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// DeclareWinHandler claims the win for the caller.
func DeclareWinHandler(s *Server) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		userID, err := EnsureGuestUser(w, r)
		if err != nil {
			http.Error(w, "failed to establish session", http.StatusInternalServerError)
			return
		}
		lobbyID, ok := lobbyIDParam(w, ps)
		if !ok {
			return
		}
		out, err := s.Match.DeclareWin(r.Context(), lobbyID, userID)
		if err != nil {
			writeError(w, s.Logger, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// LoseLifeHandler spends one of the caller's lives. Naming another target is rejected.
func LoseLifeHandler(s *Server) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		userID, err := EnsureGuestUser(w, r)
		if err != nil {
			http.Error(w, "failed to establish session", http.StatusInternalServerError)
			return
		}
		lobbyID, ok := lobbyIDParam(w, ps)
		if !ok {
			return
		}
		var req loseLifeRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, "bad life payload", http.StatusBadRequest)
			return
		}
		target := userID
		if req.Target != nil {
			target = *req.Target
		}
		out, err := s.Match.LoseLife(r.Context(), lobbyID, userID, target)
		if err != nil {
			writeError(w, s.Logger, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}
