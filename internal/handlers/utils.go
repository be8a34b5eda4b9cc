package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/auth"
	"github.com/jason-s-yu/quizduel/internal/lobby"
	"github.com/jason-s-yu/quizduel/internal/match"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

// extractCookieToken extracts a named cookie value from "Cookie" header, or returns empty if not found.
func extractCookieToken(cookieHeader, cookieName string) string {
	parts := strings.Split(cookieHeader, cookieName+"=")
	if len(parts) < 2 {
		return ""
	}
	token := parts[1]
	if idx := strings.Index(token, ";"); idx != -1 {
		token = token[:idx]
	}
	return token
}

// tokenFromRequest reads the session token from the auth cookie, falling back to a bearer header.
func tokenFromRequest(r *http.Request) string {
	if token := extractCookieToken(r.Header.Get("Cookie"), auth.CookieName); token != "" {
		return token
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// userFromRequest authenticates the request's token without minting a new identity.
func userFromRequest(r *http.Request) (uuid.UUID, error) {
	token := tokenFromRequest(r)
	if token == "" {
		return uuid.Nil, errors.New("missing auth token")
	}
	sub, err := auth.AuthenticateJWT(token)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(sub)
}

func lobbyIDParam(w http.ResponseWriter, ps httprouter.Params) (uuid.UUID, bool) {
	id, err := uuid.Parse(ps.ByName("id"))
	if err != nil {
		http.Error(w, "invalid lobby id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody decodes an optional JSON body; an empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape of every domain error.
type errorBody struct {
	Error   string     `json:"error"`
	Message string     `json:"message"`
	Winner  *uuid.UUID `json:"winner,omitempty"`
}

func newErrorBody(err error) errorBody {
	body := errorBody{Error: lobby.CodeOf(err), Message: err.Error()}
	var fe *match.FinishedError
	if errors.As(err, &fe) {
		body.Winner = &fe.Winner
	}
	if lobby.KindOf(err) == lobby.KindInternal {
		body.Message = "internal error"
	}
	return body
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	switch lobby.KindOf(err) {
	case lobby.KindNotFound:
		return http.StatusNotFound
	case lobby.KindForbidden:
		return http.StatusForbidden
	case lobby.KindInvalidState:
		return http.StatusUnprocessableEntity
	case lobby.KindConflict:
		return http.StatusConflict
	case lobby.KindExhausted:
		return http.StatusServiceUnavailable
	case lobby.KindInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger *logrus.Logger, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.WithFields(logrus.Fields{"path": r.URL.Path, "method": r.Method}).Errorf("request failed: %v", err)
	}
	writeJSON(w, status, newErrorBody(err))
}
