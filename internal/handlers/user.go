package handlers

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/auth"
)

// EnsureGuestUser returns the caller's user id. A caller without a valid token is given a fresh
// guest identity and a session cookie; there is no account store behind it.
func EnsureGuestUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, error) {
	if id, err := userFromRequest(r); err == nil {
		return id, nil
	}

	guest := uuid.New()
	token, err := auth.CreateJWT(guest.String())
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create guest JWT: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		HttpOnly: true,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})
	return guest, nil
}

// SessionHandler hands out (or confirms) a guest session and reports the user id.
func SessionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := EnsureGuestUser(w, r)
	if err != nil {
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": id.String()})
}
