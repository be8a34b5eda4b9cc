package handlers

import (
	"net/http"

	"github.com/jason-s-yu/quizduel/internal/lobby"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const qrSize = 320

// JoinQRHandler renders a PNG QR code of the join link for an open room code.
func JoinQRHandler(s *Server) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		l, err := s.Lobbies.LobbyByCode(r.Context(), ps.ByName("code"))
		if err != nil {
			writeError(w, s.Logger, r, err)
			return
		}

		url := joinURL(s, r, l.Code)
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(png)
	}
}

// joinURL prefers the configured public URL and otherwise derives one from the request.
func joinURL(s *Server, r *http.Request, code string) string {
	if s.JoinURL != nil {
		return s.JoinURL(code)
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + "/join/" + lobby.NormalizeCode(code)
}
