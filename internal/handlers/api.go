package handlers

import (
	"net/http"
	"time"

	"github.com/jason-s-yu/quizduel/internal/bus"
	"github.com/jason-s-yu/quizduel/internal/lobby"
	"github.com/jason-s-yu/quizduel/internal/match"
	"github.com/jason-s-yu/quizduel/internal/middleware"
	"github.com/jason-s-yu/quizduel/internal/presence"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

// DefaultPingInterval is how often the lobby socket pings, refreshes presence and
// re-reads who is online.
const DefaultPingInterval = 10 * time.Second

// Server bundles what the HTTP and WebSocket handlers need.
type Server struct {
	Lobbies  *lobby.Service
	Match    *match.Engine
	Bus      bus.Bus
	Presence presence.Tracker
	Logger   *logrus.Logger

	// JoinURL builds the link encoded into a room's QR code.
	JoinURL func(code string) string

	PingInterval time.Duration
}

func (s *Server) pingInterval() time.Duration {
	if s.PingInterval <= 0 {
		return DefaultPingInterval
	}
	return s.PingInterval
}

// NewRouter wires every route behind the request logger.
func NewRouter(s *Server) http.Handler {
	mux := httprouter.New()

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		s.Logger.WithField("path", r.URL.Path).Errorf("panic serving request: %v", i)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"})
	}

	mux.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.POST("/session", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		SessionHandler(w, r)
	})

	mux.POST("/lobby", CreateLobbyHandler(s))
	mux.GET("/lobby/:id", GetLobbyHandler(s))
	mux.GET("/lobby/:id/content", ContentHandler(s))
	mux.GET("/lobby/:id/ws", LobbyWSHandler(s))
	mux.POST("/lobby/:id/start", StartLobbyHandler(s))
	mux.POST("/lobby/:id/leave", LeaveLobbyHandler(s))
	mux.POST("/lobby/:id/answer", SubmitAnswerHandler(s))
	mux.POST("/lobby/:id/win", DeclareWinHandler(s))
	mux.POST("/lobby/:id/life", LoseLifeHandler(s))

	mux.POST("/join/:code", JoinLobbyHandler(s))
	mux.GET("/join/:code/qr", JoinQRHandler(s))

	return middleware.LogMiddleware(s.Logger)(mux)
}
