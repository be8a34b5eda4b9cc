// internal/handlers/lobby_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/auth"
	"github.com/jason-s-yu/quizduel/internal/bus"
	"github.com/jason-s-yu/quizduel/internal/lobby"
	"github.com/jason-s-yu/quizduel/internal/match"
	"github.com/jason-s-yu/quizduel/internal/middleware"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/jason-s-yu/quizduel/internal/presence"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

const wsSubprotocol = "lobby"

// wsAction is a message from the client.
type wsAction struct {
	Type   string     `json:"type"`
	Answer string     `json:"answer,omitempty"`
	Target *uuid.UUID `json:"target,omitempty"`
}

// wsFrame is a message to the client. Exactly one payload field is set per type.
type wsFrame struct {
	Type     string           `json:"type"`
	Action   string           `json:"action,omitempty"`
	Snapshot *models.Snapshot `json:"snapshot,omitempty"`
	Online   []uuid.UUID      `json:"online,omitempty"`
	Outcome  *match.Outcome   `json:"outcome,omitempty"`
	Lobby    *models.Lobby    `json:"lobby,omitempty"`
	Leave    *LeaveResponse   `json:"leave,omitempty"`
	Error    *errorBody       `json:"error,omitempty"`
}

// lobbyConn is one participant's socket on one lobby.
type lobbyConn struct {
	c       *websocket.Conn
	lobbyID uuid.UUID
	userID  uuid.UUID
	out     chan wsFrame
	resync  chan struct{}
	cancel  context.CancelFunc
	logger  *logrus.Entry
}

// LobbyWSHandler streams a lobby's committed state to a participant and accepts match actions.
// The stream starts with the current snapshot; later snapshots are applied only if newer.
func LobbyWSHandler(s *Server) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		lobbyID, err := uuid.Parse(ps.ByName("id"))
		if err != nil {
			http.Error(w, "invalid lobby_id", http.StatusBadRequest)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{wsSubprotocol},
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			s.Logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != wsSubprotocol {
			c.Close(BadSubprotocolError, "client must speak the lobby subprotocol")
			return
		}

		token := tokenFromRequest(r)
		if token == "" {
			c.Close(InvalidAuthTokenError, "missing auth token")
			return
		}
		sub, err := auth.AuthenticateJWT(token)
		if err != nil {
			c.Close(InvalidAuthTokenError, "invalid auth token")
			return
		}
		userID, err := uuid.Parse(sub)
		if err != nil {
			c.Close(InvalidUserIDError, "invalid user id in token")
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// subscribe before reading the initial snapshot so no commit falls between them
		updates, unsubscribe, err := s.Bus.Subscribe(ctx, lobbyID)
		if err != nil {
			s.Logger.WithField("lobby_id", lobbyID).Warnf("subscribe failed: %v", err)
			c.Close(SubscribeFailedError, "could not open lobby stream")
			return
		}
		defer unsubscribe()

		snap, err := s.Lobbies.Snapshot(ctx, lobbyID, userID)
		switch {
		case errors.Is(err, lobby.ErrLobbyNotFound):
			c.Close(InvalidLobbyIDError, "lobby does not exist")
			return
		case errors.Is(err, lobby.ErrNotAuthorized):
			c.Close(NotParticipantError, "join the lobby before connecting")
			return
		case err != nil:
			s.Logger.WithField("lobby_id", lobbyID).Errorf("initial snapshot: %v", err)
			c.Close(websocket.StatusInternalError, "could not load lobby")
			return
		}

		conn := &lobbyConn{
			c:       c,
			lobbyID: lobbyID,
			userID:  userID,
			out:     make(chan wsFrame, 16),
			resync:  make(chan struct{}, 1),
			cancel:  cancel,
			logger:  s.Logger.WithFields(logrus.Fields{"lobby_id": lobbyID, "user_id": userID}),
		}
		middleware.LogWebSocketConnect(s.Logger, r.RemoteAddr, r.URL.Path)

		done := make(chan struct{})
		go func() {
			defer close(done)
			conn.writePump(ctx, s, updates, snap)
		}()

		readErr := conn.readPump(ctx, s)
		if readErr == nil && ctx.Err() == nil {
			// flush queued replies, such as the leave result, before closing
			close(conn.out)
		} else {
			cancel()
		}
		<-done

		middleware.LogWebSocketDisconnect(s.Logger, r.RemoteAddr, r.URL.Path, readErr)
		c.Close(websocket.StatusNormalClosure, "")
	}
}

// readPump handles incoming actions until the socket closes or the participant leaves.
func (lc *lobbyConn) readPump(ctx context.Context, s *Server) error {
	for {
		typ, msg, err := lc.c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			lc.logger.Warnf("ignoring non-text message type %d", typ)
			continue
		}

		var a wsAction
		if err := json.Unmarshal(msg, &a); err != nil {
			lc.send(ctx, wsFrame{Type: "error", Error: &errorBody{Error: "invalid_json", Message: "invalid JSON format"}})
			continue
		}
		if stop := lc.handle(ctx, s, a); stop {
			return nil
		}
	}
}

// handle runs one action. Accepted actions run to completion even if the socket drops
// mid-request. Returns true when the connection should close.
func (lc *lobbyConn) handle(ctx context.Context, s *Server, a wsAction) bool {
	opCtx := context.WithoutCancel(ctx)

	switch a.Type {
	case "submit_answer":
		out, err := s.Match.SubmitAnswer(opCtx, lc.lobbyID, lc.userID, a.Answer)
		lc.replyOutcome(ctx, a.Type, out, err)
	case "declare_win":
		out, err := s.Match.DeclareWin(opCtx, lc.lobbyID, lc.userID)
		lc.replyOutcome(ctx, a.Type, out, err)
	case "lose_life":
		target := lc.userID
		if a.Target != nil {
			target = *a.Target
		}
		out, err := s.Match.LoseLife(opCtx, lc.lobbyID, lc.userID, target)
		lc.replyOutcome(ctx, a.Type, out, err)
	case "start":
		l, err := s.Lobbies.Start(opCtx, lc.lobbyID, lc.userID)
		if err != nil {
			lc.sendError(ctx, a.Type, err)
			return false
		}
		lc.send(ctx, wsFrame{Type: "result", Action: a.Type, Lobby: l})
	case "leave":
		res, err := leave(opCtx, s, lc.lobbyID, lc.userID)
		if err != nil {
			lc.sendError(ctx, a.Type, err)
			return false
		}
		lc.send(ctx, wsFrame{Type: "result", Action: a.Type, Leave: &res})
		return true
	case "resync":
		select {
		case lc.resync <- struct{}{}:
		default:
		}
	default:
		lc.sendError(ctx, a.Type, &lobby.Error{Kind: lobby.KindInvalidArgument, Code: "unknown_action", Msg: "unknown action type: " + a.Type})
	}
	return false
}

func (lc *lobbyConn) replyOutcome(ctx context.Context, action string, out match.Outcome, err error) {
	if err != nil {
		lc.sendError(ctx, action, err)
		return
	}
	lc.send(ctx, wsFrame{Type: "result", Action: action, Outcome: &out})
}

func (lc *lobbyConn) sendError(ctx context.Context, action string, err error) {
	if lobby.KindOf(err) == lobby.KindInternal {
		lc.logger.Errorf("%s failed: %v", action, err)
	}
	body := newErrorBody(err)
	lc.send(ctx, wsFrame{Type: "error", Action: action, Error: &body})
}

// send queues a frame for the write pump.
func (lc *lobbyConn) send(ctx context.Context, f wsFrame) {
	select {
	case lc.out <- f:
	case <-ctx.Done():
	}
}

// writePump owns every write to the socket: lobby snapshots from the bus, replies, presence
// frames and keepalive pings. It also holds this connection's presence lease.
func (lc *lobbyConn) writePump(ctx context.Context, s *Server, updates <-chan models.Snapshot, initial models.Snapshot) {
	defer lc.cancel()

	lease := lc.joinPresence(ctx, s)
	defer func() {
		if lease != nil {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = lease.Release(releaseCtx)
			cancel()
		}
	}()

	ticker := time.NewTicker(s.pingInterval())
	defer ticker.Stop()

	var cur bus.Cursor
	cur.Apply(initial)
	if err := lc.write(ctx, wsFrame{Type: "lobby_state", Snapshot: &initial}); err != nil {
		return
	}

	var (
		online []uuid.UUID
		sent   bool
	)
	pushPresence := func() error {
		users, err := s.Presence.Online(ctx, lc.lobbyID)
		if err != nil {
			lc.logger.Debugf("presence read failed: %v", err)
			return nil
		}
		if sent && slices.Equal(users, online) {
			return nil
		}
		online, sent = users, true
		return lc.write(ctx, wsFrame{Type: "presence", Online: users})
	}
	if err := pushPresence(); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if !cur.Apply(snap) {
				continue
			}
			if err := lc.write(ctx, wsFrame{Type: "lobby_state", Snapshot: &snap}); err != nil {
				return
			}
		case f, ok := <-lc.out:
			if !ok {
				return
			}
			if err := lc.write(ctx, f); err != nil {
				return
			}
		case <-lc.resync:
			snap, err := s.Lobbies.Snapshot(ctx, lc.lobbyID, lc.userID)
			if err != nil {
				body := newErrorBody(err)
				if werr := lc.write(ctx, wsFrame{Type: "error", Action: "resync", Error: &body}); werr != nil {
					return
				}
				continue
			}
			cur.Apply(snap)
			if err := lc.write(ctx, wsFrame{Type: "lobby_state", Snapshot: &snap}); err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := lc.c.Ping(pingCtx)
			cancel()
			if err != nil {
				lc.logger.Debugf("ping failed: %v", err)
				return
			}
			if lease != nil {
				if err := lease.Refresh(ctx); errors.Is(err, presence.ErrLeaseExpired) {
					lease = lc.joinPresence(ctx, s)
				}
			}
			if err := pushPresence(); err != nil {
				return
			}
		}
	}
}

func (lc *lobbyConn) joinPresence(ctx context.Context, s *Server) presence.Lease {
	lease, err := s.Presence.Join(ctx, lc.lobbyID, lc.userID)
	if err != nil {
		lc.logger.Warnf("presence join failed: %v", err)
		return nil
	}
	return lease
}

func (lc *lobbyConn) write(ctx context.Context, f wsFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		lc.logger.Warnf("failed to marshal %s frame: %v", f.Type, err)
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := lc.c.Write(writeCtx, websocket.MessageText, data); err != nil {
		lc.logger.Debugf("write failed: %v", err)
		return err
	}
	return nil
}
