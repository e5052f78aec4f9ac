package ws

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"parley/internal/apperr"
	"parley/internal/auth"
)

const maxFrameSize = 64 << 10

type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

type Server struct {
	ctx      context.Context
	auth     TokenVerifier
	gateway  *Gateway
	upgrader *websocket.Upgrader
}

// NewServer creates the websocket endpoint. Connections live until ctx is
// canceled, the client goes away or the user is evicted.
func NewServer(ctx context.Context, verifier TokenVerifier, gateway *Gateway) *Server {
	return &Server{
		ctx:     ctx,
		auth:    verifier,
		gateway: gateway,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, err := s.auth.Verify(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, apperr.Message(err), http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("error upgrading to websocket", "user_id", userID, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	conn := NewConnection(s.gateway, ws, userID, s.gateway.cfg.QueueSize)
	if err := conn.Handle(s.ctx); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return
		}
		slog.Debug("connection ended", "user_id", userID, "connection_id", conn.ID, "error", err)
	}
}
