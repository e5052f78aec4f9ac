package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"parley/internal/api"
	"parley/internal/ratelimit"
	"parley/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

// NewAPIServer wires the public routes. Every /api route is limited per
// client IP before authentication runs.
func NewAPIServer(apiHandlers *api.API, wsServer *ws.Server, limiter ratelimit.Limiter, limit ratelimit.Limit, addr string) *APIServer {
	limited := func(next http.HandlerFunc) http.HandlerFunc {
		return ratelimit.Middleware(limiter, ratelimit.KindAPI, limit, apiHandlers.RequireAuth(next))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", apiHandlers.HealthHandler)
	mux.HandleFunc("GET /files/{id}", apiHandlers.FileHandler)

	// API endpoints
	mux.HandleFunc("GET /api/conversations", limited(apiHandlers.ConversationsHandler))
	mux.HandleFunc("GET /api/conversations/{id}", limited(apiHandlers.ConversationHandler))
	mux.HandleFunc("GET /api/conversations/{id}/messages", limited(apiHandlers.MessagesHandler))
	mux.HandleFunc("POST /api/conversations/{id}/messages", limited(apiHandlers.SendMessageHandler))
	mux.HandleFunc("POST /api/conversations/{id}/read", limited(apiHandlers.MarkReadHandler))
	mux.HandleFunc("GET /api/conversations/{id}/typing", limited(apiHandlers.TypingHandler))
	mux.HandleFunc("POST /api/messages/{id}/reactions", limited(apiHandlers.AddReactionHandler))
	mux.HandleFunc("DELETE /api/messages/{id}/reactions/{emoji}", limited(apiHandlers.RemoveReactionHandler))
	mux.HandleFunc("GET /api/presence", limited(apiHandlers.PresenceHandler))
	mux.HandleFunc("GET /api/presence/{userId}", limited(apiHandlers.UserPresenceHandler))

	// WebSocket endpoint
	mux.HandleFunc("GET /ws", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
