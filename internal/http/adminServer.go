package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"parley/internal/api"
)

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

// NewAdminServer exposes operator endpoints. It has no authentication of
// its own and is meant to listen on loopback only.
func NewAdminServer(adminHandler *api.AdminHandler, addr string) *AdminServer {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/conversations", adminHandler.CreateConversationHandler)
	mux.HandleFunc("GET /admin/connections", adminHandler.ConnectionsHandler)
	mux.HandleFunc("POST /admin/evict", adminHandler.EvictHandler)
	mux.HandleFunc("POST /admin/tokens", adminHandler.IssueTokenHandler)
	mux.HandleFunc("POST /admin/tokens/revoke", adminHandler.RevokeTokenHandler)
	mux.HandleFunc("GET /admin/ratelimit/{kind}/{identifier}", adminHandler.RateLimitStatusHandler)
	mux.HandleFunc("DELETE /admin/ratelimit/{kind}/{identifier}", adminHandler.ResetRateLimitHandler)
	mux.HandleFunc("PUT /admin/attachments/{id}", adminHandler.UploadAttachmentHandler)

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *AdminServer) Start() error {
	log.Printf("Admin API started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
