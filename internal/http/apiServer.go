package http

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"sohbet/internal/api"
	"sohbet/internal/auth"
	"sohbet/internal/presence"
	"sohbet/internal/storage"
	"sohbet/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(
	authService *auth.AuthService,
	store *storage.BboltStorage,
	registry *presence.Registry,
	hub *ws.Hub,
	historyLimit int,
	roomMaxAge time.Duration,
	addr string,
) *APIServer {
	server := ws.NewServer(authService, store, registry, hub, historyLimit)
	apiHandlers := api.New(authService, store, roomMaxAge)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/register", apiHandlers.RegisterHandler)
	mux.HandleFunc("POST /api/login", apiHandlers.LoginHandler)
	mux.HandleFunc("POST /api/refresh", apiHandlers.RefreshHandler)
	mux.HandleFunc("POST /api/logout", apiHandlers.LogoutHandler)
	mux.HandleFunc("POST /api/logout-all", apiHandlers.LogoutAllHandler)
	mux.HandleFunc("GET /api/me", apiHandlers.MeHandler)
	mux.HandleFunc("POST /api/cleanup/old-rooms", apiHandlers.CleanupHandler)

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", server.HandleConnections)

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
