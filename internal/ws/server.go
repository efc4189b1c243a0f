package ws

import (
	"log"
	"net/http"
	"strings"

	"sohbet/internal/auth"
	"sohbet/internal/models"
	"sohbet/internal/presence"

	"github.com/gorilla/websocket"
)

// Server authenticates and upgrades incoming websocket connections. The
// access credential is validated exactly once here; a revoked or expired one
// is only noticed at the next reconnect.
type Server struct {
	auth         *auth.AuthService
	store        MessageStore
	registry     *presence.Registry
	hub          *Hub
	historyLimit int
	upgrader     *websocket.Upgrader
}

func NewServer(authService *auth.AuthService, store MessageStore, registry *presence.Registry, hub *Hub, historyLimit int) *Server {
	return &Server{
		auth:         authService,
		store:        store,
		registry:     registry,
		hub:          hub,
		historyLimit: historyLimit,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

// AccessToken extracts the presented access credential from the cookie or
// header of the handshake request.
func AccessToken(r *http.Request) string {
	if c, err := r.Cookie("access_token"); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("token")
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.VerifyAccess(AccessToken(r))
	if err != nil {
		// Fail closed: refuse before any event is processed.
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	conn := NewConnection(ws, func(outbox chan models.ServerEvent) *Session {
		return NewSession(identity, s.store, s.registry, s.hub, outbox, s.historyLimit)
	})

	if err := conn.Handle(r.Context()); err != nil {
		log.Printf("connection closed for %s: %v", identity.Username, err)
	}
}
