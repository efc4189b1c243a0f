package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"sohbet/internal/auth"
	"sohbet/internal/models"
	"sohbet/internal/ws"
)

// Maintenance is the retention surface behind the cleanup endpoint.
type Maintenance interface {
	PurgeRoomsOlderThan(cutoff int64) (int, error)
}

type API struct {
	auth        *auth.AuthService
	maintenance Maintenance
	roomMaxAge  time.Duration
}

func New(authService *auth.AuthService, maintenance Maintenance, roomMaxAge time.Duration) *API {
	return &API{
		auth:        authService,
		maintenance: maintenance,
		roomMaxAge:  roomMaxAge,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func (a *API) setAuthCookies(w http.ResponseWriter, pair auth.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     "access_token",
		Value:    pair.Access,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Unix(pair.AccessExpiry, 0),
	})
	http.SetCookie(w, &http.Cookie{
		Name:     "refresh_token",
		Value:    pair.Refresh,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Unix(pair.RefreshExpiry, 0),
	})
}

func (a *API) clearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{"access_token", "refresh_token"} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			HttpOnly: true,
			Path:     "/",
			MaxAge:   -1,
		})
	}
}

func refreshToken(r *http.Request) string {
	if c, err := r.Cookie("refresh_token"); err == nil {
		return c.Value
	}
	return ""
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type UserResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := a.auth.Register(req.Username, req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUserExists):
			writeMessage(w, http.StatusConflict, "Username already exists")
		case errors.Is(err, models.ErrValidation):
			writeMessage(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("register failed: %v", err)
			writeMessage(w, http.StatusInternalServerError, "Registration failed")
		}
		return
	}

	pair, _, err := a.auth.Login(req.Username, req.Password)
	if err != nil {
		log.Printf("post-register login failed: %v", err)
		writeMessage(w, http.StatusInternalServerError, "Registration failed")
		return
	}

	a.setAuthCookies(w, pair)
	writeJSON(w, http.StatusOK, UserResponse{ID: user.ID, Username: user.Username, Email: user.Email})
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	pair, user, err := a.auth.Login(req.Username, req.Password)
	if err != nil {
		writeMessage(w, http.StatusUnauthorized, "Wrong credentials")
		return
	}

	a.setAuthCookies(w, pair)
	writeJSON(w, http.StatusOK, UserResponse{ID: user.ID, Username: user.Username, Email: user.Email})
}

func (a *API) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	token := refreshToken(r)
	if token == "" {
		writeMessage(w, http.StatusUnauthorized, "No refresh token")
		return
	}

	pair, _, err := a.auth.Refresh(token)
	if err != nil {
		a.clearAuthCookies(w)
		writeMessage(w, http.StatusUnauthorized, "Refresh failed")
		return
	}

	a.setAuthCookies(w, pair)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if token := refreshToken(r); token != "" {
		_ = a.auth.Logout(token)
	}
	a.clearAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) LogoutAllHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := a.auth.VerifyAccess(ws.AccessToken(r))
	if err != nil {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if err := a.auth.LogoutAll(identity.UserID); err != nil {
		log.Printf("logout-all failed: %v", err)
	}
	a.clearAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := a.auth.VerifyAccess(ws.AccessToken(r))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"id":            identity.UserID,
		"username":      identity.Username,
	})
}

// CleanupHandler runs the retention sweep for rooms with no recent activity.
func (a *API) CleanupHandler(w http.ResponseWriter, r *http.Request) {
	cutoff := time.Now().Add(-a.roomMaxAge).UnixMilli()
	purged, err := a.maintenance.PurgeRoomsOlderThan(cutoff)
	if err != nil {
		log.Printf("room cleanup failed: %v", err)
		writeMessage(w, http.StatusInternalServerError, "Cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "purged": purged})
}
