package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"sohbet/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	initialBackoff = 1200 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// ErrLoggedOut is returned by Run when the handshake was rejected and a
// session refresh also failed. The caller must treat the session as dead
// instead of retrying.
var ErrLoggedOut = errors.New("session expired, logged out")

// Config wires a Client to a server and a credential source.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host/api/chat.
	URL string
	// Room to join after each (re)connect. Empty means the server default.
	Room string
	// Username of the authenticated user; drives own-message status tracking.
	Username string
	// AccessToken presents the current access credential.
	AccessToken func() string
	// RefreshSession attempts one credential refresh after a rejected
	// handshake. Nil disables refresh.
	RefreshSession func(ctx context.Context) error
	// OnEvent, when set, observes every server event after reconciliation.
	OnEvent func(ev models.ServerEvent)
	// OnTyping, when set, observes typing indicators. Timeout-based clearing
	// is the callback's responsibility.
	OnTyping func(username string, isTyping bool)
}

// Client maintains a reconnecting websocket session and feeds every incoming
// event through the reconciler. All merging happens on the single Run
// goroutine; snapshots are safe from anywhere.
type Client struct {
	cfg   Config
	recon *Reconciler

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(cfg Config) *Client {
	return &Client{
		cfg:   cfg,
		recon: NewReconciler(cfg.Username),
	}
}

// Reconciler exposes the merged message view.
func (c *Client) Reconciler() *Reconciler {
	return c.recon
}

// Run connects and processes events until the context is canceled or the
// session is irrecoverably rejected. Reconnects are automatic with
// exponential backoff; prior local state is kept as a merge source.
func (c *Client) Run(ctx context.Context) error {
	backoff := initialBackoff
	refreshed := false

	for {
		conn, resp, err := c.dial(ctx)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				// Fail closed on auth: one refresh attempt, then give up.
				if refreshed || c.cfg.RefreshSession == nil {
					return ErrLoggedOut
				}
				refreshed = true
				if refreshErr := c.cfg.RefreshSession(ctx); refreshErr != nil {
					return ErrLoggedOut
				}
				continue
			}

			slog.Debug("dial failed", "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff
		refreshed = false

		err = c.serve(ctx, conn)
		c.setConn(nil)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Debug("connection lost, reconnecting", "error", err)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	if c.cfg.AccessToken != nil {
		header.Set("Authorization", "Bearer "+c.cfg.AccessToken())
	}
	return websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, header)
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Client) write(ev models.ClientEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	return c.conn.WriteJSON(ev)
}

// serve replays the join sequence and then pumps events until the connection
// drops.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.setConn(conn)
	c.recon.ResetReadEmit()

	// Unblock the read loop when the context ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := c.write(models.ClientEvent{Type: models.ClientEventJoin, Room: c.cfg.Room}); err != nil {
		return fmt.Errorf("join failed: %w", err)
	}

	for {
		var ev models.ServerEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		c.apply(ev)
		if c.cfg.OnEvent != nil {
			c.cfg.OnEvent(ev)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Client) apply(ev models.ServerEvent) {
	switch ev.Type {
	case models.ServerEventHistory:
		c.recon.MergeHistory(ev.Messages)
	case models.ServerEventNewMessage:
		if ev.Message != nil {
			c.recon.ApplyNew(*ev.Message)
		}
	case models.ServerEventDelivered:
		c.recon.ApplyDelivered(ev.ClientID, ev.MessageID)
	case models.ServerEventSeen:
		c.recon.ApplySeen(ev.ReadUpTo, ev.ReadAt)
	case models.ServerEventEdited:
		if ev.Message != nil {
			c.recon.ApplyEdited(*ev.Message)
		}
	case models.ServerEventTombstoned:
		c.recon.ApplyTombstone(ev.MessageID)
	case models.ServerEventHidden:
		c.recon.ApplyHidden(ev.MessageID)
	case models.ServerEventTyping:
		if c.cfg.OnTyping != nil {
			c.cfg.OnTyping(ev.Username, ev.IsTyping)
		}
	case models.ServerEventJoined, models.ServerEventPresence:
		// Presence snapshots carry no message state; observers get them via
		// OnEvent.
	}
}

// Send records an optimistic local message and transmits it. The returned
// correlation id doubles as the local entry's id until the server record
// arrives.
func (c *Client) Send(text, replyTo string) (string, error) {
	clientID := "tmp_" + uuid.NewString()
	c.recon.AddLocal(clientID, c.cfg.Room, text, replyTo, nil)

	err := c.write(models.ClientEvent{
		Type:     models.ClientEventSend,
		Room:     c.cfg.Room,
		Text:     text,
		ClientID: clientID,
		ReplyTo:  replyTo,
	})
	return clientID, err
}

// Edit requests an edit by permanent or correlation id.
func (c *Client) Edit(idOrClientID, newText string) error {
	return c.write(models.ClientEvent{
		Type:      models.ClientEventEdit,
		MessageID: idOrClientID,
		NewText:   newText,
	})
}

// Delete requests a delete with the given scope.
func (c *Client) Delete(idOrClientID string, scope models.DeleteScope) error {
	return c.write(models.ClientEvent{
		Type:      models.ClientEventDelete,
		MessageID: idOrClientID,
		Scope:     scope,
	})
}

// Typing transmits a typing indicator.
func (c *Client) Typing(isTyping bool) error {
	return c.write(models.ClientEvent{
		Type:     models.ClientEventTyping,
		Room:     c.cfg.Room,
		IsTyping: isTyping,
	})
}

// MaybeEmitRead emits a read receipt when the viewport position and the
// receipt gate allow one.
func (c *Client) MaybeEmitRead(distanceFromBottom int) error {
	upTo, ok := c.recon.ReadUpToEmit(distanceFromBottom)
	if !ok {
		return nil
	}
	return c.write(models.ClientEvent{
		Type:     models.ClientEventRead,
		Room:     c.cfg.Room,
		ReadUpTo: upTo,
	})
}
