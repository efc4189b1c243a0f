package ws

import (
	"errors"
	"log/slog"

	"sohbet/internal/auth"
	"sohbet/internal/content"
	"sohbet/internal/models"
	"sohbet/internal/presence"
)

// MessageStore is the durable message state the protocol mutates.
type MessageStore interface {
	AppendMessage(msg models.Message) (models.Message, error)
	RecentMessages(room string, limit int) ([]models.Message, error)
	MessageByID(id string) (models.Message, error)
	MessageByClientID(clientID string) (models.Message, error)
	EditMessageText(id, newText string) (models.Message, error)
	TombstoneForAll(id string) error
	HideForUser(userID, id string) error
	OverlayForUser(userID, room string) (map[string]bool, error)
	MarkReadThrough(room, excludingUser string, upto int64) (int64, error)
}

// broadcaster is the hub surface the session needs.
type broadcaster interface {
	Subscribe(room string, out chan models.ServerEvent) *Subscription
	Unsubscribe(sub *Subscription)
	Broadcast(room string, ev models.ServerEvent)
	BroadcastExcept(room string, except *Subscription, ev models.ServerEvent)
}

// Session drives the per-connection protocol state machine. A connection is
// authenticated at construction (the handshake already validated the access
// credential) and moves to joined on the first join event. All payload errors
// are swallowed: the protocol fails closed on auth and silent on payloads.
type Session struct {
	identity     auth.Identity
	store        MessageStore
	registry     *presence.Registry
	hub          broadcaster
	outbox       chan models.ServerEvent
	historyLimit int

	room         string
	sub          *Subscription
	lastReadEmit int64
}

func NewSession(
	identity auth.Identity,
	store MessageStore,
	registry *presence.Registry,
	hub broadcaster,
	outbox chan models.ServerEvent,
	historyLimit int,
) *Session {
	return &Session{
		identity:     identity,
		store:        store,
		registry:     registry,
		hub:          hub,
		outbox:       outbox,
		historyLimit: historyLimit,
	}
}

func (s *Session) joined() bool {
	return s.room != ""
}

// HandleEvent dispatches one client event. Events that need a joined session
// before it happened are dropped.
func (s *Session) HandleEvent(ev models.ClientEvent) {
	switch ev.Type {
	case models.ClientEventJoin:
		s.handleJoin(ev)
	case models.ClientEventSend:
		s.handleSend(ev)
	case models.ClientEventRead:
		s.handleRead(ev)
	case models.ClientEventTyping:
		s.handleTyping(ev)
	case models.ClientEventEdit:
		s.handleEdit(ev)
	case models.ClientEventDelete:
		s.handleDelete(ev)
	default:
		slog.Debug("unknown client event", "type", ev.Type, "user", s.identity.Username)
	}
}

// send queues a requester-directed event on the connection's outbox.
func (s *Session) send(ev models.ServerEvent) {
	select {
	case s.outbox <- ev:
	default:
		slog.Warn("outbox full, dropping event", "type", ev.Type, "user", s.identity.Username)
	}
}

func (s *Session) handleJoin(ev models.ClientEvent) {
	if s.joined() {
		return
	}

	room := content.NormalizeRoom(ev.Room)
	if room == "" {
		room = models.DefaultRoom
	}

	s.registry.Join(room, s.identity.Username)
	s.sub = s.hub.Subscribe(room, s.outbox)
	s.room = room

	history := s.loadHistory(room)
	users := s.registry.Members(room)

	// The requester-directed sends are queued before the room broadcasts so
	// the joining client renders history ahead of its own join notice.
	s.send(models.ServerEvent{Type: models.ServerEventHistory, Room: room, Messages: history})
	s.send(models.ServerEvent{Type: models.ServerEventJoined, Room: room, Users: users})

	s.broadcastSystem(room, s.identity.Username+" joined")
	s.hub.Broadcast(room, models.ServerEvent{Type: models.ServerEventPresence, Room: room, Users: users})
}

// loadHistory returns the room's recent messages with the requester's overlay
// applied and reply previews resolved.
func (s *Session) loadHistory(room string) []models.Message {
	recent, err := s.store.RecentMessages(room, s.historyLimit)
	if err != nil {
		slog.Error("history load failed", "room", room, "error", err)
		return []models.Message{}
	}

	hidden, err := s.store.OverlayForUser(s.identity.UserID, room)
	if err != nil {
		slog.Error("overlay load failed", "room", room, "error", err)
		hidden = map[string]bool{}
	}

	batch := make(map[string]models.Message, len(recent))
	for _, m := range recent {
		batch[m.ID] = m
	}

	history := make([]models.Message, 0, len(recent))
	for _, m := range recent {
		if hidden[m.ID] {
			continue
		}
		if m.ReplyTo != "" && !m.DeletedForAll {
			m.ReplyPreview = s.resolvePreview(m.ReplyTo, batch)
		}
		history = append(history, m)
	}
	return history
}

// resolvePreview builds the truncated reply preview for a reply target,
// preferring the already-loaded batch and falling back to a store lookup. A
// missing or tombstoned target yields no preview; the id alone tells the
// client the original is unavailable.
func (s *Session) resolvePreview(replyTo string, batch map[string]models.Message) *models.ReplyPreview {
	target, ok := batch[replyTo]
	if !ok {
		var err error
		target, err = s.store.MessageByID(replyTo)
		if err != nil {
			return nil
		}
	}
	if target.DeletedForAll {
		return nil
	}
	return &models.ReplyPreview{
		ID:        target.ID,
		Username:  target.Username,
		Text:      content.Preview(target.Text),
		CreatedAt: target.CreatedAt,
	}
}

func (s *Session) broadcastSystem(room, text string) {
	msg, err := s.store.AppendMessage(models.Message{
		Room:   room,
		Text:   text,
		System: true,
	})
	if err != nil {
		slog.Error("system message append failed", "room", room, "error", err)
		return
	}
	s.hub.Broadcast(room, models.ServerEvent{Type: models.ServerEventNewMessage, Room: room, Message: &msg})
}

func (s *Session) handleSend(ev models.ClientEvent) {
	if !s.joined() {
		return
	}

	room := content.NormalizeRoom(ev.Room)
	if room == "" {
		room = s.room
	}

	text := content.Sanitize(ev.Text)

	var preview *models.ReplyPreview
	if ev.ReplyTo != "" {
		preview = s.resolvePreview(ev.ReplyTo, nil)
	}

	msg, err := s.store.AppendMessage(models.Message{
		Room:     room,
		Username: s.identity.Username,
		Text:     text,
		ClientID: ev.ClientID,
		ReplyTo:  ev.ReplyTo,
	})
	if err != nil {
		if !errors.Is(err, models.ErrValidation) {
			slog.Error("message append failed", "room", room, "error", err)
		}
		// Blank submissions and store failures alike produce no ack; the
		// client's own retry path surfaces the latter.
		return
	}
	msg.ReplyPreview = preview

	// The room broadcast is the authoritative content; the private ack only
	// correlates the sender's optimistic copy.
	s.hub.Broadcast(room, models.ServerEvent{Type: models.ServerEventNewMessage, Room: room, Message: &msg})
	s.send(models.ServerEvent{Type: models.ServerEventDelivered, ClientID: msg.ClientID, MessageID: msg.ID})
}

func (s *Session) handleRead(ev models.ClientEvent) {
	if !s.joined() || ev.ReadUpTo == 0 {
		return
	}
	if ev.ReadUpTo == s.lastReadEmit {
		return
	}

	readAt, err := s.store.MarkReadThrough(s.room, s.identity.Username, ev.ReadUpTo)
	if err != nil {
		// Leave lastReadEmit untouched so the position can be retried.
		slog.Error("read receipt failed", "room", s.room, "error", err)
		return
	}
	s.lastReadEmit = ev.ReadUpTo

	s.hub.BroadcastExcept(s.room, s.sub, models.ServerEvent{
		Type:     models.ServerEventSeen,
		Room:     s.room,
		ReadUpTo: ev.ReadUpTo,
		ReadAt:   readAt,
		Username: s.identity.Username,
	})
}

func (s *Session) handleTyping(ev models.ClientEvent) {
	if !s.joined() {
		return
	}
	// Transient: never persisted, never debounced here. Clearing stale
	// indicators is the client's job.
	s.hub.BroadcastExcept(s.room, s.sub, models.ServerEvent{
		Type:     models.ServerEventTyping,
		Room:     s.room,
		Username: s.identity.Username,
		IsTyping: ev.IsTyping,
	})
}

// resolveTarget finds an edit/delete target by permanent id first, then by
// the author's correlation id.
func (s *Session) resolveTarget(idOrClientID string) (models.Message, error) {
	msg, err := s.store.MessageByID(idOrClientID)
	if err == nil {
		return msg, nil
	}
	return s.store.MessageByClientID(idOrClientID)
}

func (s *Session) handleEdit(ev models.ClientEvent) {
	if !s.joined() || ev.MessageID == "" {
		return
	}

	msg, err := s.resolveTarget(ev.MessageID)
	if err != nil {
		return
	}
	if msg.Username != s.identity.Username || msg.System || msg.DeletedForAll {
		return
	}

	newText := content.Sanitize(ev.NewText)
	updated, err := s.store.EditMessageText(msg.ID, newText)
	if err != nil {
		if !errors.Is(err, models.ErrValidation) {
			slog.Error("message edit failed", "id", msg.ID, "error", err)
		}
		return
	}
	if msg.ReplyTo != "" {
		updated.ReplyPreview = s.resolvePreview(msg.ReplyTo, nil)
	}

	s.hub.Broadcast(msg.Room, models.ServerEvent{Type: models.ServerEventEdited, Room: msg.Room, Message: &updated})
}

func (s *Session) handleDelete(ev models.ClientEvent) {
	if !s.joined() || ev.MessageID == "" {
		return
	}

	msg, err := s.resolveTarget(ev.MessageID)
	if err != nil {
		return
	}

	switch ev.Scope {
	case models.DeleteScopeAll:
		if msg.Username != s.identity.Username || msg.System {
			return
		}
		if err := s.store.TombstoneForAll(msg.ID); err != nil {
			slog.Error("tombstone failed", "id", msg.ID, "error", err)
			return
		}
		// Broadcast to everyone, including users who had hidden it for
		// themselves; the overlay and the tombstone are independent.
		s.hub.Broadcast(msg.Room, models.ServerEvent{Type: models.ServerEventTombstoned, Room: msg.Room, MessageID: msg.ID})
	case models.DeleteScopeSelf:
		if err := s.store.HideForUser(s.identity.UserID, msg.ID); err != nil {
			slog.Error("hide failed", "id", msg.ID, "error", err)
			return
		}
		s.send(models.ServerEvent{Type: models.ServerEventHidden, MessageID: msg.ID})
	}
}

// Close runs the disconnect transition: if the session ever joined, presence
// is removed and the departure is persisted and announced. An unjoined
// disconnect is a pure no-op.
func (s *Session) Close() {
	if !s.joined() {
		return
	}

	s.hub.Unsubscribe(s.sub)
	s.registry.Leave(s.room, s.identity.Username)

	s.broadcastSystem(s.room, s.identity.Username+" left")
	s.hub.Broadcast(s.room, models.ServerEvent{
		Type:  models.ServerEventPresence,
		Room:  s.room,
		Users: s.registry.Members(s.room),
	})

	s.room = ""
	s.sub = nil
}
