package ws

import (
	"errors"
	"path/filepath"
	"testing"

	"sohbet/internal/auth"
	"sohbet/internal/models"
	"sohbet/internal/presence"
	"sohbet/internal/storage"
)

type sessionFixture struct {
	store    *storage.BboltStorage
	registry *presence.Registry
	hub      *Hub
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()

	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return &sessionFixture{
		store:    store,
		registry: presence.NewRegistry(),
		hub:      NewHub(),
	}
}

func (f *sessionFixture) session(t *testing.T, userID, username string) (*Session, chan models.ServerEvent) {
	t.Helper()

	outbox := make(chan models.ServerEvent, outboxSize)
	s := NewSession(auth.Identity{UserID: userID, Username: username}, f.store, f.registry, f.hub, outbox, 50)
	return s, outbox
}

func drain(ch chan models.ServerEvent) []models.ServerEvent {
	var out []models.ServerEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func lastOfType(events []models.ServerEvent, typ models.ServerEventType) *models.ServerEvent {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == typ {
			return &events[i]
		}
	}
	return nil
}

func TestJoinSequence(t *testing.T) {
	f := newSessionFixture(t)

	if _, err := f.store.AppendMessage(models.Message{Room: "general", Username: "bob", Text: "earlier"}); err != nil {
		t.Fatal(err)
	}

	alice, aliceOut := f.session(t, "u-alice", "alice")
	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "general"})

	events := drain(aliceOut)
	if len(events) < 2 {
		t.Fatalf("expected history, joined and broadcasts, got %d events", len(events))
	}

	// History arrives before anything else, then the join confirmation.
	if events[0].Type != models.ServerEventHistory {
		t.Fatalf("first event is %s, want history", events[0].Type)
	}
	if len(events[0].Messages) != 1 || events[0].Messages[0].Text != "earlier" {
		t.Errorf("unexpected history: %+v", events[0].Messages)
	}
	if events[1].Type != models.ServerEventJoined {
		t.Fatalf("second event is %s, want joined", events[1].Type)
	}
	if len(events[1].Users) != 1 || events[1].Users[0] != "alice" {
		t.Errorf("unexpected members: %v", events[1].Users)
	}

	// The requester also receives its own join notice via the room.
	notice := lastOfType(events, models.ServerEventNewMessage)
	if notice == nil || notice.Message == nil || !notice.Message.System {
		t.Fatalf("expected system join notice, got %+v", notice)
	}
	if notice.Message.Text != "alice joined" {
		t.Errorf("unexpected notice text: %q", notice.Message.Text)
	}
}

func TestJoinDefaultsRoom(t *testing.T) {
	f := newSessionFixture(t)

	alice, out := f.session(t, "u-alice", "alice")
	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "   "})

	events := drain(out)
	if events[0].Room != models.DefaultRoom {
		t.Errorf("expected fallback to %s, got %s", models.DefaultRoom, events[0].Room)
	}
	if members := f.registry.Members(models.DefaultRoom); len(members) != 1 {
		t.Errorf("expected presence in the default room, got %v", members)
	}
}

func TestRepeatJoinIgnored(t *testing.T) {
	f := newSessionFixture(t)

	alice, out := f.session(t, "u-alice", "alice")
	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "general"})
	drain(out)

	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "random"})
	if events := drain(out); len(events) != 0 {
		t.Errorf("repeat join produced %d events", len(events))
	}
	if members := f.registry.Members("random"); len(members) != 0 {
		t.Errorf("repeat join switched rooms: %v", members)
	}
}

func TestSendBeforeJoinDropped(t *testing.T) {
	f := newSessionFixture(t)

	alice, out := f.session(t, "u-alice", "alice")
	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventSend, Text: "hello"})

	if events := drain(out); len(events) != 0 {
		t.Errorf("unjoined send produced %d events", len(events))
	}
	msgs, err := f.store.RecentMessages("general", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Error("unjoined send was persisted")
	}
}

func TestSendBroadcastAndAck(t *testing.T) {
	f := newSessionFixture(t)

	alice, aliceOut := f.session(t, "u-alice", "alice")
	bob, bobOut := f.session(t, "u-bob", "bob")
	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "general"})
	bob.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "general"})
	drain(aliceOut)
	drain(bobOut)

	alice.HandleEvent(models.ClientEvent{
		Type:     models.ClientEventSend,
		Text:     `hello <script>alert("x")</script>`,
		ClientID: "tmp_1",
	})

	aliceEvents := drain(aliceOut)
	broadcast := lastOfType(aliceEvents, models.ServerEventNewMessage)
	if broadcast == nil || broadcast.Message == nil {
		t.Fatal("sender missed the room broadcast")
	}
	if broadcast.Message.Text != "hello" {
		t.Errorf("markup survived sanitization: %q", broadcast.Message.Text)
	}
	if broadcast.Message.ID == "" || broadcast.Message.ClientID != "tmp_1" {
		t.Errorf("broadcast missing ids: %+v", broadcast.Message)
	}

	ack := lastOfType(aliceEvents, models.ServerEventDelivered)
	if ack == nil {
		t.Fatal("sender missed the delivery ack")
	}
	if ack.ClientID != "tmp_1" || ack.MessageID != broadcast.Message.ID {
		t.Errorf("ack does not correlate: %+v", ack)
	}

	bobEvents := drain(bobOut)
	if lastOfType(bobEvents, models.ServerEventNewMessage) == nil {
		t.Error("peer missed the broadcast")
	}
	if lastOfType(bobEvents, models.ServerEventDelivered) != nil {
		t.Error("delivery ack leaked to a peer")
	}
}

func TestBlankSendSilentlyDropped(t *testing.T) {
	f := newSessionFixture(t)

	alice, out := f.session(t, "u-alice", "alice")
	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "quiet"})
	drain(out)

	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventSend, Text: "   ", ClientID: "tmp_1"})
	if events := drain(out); len(events) != 0 {
		t.Errorf("blank send produced %d events", len(events))
	}
}

func TestReplyCarriesPreview(t *testing.T) {
	f := newSessionFixture(t)

	original, err := f.store.AppendMessage(models.Message{Room: "general", Username: "bob", Text: "the original question"})
	if err != nil {
		t.Fatal(err)
	}

	alice, out := f.session(t, "u-alice", "alice")
	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "general"})
	drain(out)

	alice.HandleEvent(models.ClientEvent{
		Type:     models.ClientEventSend,
		Text:     "an answer",
		ClientID: "tmp_1",
		ReplyTo:  original.ID,
	})

	broadcast := lastOfType(drain(out), models.ServerEventNewMessage)
	if broadcast == nil || broadcast.Message == nil {
		t.Fatal("missing broadcast")
	}
	if broadcast.Message.ReplyTo != original.ID {
		t.Errorf("replyTo lost: %+v", broadcast.Message)
	}
	preview := broadcast.Message.ReplyPreview
	if preview == nil {
		t.Fatal("expected reply preview")
	}
	if preview.Username != "bob" || preview.Text != "the original question" {
		t.Errorf("unexpected preview: %+v", preview)
	}
}

func TestReadReceipt(t *testing.T) {
	f := newSessionFixture(t)

	sent, err := f.store.AppendMessage(models.Message{Room: "general", Username: "bob", Text: "unread"})
	if err != nil {
		t.Fatal(err)
	}

	alice, aliceOut := f.session(t, "u-alice", "alice")
	bob, bobOut := f.session(t, "u-bob", "bob")
	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "general"})
	bob.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "general"})
	drain(aliceOut)
	drain(bobOut)

	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventRead, ReadUpTo: sent.CreatedAt})

	seen := lastOfType(drain(bobOut), models.ServerEventSeen)
	if seen == nil {
		t.Fatal("author missed the read receipt")
	}
	if seen.ReadUpTo != sent.CreatedAt || seen.Username != "alice" || seen.ReadAt == 0 {
		t.Errorf("unexpected receipt: %+v", seen)
	}

	// The receipt never echoes back to the reader.
	if lastOfType(drain(aliceOut), models.ServerEventSeen) != nil {
		t.Error("receipt echoed to the reader")
	}

	stored, err := f.store.MessageByID(sent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ReadAt == 0 {
		t.Error("readAt not persisted")
	}

	// A repeat of the same position is suppressed.
	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventRead, ReadUpTo: sent.CreatedAt})
	if lastOfType(drain(bobOut), models.ServerEventSeen) != nil {
		t.Error("duplicate receipt broadcast")
	}

	// A zero position is meaningless.
	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventRead, ReadUpTo: 0})
	if lastOfType(drain(bobOut), models.ServerEventSeen) != nil {
		t.Error("zero receipt broadcast")
	}
}

// flakyReadStore fails MarkReadThrough a set number of times before
// delegating.
type flakyReadStore struct {
	MessageStore
	failures int
}

func (s *flakyReadStore) MarkReadThrough(room, excludingUser string, upto int64) (int64, error) {
	if s.failures > 0 {
		s.failures--
		return 0, errors.New("store unavailable")
	}
	return s.MessageStore.MarkReadThrough(room, excludingUser, upto)
}

func TestReadReceiptRetriesAfterStoreError(t *testing.T) {
	f := newSessionFixture(t)

	sent, err := f.store.AppendMessage(models.Message{Room: "general", Username: "bob", Text: "unread"})
	if err != nil {
		t.Fatal(err)
	}

	flaky := &flakyReadStore{MessageStore: f.store, failures: 1}
	aliceOut := make(chan models.ServerEvent, outboxSize)
	alice := NewSession(auth.Identity{UserID: "u-alice", Username: "alice"}, flaky, f.registry, f.hub, aliceOut, 50)

	bob, bobOut := f.session(t, "u-bob", "bob")
	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "general"})
	bob.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "general"})
	drain(aliceOut)
	drain(bobOut)

	// The first attempt hits the store failure and produces no receipt.
	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventRead, ReadUpTo: sent.CreatedAt})
	if lastOfType(drain(bobOut), models.ServerEventSeen) != nil {
		t.Fatal("receipt broadcast despite store failure")
	}

	// The same position must not be suppressed after the failure.
	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventRead, ReadUpTo: sent.CreatedAt})
	seen := lastOfType(drain(bobOut), models.ServerEventSeen)
	if seen == nil {
		t.Fatal("retry of the same position was suppressed")
	}
	if seen.ReadUpTo != sent.CreatedAt {
		t.Errorf("unexpected receipt: %+v", seen)
	}
}

func TestTypingExcludesSender(t *testing.T) {
	f := newSessionFixture(t)

	alice, aliceOut := f.session(t, "u-alice", "alice")
	bob, bobOut := f.session(t, "u-bob", "bob")
	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "general"})
	bob.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "general"})
	drain(aliceOut)
	drain(bobOut)

	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventTyping, IsTyping: true})

	typing := lastOfType(drain(bobOut), models.ServerEventTyping)
	if typing == nil {
		t.Fatal("peer missed the typing indicator")
	}
	if typing.Username != "alice" || !typing.IsTyping {
		t.Errorf("unexpected indicator: %+v", typing)
	}
	if lastOfType(drain(aliceOut), models.ServerEventTyping) != nil {
		t.Error("typing indicator echoed to the sender")
	}

	// Indicators are never persisted.
	msgs, err := f.store.RecentMessages("general", 50)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs {
		if !m.System {
			t.Errorf("unexpected persisted message: %+v", m)
		}
	}
}

func TestEditAuthorization(t *testing.T) {
	f := newSessionFixture(t)

	fromBob, err := f.store.AppendMessage(models.Message{Room: "general", Username: "bob", Text: "bob's words"})
	if err != nil {
		t.Fatal(err)
	}

	alice, out := f.session(t, "u-alice", "alice")
	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "general"})
	drain(out)

	// Editing someone else's message is silently dropped.
	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventEdit, MessageID: fromBob.ID, NewText: "hijacked"})
	if lastOfType(drain(out), models.ServerEventEdited) != nil {
		t.Error("foreign edit broadcast")
	}
	stored, err := f.store.MessageByID(fromBob.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Text != "bob's words" {
		t.Errorf("foreign edit persisted: %q", stored.Text)
	}

	// Own messages can be edited, addressed by correlation id too.
	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventSend, Text: "tpyo", ClientID: "tmp_1"})
	drain(out)
	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventEdit, MessageID: "tmp_1", NewText: "typo"})

	edited := lastOfType(drain(out), models.ServerEventEdited)
	if edited == nil || edited.Message == nil {
		t.Fatal("missing edit broadcast")
	}
	if edited.Message.Text != "typo" || edited.Message.EditedAt == 0 {
		t.Errorf("unexpected edit: %+v", edited.Message)
	}
}

func TestDeleteForAll(t *testing.T) {
	f := newSessionFixture(t)

	alice, aliceOut := f.session(t, "u-alice", "alice")
	bob, bobOut := f.session(t, "u-bob", "bob")
	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "general"})
	bob.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "general"})
	drain(aliceOut)
	drain(bobOut)

	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventSend, Text: "regret", ClientID: "tmp_1"})
	broadcast := lastOfType(drain(aliceOut), models.ServerEventNewMessage)
	if broadcast == nil || broadcast.Message == nil {
		t.Fatal("missing send broadcast")
	}
	drain(bobOut)

	// Bob cannot delete alice's message for everyone.
	bob.HandleEvent(models.ClientEvent{Type: models.ClientEventDelete, MessageID: broadcast.Message.ID, Scope: models.DeleteScopeAll})
	if lastOfType(drain(aliceOut), models.ServerEventTombstoned) != nil {
		t.Error("foreign delete broadcast")
	}

	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventDelete, MessageID: broadcast.Message.ID, Scope: models.DeleteScopeAll})

	tombstoned := lastOfType(drain(bobOut), models.ServerEventTombstoned)
	if tombstoned == nil || tombstoned.MessageID != broadcast.Message.ID {
		t.Fatalf("peer missed the tombstone: %+v", tombstoned)
	}

	stored, err := f.store.MessageByID(broadcast.Message.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Text != models.DeletedPlaceholder || !stored.DeletedForAll {
		t.Errorf("tombstone not persisted: %+v", stored)
	}
}

func TestDeleteForSelf(t *testing.T) {
	f := newSessionFixture(t)

	fromBob, err := f.store.AppendMessage(models.Message{Room: "general", Username: "bob", Text: "noise"})
	if err != nil {
		t.Fatal(err)
	}

	alice, aliceOut := f.session(t, "u-alice", "alice")
	bob, bobOut := f.session(t, "u-bob", "bob")
	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "general"})
	bob.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "general"})
	drain(aliceOut)
	drain(bobOut)

	// Anyone may hide any message for themselves.
	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventDelete, MessageID: fromBob.ID, Scope: models.DeleteScopeSelf})

	hidden := lastOfType(drain(aliceOut), models.ServerEventHidden)
	if hidden == nil || hidden.MessageID != fromBob.ID {
		t.Fatalf("requester missed the hide confirmation: %+v", hidden)
	}
	if lastOfType(drain(bobOut), models.ServerEventHidden) != nil {
		t.Error("hide confirmation leaked to a peer")
	}

	// The message stays visible to everyone else.
	stored, err := f.store.MessageByID(fromBob.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Text != "noise" {
		t.Errorf("hide mutated the message: %q", stored.Text)
	}

	// And it is filtered from alice's next history load.
	carol, carolOut := f.session(t, "u-alice", "alice")
	carol.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "general"})
	history := drain(carolOut)[0]
	for _, m := range history.Messages {
		if m.ID == fromBob.ID {
			t.Error("hidden message returned in history")
		}
	}
}

func TestCloseAnnouncesDeparture(t *testing.T) {
	f := newSessionFixture(t)

	alice, aliceOut := f.session(t, "u-alice", "alice")
	bob, bobOut := f.session(t, "u-bob", "bob")
	alice.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "general"})
	bob.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "general"})
	drain(aliceOut)
	drain(bobOut)

	alice.Close()

	events := drain(bobOut)
	notice := lastOfType(events, models.ServerEventNewMessage)
	if notice == nil || notice.Message == nil || notice.Message.Text != "alice left" {
		t.Fatalf("peer missed the departure notice: %+v", notice)
	}
	presenceEv := lastOfType(events, models.ServerEventPresence)
	if presenceEv == nil {
		t.Fatal("peer missed the presence update")
	}
	if len(presenceEv.Users) != 1 || presenceEv.Users[0] != "bob" {
		t.Errorf("unexpected members after departure: %v", presenceEv.Users)
	}
	if members := f.registry.Members("general"); len(members) != 1 {
		t.Errorf("registry out of sync: %v", members)
	}
}

func TestCloseWithoutJoin(t *testing.T) {
	f := newSessionFixture(t)

	peer, peerOut := f.session(t, "u-bob", "bob")
	peer.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "general"})
	drain(peerOut)

	alice, _ := f.session(t, "u-alice", "alice")
	alice.Close()

	if events := drain(peerOut); len(events) != 0 {
		t.Errorf("unjoined disconnect produced %d events", len(events))
	}
}
