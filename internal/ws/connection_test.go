package ws

import (
	"context"
	"errors"
	"testing"
	"time"

	"sohbet/internal/auth"
	"sohbet/internal/models"
)

type mockWS struct {
	readCh  chan models.ClientEvent
	writeCh chan models.ServerEvent
	closeCh chan struct{}
	closed  bool
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan models.ClientEvent, 10),
		writeCh: make(chan models.ServerEvent, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

func (m *mockWS) WriteJSON(v interface{}) error {
	if ev, ok := v.(models.ServerEvent); ok {
		m.writeCh <- ev
	}
	return nil
}

func (m *mockWS) ReadJSON(v interface{}) error {
	select {
	case ev, ok := <-m.readCh:
		if !ok {
			return errors.New("read channel closed")
		}
		if ptr, ok := v.(*models.ClientEvent); ok {
			*ptr = ev
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

func (m *mockWS) expectWrite(t *testing.T) models.ServerEvent {
	t.Helper()
	select {
	case ev := <-m.writeCh:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a write")
		return models.ServerEvent{}
	}
}

func newTestConnection(f *sessionFixture, mock *mockWS, userID, username string) *Connection {
	return NewConnection(mock, func(outbox chan models.ServerEvent) *Session {
		return NewSession(auth.Identity{UserID: userID, Username: username}, f.store, f.registry, f.hub, outbox, 50)
	})
}

func TestConnectionHandlesEvents(t *testing.T) {
	f := newSessionFixture(t)

	mock := newMockWS()
	conn := newTestConnection(f, mock, "u-alice", "alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- conn.Handle(ctx) }()

	mock.readCh <- models.ClientEvent{Type: models.ClientEventJoin, Room: "general"}

	if ev := mock.expectWrite(t); ev.Type != models.ServerEventHistory {
		t.Errorf("first write is %s, want history", ev.Type)
	}
	if ev := mock.expectWrite(t); ev.Type != models.ServerEventJoined {
		t.Errorf("second write is %s, want joined", ev.Type)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Handle did not stop on context cancel")
	}
}

func TestConnectionReadErrorRunsDisconnect(t *testing.T) {
	f := newSessionFixture(t)

	// A peer observes the departure the read failure triggers.
	peer, peerOut := f.session(t, "u-bob", "bob")
	peer.HandleEvent(models.ClientEvent{Type: models.ClientEventJoin, Room: "general"})
	drain(peerOut)

	mock := newMockWS()
	conn := newTestConnection(f, mock, "u-alice", "alice")

	done := make(chan error, 1)
	go func() { done <- conn.Handle(context.Background()) }()

	mock.readCh <- models.ClientEvent{Type: models.ClientEventJoin, Room: "general"}
	mock.expectWrite(t) // history
	mock.expectWrite(t) // joined

	// Simulate the client dropping the socket.
	close(mock.readCh)

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected the read error to surface")
		}
	case <-time.After(time.Second):
		t.Fatal("Handle did not stop on read error")
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-peerOut:
			if ev.Type == models.ServerEventNewMessage && ev.Message != nil && ev.Message.Text == "alice left" {
				return
			}
		case <-deadline:
			t.Fatal("peer never saw the departure notice")
		}
	}
}

func TestConnectionClosesSocket(t *testing.T) {
	f := newSessionFixture(t)

	mock := newMockWS()
	conn := newTestConnection(f, mock, "u-alice", "alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := conn.Handle(ctx); err != nil {
		t.Errorf("Handle returned %v", err)
	}
	if !mock.closed {
		t.Error("socket left open after Handle returned")
	}
}
