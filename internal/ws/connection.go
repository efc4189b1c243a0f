package ws

import (
	"context"
	"errors"
	"sync"

	"sohbet/internal/models"
)

const outboxSize = 100

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

// Connection pairs one websocket with its protocol session. It owns two
// goroutines: one pumping client events off the wire, one interleaving event
// handling with outbound writes.
type Connection struct {
	ws         wsConnection
	session    *Session
	fromClient chan models.ClientEvent
	outbox     chan models.ServerEvent
	errorCh    chan error
}

func NewConnection(ws wsConnection, newSession func(outbox chan models.ServerEvent) *Session) *Connection {
	outbox := make(chan models.ServerEvent, outboxSize)
	return &Connection{
		ws:         ws,
		session:    newSession(outbox),
		fromClient: make(chan models.ClientEvent),
		outbox:     outbox,
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.session.Close()
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpEvents(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpEvents(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.fromClient:
			c.session.HandleEvent(ev)
		case ev := <-c.outbox:
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
