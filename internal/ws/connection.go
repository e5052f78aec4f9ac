package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"parley/internal/apperr"
	"parley/internal/models"
)

const DefaultQueueSize = 256

type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// canDispatch reports whether domain events are accepted in this state.
func (s State) canDispatch() bool {
	return s == StateAuthenticated || s == StateActive
}

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type messageHub interface {
	Connect(ctx context.Context, c *Connection) error
	Disconnect(ctx context.Context, c *Connection)
	// Dispatch handles one inbound frame and returns the frame to write
	// back, if any.
	Dispatch(ctx context.Context, c *Connection, frame models.ClientFrame) *models.ServerFrame
}

// Connection is one authenticated socket. The main loop is the only writer
// to the socket; everything else enqueues.
type Connection struct {
	ID     string
	UserID string

	ws         wsConnection
	hub        messageHub
	fromClient chan models.ClientFrame
	fromServer chan models.ServerFrame
	errorCh    chan error
	evicted    chan struct{}
	evictOnce  sync.Once

	mu     sync.Mutex
	state  State
	joined map[string]bool
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	userID string,
	queueSize int,
) *Connection {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Connection{
		ID:         uuid.NewString(),
		UserID:     userID,
		ws:         ws,
		hub:        hub,
		fromClient: make(chan models.ClientFrame),
		fromServer: make(chan models.ServerFrame, queueSize),
		errorCh:    make(chan error, 2),
		evicted:    make(chan struct{}),
		state:      StateConnecting,
		joined:     make(map[string]bool),
	}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return
	}
	c.state = s
}

// Channels returns the joined channels, sorted.
func (c *Connection) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.joined))
}

func (c *Connection) isJoined(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined[channel]
}

// enqueue never blocks. A full queue drops the frame for this connection.
func (c *Connection) enqueue(frame models.ServerFrame) bool {
	select {
	case c.fromServer <- frame:
		return true
	default:
		slog.Warn("outbound queue full, dropping event", "connection_id", c.ID, "user_id", c.UserID, "event", frame.Event)
		return false
	}
}

// Evict makes Handle return. Safe to call more than once.
func (c *Connection) Evict() {
	c.evictOnce.Do(func() { close(c.evicted) })
}

func (c *Connection) Handle(ctx context.Context) error {
	if err := c.hub.Connect(ctx, c); err != nil {
		_ = c.ws.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.hub.Disconnect(context.WithoutCancel(ctx), c)
		close(c.fromClient)
		close(c.errorCh)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	// mainLoop always returns once ctx is done, so the first error is
	// never lost to a racing cancellation.
	err := <-c.errorCh
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var frame models.ClientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.enqueue(models.NewServerFrame(models.ErrorEvent{
					Code:    string(apperr.CodeInvalidArgument),
					Message: "malformed frame",
				}))
				continue
			}
			return err
		}
		select {
		case c.fromClient <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case frame := <-c.fromClient:
			if reply := c.hub.Dispatch(ctx, c, frame); reply != nil {
				if err := c.ws.WriteJSON(*reply); err != nil {
					return err
				}
			}
		case frame := <-c.fromServer:
			if err := c.ws.WriteJSON(frame); err != nil {
				return err
			}
		case <-c.evicted:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
