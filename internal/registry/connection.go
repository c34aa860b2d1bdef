// ABOUTME: Represents a single live connection and its outbound event queue
// ABOUTME: Sheds ephemeral events first when the client falls behind

package registry

import (
	"log/slog"
	"sync"

	"github.com/dramac-main/dramac-chat-hub/internal/auth"
)

// Event is one outbound wire event. Ephemeral events (typing) may be shed
// when a connection is backpressured; durable events are dropped only with a
// warning, because the persisted record remains recoverable via backfill.
type Event struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Ephemeral bool   `json:"-"`
}

// Connection is one live duplex channel admitted to the registry. The
// transport layer drains Events and writes them to the socket; domain code
// only ever calls Send.
type Connection struct {
	ID       string
	Identity auth.Identity

	events chan *Event
	mu     sync.Mutex
	closed bool
	logger *slog.Logger
}

// NewConnection creates a connection with the given outbound buffer size.
func NewConnection(id string, identity auth.Identity, bufferSize int, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Connection{
		ID:       id,
		Identity: identity,
		events:   make(chan *Event, bufferSize),
		logger:   logger.With("component", "connection", "connection_id", id),
	}
}

// Events returns the outbound queue for the transport write pump. The channel
// is closed when the connection closes.
func (c *Connection) Events() <-chan *Event {
	return c.events
}

// Send enqueues an event without blocking. When the buffer is full, ephemeral
// events are shed silently; durable events are dropped with a warning and the
// client catches up via backfill on its next action.
func (c *Connection) Send(ev *Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.events <- ev:
		return true
	default:
		if ev.Ephemeral {
			c.logger.Debug("shed ephemeral event for slow connection", "event", ev.Type)
		} else {
			c.logger.Warn("dropped event for backpressured connection, client must backfill",
				"event", ev.Type)
		}
		return false
	}
}

// Close marks the connection closed and closes its event channel.
// Safe to call multiple times.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}
