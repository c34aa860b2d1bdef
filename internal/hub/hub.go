// ABOUTME: Hub core wiring the websocket transport to the domain services
// ABOUTME: Owns the handshake, the dispatch table, and error mapping

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/dramac-main/dramac-chat-hub/internal/auth"
	"github.com/dramac-main/dramac-chat-hub/internal/backfill"
	"github.com/dramac-main/dramac-chat-hub/internal/conversation"
	"github.com/dramac-main/dramac-chat-hub/internal/presence"
	"github.com/dramac-main/dramac-chat-hub/internal/registry"
	"github.com/dramac-main/dramac-chat-hub/internal/relay"
	"github.com/dramac-main/dramac-chat-hub/internal/store"
)

// Dispatch-level errors mapped to error events rather than closed connections.
var (
	errUnauthorized = errors.New("operation not allowed for this connection")
	errMalformed    = errors.New("malformed payload")
	errUnknownType  = errors.New("unknown message type")
)

// handlerFunc processes one inbound frame and returns the reply event, if
// any. Errors are mapped to error events by the dispatcher.
type handlerFunc func(ctx context.Context, conn *registry.Connection, data json.RawMessage) (*registry.Event, error)

// Config carries the hub's collaborators and tuning.
type Config struct {
	Auth        *auth.Authenticator
	Store       store.Store
	Registry    *registry.Registry
	Presence    *presence.Tracker
	Coordinator *conversation.Coordinator
	Relay       *relay.Relay
	Typing      *relay.TypingTracker
	Backfill    *backfill.Service
	Events      *EventBroadcaster

	HandshakeTimeout time.Duration
	SendBuffer       int
	Logger           *slog.Logger
}

// Hub accepts websocket connections, authenticates them, and routes their
// frames to the domain services. One Hub serves every site.
type Hub struct {
	auth        *auth.Authenticator
	store       store.Store
	registry    *registry.Registry
	presence    *presence.Tracker
	coordinator *conversation.Coordinator
	relay       *relay.Relay
	typing      *relay.TypingTracker
	backfill    *backfill.Service
	events      *EventBroadcaster

	handlers         map[string]handlerFunc
	handshakeTimeout time.Duration
	sendBuffer       int
	logger           *slog.Logger
}

// New creates a hub and registers its dispatch table.
func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}

	h := &Hub{
		auth:             cfg.Auth,
		store:            cfg.Store,
		registry:         cfg.Registry,
		presence:         cfg.Presence,
		coordinator:      cfg.Coordinator,
		relay:            cfg.Relay,
		typing:           cfg.Typing,
		backfill:         cfg.Backfill,
		events:           cfg.Events,
		handshakeTimeout: cfg.HandshakeTimeout,
		sendBuffer:       cfg.SendBuffer,
		logger:           logger.With("component", "hub"),
	}

	h.handlers = map[string]handlerFunc{
		"visitor.start_chat":          h.handleStartChat,
		"visitor.send_message":        h.sendMessageHandler(store.ActorVisitor),
		"agent.send_message":          h.sendMessageHandler(store.ActorAgent),
		"visitor.typing":              h.typingHandler(store.ActorVisitor),
		"agent.typing":                h.typingHandler(store.ActorAgent),
		"agent.join_conversation":     h.handleJoinConversation,
		"agent.transfer_conversation": h.handleTransferConversation,
		"agent.resolve_conversation":  h.handleResolveConversation,
		"agent.set_status":            h.handleSetStatus,
		"mark_read":                   h.handleMarkRead,
		"subscribe":                   h.handleSubscribe,
		"sync":                        h.handleSync,
	}
	return h
}

// Dispatch routes one frame from an authenticated connection. The returned
// event, if any, goes back to that connection only; fan-out to everyone else
// happens inside the domain services.
func (h *Hub) Dispatch(ctx context.Context, conn *registry.Connection, frame Frame) *registry.Event {
	handler, ok := h.handlers[frame.Type]
	if !ok {
		return errorEvent(errUnknownType, frame.Type)
	}

	reply, err := handler(ctx, conn, frame.Data)
	if err != nil {
		h.logger.Debug("operation failed",
			"type", frame.Type,
			"connection_id", conn.ID,
			"error", err,
		)
		return errorEvent(err, frame.Type)
	}
	return reply
}

// errorEvent maps a dispatch error to a wire error event. Unrecognized
// errors are reported as internal without leaking detail.
func errorEvent(err error, frameType string) *registry.Event {
	code := CodeInternal
	msg := "internal error"

	switch {
	case errors.Is(err, errUnauthorized):
		code, msg = CodeUnauthorized, err.Error()
	case errors.Is(err, errMalformed):
		code, msg = CodeMalformedPayload, err.Error()
	case errors.Is(err, errUnknownType):
		code, msg = CodeUnknownType, fmt.Sprintf("unknown message type %q", frameType)
	case errors.Is(err, store.ErrConversationNotFound):
		code, msg = CodeConversationNotFound, err.Error()
	case errors.Is(err, store.ErrNotFound):
		code, msg = CodeNotFound, err.Error()
	case errors.Is(err, store.ErrNotAssigned):
		code, msg = CodeNotAssigned, err.Error()
	case errors.Is(err, relay.ErrNotParticipant):
		code, msg = CodeNotParticipant, err.Error()
	case errors.Is(err, relay.ErrConversationClosed):
		code, msg = CodeConversationClosed, err.Error()
	case errors.Is(err, relay.ErrEmptyMessage):
		code, msg = CodeEmptyMessage, err.Error()
	case errors.Is(err, conversation.ErrNoAvailableAgent):
		code, msg = CodeNoAgentAvailable, err.Error()
	}

	return &registry.Event{
		Type: "error",
		Data: ErrorPayload{Code: code, Message: msg},
	}
}

// ServeHTTP upgrades the request to a websocket, runs the authentication
// handshake, then pumps frames until either side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "session ended")

	ctx := r.Context()

	conn, err := h.handshake(ctx, ws)
	if err != nil {
		h.logger.Info("handshake rejected", "error", err, "remote", r.RemoteAddr)
		h.writeEvent(ws, &registry.Event{
			Type: "error",
			Data: ErrorPayload{Code: CodeUnauthorized, Message: "authentication failed"},
		})
		ws.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	if err := h.presence.HandleConnect(ctx, conn.Identity); err != nil {
		h.logger.Warn("presence connect failed", "error", err, "connection_id", conn.ID)
	}

	defer func() {
		h.registry.Remove(conn.ID)
		if err := h.presence.HandleDisconnect(context.WithoutCancel(ctx), conn.Identity); err != nil {
			h.logger.Warn("presence disconnect failed", "error", err, "connection_id", conn.ID)
		}
	}()

	conn.Send(&registry.Event{
		Type: "authenticated",
		Data: AuthenticatedPayload{
			ConnectionID: conn.ID,
			Kind:         conn.Identity.Kind,
			ActorID:      conn.Identity.ActorID,
			SiteID:       conn.Identity.SiteID,
		},
	})

	// Write pump: outbound events to the socket. Exits when the connection
	// is removed from the registry and its channel closes.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for ev := range conn.Events() {
			if err := h.writeEvent(ws, ev); err != nil {
				h.logger.Debug("websocket write failed", "error", err, "connection_id", conn.ID)
				return
			}
		}
		// Channel closed: removed or superseded. Unblock the read loop.
		ws.Close(websocket.StatusGoingAway, "connection superseded")
	}()

	h.readLoop(ctx, ws, conn)

	h.registry.Remove(conn.ID)
	<-writeDone
}

// handshake reads the first frame, which must be an authenticate request
// arriving within the handshake timeout, and admits the connection.
func (h *Hub) handshake(ctx context.Context, ws *websocket.Conn) (*registry.Connection, error) {
	handshakeCtx, cancel := context.WithTimeout(ctx, h.handshakeTimeout)
	defer cancel()

	_, raw, err := ws.Read(handshakeCtx)
	if err != nil {
		return nil, fmt.Errorf("reading handshake frame: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("parsing handshake frame: %w", err)
	}
	if frame.Type != "authenticate" {
		return nil, fmt.Errorf("first frame must be authenticate, got %q", frame.Type)
	}

	var payload AuthenticatePayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return nil, fmt.Errorf("parsing authenticate payload: %w", err)
	}

	identity, err := h.auth.Authenticate(handshakeCtx, auth.Claims{
		SiteID:     payload.SiteID,
		Kind:       payload.Kind,
		VisitorID:  payload.VisitorID,
		Credential: payload.Token,
	})
	if err != nil {
		return nil, fmt.Errorf("authenticating: %w", err)
	}

	conn := registry.NewConnection(uuid.New().String(), *identity, h.sendBuffer, h.logger)
	h.registry.Admit(conn)
	return conn, nil
}

// readLoop pumps inbound frames through the dispatcher until the socket
// closes or the connection is superseded.
func (h *Hub) readLoop(ctx context.Context, ws *websocket.Conn, conn *registry.Connection) {
	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("websocket closed by client", "connection_id", conn.ID)
			} else {
				h.logger.Debug("websocket read error", "error", err, "connection_id", conn.ID)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			conn.Send(errorEvent(fmt.Errorf("%w: %v", errMalformed, err), ""))
			continue
		}

		if reply := h.Dispatch(ctx, conn, frame); reply != nil {
			conn.Send(reply)
		}
	}
}

func (h *Hub) writeEvent(ws *websocket.Conn, ev *registry.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}
