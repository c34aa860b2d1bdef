// ABOUTME: Message relay with persist-before-fan-out delivery
// ABOUTME: Enforces participant checks, dedup acks, and reactivation on send

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dramac-main/dramac-chat-hub/internal/conversation"
	"github.com/dramac-main/dramac-chat-hub/internal/registry"
	"github.com/dramac-main/dramac-chat-hub/internal/store"
)

// ErrNotParticipant is returned when the sender is neither the conversation's
// visitor nor its assigned agent.
var ErrNotParticipant = errors.New("sender is not a participant in this conversation")

// ErrConversationClosed is returned when the conversation has been closed by
// retention and no longer accepts messages.
var ErrConversationClosed = errors.New("conversation is closed")

// ErrEmptyMessage is returned when a message has no content and no attachments.
var ErrEmptyMessage = errors.New("message has no content")

// SendRequest carries one inbound message from a connection.
type SendRequest struct {
	ConversationID  string
	SenderKind      store.ActorKind
	SenderID        string
	Content         string
	Attachments     []store.Attachment
	ClientMessageID string
	OriginConnID    string
}

// Relay moves messages through the hub. A message is persisted, and therefore
// sequenced, before any live client sees it; the sender's own echo is the ack
// carrying the assigned sequence number, never the fan-out copy.
type Relay struct {
	store       store.Store
	registry    *registry.Registry
	coordinator *conversation.Coordinator
	typing      *TypingTracker
	logger      *slog.Logger
}

// NewRelay creates a relay. Pass nil logger for default.
func NewRelay(st store.Store, reg *registry.Registry, coord *conversation.Coordinator, typing *TypingTracker, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:       st,
		registry:    reg,
		coordinator: coord,
		typing:      typing,
		logger:      logger.With("component", "relay"),
	}
}

// MessagePayload is the wire shape of a relayed message.
type MessagePayload struct {
	ID              string             `json:"id"`
	ConversationID  string             `json:"conversation_id"`
	Seq             int64              `json:"seq"`
	SenderKind      store.ActorKind    `json:"sender_kind"`
	SenderID        string             `json:"sender_id"`
	Content         string             `json:"content"`
	Attachments     []store.Attachment `json:"attachments,omitempty"`
	ClientMessageID string             `json:"client_message_id,omitempty"`
	CreatedAt       string             `json:"created_at"`
}

// NewMessagePayload converts a stored message to its wire shape.
func NewMessagePayload(m *store.Message) MessagePayload {
	return MessagePayload{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		Seq:             m.Seq,
		SenderKind:      m.SenderKind,
		SenderID:        m.SenderID,
		Content:         m.Content,
		Attachments:     m.Attachments,
		ClientMessageID: m.ClientMessageID,
		CreatedAt:       m.CreatedAt.Format(time.RFC3339Nano),
	}
}

// Send persists and relays one message. Duplicates (same client message id)
// return the original row with Duplicate=true and fan out nothing. A visitor
// message arriving on a resolved conversation reactivates it first; an agent
// follow-up lands without reopening. An agent's first message stamps the
// conversation's first response time.
func (r *Relay) Send(ctx context.Context, req SendRequest) (*store.AppendResult, error) {
	if req.Content == "" && len(req.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	conv, err := r.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := checkParticipant(conv, req.SenderKind, req.SenderID); err != nil {
		return nil, err
	}
	if conv.Status == store.StatusClosed {
		return nil, ErrConversationClosed
	}
	if conv.Status == store.StatusResolved && req.SenderKind == store.ActorVisitor {
		if conv, err = r.coordinator.Reactivate(ctx, conv); err != nil {
			return nil, fmt.Errorf("reactivating conversation: %w", err)
		}
	}

	result, err := r.store.AppendMessage(ctx, &store.Message{
		ID:              uuid.New().String(),
		ConversationID:  req.ConversationID,
		SenderKind:      req.SenderKind,
		SenderID:        req.SenderID,
		Content:         req.Content,
		Attachments:     req.Attachments,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}
	if result.Duplicate {
		r.logger.Debug("duplicate message acked without fan-out",
			"conversation_id", req.ConversationID,
			"client_message_id", req.ClientMessageID,
			"seq", result.Message.Seq,
		)
		return result, nil
	}

	if req.SenderKind == store.ActorAgent && conv.FirstResponseAt == nil {
		if err := r.store.SetFirstResponseAt(ctx, conv.ID, result.Message.CreatedAt); err != nil {
			r.logger.Warn("failed to stamp first response time",
				"conversation_id", conv.ID, "error", err)
		}
	}

	// A sent message supersedes any typing indicator from the same actor.
	r.typing.Stop(conv.ID, req.SenderKind, req.SenderID)

	r.registry.FanOut(conv.ID, &registry.Event{
		Type: "message.new",
		Data: NewMessagePayload(result.Message),
	}, req.OriginConnID)

	r.logger.Debug("message relayed",
		"conversation_id", conv.ID,
		"seq", result.Message.Seq,
		"sender_kind", req.SenderKind,
	)
	return result, nil
}

// ReadReceipt is the fan-out payload for a mark-read acknowledgement.
type ReadReceipt struct {
	ConversationID string          `json:"conversation_id"`
	Reader         store.ActorKind `json:"reader"`
	UpToSeq        int64           `json:"up_to_seq"`
}

// MarkRead records that the reader has seen everything up to upToSeq and
// tells the other side. Returns the number of newly marked messages.
func (r *Relay) MarkRead(ctx context.Context, convID string, reader store.ActorKind, readerID string, upToSeq int64, originConnID string) (int64, error) {
	conv, err := r.store.GetConversation(ctx, convID)
	if err != nil {
		return 0, err
	}
	if err := checkParticipant(conv, reader, readerID); err != nil {
		return 0, err
	}

	marked, err := r.store.MarkRead(ctx, convID, reader, upToSeq)
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}
	if marked > 0 {
		r.registry.FanOut(convID, &registry.Event{
			Type: "message.read",
			Data: ReadReceipt{ConversationID: convID, Reader: reader, UpToSeq: upToSeq},
		}, originConnID)
	}
	return marked, nil
}

// checkParticipant verifies the actor belongs in the conversation. Visitors
// must own it; agents must hold the assignment. System messages always pass.
func checkParticipant(conv *store.Conversation, kind store.ActorKind, actorID string) error {
	switch kind {
	case store.ActorVisitor:
		if conv.VisitorID != actorID {
			return ErrNotParticipant
		}
	case store.ActorAgent:
		if conv.AssignedAgentID == nil || *conv.AssignedAgentID != actorID {
			return ErrNotParticipant
		}
	case store.ActorSystem:
	default:
		return ErrNotParticipant
	}
	return nil
}
