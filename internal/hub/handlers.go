// ABOUTME: Frame handlers implementing the client-facing operations
// ABOUTME: Uniform (conn, payload) contract, unit-testable without a transport

package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dramac-main/dramac-chat-hub/internal/presence"
	"github.com/dramac-main/dramac-chat-hub/internal/registry"
	"github.com/dramac-main/dramac-chat-hub/internal/relay"
	"github.com/dramac-main/dramac-chat-hub/internal/store"
)

// requireKind gates an operation to one side of the conversation.
func requireKind(conn *registry.Connection, kind store.ActorKind) error {
	if conn.Identity.Kind != kind {
		return fmt.Errorf("%w: requires %s connection", errUnauthorized, kind)
	}
	return nil
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errMalformed
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	return nil
}

func (h *Hub) handleStartChat(ctx context.Context, conn *registry.Connection, data json.RawMessage) (*registry.Event, error) {
	if err := requireKind(conn, store.ActorVisitor); err != nil {
		return nil, err
	}
	var p StartChatPayload
	if len(data) > 0 {
		if err := decode(data, &p); err != nil {
			return nil, err
		}
	}

	conv, created, err := h.coordinator.StartChat(ctx, conn.Identity.SiteID, conn.Identity.ActorID, p.Name, p.Email)
	if err != nil {
		return nil, err
	}

	h.registry.Subscribe(conn.ID, conv.ID)

	if created {
		h.events.Publish(&DomainEvent{
			Type:           EventConversationCreated,
			SiteID:         conv.SiteID,
			ConversationID: conv.ID,
			At:             conv.CreatedAt,
			Payload:        conv,
		})
	}

	return &registry.Event{
		Type: "conversation.started",
		Data: StartChatResult{Conversation: conv, Created: created},
	}, nil
}

// sendMessageHandler builds the handler for one sender kind; visitor and
// agent sends share everything but the kind gate.
func (h *Hub) sendMessageHandler(kind store.ActorKind) handlerFunc {
	return func(ctx context.Context, conn *registry.Connection, data json.RawMessage) (*registry.Event, error) {
		if err := requireKind(conn, kind); err != nil {
			return nil, err
		}
		var p SendMessagePayload
		if err := decode(data, &p); err != nil {
			return nil, err
		}

		result, err := h.relay.Send(ctx, relay.SendRequest{
			ConversationID:  p.ConversationID,
			SenderKind:      kind,
			SenderID:        conn.Identity.ActorID,
			Content:         p.Content,
			Attachments:     p.Attachments,
			ClientMessageID: p.ClientMessageID,
			OriginConnID:    conn.ID,
		})
		if err != nil {
			return nil, err
		}

		// A reconnected sender may not be subscribed yet; sending implies
		// interest in what comes next.
		h.registry.Subscribe(conn.ID, p.ConversationID)

		if !result.Duplicate {
			h.events.Publish(&DomainEvent{
				Type:           EventMessageSent,
				SiteID:         conn.Identity.SiteID,
				ConversationID: p.ConversationID,
				At:             result.Message.CreatedAt,
				Payload:        result.Message,
			})
		}

		return &registry.Event{
			Type: "message.ack",
			Data: MessageAck{
				ConversationID:  p.ConversationID,
				MessageID:       result.Message.ID,
				ClientMessageID: p.ClientMessageID,
				Seq:             result.Message.Seq,
				Duplicate:       result.Duplicate,
			},
		}, nil
	}
}

// typingHandler builds the handler for one sender kind. Typing frames get no
// reply; the indicator fans out to the other subscribers only.
func (h *Hub) typingHandler(kind store.ActorKind) handlerFunc {
	return func(_ context.Context, conn *registry.Connection, data json.RawMessage) (*registry.Event, error) {
		if err := requireKind(conn, kind); err != nil {
			return nil, err
		}
		var p TypingPayload
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		if !h.registry.Subscribed(conn.ID, p.ConversationID) {
			return nil, relay.ErrNotParticipant
		}

		if p.Typing {
			h.typing.Start(p.ConversationID, kind, conn.Identity.ActorID, conn.ID)
		} else {
			h.typing.Stop(p.ConversationID, kind, conn.Identity.ActorID)
		}
		return nil, nil
	}
}

func (h *Hub) handleJoinConversation(ctx context.Context, conn *registry.Connection, data json.RawMessage) (*registry.Event, error) {
	if err := requireKind(conn, store.ActorAgent); err != nil {
		return nil, err
	}
	var p ConversationRefPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}

	conv, claimed, err := h.coordinator.Claim(ctx, p.ConversationID, conn.Identity.SiteID, conn.Identity.ActorID)
	if err != nil {
		return nil, err
	}

	// Subscribe the holder of the assignment; a losing claimant only gets
	// the authoritative state back.
	if conv.AssignedAgentID != nil && *conv.AssignedAgentID == conn.Identity.ActorID {
		h.registry.Subscribe(conn.ID, conv.ID)
	}

	return &registry.Event{
		Type: "conversation.assigned",
		Data: ClaimResult{Conversation: conv, Claimed: claimed},
	}, nil
}

func (h *Hub) handleTransferConversation(ctx context.Context, conn *registry.Connection, data json.RawMessage) (*registry.Event, error) {
	if err := requireKind(conn, store.ActorAgent); err != nil {
		return nil, err
	}
	var p TransferPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}

	conv, err := h.coordinator.Transfer(ctx, p.ConversationID, conn.Identity.SiteID, conn.Identity.ActorID, p.ToAgentID)
	if err != nil {
		return nil, err
	}

	return &registry.Event{Type: "conversation.transferred", Data: conv}, nil
}

func (h *Hub) handleResolveConversation(ctx context.Context, conn *registry.Connection, data json.RawMessage) (*registry.Event, error) {
	if err := requireKind(conn, store.ActorAgent); err != nil {
		return nil, err
	}
	var p ConversationRefPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}

	conv, err := h.store.GetConversation(ctx, p.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.SiteID != conn.Identity.SiteID {
		return nil, store.ErrConversationNotFound
	}
	if conv.AssignedAgentID == nil || *conv.AssignedAgentID != conn.Identity.ActorID {
		return nil, store.ErrNotAssigned
	}

	conv, err = h.coordinator.Resolve(ctx, p.ConversationID, conn.Identity.SiteID, conn.Identity.ActorID)
	if err != nil {
		return nil, err
	}

	h.events.Publish(&DomainEvent{
		Type:           EventConversationResolved,
		SiteID:         conv.SiteID,
		ConversationID: conv.ID,
		At:             time.Now().UTC(),
		Payload:        conv,
	})

	return &registry.Event{Type: "conversation.resolved", Data: conv}, nil
}

func (h *Hub) handleSetStatus(ctx context.Context, conn *registry.Connection, data json.RawMessage) (*registry.Event, error) {
	if err := requireKind(conn, store.ActorAgent); err != nil {
		return nil, err
	}
	var p SetStatusPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}

	if err := h.presence.SetAgentStatus(ctx, conn.Identity.SiteID, conn.Identity.ActorID, p.Status, conn.ID); err != nil {
		return nil, err
	}

	return &registry.Event{
		Type: "agent.status_changed",
		Data: presence.StatusChange{AgentID: conn.Identity.ActorID, Status: p.Status},
	}, nil
}

func (h *Hub) handleMarkRead(ctx context.Context, conn *registry.Connection, data json.RawMessage) (*registry.Event, error) {
	var p MarkReadPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}

	_, err := h.relay.MarkRead(ctx, p.ConversationID, conn.Identity.Kind, conn.Identity.ActorID, p.UpToSeq, conn.ID)
	if err != nil {
		return nil, err
	}

	return &registry.Event{
		Type: "message.read",
		Data: relay.ReadReceipt{
			ConversationID: p.ConversationID,
			Reader:         conn.Identity.Kind,
			UpToSeq:        p.UpToSeq,
		},
	}, nil
}

func (h *Hub) handleSubscribe(ctx context.Context, conn *registry.Connection, data json.RawMessage) (*registry.Event, error) {
	var p SubscribePayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}

	if err := h.authorizeConversationAccess(ctx, conn, p.ConversationID); err != nil {
		return nil, err
	}

	h.registry.Subscribe(conn.ID, p.ConversationID)
	return nil, nil
}

func (h *Hub) handleSync(ctx context.Context, conn *registry.Connection, data json.RawMessage) (*registry.Event, error) {
	var p SyncPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}

	// Without a conversation id, a reconnecting agent rebuilds their
	// workload view.
	if p.ConversationID == "" {
		if err := requireKind(conn, store.ActorAgent); err != nil {
			return nil, err
		}
		convs, err := h.backfill.AgentWorkload(ctx, conn.Identity.SiteID, conn.Identity.ActorID, p.Limit)
		if err != nil {
			return nil, err
		}
		return &registry.Event{
			Type: "sync.result",
			Data: SyncResult{Conversations: convs},
		}, nil
	}

	if err := h.authorizeConversationAccess(ctx, conn, p.ConversationID); err != nil {
		return nil, err
	}

	snap, err := h.backfill.Conversation(ctx, p.ConversationID, p.AfterSeq, p.Limit)
	if err != nil {
		return nil, err
	}

	return &registry.Event{
		Type: "sync.result",
		Data: SyncResult{
			Conversation: snap.Conversation,
			Messages:     snap.Messages,
			LatestSeq:    snap.LatestSeq,
			Truncated:    snap.Truncated,
		},
	}, nil
}

// authorizeConversationAccess limits reads to the conversation's visitor and
// the site's agents. A conversation on another site is reported as missing,
// not as forbidden.
func (h *Hub) authorizeConversationAccess(ctx context.Context, conn *registry.Connection, convID string) error {
	conv, err := h.store.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if conv.SiteID != conn.Identity.SiteID {
		return store.ErrConversationNotFound
	}
	if conn.Identity.Kind == store.ActorVisitor && conv.VisitorID != conn.Identity.ActorID {
		return relay.ErrNotParticipant
	}
	return nil
}
