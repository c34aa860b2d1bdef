// ABOUTME: Wire protocol frames and payloads exchanged over the websocket
// ABOUTME: Defines error codes returned as error events

package hub

import (
	"encoding/json"

	"github.com/dramac-main/dramac-chat-hub/internal/store"
)

// Frame is one inbound JSON message from a client.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Error codes carried by error events.
const (
	CodeUnauthorized         = "unauthorized"
	CodeMalformedPayload     = "malformed_payload"
	CodeUnknownType          = "unknown_type"
	CodeConversationNotFound = "conversation_not_found"
	CodeNotParticipant       = "not_participant"
	CodeConversationClosed   = "conversation_closed"
	CodeEmptyMessage         = "empty_message"
	CodeNoAgentAvailable     = "no_agent_available"
	CodeNotAssigned          = "not_assigned"
	CodeNotFound             = "not_found"
	CodeInternal             = "internal"
)

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthenticatePayload is the data of the handshake frame. Visitors present a
// site id and their UUID; agents present a site id and a bearer token.
type AuthenticatePayload struct {
	SiteID    string          `json:"site_id"`
	Kind      store.ActorKind `json:"kind"`
	VisitorID string          `json:"visitor_id,omitempty"`
	Token     string          `json:"token,omitempty"`
}

// AuthenticatedPayload confirms admission.
type AuthenticatedPayload struct {
	ConnectionID string          `json:"connection_id"`
	Kind         store.ActorKind `json:"kind"`
	ActorID      string          `json:"actor_id"`
	SiteID       string          `json:"site_id"`
}

// StartChatPayload opens (or rejoins) the visitor's conversation.
type StartChatPayload struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// StartChatResult is the data of the conversation.started reply.
type StartChatResult struct {
	Conversation *store.Conversation `json:"conversation"`
	Created      bool                `json:"created"`
}

// SendMessagePayload carries one chat message from either side.
type SendMessagePayload struct {
	ConversationID  string             `json:"conversation_id"`
	Content         string             `json:"content,omitempty"`
	Attachments     []store.Attachment `json:"attachments,omitempty"`
	ClientMessageID string             `json:"client_message_id,omitempty"`
}

// MessageAck confirms persistence back to the sender. Duplicate means the
// client message id was seen before and Seq belongs to the original row.
type MessageAck struct {
	ConversationID  string `json:"conversation_id"`
	MessageID       string `json:"message_id"`
	ClientMessageID string `json:"client_message_id,omitempty"`
	Seq             int64  `json:"seq"`
	Duplicate       bool   `json:"duplicate"`
}

// TypingPayload toggles a typing indicator.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	Typing         bool   `json:"typing"`
}

// ConversationRefPayload names a conversation for claim and resolve.
type ConversationRefPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ClaimResult is the data of the conversation.assigned reply. Claimed is
// false when another agent won the race; Conversation then shows the winner.
type ClaimResult struct {
	Conversation *store.Conversation `json:"conversation"`
	Claimed      bool                `json:"claimed"`
}

// TransferPayload hands a conversation to another agent.
type TransferPayload struct {
	ConversationID string `json:"conversation_id"`
	ToAgentID      string `json:"to_agent_id"`
}

// SetStatusPayload declares an agent's availability.
type SetStatusPayload struct {
	Status store.AgentStatus `json:"status"`
}

// MarkReadPayload acknowledges messages up to a sequence number.
type MarkReadPayload struct {
	ConversationID string `json:"conversation_id"`
	UpToSeq        int64  `json:"up_to_seq"`
}

// SubscribePayload registers for a conversation's live events.
type SubscribePayload struct {
	ConversationID string `json:"conversation_id"`
}

// SyncPayload requests a catch-up read. With a conversation id it pages the
// message log from AfterSeq; without one an agent gets their open workload.
type SyncPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	AfterSeq       int64  `json:"after_seq"`
	Limit          int    `json:"limit,omitempty"`
}

// SyncResult is the data of the sync.result reply.
type SyncResult struct {
	Conversation  *store.Conversation   `json:"conversation,omitempty"`
	Messages      []*store.Message      `json:"messages,omitempty"`
	LatestSeq     int64                 `json:"latest_seq,omitempty"`
	Truncated     bool                  `json:"truncated,omitempty"`
	Conversations []*store.Conversation `json:"conversations,omitempty"`
}
