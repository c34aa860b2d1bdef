// ABOUTME: Store interface and data types for chat-hub persistence
// ABOUTME: Defines Visitor, Agent, Conversation, Message and the Store contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConversationNotFound is returned for operations on a missing conversation
var ErrConversationNotFound = errors.New("conversation not found")

// ErrDuplicateConversation is returned when the visitor already has an open conversation
var ErrDuplicateConversation = errors.New("visitor already has an open conversation")

// ErrNotAssigned is returned when a transfer names an agent that no longer
// holds the conversation
var ErrNotAssigned = errors.New("agent is not assigned to this conversation")

// ActorKind identifies who produced a message or holds a connection.
type ActorKind string

const (
	ActorVisitor ActorKind = "visitor"
	ActorAgent   ActorKind = "agent"
	ActorSystem  ActorKind = "system"
)

// ConversationStatus is the lifecycle state of a conversation.
// Transitions: pending -> active -> resolved -> closed (closed is driven by
// an external retention policy, never by the hub).
type ConversationStatus string

const (
	StatusPending  ConversationStatus = "pending"
	StatusActive   ConversationStatus = "active"
	StatusResolved ConversationStatus = "resolved"
	StatusClosed   ConversationStatus = "closed"
)

// AgentStatus is an agent's availability state.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentAway    AgentStatus = "away"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// Visitor is the durable identity record for a website guest.
// Created on first contact, updated on every session, never deleted here.
type Visitor struct {
	ID         string    `json:"id"`
	SiteID     string    `json:"site_id"`
	Name       string    `json:"name,omitempty"`
	Email      string    `json:"email,omitempty"`
	Online     bool      `json:"online"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Agent is the durable per-site record for a support operator.
type Agent struct {
	UserID          string      `json:"user_id"`
	SiteID          string      `json:"site_id"`
	DisplayName     string      `json:"display_name"`
	Status          AgentStatus `json:"status"`
	MaxConcurrent   int         `json:"max_concurrent"`
	CurrentCount    int         `json:"current_count"`
	AcceptsNewChats bool        `json:"accepts_new_chats"`
	LastAssignedAt  time.Time   `json:"last_assigned_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// HasCapacity reports whether the agent can take another conversation.
func (a *Agent) HasCapacity() bool {
	return a.AcceptsNewChats && a.CurrentCount < a.MaxConcurrent
}

// Conversation is the aggregate root for one visitor/agent interaction.
// At most one non-null AssignedAgentID exists at any instant.
type Conversation struct {
	ID              string             `json:"id"`
	SiteID          string             `json:"site_id"`
	VisitorID       string             `json:"visitor_id"`
	AssignedAgentID *string            `json:"assigned_agent_id,omitempty"`
	Status          ConversationStatus `json:"status"`
	Priority        string             `json:"priority,omitempty"`
	Tags            []string           `json:"tags,omitempty"`
	NeedsAttention  bool               `json:"needs_attention"`
	FirstMessageAt  *time.Time         `json:"first_message_at,omitempty"`
	FirstResponseAt *time.Time         `json:"first_response_at,omitempty"`
	LastMessageAt   *time.Time         `json:"last_message_at,omitempty"`
	ResolvedAt      *time.Time         `json:"resolved_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Open reports whether the conversation still accepts normal traffic.
func (c *Conversation) Open() bool {
	return c.Status == StatusPending || c.Status == StatusActive
}

// Attachment is a file reference carried by a message.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	URL      string `json:"url"`
}

// Message is an append-only entry in a conversation's totally ordered log.
// Seq is assigned by the store at insert time and never changes.
type Message struct {
	ID              string       `json:"id"`
	ConversationID  string       `json:"conversation_id"`
	Seq             int64        `json:"seq"`
	SenderKind      ActorKind    `json:"sender_kind"`
	SenderID        string       `json:"sender_id"`
	Content         string       `json:"content"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	ClientMessageID string       `json:"client_message_id,omitempty"`
	ReadByVisitor   bool         `json:"read_by_visitor"`
	ReadByAgent     bool         `json:"read_by_agent"`
	CreatedAt       time.Time    `json:"created_at"`
}

// AppendResult is returned by AppendMessage. Duplicate is true when the
// client message id was already persisted; Message is then the original row.
type AppendResult struct {
	Message   *Message
	Duplicate bool
}

// Store defines the persistence contract the hub orchestrates. The hub never
// embeds storage logic; claim arbitration and sequence assignment live behind
// this interface so multiple hub instances sharing a database stay correct.
type Store interface {
	// Visitors
	UpsertVisitor(ctx context.Context, v *Visitor) error
	GetVisitor(ctx context.Context, siteID, visitorID string) (*Visitor, error)
	SetVisitorOnline(ctx context.Context, siteID, visitorID string, online bool, seenAt time.Time) error

	// Agents
	UpsertAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, siteID, userID string) (*Agent, error)
	UpdateAgentStatus(ctx context.Context, siteID, userID string, status AgentStatus) error
	ListAvailableAgents(ctx context.Context, siteID string) ([]*Agent, error)
	AdjustAgentLoad(ctx context.Context, siteID, userID string, delta int) error
	TouchAgentAssignedAt(ctx context.Context, siteID, userID string, at time.Time) error

	// Conversations
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetOpenConversationByVisitor(ctx context.Context, siteID, visitorID string) (*Conversation, error)
	ListConversationsByAgent(ctx context.Context, siteID, agentID string, limit int) ([]*Conversation, error)

	// ClaimConversation is a compare-and-set: it assigns agentID only if no
	// agent is assigned yet. The returned conversation is authoritative either
	// way; claimed reports whether this call won the race.
	ClaimConversation(ctx context.Context, convID, agentID string, at time.Time) (conv *Conversation, claimed bool, err error)
	TransferConversation(ctx context.Context, convID, fromAgentID, toAgentID string, at time.Time) (*Conversation, error)
	ResolveConversation(ctx context.Context, convID, agentID string, at time.Time) (*Conversation, error)
	ReactivateConversation(ctx context.Context, convID string, needsAttention bool, at time.Time) (*Conversation, error)

	// SetFirstResponseAt stamps first_response_at if it is still null.
	SetFirstResponseAt(ctx context.Context, convID string, at time.Time) error

	// Messages
	AppendMessage(ctx context.Context, m *Message) (*AppendResult, error)
	MarkRead(ctx context.Context, convID string, reader ActorKind, upToSeq int64) (int64, error)
	ListMessagesSince(ctx context.Context, convID string, afterSeq int64, limit int) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
