// ABOUTME: Conversation lifecycle orchestration for the chat hub
// ABOUTME: Handles start, claim arbitration, transfer, resolve and reactivation

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dramac-main/dramac-chat-hub/internal/registry"
	"github.com/dramac-main/dramac-chat-hub/internal/store"
)

// ErrNoAvailableAgent is returned by AutoAssign when no online agent has
// capacity for another conversation.
var ErrNoAvailableAgent = errors.New("no agent available for assignment")

// Coordinator orchestrates the conversation lifecycle. Every transition is
// persisted first; live notifications fan out only after the database row
// reflects the new state, so a crash between the two loses a notification
// (recoverable via sync) but never a transition.
type Coordinator struct {
	store    store.Store
	registry *registry.Registry
	logger   *slog.Logger
}

// NewCoordinator creates a coordinator. Pass nil logger for default.
func NewCoordinator(st store.Store, reg *registry.Registry, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    st,
		registry: reg,
		logger:   logger.With("component", "coordinator"),
	}
}

// StartChat opens a conversation for a visitor, creating the visitor record
// on first contact. If the visitor already has an open conversation the
// existing one is returned and created is false; starting a chat twice is
// deliberately not an error, the widget retries on flaky networks.
func (c *Coordinator) StartChat(ctx context.Context, siteID, visitorID, name, email string) (conv *store.Conversation, created bool, err error) {
	if err := c.store.UpsertVisitor(ctx, &store.Visitor{
		ID:     visitorID,
		SiteID: siteID,
		Name:   name,
		Email:  email,
		Online: true,
	}); err != nil {
		return nil, false, fmt.Errorf("upserting visitor: %w", err)
	}

	existing, err := c.store.GetOpenConversationByVisitor(ctx, siteID, visitorID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("checking for open conversation: %w", err)
	}

	conv = &store.Conversation{
		ID:        uuid.New().String(),
		SiteID:    siteID,
		VisitorID: visitorID,
		Status:    store.StatusPending,
	}
	if err := c.store.CreateConversation(ctx, conv); err != nil {
		// Lost a race with another connection from the same visitor; the
		// winner's row is the conversation.
		if errors.Is(err, store.ErrDuplicateConversation) {
			existing, lookupErr := c.store.GetOpenConversationByVisitor(ctx, siteID, visitorID)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("resolving duplicate conversation: %w", lookupErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("creating conversation: %w", err)
	}

	c.logger.Info("conversation started",
		"conversation_id", conv.ID,
		"site_id", siteID,
		"visitor_id", visitorID,
	)

	c.registry.BroadcastToSiteAgents(siteID, &registry.Event{
		Type: "conversation.started",
		Data: conv,
	}, "")
	return conv, true, nil
}

// Claim attempts to assign the conversation to the agent. The storage layer
// arbitrates: exactly one claimant wins, every other claimant gets the
// authoritative conversation with claimed=false and no error. On a win the
// agent's load counter and assignment clock move, and the result is announced
// to the conversation and the site's agents. A conversation belonging to a
// different site is indistinguishable from a missing one.
func (c *Coordinator) Claim(ctx context.Context, convID, siteID, agentID string) (*store.Conversation, bool, error) {
	if err := c.checkSite(ctx, convID, siteID); err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()

	conv, claimed, err := c.store.ClaimConversation(ctx, convID, agentID, now)
	if err != nil {
		return nil, false, err
	}
	if !claimed {
		return conv, false, nil
	}

	// The assignment is already committed; the counters are advisory and
	// must not fail the agent who holds it.
	if err := c.store.AdjustAgentLoad(ctx, siteID, agentID, 1); err != nil {
		c.logger.Warn("failed to adjust agent load after claim",
			"conversation_id", convID, "agent_id", agentID, "error", err)
	}
	if err := c.store.TouchAgentAssignedAt(ctx, siteID, agentID, now); err != nil {
		c.logger.Warn("failed to touch agent assignment time",
			"conversation_id", convID, "agent_id", agentID, "error", err)
	}

	c.logger.Info("conversation claimed",
		"conversation_id", convID,
		"agent_id", agentID,
	)

	c.announce(conv, "conversation.assigned")
	return conv, true, nil
}

// AutoAssign claims the conversation on behalf of the least-loaded available
// agent, breaking ties by who was assigned longest ago. Returns
// ErrNoAvailableAgent when every agent is offline, full, or not accepting.
func (c *Coordinator) AutoAssign(ctx context.Context, convID, siteID string) (*store.Conversation, error) {
	agents, err := c.store.ListAvailableAgents(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("listing available agents: %w", err)
	}

	for _, agent := range agents {
		if !agent.HasCapacity() {
			continue
		}
		conv, claimed, err := c.Claim(ctx, convID, siteID, agent.UserID)
		if err != nil {
			return nil, err
		}
		if claimed {
			return conv, nil
		}
		// Someone claimed it manually in the meantime; nothing left to do.
		return conv, nil
	}
	return nil, ErrNoAvailableAgent
}

// Transfer hands the conversation from one agent to another. The storage
// layer verifies fromAgentID still holds the conversation and moves both load
// counters atomically. The target agent is notified on every device even
// before subscribing.
func (c *Coordinator) Transfer(ctx context.Context, convID, siteID, fromAgentID, toAgentID string) (*store.Conversation, error) {
	if err := c.checkSite(ctx, convID, siteID); err != nil {
		return nil, err
	}
	if _, err := c.store.GetAgent(ctx, siteID, toAgentID); err != nil {
		return nil, fmt.Errorf("looking up transfer target: %w", err)
	}

	conv, err := c.store.TransferConversation(ctx, convID, fromAgentID, toAgentID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	c.logger.Info("conversation transferred",
		"conversation_id", convID,
		"from_agent_id", fromAgentID,
		"to_agent_id", toAgentID,
	)

	ev := &registry.Event{Type: "conversation.transferred", Data: conv}
	delivered := make(map[string]struct{})
	for _, conn := range c.registry.Subscribers(convID) {
		delivered[conn.ID] = struct{}{}
		conn.Send(ev)
	}
	for _, conn := range c.registry.AgentConnections(siteID, toAgentID) {
		if _, ok := delivered[conn.ID]; ok {
			continue
		}
		conn.Send(ev)
	}
	return conv, nil
}

// Resolve marks the conversation resolved and releases the agent's capacity.
// Resolving an already-resolved conversation is a no-op that returns the
// current row.
func (c *Coordinator) Resolve(ctx context.Context, convID, siteID, agentID string) (*store.Conversation, error) {
	conv, err := c.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if conv.SiteID != siteID {
		return nil, store.ErrConversationNotFound
	}
	if !conv.Open() {
		return conv, nil
	}

	conv, err = c.store.ResolveConversation(ctx, convID, agentID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := c.store.AdjustAgentLoad(ctx, siteID, agentID, -1); err != nil {
		return nil, fmt.Errorf("decrementing agent load: %w", err)
	}

	c.logger.Info("conversation resolved",
		"conversation_id", convID,
		"agent_id", agentID,
	)

	c.announce(conv, "conversation.resolved")
	return conv, nil
}

// Reactivate reopens a resolved conversation because the visitor spoke again.
// The previous assignment is kept. If the assigned agent has a live
// connection the conversation simply goes active; otherwise it is flagged
// needs-attention so the agent dashboard surfaces it for re-engagement, and
// the agent's capacity is consumed again either way.
func (c *Coordinator) Reactivate(ctx context.Context, conv *store.Conversation) (*store.Conversation, error) {
	needsAttention := true
	if conv.AssignedAgentID != nil &&
		c.registry.AgentOnline(conv.SiteID, *conv.AssignedAgentID) {
		needsAttention = false
	}

	updated, err := c.store.ReactivateConversation(ctx, conv.ID, needsAttention, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if conv.AssignedAgentID != nil {
		if err := c.store.AdjustAgentLoad(ctx, conv.SiteID, *conv.AssignedAgentID, 1); err != nil {
			return nil, fmt.Errorf("restoring agent load: %w", err)
		}
	}

	c.logger.Info("conversation reactivated",
		"conversation_id", conv.ID,
		"needs_attention", needsAttention,
	)

	c.announce(updated, "conversation.updated")
	return updated, nil
}

// checkSite verifies the conversation belongs to the caller's site. A foreign
// conversation id gets ErrConversationNotFound, never a hint that it exists.
func (c *Coordinator) checkSite(ctx context.Context, convID, siteID string) error {
	conv, err := c.store.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if conv.SiteID != siteID {
		return store.ErrConversationNotFound
	}
	return nil
}

// announce fans a lifecycle event out to the conversation's subscribers and
// to the site's agents, who track queue state without subscribing. Each
// connection receives the event once.
func (c *Coordinator) announce(conv *store.Conversation, eventType string) {
	ev := &registry.Event{Type: eventType, Data: conv}

	delivered := make(map[string]struct{})
	for _, conn := range c.registry.Subscribers(conv.ID) {
		delivered[conn.ID] = struct{}{}
		conn.Send(ev)
	}
	for _, conn := range c.registry.SiteAgentConnections(conv.SiteID) {
		if _, ok := delivered[conn.ID]; ok {
			continue
		}
		conn.Send(ev)
	}
}
