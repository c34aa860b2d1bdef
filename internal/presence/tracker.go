// ABOUTME: Derives visitor and agent presence from connection lifecycle events
// ABOUTME: Persists status transitions and broadcasts them to site agents

package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dramac-main/dramac-chat-hub/internal/auth"
	"github.com/dramac-main/dramac-chat-hub/internal/registry"
	"github.com/dramac-main/dramac-chat-hub/internal/store"
)

// Store is the subset of the storage layer presence needs.
type Store interface {
	SetVisitorOnline(ctx context.Context, siteID, visitorID string, online bool, seenAt time.Time) error
	GetAgent(ctx context.Context, siteID, userID string) (*store.Agent, error)
	UpdateAgentStatus(ctx context.Context, siteID, userID string, status store.AgentStatus) error
}

// Tracker keeps persisted presence in step with the registry's view of live
// connections. Visitor presence is derived purely from the socket; agent
// presence combines connection liveness with the agent's declared status.
type Tracker struct {
	store    Store
	registry *registry.Registry
	logger   *slog.Logger
}

// NewTracker creates a presence tracker. Pass nil logger for default.
func NewTracker(st Store, reg *registry.Registry, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:    st,
		registry: reg,
		logger:   logger.With("component", "presence"),
	}
}

// HandleConnect records that an identity gained a live connection. A visitor
// goes online. An agent who was offline comes back online; an agent already
// away or busy keeps their declared status, a second device must not reset it.
func (t *Tracker) HandleConnect(ctx context.Context, identity auth.Identity) error {
	now := time.Now().UTC()

	switch identity.Kind {
	case store.ActorVisitor:
		if err := t.store.SetVisitorOnline(ctx, identity.SiteID, identity.ActorID, true, now); err != nil {
			return fmt.Errorf("setting visitor online: %w", err)
		}
		return nil

	case store.ActorAgent:
		agent, err := t.store.GetAgent(ctx, identity.SiteID, identity.ActorID)
		if err != nil {
			return fmt.Errorf("loading agent presence: %w", err)
		}
		if agent.Status != store.AgentOffline {
			return nil
		}
		return t.transitionAgent(ctx, identity.SiteID, identity.ActorID, store.AgentOnline, "")

	default:
		return fmt.Errorf("unknown actor kind %q", identity.Kind)
	}
}

// HandleDisconnect records that a connection went away. Presence follows
// registry membership: a visitor superseded by a newer connection and an
// agent with another live device both stay online; only the last connection
// going away persists the offline transition.
func (t *Tracker) HandleDisconnect(ctx context.Context, identity auth.Identity) error {
	now := time.Now().UTC()

	switch identity.Kind {
	case store.ActorVisitor:
		if _, live := t.registry.VisitorConnection(identity.SiteID, identity.ActorID); live {
			return nil
		}
		if err := t.store.SetVisitorOnline(ctx, identity.SiteID, identity.ActorID, false, now); err != nil {
			return fmt.Errorf("setting visitor offline: %w", err)
		}
		return nil

	case store.ActorAgent:
		if t.registry.AgentOnline(identity.SiteID, identity.ActorID) {
			return nil
		}
		return t.transitionAgent(ctx, identity.SiteID, identity.ActorID, store.AgentOffline, "")

	default:
		return fmt.Errorf("unknown actor kind %q", identity.Kind)
	}
}

// SetAgentStatus applies an agent's declared status change, persists it, and
// broadcasts it to the site's agents. The originating connection is excluded
// from the broadcast; its own acknowledgement is the reply to the request.
func (t *Tracker) SetAgentStatus(ctx context.Context, siteID, agentID string, status store.AgentStatus, originConnID string) error {
	switch status {
	case store.AgentOnline, store.AgentAway, store.AgentBusy, store.AgentOffline:
	default:
		return fmt.Errorf("invalid agent status %q", status)
	}
	return t.transitionAgent(ctx, siteID, agentID, status, originConnID)
}

func (t *Tracker) transitionAgent(ctx context.Context, siteID, agentID string, status store.AgentStatus, originConnID string) error {
	if err := t.store.UpdateAgentStatus(ctx, siteID, agentID, status); err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}

	t.logger.Info("agent status changed",
		"site_id", siteID,
		"agent_id", agentID,
		"status", status,
	)

	t.registry.BroadcastToSiteAgents(siteID, &registry.Event{
		Type: "agent.status_changed",
		Data: StatusChange{AgentID: agentID, Status: status},
	}, originConnID)
	return nil
}

// StatusChange is the broadcast payload for an agent presence transition.
type StatusChange struct {
	AgentID string            `json:"agent_id"`
	Status  store.AgentStatus `json:"status"`
}
