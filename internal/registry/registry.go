// ABOUTME: Tracks live connections with visitor, agent and conversation indices
// ABOUTME: Central fan-out point for conversation and site-wide broadcasts

package registry

import (
	"log/slog"
	"sync"

	"github.com/dramac-main/dramac-chat-hub/internal/store"
)

// Registry is the table of live connections, keyed by connection id, with
// secondary indices visitor->connection and agent->set-of-connections plus
// per-conversation subscriptions. It is process-local state with an explicit
// lifecycle: populated on admit, cleared on remove, wiped on Close.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Connection
	visitors map[string]string              // siteID|visitorID -> connection id
	agents   map[string]map[string]struct{} // siteID|agentID -> connection ids
	subs     map[string]map[string]struct{} // conversation id -> connection ids
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:    make(map[string]*Connection),
		visitors: make(map[string]string),
		agents:   make(map[string]map[string]struct{}),
		subs:     make(map[string]map[string]struct{}),
		logger:   logger.With("component", "registry"),
	}
}

func actorKey(siteID, actorID string) string {
	return siteID + "|" + actorID
}

// Admit adds an authenticated connection to the registry. A visitor's new
// connection supersedes any previous one from the same identity; the
// superseded connection is returned (already removed and closed) so the
// transport can close the socket. Agents may hold multiple simultaneous
// connections (one per device).
func (r *Registry) Admit(conn *Connection) (superseded *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := actorKey(conn.Identity.SiteID, conn.Identity.ActorID)

	switch conn.Identity.Kind {
	case store.ActorVisitor:
		if oldID, ok := r.visitors[k]; ok {
			superseded = r.conns[oldID]
			r.removeLocked(oldID)
		}
		r.visitors[k] = conn.ID

	case store.ActorAgent:
		if _, ok := r.agents[k]; !ok {
			r.agents[k] = make(map[string]struct{})
		}
		r.agents[k][conn.ID] = struct{}{}
	}

	r.conns[conn.ID] = conn
	r.logger.Info("connection admitted",
		"connection_id", conn.ID,
		"kind", conn.Identity.Kind,
		"site_id", conn.Identity.SiteID,
		"actor_id", conn.Identity.ActorID,
		"total_connections", len(r.conns),
	)

	if superseded != nil {
		superseded.Close()
	}
	return superseded
}

// Remove deletes a connection and all its index entries, closing it.
// Removing an unknown id is a no-op.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connID)
}

// removeLocked must be called with mu held.
func (r *Registry) removeLocked(connID string) {
	conn, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)

	k := actorKey(conn.Identity.SiteID, conn.Identity.ActorID)
	switch conn.Identity.Kind {
	case store.ActorVisitor:
		if r.visitors[k] == connID {
			delete(r.visitors, k)
		}
	case store.ActorAgent:
		if set, ok := r.agents[k]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.agents, k)
			}
		}
	}

	for convID, set := range r.subs {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.subs, convID)
		}
	}

	conn.Close()
	r.logger.Info("connection removed",
		"connection_id", connID,
		"kind", conn.Identity.Kind,
		"actor_id", conn.Identity.ActorID,
		"total_connections", len(r.conns),
	)
}

// Get retrieves a connection by id.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// AgentOnline reports whether the agent has at least one live connection.
func (r *Registry) AgentOnline(siteID, agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents[actorKey(siteID, agentID)]) > 0
}

// AgentConnections returns all live connections for an agent (one per device).
func (r *Registry) AgentConnections(siteID, agentID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*Connection
	for connID := range r.agents[actorKey(siteID, agentID)] {
		if conn, ok := r.conns[connID]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

// VisitorConnection returns the visitor's single active connection, if any.
func (r *Registry) VisitorConnection(siteID, visitorID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connID, ok := r.visitors[actorKey(siteID, visitorID)]
	if !ok {
		return nil, false
	}
	conn, ok := r.conns[connID]
	return conn, ok
}

// Subscribe registers a connection for fan-out of a conversation's events.
func (r *Registry) Subscribe(connID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; !ok {
		return
	}
	if _, ok := r.subs[conversationID]; !ok {
		r.subs[conversationID] = make(map[string]struct{})
	}
	r.subs[conversationID][connID] = struct{}{}
}

// Unsubscribe removes a connection's subscription to a conversation.
func (r *Registry) Unsubscribe(connID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.subs[conversationID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.subs, conversationID)
		}
	}
}

// Subscribed reports whether a connection is subscribed to a conversation.
func (r *Registry) Subscribed(connID, conversationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.subs[conversationID][connID]
	return ok
}

// Subscribers returns the connections currently subscribed to a conversation.
func (r *Registry) Subscribers(conversationID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*Connection
	for connID := range r.subs[conversationID] {
		if conn, ok := r.conns[connID]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

// FanOut delivers an event to every connection subscribed to the
// conversation, best-effort. Delivery failure to a specific connection is
// never surfaced to the sender; the persisted record is authoritative.
func (r *Registry) FanOut(conversationID string, ev *Event, excludeConnID string) {
	for _, conn := range r.Subscribers(conversationID) {
		if conn.ID == excludeConnID {
			continue
		}
		conn.Send(ev)
	}
}

// SiteAgentConnections returns every agent connection on the site.
func (r *Registry) SiteAgentConnections(siteID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*Connection
	for _, conn := range r.conns {
		if conn.Identity.Kind == store.ActorAgent && conn.Identity.SiteID == siteID {
			conns = append(conns, conn)
		}
	}
	return conns
}

// BroadcastToSiteAgents delivers an event to every agent connection on the
// site, best-effort. Used for presence updates.
func (r *Registry) BroadcastToSiteAgents(siteID string, ev *Event, excludeConnID string) {
	for _, conn := range r.SiteAgentConnections(siteID) {
		if conn.ID == excludeConnID {
			continue
		}
		conn.Send(ev)
	}
}

// Close wipes the registry, closing every connection.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, conn := range r.conns {
		conn.Close()
		delete(r.conns, id)
	}
	r.visitors = make(map[string]string)
	r.agents = make(map[string]map[string]struct{})
	r.subs = make(map[string]map[string]struct{})
	r.logger.Debug("registry closed")
}
