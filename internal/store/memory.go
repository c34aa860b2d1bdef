// ABOUTME: In-memory implementation of the Store interface for tests and dev
// ABOUTME: Mirrors SQLite semantics including CAS claims and dedup keys

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process maps. It preserves the same
// conditional-write semantics as the SQLite store (claim CAS, one open
// conversation per visitor, dedup keys) so tests exercise identical behavior.
// Only correct for a single hub instance.
type MemoryStore struct {
	mu            sync.RWMutex
	visitors      map[string]*Visitor      // siteID|visitorID
	agents        map[string]*Agent        // siteID|userID
	conversations map[string]*Conversation // conversation id
	messages      map[string][]*Message    // conversation id -> ordered log
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		visitors:      make(map[string]*Visitor),
		agents:        make(map[string]*Agent),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
	}
}

func key(siteID, id string) string {
	return siteID + "|" + id
}

func copyVisitor(v *Visitor) *Visitor {
	c := *v
	return &c
}

func copyAgent(a *Agent) *Agent {
	c := *a
	return &c
}

func copyConversation(c *Conversation) *Conversation {
	out := *c
	if c.AssignedAgentID != nil {
		id := *c.AssignedAgentID
		out.AssignedAgentID = &id
	}
	out.Tags = append([]string(nil), c.Tags...)
	copyTimePtr := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := *t
		return &v
	}
	out.FirstMessageAt = copyTimePtr(c.FirstMessageAt)
	out.FirstResponseAt = copyTimePtr(c.FirstResponseAt)
	out.LastMessageAt = copyTimePtr(c.LastMessageAt)
	out.ResolvedAt = copyTimePtr(c.ResolvedAt)
	return &out
}

func copyMessage(m *Message) *Message {
	c := *m
	c.Attachments = append([]Attachment(nil), m.Attachments...)
	return &c
}

// --- Visitors ---

func (s *MemoryStore) UpsertVisitor(_ context.Context, v *Visitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(v.SiteID, v.ID)
	if existing, ok := s.visitors[k]; ok {
		if v.Name != "" {
			existing.Name = v.Name
		}
		if v.Email != "" {
			existing.Email = v.Email
		}
		existing.Online = v.Online
		existing.LastSeenAt = v.LastSeenAt
		return nil
	}
	s.visitors[k] = copyVisitor(v)
	return nil
}

func (s *MemoryStore) GetVisitor(_ context.Context, siteID, visitorID string) (*Visitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.visitors[key(siteID, visitorID)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyVisitor(v), nil
}

func (s *MemoryStore) SetVisitorOnline(_ context.Context, siteID, visitorID string, online bool, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.visitors[key(siteID, visitorID)]
	if !ok {
		return ErrNotFound
	}
	v.Online = online
	v.LastSeenAt = seenAt
	return nil
}

// --- Agents ---

func (s *MemoryStore) UpsertAgent(_ context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(a.SiteID, a.UserID)
	if existing, ok := s.agents[k]; ok {
		existing.DisplayName = a.DisplayName
		existing.Status = a.Status
		existing.MaxConcurrent = a.MaxConcurrent
		existing.AcceptsNewChats = a.AcceptsNewChats
		existing.UpdatedAt = a.UpdatedAt
		return nil
	}
	s.agents[k] = copyAgent(a)
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, siteID, userID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[key(siteID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAgent(a), nil
}

func (s *MemoryStore) UpdateAgentStatus(_ context.Context, siteID, userID string, status AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[key(siteID, userID)]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListAvailableAgents(_ context.Context, siteID string) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var agents []*Agent
	for _, a := range s.agents {
		if a.SiteID == siteID && a.Status == AgentOnline && a.HasCapacity() {
			agents = append(agents, copyAgent(a))
		}
	}

	sort.Slice(agents, func(i, j int) bool {
		if agents[i].CurrentCount != agents[j].CurrentCount {
			return agents[i].CurrentCount < agents[j].CurrentCount
		}
		return agents[i].LastAssignedAt.Before(agents[j].LastAssignedAt)
	})
	return agents, nil
}

func (s *MemoryStore) AdjustAgentLoad(_ context.Context, siteID, userID string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[key(siteID, userID)]
	if !ok {
		return ErrNotFound
	}
	a.CurrentCount += delta
	if a.CurrentCount < 0 {
		a.CurrentCount = 0
	}
	return nil
}

func (s *MemoryStore) TouchAgentAssignedAt(_ context.Context, siteID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.agents[key(siteID, userID)]; ok {
		a.LastAssignedAt = at
	}
	return nil
}

// --- Conversations ---

func (s *MemoryStore) CreateConversation(_ context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.conversations {
		if existing.SiteID == c.SiteID && existing.VisitorID == c.VisitorID && existing.Open() {
			return ErrDuplicateConversation
		}
	}
	s.conversations[c.ID] = copyConversation(c)
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return copyConversation(c), nil
}

func (s *MemoryStore) GetOpenConversationByVisitor(_ context.Context, siteID, visitorID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.conversations {
		if c.SiteID == siteID && c.VisitorID == visitorID && c.Open() {
			return copyConversation(c), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListConversationsByAgent(_ context.Context, siteID, agentID string, limit int) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var convs []*Conversation
	for _, c := range s.conversations {
		if c.SiteID == siteID && c.AssignedAgentID != nil && *c.AssignedAgentID == agentID &&
			c.Status != StatusClosed {
			convs = append(convs, copyConversation(c))
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	if len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

func (s *MemoryStore) ClaimConversation(_ context.Context, convID, agentID string, at time.Time) (*Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[convID]
	if !ok {
		return nil, false, ErrConversationNotFound
	}

	if c.AssignedAgentID == nil && c.Status == StatusPending {
		id := agentID
		c.AssignedAgentID = &id
		c.Status = StatusActive
		c.NeedsAttention = false
		c.UpdatedAt = at
		return copyConversation(c), true, nil
	}
	return copyConversation(c), false, nil
}

func (s *MemoryStore) TransferConversation(_ context.Context, convID, fromAgentID, toAgentID string, at time.Time) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[convID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	if c.AssignedAgentID == nil || *c.AssignedAgentID != fromAgentID {
		return nil, ErrNotAssigned
	}

	id := toAgentID
	c.AssignedAgentID = &id
	c.NeedsAttention = false
	c.UpdatedAt = at

	if from, ok := s.agents[key(c.SiteID, fromAgentID)]; ok && from.CurrentCount > 0 {
		from.CurrentCount--
	}
	if to, ok := s.agents[key(c.SiteID, toAgentID)]; ok {
		to.CurrentCount++
		to.LastAssignedAt = at
	}
	return copyConversation(c), nil
}

func (s *MemoryStore) ResolveConversation(_ context.Context, convID, agentID string, at time.Time) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[convID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	if c.Open() {
		c.Status = StatusResolved
		resolvedAt := at
		c.ResolvedAt = &resolvedAt
		c.NeedsAttention = false
		c.UpdatedAt = at
	}
	return copyConversation(c), nil
}

func (s *MemoryStore) ReactivateConversation(_ context.Context, convID string, needsAttention bool, at time.Time) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[convID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	if c.Status == StatusResolved {
		c.Status = StatusActive
		c.NeedsAttention = needsAttention
		c.ResolvedAt = nil
		c.UpdatedAt = at
	}
	return copyConversation(c), nil
}

func (s *MemoryStore) SetFirstResponseAt(_ context.Context, convID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[convID]
	if !ok {
		return ErrConversationNotFound
	}
	if c.FirstResponseAt == nil {
		t := at
		c.FirstResponseAt = &t
	}
	return nil
}

// --- Messages ---

func (s *MemoryStore) AppendMessage(_ context.Context, m *Message) (*AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[m.ConversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}

	log := s.messages[m.ConversationID]
	if m.ClientMessageID != "" {
		for _, existing := range log {
			if existing.ClientMessageID == m.ClientMessageID {
				return &AppendResult{Message: copyMessage(existing), Duplicate: true}, nil
			}
		}
	}

	saved := copyMessage(m)
	saved.Seq = int64(len(log)) + 1
	s.messages[m.ConversationID] = append(log, saved)

	createdAt := saved.CreatedAt
	if c.FirstMessageAt == nil {
		t := createdAt
		c.FirstMessageAt = &t
	}
	t := createdAt
	c.LastMessageAt = &t
	c.UpdatedAt = createdAt

	return &AppendResult{Message: copyMessage(saved)}, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, convID string, reader ActorKind, upToSeq int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var marked int64
	for _, m := range s.messages[convID] {
		if m.Seq > upToSeq {
			break
		}
		switch reader {
		case ActorVisitor:
			if !m.ReadByVisitor {
				m.ReadByVisitor = true
				marked++
			}
		case ActorAgent:
			if !m.ReadByAgent {
				m.ReadByAgent = true
				marked++
			}
		}
	}
	return marked, nil
}

func (s *MemoryStore) ListMessagesSince(_ context.Context, convID string, afterSeq int64, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 500
	}

	var out []*Message
	for _, m := range s.messages[convID] {
		if m.Seq > afterSeq {
			out = append(out, copyMessage(m))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)
