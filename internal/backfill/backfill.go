// ABOUTME: Reconnect and catch-up reads over the persisted conversation log
// ABOUTME: Serves conversation snapshots and an agent's open workload

package backfill

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dramac-main/dramac-chat-hub/internal/store"
)

const (
	// DefaultLimit bounds a single backfill page when the client asks for
	// everything.
	DefaultLimit = 200
	maxLimit     = 500
)

// Snapshot is one conversation's authoritative state plus the messages the
// requesting client is missing. LatestSeq lets the client position its next
// sync request even when the page was truncated.
type Snapshot struct {
	Conversation *store.Conversation
	Messages     []*store.Message
	LatestSeq    int64
	Truncated    bool
}

// Store is the subset of the storage layer backfill reads from.
type Store interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListMessagesSince(ctx context.Context, convID string, afterSeq int64, limit int) ([]*store.Message, error)
	ListConversationsByAgent(ctx context.Context, siteID, agentID string, limit int) ([]*store.Conversation, error)
}

// Service answers catch-up queries. The persisted log is the source of truth
// for ordering: whatever a client missed live, it recovers here in sequence
// order with no gaps.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a backfill service. Pass nil logger for default.
func NewService(st Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		logger: logger.With("component", "backfill"),
	}
}

// Conversation returns the conversation row and every message with seq
// greater than afterSeq, oldest first, up to limit. Truncated tells the
// client to sync again from the returned LatestSeq.
func (s *Service) Conversation(ctx context.Context, convID string, afterSeq int64, limit int) (*Snapshot, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}

	// Fetch one extra row to detect truncation without a count query.
	msgs, err := s.store.ListMessagesSince(ctx, convID, afterSeq, limit+1)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	truncated := len(msgs) > limit
	if truncated {
		msgs = msgs[:limit]
	}

	latest := afterSeq
	if len(msgs) > 0 {
		latest = msgs[len(msgs)-1].Seq
	}

	s.logger.Debug("conversation backfill served",
		"conversation_id", convID,
		"after_seq", afterSeq,
		"messages", len(msgs),
		"truncated", truncated,
	)
	return &Snapshot{
		Conversation: conv,
		Messages:     msgs,
		LatestSeq:    latest,
		Truncated:    truncated,
	}, nil
}

// AgentWorkload returns the agent's assigned conversations, most recently
// updated first, for rebuilding the dashboard after a reconnect.
func (s *Service) AgentWorkload(ctx context.Context, siteID, agentID string, limit int) ([]*store.Conversation, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	convs, err := s.store.ListConversationsByAgent(ctx, siteID, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing agent conversations: %w", err)
	}
	return convs, nil
}
