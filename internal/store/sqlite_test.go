// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers claim CAS, message sequencing, dedup keys and read flags

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedConversation(t *testing.T, s Store, siteID, visitorID string) *Conversation {
	t.Helper()
	now := time.Now()
	conv := &Conversation{
		ID:        uuid.New().String(),
		SiteID:    siteID,
		VisitorID: visitorID,
		Status:    StatusPending,
		Priority:  "normal",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateConversation(context.Background(), conv))
	return conv
}

func TestSQLiteStore_VisitorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	v := &Visitor{
		ID:         uuid.New().String(),
		SiteID:     "site-1",
		Name:       "Ada",
		Email:      "ada@example.com",
		Online:     true,
		LastSeenAt: now,
		CreatedAt:  now,
	}
	require.NoError(t, s.UpsertVisitor(ctx, v))

	got, err := s.GetVisitor(ctx, "site-1", v.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.Name)
	assert.True(t, got.Online)

	// Upsert with empty contact fields keeps the existing values
	require.NoError(t, s.UpsertVisitor(ctx, &Visitor{
		ID: v.ID, SiteID: "site-1", Online: false, LastSeenAt: now, CreatedAt: now,
	}))
	got, err = s.GetVisitor(ctx, "site-1", v.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.Name)
	assert.Equal(t, "ada@example.com", got.Email)
	assert.False(t, got.Online)
}

func TestSQLiteStore_GetVisitorNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetVisitor(context.Background(), "site-1", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_OneOpenConversationPerVisitor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := seedConversation(t, s, "site-1", "visitor-1")

	dup := &Conversation{
		ID:        uuid.New().String(),
		SiteID:    "site-1",
		VisitorID: "visitor-1",
		Status:    StatusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	err := s.CreateConversation(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateConversation)

	// A resolved conversation frees the slot
	_, err = s.ResolveConversation(ctx, conv.ID, "agent-1", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.CreateConversation(ctx, dup))
}

func TestSQLiteStore_ClaimIsCompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := seedConversation(t, s, "site-1", "visitor-1")

	won, claimed, err := s.ClaimConversation(ctx, conv.ID, "agent-1", time.Now())
	require.NoError(t, err)
	assert.True(t, claimed)
	require.NotNil(t, won.AssignedAgentID)
	assert.Equal(t, "agent-1", *won.AssignedAgentID)
	assert.Equal(t, StatusActive, won.Status)

	// Second claim is not an error: caller observes the winner
	lost, claimed, err := s.ClaimConversation(ctx, conv.ID, "agent-2", time.Now())
	require.NoError(t, err)
	assert.False(t, claimed)
	require.NotNil(t, lost.AssignedAgentID)
	assert.Equal(t, "agent-1", *lost.AssignedAgentID)
	assert.Equal(t, StatusActive, lost.Status)
}

func TestSQLiteStore_ConcurrentClaimsSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := seedConversation(t, s, "site-1", "visitor-1")

	const claimers = 8
	var wg sync.WaitGroup
	winners := make(chan string, claimers)

	for i := 0; i < claimers; i++ {
		agentID := fmt.Sprintf("agent-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, claimed, err := s.ClaimConversation(ctx, conv.ID, agentID, time.Now())
			if err == nil && claimed {
				winners <- agentID
			}
		}()
	}
	wg.Wait()
	close(winners)

	var count int
	for range winners {
		count++
	}
	assert.Equal(t, 1, count, "exactly one claimer must win")
}

func TestSQLiteStore_ClaimMissingConversation(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.ClaimConversation(context.Background(), "missing", "agent-1", time.Now())
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestSQLiteStore_TransferMovesLoadCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"agent-1", "agent-2"} {
		require.NoError(t, s.UpsertAgent(ctx, &Agent{
			UserID: id, SiteID: "site-1", DisplayName: id,
			Status: AgentOnline, MaxConcurrent: 5, AcceptsNewChats: true, UpdatedAt: now,
		}))
	}

	conv := seedConversation(t, s, "site-1", "visitor-1")
	_, claimed, err := s.ClaimConversation(ctx, conv.ID, "agent-1", now)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, s.AdjustAgentLoad(ctx, "site-1", "agent-1", 1))

	got, err := s.TransferConversation(ctx, conv.ID, "agent-1", "agent-2", now)
	require.NoError(t, err)
	require.NotNil(t, got.AssignedAgentID)
	assert.Equal(t, "agent-2", *got.AssignedAgentID)

	a1, err := s.GetAgent(ctx, "site-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 0, a1.CurrentCount)

	a2, err := s.GetAgent(ctx, "site-1", "agent-2")
	require.NoError(t, err)
	assert.Equal(t, 1, a2.CurrentCount)

	// Transfer from the wrong agent fails without mutating state
	_, err = s.TransferConversation(ctx, conv.ID, "agent-1", "agent-2", now)
	assert.ErrorIs(t, err, ErrNotAssigned)
}

func TestSQLiteStore_ResolveAndReactivate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	conv := seedConversation(t, s, "site-1", "visitor-1")
	_, _, err := s.ClaimConversation(ctx, conv.ID, "agent-1", now)
	require.NoError(t, err)

	resolved, err := s.ResolveConversation(ctx, conv.ID, "agent-1", now)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	require.NotNil(t, resolved.AssignedAgentID, "resolution keeps the assignment")

	reactivated, err := s.ReactivateConversation(ctx, conv.ID, true, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusActive, reactivated.Status)
	assert.True(t, reactivated.NeedsAttention)
	assert.Nil(t, reactivated.ResolvedAt)
	require.NotNil(t, reactivated.AssignedAgentID)
	assert.Equal(t, "agent-1", *reactivated.AssignedAgentID)
}

func TestSQLiteStore_FirstResponseAtSetOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := seedConversation(t, s, "site-1", "visitor-1")

	first := time.Now()
	require.NoError(t, s.SetFirstResponseAt(ctx, conv.ID, first))
	require.NoError(t, s.SetFirstResponseAt(ctx, conv.ID, first.Add(time.Hour)))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FirstResponseAt)
	assert.Equal(t, first.UTC().Truncate(time.Nanosecond), got.FirstResponseAt.UTC())
}

func TestSQLiteStore_AppendAssignsMonotonicSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := seedConversation(t, s, "site-1", "visitor-1")

	for i := 1; i <= 3; i++ {
		res, err := s.AppendMessage(ctx, &Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			SenderKind:     ActorVisitor,
			SenderID:       "visitor-1",
			Content:        fmt.Sprintf("message %d", i),
			CreatedAt:      time.Now(),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i), res.Message.Seq)
		assert.False(t, res.Duplicate)
	}

	msgs, err := s.ListMessagesSince(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Seq)
		assert.Equal(t, fmt.Sprintf("message %d", i+1), m.Content)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.FirstMessageAt)
	assert.NotNil(t, got.LastMessageAt)
}

func TestSQLiteStore_AppendDeduplicatesByClientMessageID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := seedConversation(t, s, "site-1", "visitor-1")

	msg := &Message{
		ID:              uuid.New().String(),
		ConversationID:  conv.ID,
		SenderKind:      ActorVisitor,
		SenderID:        "visitor-1",
		Content:         "hello",
		ClientMessageID: "client-1",
		CreatedAt:       time.Now(),
	}
	first, err := s.AppendMessage(ctx, msg)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	retry := *msg
	retry.ID = uuid.New().String()
	second, err := s.AppendMessage(ctx, &retry)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Message.ID, second.Message.ID)
	assert.Equal(t, first.Message.Seq, second.Message.Seq)

	msgs, err := s.ListMessagesSince(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSQLiteStore_ConcurrentAppendsSameClientID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s, "site-1", "visitor-1")

	// Every writer races the same client message id; exactly one row lands
	// and every caller, winner or loser, observes the same message.
	const writers = 8
	results := make(chan *AppendResult, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.AppendMessage(ctx, &Message{
				ID:              uuid.New().String(),
				ConversationID:  conv.ID,
				SenderKind:      ActorVisitor,
				SenderID:        "visitor-1",
				Content:         fmt.Sprintf("attempt %d", i),
				ClientMessageID: "retry-1",
				CreatedAt:       time.Now(),
			})
			if assert.NoError(t, err) {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)

	var originals int
	var seq int64
	for res := range results {
		if !res.Duplicate {
			originals++
		}
		if seq == 0 {
			seq = res.Message.Seq
		}
		assert.Equal(t, seq, res.Message.Seq)
	}
	assert.Equal(t, 1, originals)

	msgs, err := s.ListMessagesSince(ctx, conv.ID, 0, 100)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSQLiteStore_AppendToMissingConversation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AppendMessage(context.Background(), &Message{
		ID:             uuid.New().String(),
		ConversationID: "missing",
		SenderKind:     ActorVisitor,
		SenderID:       "visitor-1",
		Content:        "hello",
		CreatedAt:      time.Now(),
	})
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestSQLiteStore_MessageRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := seedConversation(t, s, "site-1", "visitor-1")

	sent := time.Now()
	res, err := s.AppendMessage(ctx, &Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderKind:     ActorAgent,
		SenderID:       "agent-1",
		Content:        "here is the doc",
		Attachments:    []Attachment{{Filename: "doc.pdf", MimeType: "application/pdf", URL: "https://files/doc.pdf"}},
		CreatedAt:      sent,
	})
	require.NoError(t, err)

	msgs, err := s.ListMessagesSince(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	got := msgs[0]
	assert.Equal(t, res.Message.ID, got.ID)
	assert.Equal(t, "here is the doc", got.Content)
	assert.Equal(t, ActorAgent, got.SenderKind)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "doc.pdf", got.Attachments[0].Filename)
	assert.True(t, got.CreatedAt.Equal(sent.UTC()))
}

func TestSQLiteStore_MarkReadFlipsOneSide(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := seedConversation(t, s, "site-1", "visitor-1")
	for i := 0; i < 3; i++ {
		_, err := s.AppendMessage(ctx, &Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			SenderKind:     ActorVisitor,
			SenderID:       "visitor-1",
			Content:        fmt.Sprintf("m%d", i),
			CreatedAt:      time.Now(),
		})
		require.NoError(t, err)
	}

	marked, err := s.MarkRead(ctx, conv.ID, ActorAgent, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), marked)

	// Second call is a no-op for already-read messages
	marked, err = s.MarkRead(ctx, conv.ID, ActorAgent, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), marked)

	msgs, err := s.ListMessagesSince(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	assert.True(t, msgs[0].ReadByAgent)
	assert.True(t, msgs[1].ReadByAgent)
	assert.False(t, msgs[2].ReadByAgent)
	for _, m := range msgs {
		assert.False(t, m.ReadByVisitor)
	}
}

func TestSQLiteStore_ListMessagesSinceSkipsOldSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := seedConversation(t, s, "site-1", "visitor-1")
	for i := 0; i < 5; i++ {
		_, err := s.AppendMessage(ctx, &Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			SenderKind:     ActorVisitor,
			SenderID:       "visitor-1",
			Content:        fmt.Sprintf("m%d", i),
			CreatedAt:      time.Now(),
		})
		require.NoError(t, err)
	}

	msgs, err := s.ListMessagesSince(ctx, conv.ID, 3, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(4), msgs[0].Seq)
	assert.Equal(t, int64(5), msgs[1].Seq)
}

func TestSQLiteStore_ListAvailableAgentsOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	agents := []*Agent{
		{UserID: "busy", SiteID: "site-1", DisplayName: "Busy", Status: AgentOnline,
			MaxConcurrent: 2, AcceptsNewChats: true, UpdatedAt: now},
		{UserID: "idle", SiteID: "site-1", DisplayName: "Idle", Status: AgentOnline,
			MaxConcurrent: 2, AcceptsNewChats: true, UpdatedAt: now},
		{UserID: "full", SiteID: "site-1", DisplayName: "Full", Status: AgentOnline,
			MaxConcurrent: 1, AcceptsNewChats: true, UpdatedAt: now},
		{UserID: "closed", SiteID: "site-1", DisplayName: "Closed", Status: AgentOnline,
			MaxConcurrent: 2, AcceptsNewChats: false, UpdatedAt: now},
		{UserID: "offline", SiteID: "site-1", DisplayName: "Offline", Status: AgentOffline,
			MaxConcurrent: 2, AcceptsNewChats: true, UpdatedAt: now},
	}
	for _, a := range agents {
		require.NoError(t, s.UpsertAgent(ctx, a))
	}
	require.NoError(t, s.AdjustAgentLoad(ctx, "site-1", "busy", 1))
	require.NoError(t, s.AdjustAgentLoad(ctx, "site-1", "full", 1))

	available, err := s.ListAvailableAgents(ctx, "site-1")
	require.NoError(t, err)
	require.Len(t, available, 2)
	assert.Equal(t, "idle", available[0].UserID)
	assert.Equal(t, "busy", available[1].UserID)
}

func TestSQLiteStore_ListAvailableAgentsFairnessTieBreak(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"a", "b"} {
		require.NoError(t, s.UpsertAgent(ctx, &Agent{
			UserID: id, SiteID: "site-1", DisplayName: id,
			Status: AgentOnline, MaxConcurrent: 5, AcceptsNewChats: true, UpdatedAt: now,
		}))
	}
	require.NoError(t, s.TouchAgentAssignedAt(ctx, "site-1", "a", now))
	require.NoError(t, s.TouchAgentAssignedAt(ctx, "site-1", "b", now.Add(-time.Hour)))

	available, err := s.ListAvailableAgents(ctx, "site-1")
	require.NoError(t, err)
	require.Len(t, available, 2)
	assert.Equal(t, "b", available[0].UserID, "least-recently-assigned wins the tie")
}
