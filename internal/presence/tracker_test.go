// ABOUTME: Tests for presence derivation from connection lifecycle
// ABOUTME: Covers multi-device agents, declared status, and broadcasts

package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dramac-main/dramac-chat-hub/internal/auth"
	"github.com/dramac-main/dramac-chat-hub/internal/registry"
	"github.com/dramac-main/dramac-chat-hub/internal/store"
)

func newTestTracker(t *testing.T) (*Tracker, store.Store, *registry.Registry) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	reg := registry.NewRegistry(nil)
	return NewTracker(st, reg, nil), st, reg
}

func seedAgent(t *testing.T, st store.Store, siteID, agentID string, status store.AgentStatus) {
	t.Helper()
	require.NoError(t, st.UpsertAgent(testContext(t), &store.Agent{
		UserID:          agentID,
		SiteID:          siteID,
		DisplayName:     "Agent " + agentID,
		Status:          status,
		MaxConcurrent:   5,
		AcceptsNewChats: true,
	}))
}

func TestHandleConnect_VisitorGoesOnline(t *testing.T) {
	tracker, st, _ := newTestTracker(t)

	require.NoError(t, st.UpsertVisitor(testContext(t), &store.Visitor{
		ID:     "vis-1",
		SiteID: "site-1",
	}))

	err := tracker.HandleConnect(testContext(t), auth.Identity{
		Kind: store.ActorVisitor, SiteID: "site-1", ActorID: "vis-1",
	})
	require.NoError(t, err)

	v, err := st.GetVisitor(testContext(t), "site-1", "vis-1")
	require.NoError(t, err)
	assert.True(t, v.Online)
	assert.False(t, v.LastSeenAt.IsZero())
}

func TestHandleDisconnect_VisitorGoesOffline(t *testing.T) {
	tracker, st, _ := newTestTracker(t)

	require.NoError(t, st.UpsertVisitor(testContext(t), &store.Visitor{
		ID:     "vis-1",
		SiteID: "site-1",
	}))
	identity := auth.Identity{Kind: store.ActorVisitor, SiteID: "site-1", ActorID: "vis-1"}
	require.NoError(t, tracker.HandleConnect(testContext(t), identity))
	require.NoError(t, tracker.HandleDisconnect(testContext(t), identity))

	v, err := st.GetVisitor(testContext(t), "site-1", "vis-1")
	require.NoError(t, err)
	assert.False(t, v.Online)
}

func TestHandleDisconnect_SupersededVisitorStaysOnline(t *testing.T) {
	tracker, st, reg := newTestTracker(t)

	require.NoError(t, st.UpsertVisitor(testContext(t), &store.Visitor{
		ID:     "vis-1",
		SiteID: "site-1",
	}))
	identity := auth.Identity{Kind: store.ActorVisitor, SiteID: "site-1", ActorID: "vis-1"}

	old := registry.NewConnection("conn-old", identity, 8, nil)
	reg.Admit(old)
	require.NoError(t, tracker.HandleConnect(testContext(t), identity))

	// The visitor reconnects; the new socket supersedes the old one before
	// the old connection's teardown runs.
	reg.Admit(registry.NewConnection("conn-new", identity, 8, nil))
	require.NoError(t, tracker.HandleConnect(testContext(t), identity))

	reg.Remove(old.ID)
	require.NoError(t, tracker.HandleDisconnect(testContext(t), identity))

	v, err := st.GetVisitor(testContext(t), "site-1", "vis-1")
	require.NoError(t, err)
	assert.True(t, v.Online, "live connection must keep the visitor online")
}

func TestHandleConnect_OfflineAgentComesOnline(t *testing.T) {
	tracker, st, _ := newTestTracker(t)
	seedAgent(t, st, "site-1", "agent-1", store.AgentOffline)

	err := tracker.HandleConnect(testContext(t), auth.Identity{
		Kind: store.ActorAgent, SiteID: "site-1", ActorID: "agent-1",
	})
	require.NoError(t, err)

	a, err := st.GetAgent(testContext(t), "site-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentOnline, a.Status)
}

func TestHandleConnect_SecondDeviceKeepsDeclaredStatus(t *testing.T) {
	tracker, st, _ := newTestTracker(t)
	seedAgent(t, st, "site-1", "agent-1", store.AgentAway)

	err := tracker.HandleConnect(testContext(t), auth.Identity{
		Kind: store.ActorAgent, SiteID: "site-1", ActorID: "agent-1",
	})
	require.NoError(t, err)

	a, err := st.GetAgent(testContext(t), "site-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentAway, a.Status)
}

func TestHandleDisconnect_AgentWithLiveDeviceStaysOnline(t *testing.T) {
	tracker, st, reg := newTestTracker(t)
	seedAgent(t, st, "site-1", "agent-1", store.AgentOnline)

	// One device is still registered when the other disconnects.
	reg.Admit(registry.NewConnection("conn-1", auth.Identity{
		Kind: store.ActorAgent, SiteID: "site-1", ActorID: "agent-1",
	}, 8, nil))

	err := tracker.HandleDisconnect(testContext(t), auth.Identity{
		Kind: store.ActorAgent, SiteID: "site-1", ActorID: "agent-1",
	})
	require.NoError(t, err)

	a, err := st.GetAgent(testContext(t), "site-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentOnline, a.Status)
}

func TestHandleDisconnect_LastDeviceMarksAgentOffline(t *testing.T) {
	tracker, st, _ := newTestTracker(t)
	seedAgent(t, st, "site-1", "agent-1", store.AgentOnline)

	err := tracker.HandleDisconnect(testContext(t), auth.Identity{
		Kind: store.ActorAgent, SiteID: "site-1", ActorID: "agent-1",
	})
	require.NoError(t, err)

	a, err := st.GetAgent(testContext(t), "site-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentOffline, a.Status)
}

func TestSetAgentStatus_BroadcastsToOtherAgents(t *testing.T) {
	tracker, st, reg := newTestTracker(t)
	seedAgent(t, st, "site-1", "agent-1", store.AgentOnline)

	origin := registry.NewConnection("conn-1", auth.Identity{
		Kind: store.ActorAgent, SiteID: "site-1", ActorID: "agent-1",
	}, 8, nil)
	peer := registry.NewConnection("conn-2", auth.Identity{
		Kind: store.ActorAgent, SiteID: "site-1", ActorID: "agent-2",
	}, 8, nil)
	reg.Admit(origin)
	reg.Admit(peer)

	err := tracker.SetAgentStatus(testContext(t), "site-1", "agent-1", store.AgentBusy, "conn-1")
	require.NoError(t, err)

	a, err := st.GetAgent(testContext(t), "site-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentBusy, a.Status)

	require.Len(t, peer.Events(), 1)
	ev := <-peer.Events()
	assert.Equal(t, "agent.status_changed", ev.Type)
	change, ok := ev.Data.(StatusChange)
	require.True(t, ok)
	assert.Equal(t, "agent-1", change.AgentID)
	assert.Equal(t, store.AgentBusy, change.Status)

	assert.Empty(t, origin.Events())
}

func TestSetAgentStatus_RejectsInvalidStatus(t *testing.T) {
	tracker, st, _ := newTestTracker(t)
	seedAgent(t, st, "site-1", "agent-1", store.AgentOnline)

	err := tracker.SetAgentStatus(testContext(t), "site-1", "agent-1", store.AgentStatus("sleeping"), "")
	assert.Error(t, err)
}

func TestSetAgentStatus_MissingAgent(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	err := tracker.SetAgentStatus(testContext(t), "site-1", "ghost", store.AgentAway, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
