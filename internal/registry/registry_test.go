// ABOUTME: Tests for the connection registry and fan-out paths
// ABOUTME: Covers supersede, multi-device agents, subscriptions, and shedding

package registry

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dramac-main/dramac-chat-hub/internal/auth"
	"github.com/dramac-main/dramac-chat-hub/internal/store"
)

func visitorConn(id, siteID, visitorID string) *Connection {
	return NewConnection(id, auth.Identity{
		Kind:    store.ActorVisitor,
		SiteID:  siteID,
		ActorID: visitorID,
	}, 8, nil)
}

func agentConn(id, siteID, agentID string) *Connection {
	return NewConnection(id, auth.Identity{
		Kind:    store.ActorAgent,
		SiteID:  siteID,
		ActorID: agentID,
	}, 8, nil)
}

func TestAdmit_VisitorSupersedesPreviousConnection(t *testing.T) {
	r := NewRegistry(nil)

	first := visitorConn("conn-1", "site-1", "vis-1")
	second := visitorConn("conn-2", "site-1", "vis-1")

	superseded := r.Admit(first)
	assert.Nil(t, superseded)

	superseded = r.Admit(second)
	require.NotNil(t, superseded)
	assert.Equal(t, "conn-1", superseded.ID)

	// The superseded connection is closed and gone from the registry.
	_, ok := r.Get("conn-1")
	assert.False(t, ok)
	_, open := <-first.Events()
	assert.False(t, open)

	conn, ok := r.VisitorConnection("site-1", "vis-1")
	require.True(t, ok)
	assert.Equal(t, "conn-2", conn.ID)
}

func TestAdmit_AgentKeepsMultipleDevices(t *testing.T) {
	r := NewRegistry(nil)

	superseded := r.Admit(agentConn("conn-1", "site-1", "agent-1"))
	assert.Nil(t, superseded)
	superseded = r.Admit(agentConn("conn-2", "site-1", "agent-1"))
	assert.Nil(t, superseded)

	assert.True(t, r.AgentOnline("site-1", "agent-1"))
	assert.Len(t, r.AgentConnections("site-1", "agent-1"), 2)
}

func TestRemove_ClearsAllIndices(t *testing.T) {
	r := NewRegistry(nil)

	conn := agentConn("conn-1", "site-1", "agent-1")
	r.Admit(conn)
	r.Subscribe("conn-1", "conv-1")

	r.Remove("conn-1")

	_, ok := r.Get("conn-1")
	assert.False(t, ok)
	assert.False(t, r.AgentOnline("site-1", "agent-1"))
	assert.Empty(t, r.Subscribers("conv-1"))

	// Idempotent.
	r.Remove("conn-1")
}

func TestRemove_AgentStaysOnlineWithOtherDevice(t *testing.T) {
	r := NewRegistry(nil)

	r.Admit(agentConn("conn-1", "site-1", "agent-1"))
	r.Admit(agentConn("conn-2", "site-1", "agent-1"))

	r.Remove("conn-1")
	assert.True(t, r.AgentOnline("site-1", "agent-1"))

	r.Remove("conn-2")
	assert.False(t, r.AgentOnline("site-1", "agent-1"))
}

func TestFanOut_DeliversToSubscribersExceptExcluded(t *testing.T) {
	r := NewRegistry(nil)

	visitor := visitorConn("conn-v", "site-1", "vis-1")
	agent := agentConn("conn-a", "site-1", "agent-1")
	bystander := agentConn("conn-b", "site-1", "agent-2")
	r.Admit(visitor)
	r.Admit(agent)
	r.Admit(bystander)

	r.Subscribe("conn-v", "conv-1")
	r.Subscribe("conn-a", "conv-1")

	r.FanOut("conv-1", &Event{Type: "message.new"}, "conn-v")

	select {
	case ev := <-agent.Events():
		assert.Equal(t, "message.new", ev.Type)
	default:
		t.Fatal("agent should have received the event")
	}
	assert.Empty(t, visitor.Events())
	assert.Empty(t, bystander.Events())
}

func TestSubscribe_UnknownConnectionIgnored(t *testing.T) {
	r := NewRegistry(nil)

	r.Subscribe("ghost", "conv-1")
	assert.Empty(t, r.Subscribers("conv-1"))
}

func TestBroadcastToSiteAgents_OnlySameSiteAgents(t *testing.T) {
	r := NewRegistry(nil)

	agent1 := agentConn("conn-1", "site-1", "agent-1")
	agent2 := agentConn("conn-2", "site-2", "agent-2")
	visitor := visitorConn("conn-3", "site-1", "vis-1")
	r.Admit(agent1)
	r.Admit(agent2)
	r.Admit(visitor)

	r.BroadcastToSiteAgents("site-1", &Event{Type: "agent.status_changed"}, "")

	assert.Len(t, agent1.Events(), 1)
	assert.Empty(t, agent2.Events())
	assert.Empty(t, visitor.Events())
}

func TestSend_ShedsWhenBufferFull(t *testing.T) {
	conn := visitorConn("conn-1", "site-1", "vis-1")

	for i := 0; i < 8; i++ {
		ok := conn.Send(&Event{Type: fmt.Sprintf("ev-%d", i)})
		assert.True(t, ok)
	}

	assert.False(t, conn.Send(&Event{Type: "typing", Ephemeral: true}))
	assert.False(t, conn.Send(&Event{Type: "message.new"}))
	assert.Len(t, conn.Events(), 8)
}

func TestSend_AfterCloseReturnsFalse(t *testing.T) {
	conn := visitorConn("conn-1", "site-1", "vis-1")
	conn.Close()
	conn.Close()

	assert.False(t, conn.Send(&Event{Type: "message.new"}))
}

func TestClose_WipesEverything(t *testing.T) {
	r := NewRegistry(nil)

	conn := agentConn("conn-1", "site-1", "agent-1")
	r.Admit(conn)
	r.Subscribe("conn-1", "conv-1")

	r.Close()

	_, ok := r.Get("conn-1")
	assert.False(t, ok)
	assert.False(t, r.AgentOnline("site-1", "agent-1"))
	_, open := <-conn.Events()
	assert.False(t, open)
}
