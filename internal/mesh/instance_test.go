package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/renjiyun06/mosaic/internal/broker"
	"github.com/renjiyun06/mosaic/internal/driver"
	"github.com/renjiyun06/mosaic/internal/envelope"
	"github.com/renjiyun06/mosaic/internal/sessionrouter"
	"github.com/renjiyun06/mosaic/internal/store"
	"github.com/renjiyun06/mosaic/internal/systemprompt"
	"github.com/renjiyun06/mosaic/internal/userbroker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestMeshInstance(t *testing.T, st *store.Store) *MeshInstance {
	t.Helper()
	registry := envelope.NewRegistry()
	build := NodeBuildConfig{
		BrokerSvc:  broker.NewService(broker.Config{}),
		Store:      st,
		UserBroker: userbroker.New(zerolog.Nop()),
		Router:     sessionrouter.New(st),
		Registry:   registry,
		SysPrompt:  systemprompt.New(st, registry),
		NewDriver:  func() driver.Driver { return driver.NewNullDriver() },
		Factories:  DefaultFactories(nil),
		Logger:     zerolog.Nop(),
	}
	return NewMeshInstance("mesh-1", build)
}

func waitForCallback(t *testing.T, timeout time.Duration) (chan CommandResult, func(CommandResult)) {
	t.Helper()
	ch := make(chan CommandResult, 1)
	return ch, func(res CommandResult) { ch <- res }
}

func TestMeshInstanceAutoStartsFlaggedNodes(t *testing.T) {
	st := newTestStoreForMesh(t)
	require.NoError(t, st.PutMesh(&store.Mesh{ID: "mesh-1"}))
	require.NoError(t, st.PutNode(&store.Node{ID: "node-a", MeshID: "mesh-1", NodeType: NodeTypeClaudeCode, AutoStart: true}))
	require.NoError(t, st.PutNode(&store.Node{ID: "node-b", MeshID: "mesh-1", NodeType: NodeTypeClaudeCode, AutoStart: false}))

	m := newTestMeshInstance(t, st)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(context.Background())

	require.Equal(t, "running", m.NodeStatus("node-a"))
	require.Equal(t, "stopped", m.NodeStatus("node-b"))
}

func TestSubmitCreateSessionThenSendMessageThenClose(t *testing.T) {
	st := newTestStoreForMesh(t)
	require.NoError(t, st.PutMesh(&store.Mesh{ID: "mesh-1"}))
	require.NoError(t, st.PutNode(&store.Node{ID: "node-a", MeshID: "mesh-1", NodeType: NodeTypeClaudeCode}))

	m := newTestMeshInstance(t, st)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(context.Background())

	_, err := m.StartNode(context.Background(), "node-a")
	require.NoError(t, err)

	ch, cb := waitForCallback(t, time.Second)
	create := NewCommand(CmdCreateSession)
	create.NodeID, create.SessionID, create.UserID, create.Callback = "node-a", "sess-1", "user-1", cb
	m.Submit(create)

	select {
	case res := <-ch:
		require.Equal(t, "success", res.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for create_session callback")
	}

	node, ok := m.GetNode("node-a")
	require.True(t, ok)
	_, ok = node.GetSession("sess-1")
	require.True(t, ok)

	ch2, cb2 := waitForCallback(t, time.Second)
	send := NewCommand(CmdSendMessage)
	send.SessionID, send.UserID, send.Message, send.Callback = "sess-1", "user-1", "hello", cb2
	m.Submit(send)

	select {
	case res := <-ch2:
		require.Equal(t, "success", res.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for send_message callback")
	}

	ch3, cb3 := waitForCallback(t, time.Second)
	closeCmd := NewCommand(CmdCloseSession)
	closeCmd.SessionID, closeCmd.UserID, closeCmd.Callback = "sess-1", "user-1", cb3
	m.Submit(closeCmd)

	select {
	case res := <-ch3:
		require.Equal(t, "success", res.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close_session callback")
	}

	_, ok = node.GetSession("sess-1")
	require.False(t, ok)
}

func TestSubmitCloseSessionIsIdempotent(t *testing.T) {
	st := newTestStoreForMesh(t)
	require.NoError(t, st.PutMesh(&store.Mesh{ID: "mesh-1"}))
	m := newTestMeshInstance(t, st)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(context.Background())

	var mu sync.Mutex
	called := false
	var status string
	done := make(chan struct{})
	cmd := NewCommand(CmdCloseSession)
	cmd.SessionID = "ghost-session"
	cmd.Callback = func(res CommandResult) {
		mu.Lock()
		called = true
		status = res.Status
		mu.Unlock()
		close(done)
	}
	m.Submit(cmd)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close_session callback on an absent session")
	}

	mu.Lock()
	defer mu.Unlock()
	require.True(t, called, "closing an already-absent session must still report success, not hang")
	require.Equal(t, "success", status)
}

func TestSubmitCreateSessionOnUnknownNodeReportsError(t *testing.T) {
	st := newTestStoreForMesh(t)
	require.NoError(t, st.PutMesh(&store.Mesh{ID: "mesh-1"}))
	m := newTestMeshInstance(t, st)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(context.Background())

	done := make(chan CommandResult, 1)
	cmd := NewCommand(CmdCreateSession)
	cmd.NodeID, cmd.SessionID = "ghost-node", "sess-1"
	cmd.Callback = func(res CommandResult) { done <- res }
	m.Submit(cmd)

	select {
	case res := <-done:
		require.Equal(t, "error", res.Status)
		require.Error(t, res.Error)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for create_session callback")
	}
}
