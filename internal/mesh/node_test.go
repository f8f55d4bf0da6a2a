package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/renjiyun06/mosaic/internal/broker"
	"github.com/renjiyun06/mosaic/internal/client"
	"github.com/renjiyun06/mosaic/internal/driver"
	"github.com/renjiyun06/mosaic/internal/envelope"
	"github.com/renjiyun06/mosaic/internal/sessionrouter"
	"github.com/renjiyun06/mosaic/internal/store"
	"github.com/renjiyun06/mosaic/internal/userbroker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T, st *store.Store, svc *broker.Service, nodeID, meshID string) *Node {
	t.Helper()
	registry := envelope.NewRegistry()
	bc := client.New(svc, envelope.Topic(meshID, nodeID))
	return NewNode(NodeConfig{
		ID:         nodeID,
		MeshID:     meshID,
		NodeType:   NodeTypeClaudeCode,
		UserID:     "user-1",
		Store:      st,
		Client:     bc,
		UserBroker: userbroker.New(zerolog.Nop()),
		Router:     sessionrouter.New(st),
		Registry:   registry,
		NewDriver:  func() driver.Driver { return driver.NewNullDriver() },
		Factory:    ClaudeCodeSessionFactory,
		Logger:     zerolog.Nop(),
	})
}

func newTestStoreForMesh(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestProcessEventDropsUnknownEventType(t *testing.T) {
	st := newTestStoreForMesh(t)
	svc := broker.NewService(broker.Config{})
	n := newTestNode(t, st, svc, "node-a", "mesh-1")
	require.NoError(t, n.Start(context.Background()))

	env, err := envelope.New("node-x", "node-a", "not_a_real_event_type", "u1", "d1", map[string]string{"message": "hi"})
	require.NoError(t, err)

	n.ProcessEvent(context.Background(), env)

	_, ok := n.GetSession("d1")
	require.False(t, ok, "unknown event type must never create a session")
}

func TestProcessEventDropsSchemaInvalidPayload(t *testing.T) {
	st := newTestStoreForMesh(t)
	svc := broker.NewService(broker.Config{})
	n := newTestNode(t, st, svc, "node-a", "mesh-1")
	require.NoError(t, n.Start(context.Background()))

	// node_message requires a "message" field; omit it.
	env, err := envelope.New("node-x", "node-a", "node_message", "u1", "d1", map[string]string{"unexpected": "field"})
	require.NoError(t, err)

	n.ProcessEvent(context.Background(), env)

	_, ok := n.GetSession("d1")
	require.False(t, ok, "schema-invalid payload must never create a session")
}

func TestProcessEventDropsTargetMismatch(t *testing.T) {
	st := newTestStoreForMesh(t)
	svc := broker.NewService(broker.Config{})
	n := newTestNode(t, st, svc, "node-a", "mesh-1")
	require.NoError(t, n.Start(context.Background()))

	env, err := envelope.New("node-x", "node-b", "node_message", "u1", "d1", map[string]string{"message": "hi"})
	require.NoError(t, err)

	n.ProcessEvent(context.Background(), env)

	_, ok := n.GetSession("d1")
	require.False(t, ok, "a mistargeted event must never create a session")
}

func TestProcessEventAutoCreatesDownstreamSession(t *testing.T) {
	st := newTestStoreForMesh(t)
	svc := broker.NewService(broker.Config{})
	n := newTestNode(t, st, svc, "node-a", "mesh-1")
	require.NoError(t, n.Start(context.Background()))

	env, err := envelope.New("node-x", "node-a", "node_message", "u1", "d1", map[string]string{"message": "hi"})
	require.NoError(t, err)

	n.ProcessEvent(context.Background(), env)

	_, ok := n.GetSession("d1")
	require.True(t, ok, "an unseen downstream session id must be auto-created")
}

func TestProcessEventTaskingAlignmentClosesSessionAfterDispatch(t *testing.T) {
	st := newTestStoreForMesh(t)
	require.NoError(t, st.PutConnection(&store.Connection{
		MeshID: "mesh-1", SourceNodeID: "node-x", TargetNodeID: "node-a",
		SessionAlignment: store.AlignTasking,
	}))

	svc := broker.NewService(broker.Config{})
	n := newTestNode(t, st, svc, "node-a", "mesh-1")
	require.NoError(t, n.Start(context.Background()))

	env, err := envelope.New("node-x", "node-a", "node_message", "u1", "d1", map[string]string{"message": "hi"})
	require.NoError(t, err)

	n.ProcessEvent(context.Background(), env)

	require.Eventually(t, func() bool {
		_, ok := n.GetSession("d1")
		return !ok
	}, time.Second, 10*time.Millisecond, "tasking alignment must close the session once the turn completes")
}

func TestPublishDirectRequiresConnection(t *testing.T) {
	st := newTestStoreForMesh(t)
	svc := broker.NewService(broker.Config{})
	n := newTestNode(t, st, svc, "node-a", "mesh-1")

	err := n.Publish(context.Background(), "sess-1", "node_message", map[string]string{"message": "hi"}, "node-b")
	require.ErrorIs(t, err, ErrNoConnection)
}

func TestPublishDirectSendsOnConnection(t *testing.T) {
	st := newTestStoreForMesh(t)
	require.NoError(t, st.PutConnection(&store.Connection{
		MeshID: "mesh-1", SourceNodeID: "node-a", TargetNodeID: "node-b",
		SessionAlignment: store.AlignMirroring,
	}))

	svc := broker.NewService(broker.Config{})
	n := newTestNode(t, st, svc, "node-a", "mesh-1")

	ch := svc.Subscribe(envelope.Topic("mesh-1", "node-b"), "test-sub", nil)

	err := n.Publish(context.Background(), "sess-1", "node_message", map[string]string{"message": "hi"}, "node-b")
	require.NoError(t, err)

	select {
	case env := <-ch:
		require.Equal(t, "sess-1", env.DownstreamSessionID, "direct publish reuses the upstream session id unconditionally")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for direct publish delivery")
	}
}

func TestPublishSubscribersFansOutAndResolvesRouting(t *testing.T) {
	st := newTestStoreForMesh(t)
	require.NoError(t, st.PutSubscription(&store.Subscription{
		MeshID: "mesh-1", SourceNodeID: "node-a", TargetNodeID: "node-b", EventType: "node_message",
	}))

	svc := broker.NewService(broker.Config{})
	n := newTestNode(t, st, svc, "node-a", "mesh-1")

	ch := svc.Subscribe(envelope.Topic("mesh-1", "node-b"), "test-sub", nil)

	err := n.Publish(context.Background(), "sess-1", "node_message", map[string]string{"message": "hi"}, "")
	require.NoError(t, err)

	select {
	case env := <-ch:
		require.NotEmpty(t, env.DownstreamSessionID)
		require.Equal(t, "node-a", env.SourceID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber fan-out delivery")
	}
}
