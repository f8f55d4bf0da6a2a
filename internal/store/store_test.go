package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNodeRoundTrip(t *testing.T) {
	s := newTestStore(t)

	n := &Node{ID: "claude-main", MeshID: "mesh-1", NodeType: "claude_code", UserID: "u-1", AutoStart: true}
	require.NoError(t, s.PutNode(n))

	got, err := s.GetNode("mesh-1", "claude-main")
	require.NoError(t, err)
	assert.Equal(t, n.NodeType, got.NodeType)
	assert.True(t, got.AutoStart)
}

func TestGetConnectionMissingReturnsNilNil(t *testing.T) {
	s := newTestStore(t)

	conn, err := s.GetConnection("mesh-1", "a", "b")
	require.NoError(t, err)
	assert.Nil(t, conn)
}

func TestAppendMessageAssignsMonotonicSequence(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		msg := &Message{MessageID: "m", SessionID: "sess-1", Role: "assistant", MessageType: "assistant_text", Content: []byte("{}")}
		require.NoError(t, s.AppendMessage(msg))
	}

	msgs, err := s.ListMessages("sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, int64(1), msgs[0].Sequence)
	assert.Equal(t, int64(2), msgs[1].Sequence)
	assert.Equal(t, int64(3), msgs[2].Sequence)
}

func TestPutRoutingPairIsAtomicAndBidirectional(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutRoutingPair("u-1", "mesh-1", "node-a", "sess-a", "node-b", "sess-b"))

	fwd, err := s.GetRouting("node-a", "sess-a")
	require.NoError(t, err)
	require.NotNil(t, fwd)
	assert.Equal(t, "node-b", fwd.RemoteNodeID)
	assert.Equal(t, "sess-b", fwd.RemoteSessionID)

	bwd, err := s.GetRouting("node-b", "sess-b")
	require.NoError(t, err)
	require.NotNil(t, bwd)
	assert.Equal(t, "node-a", bwd.RemoteNodeID)
	assert.Equal(t, "sess-a", bwd.RemoteSessionID)
}
