package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/renjiyun06/mosaic/internal/driver"
	"github.com/renjiyun06/mosaic/internal/envelope"
	"github.com/renjiyun06/mosaic/internal/store"
	"github.com/renjiyun06/mosaic/internal/userbroker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	last   map[string]interface{}
	target map[string]string
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{last: map[string]interface{}{}, target: map[string]string{}}
}

func (p *recordingPublisher) Publish(ctx context.Context, sessionID, eventType string, payload interface{}, targetNodeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	p.last[eventType] = payload
	p.target[eventType] = targetNodeID
	return nil
}

func (p *recordingPublisher) has(eventType string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == eventType {
			return true
		}
	}
	return false
}

func newTestAgentSession(t *testing.T, st *store.Store, pub *recordingPublisher) *AgentSession {
	t.Helper()
	return NewAgentSession(AgentSessionConfig{
		SessionID:  "sess-1",
		NodeID:     "node-a",
		MeshID:     "mesh-1",
		UserID:     "user-1",
		Store:      st,
		UserBroker: userbroker.New(zerolog.Nop()),
		Driver:     driver.NewNullDriver(),
		Publisher:  pub,
		Logger:     zerolog.Nop(),
	})
}

func TestAgentSessionTurnPersistsMessagesAndPublishesLifecycleEvents(t *testing.T) {
	st := newTestStoreForMesh(t)
	pub := newRecordingPublisher()
	s := newTestAgentSession(t, st, pub)

	require.NoError(t, s.Start(context.Background()))
	require.True(t, pub.has("session_start"))

	done, err := s.SendUserMessage(context.Background(), "hello")
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for turn to complete")
	}

	require.True(t, pub.has("user_prompt_submit"))
	require.True(t, pub.has("session_response"))

	msgs, err := st.ListMessages("sess-1")
	require.NoError(t, err)
	require.NotEmpty(t, msgs)

	var sawUser, sawAssistantResult bool
	for _, m := range msgs {
		if m.MessageType == "user_message" {
			sawUser = true
		}
		if m.MessageType == "assistant_result" {
			sawAssistantResult = true
		}
	}
	require.True(t, sawUser)
	require.True(t, sawAssistantResult)

	require.NoError(t, s.Close(context.Background(), false))
	require.True(t, pub.has("session_end"))
}

func TestAgentSessionForcedCloseSkipsSessionEnd(t *testing.T) {
	st := newTestStoreForMesh(t)
	pub := newRecordingPublisher()
	s := newTestAgentSession(t, st, pub)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Close(context.Background(), true))
	require.False(t, pub.has("session_end"), "a forced close must not publish session_end")
}

func TestAgentSessionProcessEventExtractsMessageField(t *testing.T) {
	st := newTestStoreForMesh(t)
	pub := newRecordingPublisher()
	s := newTestAgentSession(t, st, pub)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close(context.Background(), true)

	env, err := envelope.New("node-x", "node-a", "node_message", "u1", "sess-1", map[string]string{"message": "hi there"})
	require.NoError(t, err)

	done, err := s.ProcessEvent(context.Background(), env)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ProcessEvent-driven turn to complete")
	}

	msgs, err := st.ListMessages("sess-1")
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
}

func TestAgentSessionDispatchesSendMessageToolCall(t *testing.T) {
	st := newTestStoreForMesh(t)
	pub := newRecordingPublisher()
	s := newTestAgentSession(t, st, pub)

	s.dispatchToolCall(context.Background(), driver.Fragment{
		Kind:     driver.FragmentToolUse,
		ToolName: "send_message",
		ToolInput: map[string]interface{}{
			"target_node_id": "node-b",
			"message":        "ping",
		},
	})

	require.True(t, pub.has("node_message"))
	require.Equal(t, "node-b", pub.target["node_message"])
}

func TestAgentSessionDispatchesSendEmailToolCall(t *testing.T) {
	st := newTestStoreForMesh(t)
	pub := newRecordingPublisher()
	s := newTestAgentSession(t, st, pub)

	s.dispatchToolCall(context.Background(), driver.Fragment{
		Kind:     driver.FragmentToolUse,
		ToolName: "send_email",
		ToolInput: map[string]interface{}{
			"email_node_id": "node-email",
			"to":            "a@example.com",
			"subject":       "hi",
			"text":          "body",
		},
	})

	require.True(t, pub.has("system_message"))
	require.Equal(t, "node-email", pub.target["system_message"])
}

func TestAgentSessionIgnoresUnknownToolCall(t *testing.T) {
	st := newTestStoreForMesh(t)
	pub := newRecordingPublisher()
	s := newTestAgentSession(t, st, pub)

	s.dispatchToolCall(context.Background(), driver.Fragment{
		Kind:      driver.FragmentToolUse,
		ToolName:  "some_other_tool",
		ToolInput: map[string]interface{}{},
	})

	require.Empty(t, pub.events)
}
