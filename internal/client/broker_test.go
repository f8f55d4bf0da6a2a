package client

import (
	"testing"
	"time"

	"github.com/renjiyun06/mosaic/internal/broker"
	"github.com/renjiyun06/mosaic/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectReceivesPublishedEnvelope(t *testing.T) {
	svc := broker.NewService(broker.Config{})
	topic := envelope.Topic("mesh-1", "node-a")

	c := New(svc, topic)
	received := make(chan *envelope.Envelope, 1)
	c.Connect(func(e *envelope.Envelope) { received <- e })

	env, err := envelope.New("node-b", "node-a", "node_message", "u", "d", map[string]string{"message": "hi"})
	require.NoError(t, err)
	c.Send(topic, env)

	select {
	case got := <-received:
		assert.Equal(t, env.EventID, got.EventID)
	case <-time.After(time.Second):
		t.Fatal("expected envelope to be delivered")
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	svc := broker.NewService(broker.Config{})
	c := New(svc, "mesh-1#node-a")
	c.Connect(func(*envelope.Envelope) {})
	c.Connect(func(*envelope.Envelope) {}) // must not panic or double-subscribe
	c.Disconnect()
}
