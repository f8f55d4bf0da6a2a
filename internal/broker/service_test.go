package broker

import (
	"testing"
	"time"

	"github.com/renjiyun06/mosaic/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanOutToMultipleSubscribers(t *testing.T) {
	svc := NewService(Config{})

	chA := svc.Subscribe("mesh-1#node-a", "sub-a", nil)
	chB := svc.Subscribe("mesh-1#node-b", "sub-b", nil)

	env, err := envelope.New("node-x", "node-a", "node_message", "u", "d", map[string]string{"message": "hi"})
	require.NoError(t, err)
	svc.Publish("mesh-1#node-a", env)

	select {
	case got := <-chA:
		assert.Equal(t, env.EventID, got.EventID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery on subscribed topic")
	}

	select {
	case <-chB:
		t.Fatal("subscriber on a different topic should not receive the envelope")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	svc := NewService(Config{})

	slow := svc.Subscribe("mesh-1#slow", "slow", nil) // never drained
	fast := svc.Subscribe("mesh-1#fast", "fast", nil)

	for i := 0; i < defaultSubscriberBuf+5; i++ {
		env, _ := envelope.New("x", "slow", "node_message", "u", "d", map[string]string{"message": "x"})
		svc.Publish("mesh-1#slow", env)
	}

	env, err := envelope.New("x", "fast", "node_message", "u", "d", map[string]string{"message": "y"})
	require.NoError(t, err)
	svc.Publish("mesh-1#fast", env)

	select {
	case got := <-fast:
		assert.Equal(t, env.EventID, got.EventID)
	case <-time.After(time.Second):
		t.Fatal("fast subscriber should not be blocked by slow subscriber's full buffer")
	}

	_ = slow
}

func TestPublishDeliversInEnqueueOrder(t *testing.T) {
	svc := NewService(Config{})
	ch := svc.Subscribe("mesh-1#node-a", "sub-a", nil)

	const n = 50
	for i := 0; i < n; i++ {
		env, _ := envelope.New("x", "node-a", "node_message", "u", "d", map[string]int{"i": i})
		svc.Publish("mesh-1#node-a", env)
	}

	for i := 0; i < n; i++ {
		select {
		case got := <-ch:
			var payload map[string]int
			require.NoError(t, got.UnmarshalPayload(&payload))
			assert.Equal(t, i, payload["i"], "envelopes must be delivered in publish order")
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for envelope %d", i)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	svc := NewService(Config{})
	ch := svc.Subscribe("mesh-1#node-a", "sub-a", nil)
	svc.Unsubscribe("mesh-1#node-a", "sub-a")

	_, ok := <-ch
	assert.False(t, ok)
}

func TestHistoryIsBoundedAndOrdered(t *testing.T) {
	svc := NewService(Config{HistoryLimit: 3})
	topic := "mesh-1#node-a"

	var last *envelope.Envelope
	for i := 0; i < 5; i++ {
		env, _ := envelope.New("x", "node-a", "node_message", "u", "d", map[string]int{"i": i})
		last = env
		svc.Publish(topic, env)
	}

	hist := svc.History(topic)
	require.Len(t, hist, 3)
	assert.Equal(t, last.EventID, hist[len(hist)-1].EventID)
}
