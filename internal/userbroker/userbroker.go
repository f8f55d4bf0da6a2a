// Package userbroker implements the per-user fan-out of worker-produced
// messages to a user's connected WebSocket-equivalent sinks, grounded on
// v2/backend/websocket/user_broker.py's UserMessageBroker.
//
// Unlike the original, which needs a call_soon_threadsafe hop into the
// FastAPI main loop before touching any connection state (because Python's
// asyncio data structures are not thread-safe), this port collapses that
// two-step into a single mutex-guarded operation: Go's sync.RWMutex makes
// the intermediate hop unnecessary while preserving the rule the original
// hop exists to enforce — a worker scheduler never reads or writes
// per-user connection state directly.
package userbroker

import (
	"sync"

	"github.com/rs/zerolog"
)

// Message is one outbound message destined for a user's connections. The
// SessionID field lets a client multiplex several sessions over one
// connection, matching the "session_id" field the original attaches to
// every forwarded message.
type Message struct {
	Type        string
	Role        string
	Content     interface{}
	MessageID   string
	Sequence    int64
	TimestampNS int64
	SessionID   string
}

// Sink is one connected consumer for a user — typically a WebSocket
// connection. Each Sink gets its own independent queue and forwarding
// goroutine so one slow Sink never blocks delivery to another.
type Sink struct {
	id     string
	queue  chan Message
	cancel chan struct{}
}

// Deliver is called by the broker's forwarding goroutine for each queued
// message; supplied by the caller of ConnectUser.
type Deliver func(Message) error

// Broker is the per-user fan-out broker. One instance is shared by every
// worker scheduler and by the control-plane connection layer.
type Broker struct {
	log zerolog.Logger

	mu    sync.RWMutex
	sinks map[string]map[string]*Sink // userID -> sinkID -> Sink
}

// New builds a Broker.
func New(log zerolog.Logger) *Broker {
	return &Broker{
		log:   log.With().Str("component", "userbroker").Logger(),
		sinks: make(map[string]map[string]*Sink),
	}
}

// ConnectUser registers a new sink for userID and starts its forwarding
// goroutine, which calls deliver for every message pushed to this sink
// until DisconnectUser removes it.
func (b *Broker) ConnectUser(userID, sinkID string, deliver Deliver) {
	b.mu.Lock()
	if _, ok := b.sinks[userID]; !ok {
		b.sinks[userID] = make(map[string]*Sink)
	}
	if _, exists := b.sinks[userID][sinkID]; exists {
		b.mu.Unlock()
		b.log.Warn().Str("user_id", userID).Str("sink_id", sinkID).Msg("sink already registered, skipping")
		return
	}
	sink := &Sink{id: sinkID, queue: make(chan Message, 256), cancel: make(chan struct{})}
	b.sinks[userID][sinkID] = sink
	b.mu.Unlock()

	go b.forward(userID, sink, deliver)
	b.log.Info().Str("user_id", userID).Str("sink_id", sinkID).Msg("user connected")
}

func (b *Broker) forward(userID string, sink *Sink, deliver Deliver) {
	for {
		select {
		case msg, ok := <-sink.queue:
			if !ok {
				return
			}
			if err := deliver(msg); err != nil {
				b.log.Error().Err(err).Str("user_id", userID).Str("sink_id", sink.id).Msg("delivery failed")
			}
		case <-sink.cancel:
			return
		}
	}
}

// DisconnectUser removes every sink for userID, mirroring the original's
// disconnect_user(user_id, websocket=None) call with no websocket given.
func (b *Broker) DisconnectUser(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	userSinks, ok := b.sinks[userID]
	if !ok {
		return
	}
	for id, sink := range userSinks {
		close(sink.cancel)
		close(sink.queue)
		delete(userSinks, id)
	}
	delete(b.sinks, userID)
}

// DisconnectConnection removes one sink for userID, mirroring the
// original's disconnect_user(user_id, websocket) call with a specific
// websocket given.
func (b *Broker) DisconnectConnection(userID, sinkID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	userSinks, ok := b.sinks[userID]
	if !ok {
		return
	}
	sink, ok := userSinks[sinkID]
	if !ok {
		return
	}
	close(sink.cancel)
	close(sink.queue)
	delete(userSinks, sinkID)
	if len(userSinks) == 0 {
		delete(b.sinks, userID)
	}
}

// PushFromWorker is the one call a worker scheduler is permitted to make
// into the Broker: it enqueues msg onto every currently connected sink for
// userID. A user with no connected sink silently drops the message, as in
// the original.
func (b *Broker) PushFromWorker(userID string, msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	userSinks, ok := b.sinks[userID]
	if !ok || len(userSinks) == 0 {
		b.log.Debug().Str("user_id", userID).Msg("no connections, message dropped")
		return
	}

	for _, sink := range userSinks {
		select {
		case sink.queue <- msg:
		default:
			b.log.Error().Str("user_id", userID).Str("sink_id", sink.id).Msg("sink queue full, dropping message")
		}
	}
}

// IsUserConnected reports whether userID has at least one connected sink.
func (b *Broker) IsUserConnected(userID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks[userID]) > 0
}

// DisconnectAllUsers tears down every sink for every user, used on process
// shutdown.
func (b *Broker) DisconnectAllUsers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for userID, userSinks := range b.sinks {
		for id, sink := range userSinks {
			close(sink.cancel)
			close(sink.queue)
			delete(userSinks, id)
		}
		delete(b.sinks, userID)
	}
}
