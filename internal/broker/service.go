// Package broker implements the single-process, in-memory message broker
// for the mesh runtime. The broker provides topic-addressed publish/
// subscribe messaging between node-local subscriptions; there is no
// network framing — Broker and every Client share one process.
//
// Key Features:
//   - Topic-addressed publish/subscribe, topics named "{mesh_id}#{node_id}"
//   - One independent delivery goroutine per subscriber, so a slow
//     subscriber cannot stall delivery to any other subscriber
//   - Bounded in-memory history ring per topic (the mesh's write-behind
//     event log, separate from the declarative model store)
package broker

import (
	"sync"

	"github.com/renjiyun06/mosaic/internal/envelope"
	"github.com/rs/zerolog"
)

const (
	defaultHistoryLimit  = 100
	defaultSubscriberBuf = 64
)

// Subscriber is a single registered subscription on a topic. Publish
// enqueues onto queue; a single long-lived goroutine spawned at Subscribe
// time drains queue in order and either invokes handler or forwards onto
// ch, so envelopes published back-to-back to the same topic are always
// delivered to this subscriber in that order.
type Subscriber struct {
	ID      string
	ch      chan *envelope.Envelope
	queue   chan *envelope.Envelope
	handler func(*envelope.Envelope)
}

// Topic is a named publish/subscribe channel.
type Topic struct {
	Name        string
	mux         sync.RWMutex
	subscribers map[string]*Subscriber
	history     []*envelope.Envelope // circular, capped at historyLimit
}

// Service is the central in-process broker. It owns every Topic and
// fans out each publish to that topic's subscribers, each on its own
// goroutine.
type Service struct {
	log          zerolog.Logger
	historyLimit int

	topicsMux sync.RWMutex
	topics    map[string]*Topic
}

// Config configures a Service instance.
type Config struct {
	HistoryLimit int
	Logger       zerolog.Logger
}

// NewService constructs a broker Service.
func NewService(cfg Config) *Service {
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &Service{
		log:          cfg.Logger.With().Str("component", "broker").Logger(),
		historyLimit: limit,
		topics:       make(map[string]*Topic),
	}
}

func (s *Service) findOrCreateTopic(name string) *Topic {
	s.topicsMux.RLock()
	t, ok := s.topics[name]
	s.topicsMux.RUnlock()
	if ok {
		return t
	}

	s.topicsMux.Lock()
	defer s.topicsMux.Unlock()
	if t, ok = s.topics[name]; ok {
		return t
	}
	t = &Topic{Name: name, subscribers: make(map[string]*Subscriber)}
	s.topics[name] = t
	return t
}

// Subscribe registers a subscriber on topic and returns a channel that
// receives every subsequent published envelope, in publish order. If
// handler is non-nil it is invoked, from the subscriber's own forwarding
// goroutine, for every delivered envelope instead of requiring the caller
// to range over the channel.
func (s *Service) Subscribe(topicName, subscriberID string, handler func(*envelope.Envelope)) <-chan *envelope.Envelope {
	topic := s.findOrCreateTopic(topicName)

	sub := &Subscriber{
		ID:      subscriberID,
		ch:      make(chan *envelope.Envelope, defaultSubscriberBuf),
		queue:   make(chan *envelope.Envelope, defaultSubscriberBuf),
		handler: handler,
	}

	topic.mux.Lock()
	topic.subscribers[subscriberID] = sub
	topic.mux.Unlock()

	go s.forward(topicName, sub)

	s.log.Debug().Str("topic", topicName).Str("subscriber", subscriberID).Msg("subscribed")
	return sub.ch
}

// forward is the subscriber's one long-lived delivery goroutine: it drains
// queue strictly in the order Publish enqueued onto it, so a slow
// subscriber stalls only its own queue, never another subscriber's, and
// never reorders its own deliveries.
func (s *Service) forward(topicName string, sub *Subscriber) {
	for env := range sub.queue {
		if sub.handler != nil {
			sub.handler(env)
			continue
		}
		select {
		case sub.ch <- env:
		default:
			s.log.Warn().Str("topic", topicName).Str("subscriber", sub.ID).
				Msg("subscriber channel full, dropping envelope")
		}
	}
	if sub.handler == nil {
		close(sub.ch)
	}
}

// Unsubscribe removes a subscriber from a topic and stops its forwarding
// goroutine.
func (s *Service) Unsubscribe(topicName, subscriberID string) {
	s.topicsMux.RLock()
	topic, ok := s.topics[topicName]
	s.topicsMux.RUnlock()
	if !ok {
		return
	}

	topic.mux.Lock()
	sub, ok := topic.subscribers[subscriberID]
	if ok {
		delete(topic.subscribers, subscriberID)
	}
	topic.mux.Unlock()

	if ok {
		close(sub.queue)
	}
}

// Publish enqueues env onto every subscriber of topicName's own ordered
// queue, skipping none (unlike a networked broker there is no "sender"
// connection to exclude — callers that must avoid echoing to themselves
// simply don't subscribe their own publisher under the same subscriber id
// they publish from). Each subscriber drains its queue on its own
// long-lived goroutine (spawned at Subscribe time), so one blocked
// subscriber never delays another, and envelopes enqueued here in this
// order are forwarded to that subscriber in this order.
func (s *Service) Publish(topicName string, env *envelope.Envelope) {
	topic := s.findOrCreateTopic(topicName)

	topic.mux.Lock()
	topic.history = append(topic.history, env)
	if len(topic.history) > s.historyLimit {
		topic.history = topic.history[len(topic.history)-s.historyLimit:]
	}
	subs := make([]*Subscriber, 0, len(topic.subscribers))
	for _, sub := range topic.subscribers {
		subs = append(subs, sub)
	}
	topic.mux.Unlock()

	for _, sub := range subs {
		select {
		case sub.queue <- env:
		default:
			s.log.Warn().Str("topic", topicName).Str("subscriber", sub.ID).
				Msg("subscriber queue full, dropping envelope")
		}
	}

	s.log.Debug().Str("topic", topicName).Int("subscribers", len(subs)).
		Str("event_type", env.EventType).Msg("published")
}

// History returns the most recently published envelopes on topicName (at
// most the Service's history limit), oldest first.
func (s *Service) History(topicName string) []*envelope.Envelope {
	s.topicsMux.RLock()
	topic, ok := s.topics[topicName]
	s.topicsMux.RUnlock()
	if !ok {
		return nil
	}
	topic.mux.RLock()
	defer topic.mux.RUnlock()
	out := make([]*envelope.Envelope, len(topic.history))
	copy(out, topic.history)
	return out
}
