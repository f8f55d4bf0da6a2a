// Package client provides the thin per-node handle onto the in-process
// Broker: a single subscription on the node's own topic, and a Send method
// that publishes to any topic. Unlike a networked broker client there is
// no request/response bookkeeping here — publish and subscribe are direct
// in-process calls.
package client

import (
	"github.com/renjiyun06/mosaic/internal/broker"
	"github.com/renjiyun06/mosaic/internal/envelope"
)

// Client is a node's handle onto the broker.
type Client struct {
	brokerSvc *broker.Service
	nodeTopic string
	connected bool
}

// New builds a Client bound to a node's own topic on the given broker.
func New(brokerSvc *broker.Service, nodeTopic string) *Client {
	return &Client{brokerSvc: brokerSvc, nodeTopic: nodeTopic}
}

// Connect registers exactly one subscription on the client's node topic,
// invoking onEvent for every envelope addressed to this node.
func (c *Client) Connect(onEvent func(*envelope.Envelope)) {
	if c.connected {
		return
	}
	c.brokerSvc.Subscribe(c.nodeTopic, c.nodeTopic, onEvent)
	c.connected = true
}

// Disconnect removes the node's subscription.
func (c *Client) Disconnect() {
	if !c.connected {
		return
	}
	c.brokerSvc.Unsubscribe(c.nodeTopic, c.nodeTopic)
	c.connected = false
}

// Send publishes env onto targetTopic.
func (c *Client) Send(targetTopic string, env *envelope.Envelope) {
	c.brokerSvc.Publish(targetTopic, env)
}
