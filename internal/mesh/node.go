package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/renjiyun06/mosaic/internal/client"
	"github.com/renjiyun06/mosaic/internal/driver"
	"github.com/renjiyun06/mosaic/internal/envelope"
	"github.com/renjiyun06/mosaic/internal/sessionrouter"
	"github.com/renjiyun06/mosaic/internal/store"
	"github.com/renjiyun06/mosaic/internal/systemprompt"
	"github.com/renjiyun06/mosaic/internal/userbroker"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownEventType = errors.New("mesh: unknown event type")
	ErrSchemaInvalid    = errors.New("mesh: payload schema invalid")
	ErrTargetMismatch   = errors.New("mesh: event target mismatch")
	ErrNoConnection     = errors.New("mesh: no connection to target node")
	ErrNodeNotRunning   = errors.New("mesh: node not running")
)

// SessionFactory builds the concrete Session a node's node_type produces,
// the Go analogue of MosaicNode.start_mosaic_session's subclass override.
type SessionFactory func(n *Node, sessionID, userID string, cfg map[string]interface{}) (Session, error)

// NodeConfig supplies a Node's collaborators and identity.
type NodeConfig struct {
	ID       string // store primary key, also the business/display id
	MeshID   string
	NodeType string
	UserID   string

	Store      *store.Store
	Client     *client.Client // this node's own bound broker handle
	UserBroker *userbroker.Broker
	Router     *sessionrouter.Router
	Registry   *envelope.Registry
	SysPrompt  *systemprompt.Builder
	NewDriver  func() driver.Driver
	Factory    SessionFactory
	Logger     zerolog.Logger
}

// Node is the L4 dispatch unit: one inbound ProcessEvent entrypoint and
// one outbound Publish entrypoint, each mediating between the Broker/
// Client layer below and the Session layer above.
type Node struct {
	id       string
	meshID   string
	nodeType string
	userID   string

	st        *store.Store
	bc        *client.Client
	ub        *userbroker.Broker
	router    *sessionrouter.Router
	registry  *envelope.Registry
	sysPrompt *systemprompt.Builder
	newDriver func() driver.Driver
	factory   SessionFactory
	log       zerolog.Logger

	mu      sync.RWMutex
	running bool
	sessions map[string]Session
}

// NewNode builds a Node from cfg.
func NewNode(cfg NodeConfig) *Node {
	return &Node{
		id:        cfg.ID,
		meshID:    cfg.MeshID,
		nodeType:  cfg.NodeType,
		userID:    cfg.UserID,
		st:        cfg.Store,
		bc:        cfg.Client,
		ub:        cfg.UserBroker,
		router:    cfg.Router,
		registry:  cfg.Registry,
		sysPrompt: cfg.SysPrompt,
		newDriver: cfg.NewDriver,
		factory:   cfg.Factory,
		log:       cfg.Logger.With().Str("component", "node").Str("node_id", cfg.ID).Logger(),
		sessions:  make(map[string]Session),
	}
}

// ID returns the node's store/business identifier.
func (n *Node) ID() string { return n.id }

// NewDriverInstance builds a fresh Driver for a new session, via the
// factory supplied at construction.
func (n *Node) NewDriverInstance() driver.Driver { return n.newDriver() }

// SystemPrompt renders the mesh-topology preamble for a new session on
// this node.
func (n *Node) SystemPrompt(sessionID string) (string, error) {
	return n.sysPrompt.Build(n.meshID, n.id, sessionID)
}

// Start connects the node's broker Client, registering ProcessEvent as
// its inbound handler.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		n.log.Warn().Msg("node already running")
		return nil
	}
	n.bc.Connect(func(env *envelope.Envelope) { n.ProcessEvent(ctx, env) })
	n.running = true
	n.log.Info().Msg("node started")
	return nil
}

// Stop force-closes every open session and disconnects the Client.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		n.log.Warn().Msg("node already stopped")
		return nil
	}
	sessions := make(map[string]Session, len(n.sessions))
	for id, s := range n.sessions {
		sessions[id] = s
	}
	n.sessions = make(map[string]Session)
	n.running = false
	n.mu.Unlock()

	for id, s := range sessions {
		if err := s.Close(ctx, true); err != nil {
			n.log.Error().Err(err).Str("session_id", id).Msg("error force-closing session on node stop")
		}
	}

	n.bc.Disconnect()
	n.log.Info().Msg("node stopped")
	return nil
}

// CreateSession builds and starts a new Session for sessionID via the
// node's SessionFactory, registering it in the node's own session table.
func (n *Node) CreateSession(ctx context.Context, sessionID, userID string, cfg map[string]interface{}) (Session, error) {
	n.mu.Lock()
	if _, exists := n.sessions[sessionID]; exists {
		n.mu.Unlock()
		return nil, ErrSessionAlreadyExists
	}
	n.mu.Unlock()

	n.log.Info().Str("session_id", sessionID).Msg("creating session")
	sess, err := n.factory(n, sessionID, userID, cfg)
	if err != nil {
		return nil, fmt.Errorf("mesh: build session: %w", err)
	}
	if err := sess.Start(ctx); err != nil {
		return nil, fmt.Errorf("mesh: start session: %w", err)
	}

	n.mu.Lock()
	n.sessions[sessionID] = sess
	n.mu.Unlock()
	return sess, nil
}

// CloseSession closes and removes sessionID, if present.
func (n *Node) CloseSession(ctx context.Context, sessionID string, force bool) error {
	n.mu.Lock()
	sess, ok := n.sessions[sessionID]
	if ok {
		delete(n.sessions, sessionID)
	}
	n.mu.Unlock()

	if !ok {
		n.log.Warn().Str("session_id", sessionID).Msg("session not found")
		return nil
	}

	n.log.Info().Str("session_id", sessionID).Msg("closing session")
	return sess.Close(ctx, force)
}

// GetSession returns the session for sessionID, if it exists on this node.
func (n *Node) GetSession(sessionID string) (Session, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	sess, ok := n.sessions[sessionID]
	return sess, ok
}

// ProcessEvent is the node's inbound dispatch entrypoint, called by the
// Client for every envelope addressed to this node's topic, grounded on
// MosaicNode.process_event.
func (n *Node) ProcessEvent(ctx context.Context, env *envelope.Envelope) {
	et, ok := n.registry.Lookup(env.EventType)
	if !ok {
		n.log.Warn().Str("event_type", env.EventType).Msg("unknown event type, dropping")
		return
	}

	var payload map[string]interface{}
	if len(env.Payload) > 0 {
		if err := env.UnmarshalPayload(&payload); err != nil {
			n.log.Error().Err(err).Msg("failed to decode payload, dropping")
			return
		}
	}
	if err := et.ValidatePayload(payload); err != nil {
		n.log.Error().Err(err).Msg("payload schema invalid, dropping")
		return
	}

	if env.TargetID != n.id {
		n.log.Error().Str("expected", n.id).Str("got", env.TargetID).Msg("event target mismatch, dropping")
		return
	}

	n.mu.RLock()
	sess, exists := n.sessions[env.DownstreamSessionID]
	n.mu.RUnlock()

	if !exists {
		n.log.Info().Str("session_id", env.DownstreamSessionID).Msg("downstream session not found, auto-creating")
		created, err := n.CreateSession(ctx, env.DownstreamSessionID, n.userID, nil)
		if err != nil {
			n.log.Error().Err(err).Str("session_id", env.DownstreamSessionID).Msg("failed to auto-create downstream session")
			return
		}
		sess = created
	}

	done, err := sess.ProcessEvent(ctx, env)
	if err != nil {
		n.log.Error().Err(err).Str("session_id", env.DownstreamSessionID).Msg("error dispatching event to session")
	} else if done != nil {
		<-done
	}

	n.postDispatchAlignment(ctx, env)
}

// postDispatchAlignment closes the downstream session when the inbound
// Connection's alignment is "tasking", or unconditionally on session_end,
// whether or not a Connection row exists. When no Connection row exists
// and the event is not session_end, it logs a warning and leaves the
// session open.
func (n *Node) postDispatchAlignment(ctx context.Context, env *envelope.Envelope) {
	conn, err := n.st.GetConnection(n.meshID, env.SourceID, n.id)
	if err != nil {
		n.log.Error().Err(err).Msg("failed to look up connection for post-dispatch alignment")
		return
	}

	switch {
	case conn != nil && conn.SessionAlignment == store.AlignTasking:
		n.log.Info().Str("session_id", env.DownstreamSessionID).Msg("tasking alignment: closing session")
		_ = n.CloseSession(ctx, env.DownstreamSessionID, false)
	case env.EventType == "session_end":
		n.log.Info().Str("session_id", env.DownstreamSessionID).Msg("session_end received: closing session")
		_ = n.CloseSession(ctx, env.DownstreamSessionID, false)
	case conn == nil:
		n.log.Warn().Str("source_id", env.SourceID).Msg("no connection found for post-dispatch alignment")
	}
}

// Publish is the node's outbound entrypoint, grounded on
// ClaudeCodeNode.publish_event. When targetNodeID is non-empty it is a
// direct-target publish; otherwise every Subscription matching this node
// and eventType is fanned out to. The payload is schema-validated against
// eventType before either branch runs, so a malformed outbound payload is
// rejected rather than sent onto the wire.
func (n *Node) Publish(ctx context.Context, sessionID, eventType string, payload interface{}, targetNodeID string) error {
	et, ok := n.registry.Lookup(eventType)
	if !ok {
		n.log.Error().Str("event_type", eventType).Msg("unknown event type, refusing to publish")
		return ErrUnknownEventType
	}
	if err := et.ValidatePayload(payload); err != nil {
		n.log.Error().Err(err).Str("event_type", eventType).Msg("outbound payload schema invalid, refusing to publish")
		return ErrSchemaInvalid
	}

	if targetNodeID != "" {
		return n.publishDirect(ctx, sessionID, eventType, payload, targetNodeID)
	}
	return n.publishSubscribers(ctx, sessionID, eventType, payload)
}

// publishDirect reuses upstream_session_id as downstream_session_id
// unconditionally, never consulting SessionRouter: this node always wants
// the same conversational thread to continue on the far side.
func (n *Node) publishDirect(ctx context.Context, sessionID, eventType string, payload interface{}, targetNodeID string) error {
	conn, err := n.st.GetConnection(n.meshID, n.id, targetNodeID)
	if err != nil {
		return fmt.Errorf("mesh: lookup connection: %w", err)
	}
	if conn == nil {
		n.log.Warn().Str("target_node_id", targetNodeID).Msg("no connection to target node, dropping")
		return ErrNoConnection
	}

	env, err := envelope.New(n.id, targetNodeID, eventType, sessionID, sessionID, payload)
	if err != nil {
		return fmt.Errorf("mesh: build envelope: %w", err)
	}
	n.bc.Send(envelope.Topic(n.meshID, targetNodeID), env)
	return nil
}

// publishSubscribers fans an event out to every Subscription source=self,
// event_type=eventType, resolving a downstream session id per subscriber
// via the SessionRouter before dispatch, grounded on
// ClaudeCodeNode._create_subscriber_events.
func (n *Node) publishSubscribers(ctx context.Context, sessionID, eventType string, payload interface{}) error {
	subs, err := n.st.ListSubscriptions(n.meshID, n.id, eventType)
	if err != nil {
		return fmt.Errorf("mesh: list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	type resolved struct {
		targetNodeID        string
		downstreamSessionID string
	}
	targets := make([]resolved, 0, len(subs))

	for _, sub := range subs {
		conn, err := n.st.GetConnection(n.meshID, n.id, sub.TargetNodeID)
		if err != nil {
			return fmt.Errorf("mesh: lookup connection: %w", err)
		}
		align := store.AlignMirroring
		if conn != nil {
			align = conn.SessionAlignment
		}

		downstreamSessionID, err := n.router.Resolve(n.userID, n.meshID, n.id, sessionID, sub.TargetNodeID, align)
		if err != nil {
			return fmt.Errorf("mesh: resolve session routing: %w", err)
		}
		targets = append(targets, resolved{targetNodeID: sub.TargetNodeID, downstreamSessionID: downstreamSessionID})
	}

	for _, t := range targets {
		env, err := envelope.New(n.id, t.targetNodeID, eventType, sessionID, t.downstreamSessionID, payload)
		if err != nil {
			return fmt.Errorf("mesh: build envelope: %w", err)
		}
		n.bc.Send(envelope.Topic(n.meshID, t.targetNodeID), env)
	}
	return nil
}
