package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/renjiyun06/mosaic/internal/broker"
	"github.com/renjiyun06/mosaic/internal/client"
	"github.com/renjiyun06/mosaic/internal/driver"
	"github.com/renjiyun06/mosaic/internal/envelope"
	"github.com/renjiyun06/mosaic/internal/sessionrouter"
	"github.com/renjiyun06/mosaic/internal/store"
	"github.com/renjiyun06/mosaic/internal/systemprompt"
	"github.com/renjiyun06/mosaic/internal/userbroker"
	"github.com/rs/zerolog"
)

const commandQueueDepth = 256

var ErrNodeAlreadyRunning = errors.New("mesh: node already running")

// NodeBuildConfig supplies the collaborators a MeshInstance wires into
// every Node it starts.
type NodeBuildConfig struct {
	BrokerSvc  *broker.Service
	Store      *store.Store
	UserBroker *userbroker.Broker
	Router     *sessionrouter.Router
	Registry   *envelope.Registry
	SysPrompt  *systemprompt.Builder
	NewDriver  func() driver.Driver
	Factories  map[string]SessionFactory
	Logger     zerolog.Logger
}

// MeshInstance owns every running Node in one mesh and drains a command
// queue that is the only channel through which cross-goroutine operations
// (session create/send/interrupt/close, node start/stop/restart) reach
// this mesh's nodes, grounded on MosaicInstance in the original
// implementation.
type MeshInstance struct {
	meshID string
	build  NodeBuildConfig
	st     *store.Store
	log    zerolog.Logger

	mu             sync.RWMutex
	runningNodes   map[string]*Node
	sessionNodeMap map[string]string // session id -> node id, mesh-local

	commandQueue chan Command
	stopCh       chan struct{}
	started      bool
}

// NewMeshInstance builds a MeshInstance for meshID.
func NewMeshInstance(meshID string, build NodeBuildConfig) *MeshInstance {
	return &MeshInstance{
		meshID:         meshID,
		build:          build,
		st:             build.Store,
		log:            build.Logger.With().Str("component", "mesh_instance").Str("mesh_id", meshID).Logger(),
		runningNodes:   make(map[string]*Node),
		sessionNodeMap: make(map[string]string),
		commandQueue:   make(chan Command, commandQueueDepth),
		stopCh:         make(chan struct{}),
	}
}

// Start spawns the command consumer loop, then starts every node flagged
// auto_start, logging and continuing past any individual node's failure.
func (m *MeshInstance) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		m.log.Warn().Msg("mesh instance already started")
		return nil
	}
	m.started = true
	m.mu.Unlock()

	go m.consumeCommands(ctx)

	nodes, err := m.st.ListNodes(m.meshID)
	if err != nil {
		return fmt.Errorf("mesh: list nodes for auto-start: %w", err)
	}
	for _, n := range nodes {
		if !n.AutoStart {
			continue
		}
		if _, err := m.StartNode(ctx, n.ID); err != nil {
			m.log.Error().Err(err).Str("node_id", n.ID).Msg("failed to auto-start node")
		}
	}

	m.log.Info().Msg("mesh instance started")
	return nil
}

// Stop stops every running node and halts the command consumer loop.
func (m *MeshInstance) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	nodeIDs := make([]string, 0, len(m.runningNodes))
	for id := range m.runningNodes {
		nodeIDs = append(nodeIDs, id)
	}
	m.mu.Unlock()

	for _, id := range nodeIDs {
		if err := m.StopNode(ctx, id); err != nil {
			m.log.Error().Err(err).Str("node_id", id).Msg("error stopping node on mesh stop")
		}
	}

	close(m.stopCh)
	m.log.Info().Msg("mesh instance stopped")
	return nil
}

// Submit posts cmd onto the command queue. This is the one
// cross-goroutine entrypoint into the mesh instance.
func (m *MeshInstance) Submit(cmd Command) {
	m.commandQueue <- cmd
}

func (m *MeshInstance) consumeCommands(ctx context.Context) {
	m.log.Info().Msg("command consumer started")
	for {
		select {
		case <-m.stopCh:
			m.log.Info().Msg("command consumer stopped")
			return
		case cmd := <-m.commandQueue:
			m.processCommand(ctx, cmd)
		}
	}
}

// processCommand never lets one command's failure (or panic) kill the
// consumer loop, matching the original's try/except wrapping every
// _process_command call.
func (m *MeshInstance) processCommand(ctx context.Context, cmd Command) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("command_type", string(cmd.Type)).Msg("recovered from panic processing command")
			if cmd.Callback != nil {
				cmd.Callback(CommandResult{Status: "error", Error: fmt.Errorf("mesh: panic: %v", r)})
			}
		}
	}()

	var err error
	switch cmd.Type {
	case CmdCreateSession:
		err = m.handleCreateSession(ctx, cmd)
	case CmdSendMessage:
		err = m.handleSendMessage(ctx, cmd)
	case CmdInterruptSession:
		err = m.handleInterruptSession(ctx, cmd)
	case CmdCloseSession:
		err = m.handleCloseSession(ctx, cmd)
	case CmdStartNode:
		_, err = m.StartNode(ctx, cmd.NodeID)
	case CmdStopNode:
		err = m.StopNode(ctx, cmd.NodeID)
	case CmdRestartNode:
		err = m.RestartNode(ctx, cmd.NodeID)
	default:
		m.log.Warn().Str("command_type", string(cmd.Type)).Msg("unknown command type")
		return
	}

	if err != nil {
		m.log.Error().Err(err).Str("command_type", string(cmd.Type)).Msg("command execution failed")
		if cmd.Callback != nil {
			cmd.Callback(CommandResult{Status: "error", Error: err})
		}
		return
	}
	if cmd.Callback != nil {
		cmd.Callback(CommandResult{Status: "success"})
	}
}

func (m *MeshInstance) handleCreateSession(ctx context.Context, cmd Command) error {
	m.mu.RLock()
	node, ok := m.runningNodes[cmd.NodeID]
	m.mu.RUnlock()
	if !ok {
		return ErrNodeNotRunning
	}

	cfg := cmd.Config
	if cfg == nil {
		cfg = map[string]interface{}{}
	}

	if _, err := node.CreateSession(ctx, cmd.SessionID, cmd.UserID, cfg); err != nil {
		return err
	}
	m.registerSession(cmd.SessionID, cmd.NodeID)
	return nil
}

func (m *MeshInstance) handleSendMessage(ctx context.Context, cmd Command) error {
	node, sess, err := m.lookupSession(cmd.SessionID)
	if err != nil {
		return err
	}
	_ = node

	if storedSess, err := m.st.GetSession(cmd.SessionID); err == nil && storedSess.UserID != "" && storedSess.UserID != cmd.UserID {
		return fmt.Errorf("mesh: user %s does not own session %s", cmd.UserID, cmd.SessionID)
	}

	// Fire-and-forget: queuing the turn is all this command waits for,
	// matching the original's await session.send_user_message(...), which
	// only awaits the queue put, not the turn's completion.
	_, err = sess.SendUserMessage(ctx, cmd.Message)
	return err
}

func (m *MeshInstance) handleInterruptSession(ctx context.Context, cmd Command) error {
	_, sess, err := m.lookupSession(cmd.SessionID)
	if err != nil {
		return err
	}
	if err := sess.Interrupt(ctx); err != nil {
		if errors.Is(err, ErrInterruptUnsupported) {
			m.log.Warn().Str("session_id", cmd.SessionID).Msg("session does not support interrupt")
			return nil
		}
		return err
	}
	return nil
}

func (m *MeshInstance) handleCloseSession(ctx context.Context, cmd Command) error {
	m.mu.RLock()
	nodeID, ok := m.sessionNodeMap[cmd.SessionID]
	m.mu.RUnlock()
	if !ok {
		m.log.Warn().Str("session_id", cmd.SessionID).Msg("session not found, may already be closed")
		return nil
	}

	m.mu.RLock()
	node, ok := m.runningNodes[nodeID]
	m.mu.RUnlock()
	if !ok {
		m.log.Warn().Str("node_id", nodeID).Msg("node not running")
		return nil
	}

	if err := node.CloseSession(ctx, cmd.SessionID, cmd.Force); err != nil {
		return err
	}
	m.unregisterSession(cmd.SessionID)
	return nil
}

func (m *MeshInstance) lookupSession(sessionID string) (*Node, Session, error) {
	m.mu.RLock()
	nodeID, ok := m.sessionNodeMap[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, ErrSessionNotFound
	}

	m.mu.RLock()
	node, ok := m.runningNodes[nodeID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNodeNotRunning
	}

	sess, ok := node.GetSession(sessionID)
	if !ok {
		return nil, nil, ErrSessionNotFound
	}
	return node, sess, nil
}

func (m *MeshInstance) registerSession(sessionID, nodeID string) {
	m.mu.Lock()
	m.sessionNodeMap[sessionID] = nodeID
	m.mu.Unlock()
	m.log.Debug().Str("session_id", sessionID).Str("node_id", nodeID).Msg("registered session")
}

func (m *MeshInstance) unregisterSession(sessionID string) {
	m.mu.Lock()
	delete(m.sessionNodeMap, sessionID)
	m.mu.Unlock()
}

// StartNode loads nodeID's declarative record, builds its Node via the
// node_type's SessionFactory, and starts it.
func (m *MeshInstance) StartNode(ctx context.Context, nodeID string) (*Node, error) {
	m.mu.RLock()
	_, exists := m.runningNodes[nodeID]
	m.mu.RUnlock()
	if exists {
		return nil, ErrNodeAlreadyRunning
	}

	declared, err := m.st.GetNode(m.meshID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("mesh: load node %s: %w", nodeID, err)
	}

	factory, ok := m.build.Factories[declared.NodeType]
	if !ok {
		return nil, fmt.Errorf("mesh: unknown node type %q for node %s", declared.NodeType, nodeID)
	}

	bc := client.New(m.build.BrokerSvc, envelope.Topic(m.meshID, nodeID))
	node := NewNode(NodeConfig{
		ID:        nodeID,
		MeshID:    m.meshID,
		NodeType:  declared.NodeType,
		UserID:    declared.UserID,
		Store:     m.build.Store,
		Client:    bc,
		UserBroker: m.build.UserBroker,
		Router:    m.build.Router,
		Registry:  m.build.Registry,
		SysPrompt: m.build.SysPrompt,
		NewDriver: m.build.NewDriver,
		Factory:   factory,
		Logger:    m.log,
	})

	if err := node.Start(ctx); err != nil {
		return nil, fmt.Errorf("mesh: start node %s: %w", nodeID, err)
	}

	m.mu.Lock()
	m.runningNodes[nodeID] = node
	m.mu.Unlock()

	m.log.Info().Str("node_id", nodeID).Msg("node started")
	return node, nil
}

// StopNode stops and removes nodeID from the running-node table.
func (m *MeshInstance) StopNode(ctx context.Context, nodeID string) error {
	m.mu.Lock()
	node, ok := m.runningNodes[nodeID]
	if ok {
		delete(m.runningNodes, nodeID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mesh: node %s is not running", nodeID)
	}

	if err := node.Stop(ctx); err != nil {
		return err
	}
	m.log.Info().Str("node_id", nodeID).Msg("node stopped")
	return nil
}

// RestartNode stops then starts nodeID.
func (m *MeshInstance) RestartNode(ctx context.Context, nodeID string) error {
	if err := m.StopNode(ctx, nodeID); err != nil {
		return err
	}
	_, err := m.StartNode(ctx, nodeID)
	return err
}

// NodeStatus reports "running" or "stopped" for nodeID.
func (m *MeshInstance) NodeStatus(nodeID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.runningNodes[nodeID]; ok {
		return "running"
	}
	return "stopped"
}

// GetNode returns the running Node for nodeID, if any.
func (m *MeshInstance) GetNode(nodeID string) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.runningNodes[nodeID]
	return n, ok
}
