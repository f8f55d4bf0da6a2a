package mesh

// NodeTypeClaudeCode and NodeTypeAggregator are the closed set of node
// types this module ships a SessionFactory for.
const (
	NodeTypeClaudeCode = "claude_code"
	NodeTypeAggregator = "aggregator"
)

// ClaudeCodeSessionFactory builds an AgentSession with a fresh Driver per
// session, grounded on ClaudeCodeNode.start_mosaic_session. It does not
// render a system prompt or pass one to the Driver.
func ClaudeCodeSessionFactory(n *Node, sessionID, userID string, cfg map[string]interface{}) (Session, error) {
	mode := "background"
	if m, ok := cfg["mode"].(string); ok && m != "" {
		mode = m
	}

	return NewAgentSession(AgentSessionConfig{
		SessionID:  sessionID,
		NodeID:     n.id,
		MeshID:     n.meshID,
		UserID:     userID,
		Mode:       mode,
		Store:      n.st,
		UserBroker: n.ub,
		Driver:     n.NewDriverInstance(),
		Publisher:  n,
		Logger:     n.log,
	}), nil
}

// AggregatorSessionFactoryWithSink builds a SessionFactory that produces
// AggregatorSessions flushing their batch to sink on close.
func AggregatorSessionFactoryWithSink(sink BatchSink) SessionFactory {
	return func(n *Node, sessionID, userID string, cfg map[string]interface{}) (Session, error) {
		return NewAggregatorSession(sessionID, sink, n.log), nil
	}
}

// DefaultFactories returns the built-in node_type -> SessionFactory
// mapping. aggregatorSink may be nil (an aggregator session then simply
// logs and discards its batch on close).
func DefaultFactories(aggregatorSink BatchSink) map[string]SessionFactory {
	return map[string]SessionFactory{
		NodeTypeClaudeCode: ClaudeCodeSessionFactory,
		NodeTypeAggregator: AggregatorSessionFactoryWithSink(aggregatorSink),
	}
}
