package store

import "time"

// Mesh is the declarative record for one running (or stopped) mesh.
type Mesh struct {
	ID        string    `msgpack:"id"`
	Status    string    `msgpack:"status"` // "starting" | "running" | "stopping" | "stopped"
	CreatedAt time.Time `msgpack:"created_at"`
}

// Node is the declarative record for one node within a mesh.
type Node struct {
	ID        string                 `msgpack:"id"`         // business identifier, e.g. "claude-main"
	MeshID    string                 `msgpack:"mesh_id"`
	NodeType  string                 `msgpack:"node_type"`   // registry key, e.g. "claude_code", "aggregator"
	UserID    string                 `msgpack:"user_id"`
	AutoStart bool                   `msgpack:"auto_start"`
	Config    map[string]interface{} `msgpack:"config"`
	CreatedAt time.Time              `msgpack:"created_at"`
}

// SessionAlignment is the closed set of alignment policies a Connection
// may declare.
type SessionAlignment string

const (
	AlignMirroring SessionAlignment = "mirroring"
	AlignTasking   SessionAlignment = "tasking"
)

// Connection declares that events may flow from SourceNodeID to
// TargetNodeID outside of an explicit Subscription, and governs the
// downstream session alignment policy applied to that flow.
type Connection struct {
	MeshID           string           `msgpack:"mesh_id"`
	SourceNodeID     string           `msgpack:"source_node_id"`
	TargetNodeID     string           `msgpack:"target_node_id"`
	SessionAlignment SessionAlignment `msgpack:"session_alignment"`
}

// Subscription declares that TargetNodeID wants to receive events of
// EventType published by SourceNodeID.
type Subscription struct {
	MeshID       string `msgpack:"mesh_id"`
	SourceNodeID string `msgpack:"source_node_id"`
	TargetNodeID string `msgpack:"target_node_id"`
	EventType    string `msgpack:"event_type"`
}

// SessionStatus is the closed set of runtime session states.
type SessionStatus string

const (
	SessionOpen    SessionStatus = "open"
	SessionClosing SessionStatus = "closing"
	SessionClosed  SessionStatus = "closed"
)

// Session is the declarative record of a runtime session, kept in sync
// with (but distinct from) the in-memory Session object a Node holds.
type Session struct {
	ID                string        `msgpack:"id"`
	MeshID            string        `msgpack:"mesh_id"`
	NodeID            string        `msgpack:"node_id"`
	UserID            string        `msgpack:"user_id"`
	Status            SessionStatus `msgpack:"status"`
	TotalInputTokens  int64         `msgpack:"total_input_tokens"`
	TotalOutputTokens int64         `msgpack:"total_output_tokens"`
	TotalCostUSD      float64       `msgpack:"total_cost_usd"`
	CreatedAt         time.Time     `msgpack:"created_at"`
	LastActivityAt    time.Time     `msgpack:"last_activity_at"`
}

// Message is one user/assistant/system message persisted for a session,
// assigned a monotonically increasing per-session Sequence.
type Message struct {
	MessageID   string    `msgpack:"message_id"`
	SessionID   string    `msgpack:"session_id"`
	Role        string    `msgpack:"role"`         // "user" | "assistant" | "system"
	MessageType string    `msgpack:"message_type"` // e.g. "assistant_text", "assistant_result"
	Content     []byte    `msgpack:"content"`      // JSON-encoded content
	Sequence    int64     `msgpack:"sequence"`
	CreatedAt   time.Time `msgpack:"created_at"`
}

// SessionRouting is one half of a mirrored routing pair between two
// sessions on two nodes. A committed pair always has both a forward row
// (keyed by the local side) and a backward row (keyed by the remote side,
// with local/remote swapped) — see SessionRouter.
type SessionRouting struct {
	UserID         string `msgpack:"user_id"`
	MeshID         string `msgpack:"mesh_id"`
	LocalNodeID    string `msgpack:"local_node_id"`
	LocalSessionID string `msgpack:"local_session_id"`
	RemoteNodeID   string `msgpack:"remote_node_id"`
	RemoteSessionID string `msgpack:"remote_session_id"`
}
