package mesh

import "github.com/google/uuid"

// CommandType is the closed set of operations a MeshInstance's command
// queue accepts, grounded on CommandType in runtime/commands.py.
type CommandType string

const (
	CmdCreateSession    CommandType = "create_session"
	CmdCloseSession     CommandType = "close_session"
	CmdSendMessage      CommandType = "send_message"
	CmdInterruptSession CommandType = "interrupt_session"
	CmdStartNode        CommandType = "start_node"
	CmdStopNode         CommandType = "stop_node"
	CmdRestartNode      CommandType = "restart_node"
)

// CommandResult is the uniform shape passed to a Command's Callback: every
// command type reports success or failure the same way, matching the
// original's {"status": "success"} / {"status": "error", "error": ...}
// callback contract.
type CommandResult struct {
	Status string
	Error  error
}

// Command is the single unit submitted to a MeshInstance's command queue,
// grounded on Command/SendMessageCommand/CreateSessionCommand/etc in the
// original implementation — collapsed here into one flat struct (rather
// than one Go type per command, which would need a type switch on
// dispatch anyway) with only the fields each Type actually reads.
type Command struct {
	Type      CommandType
	RequestID string
	MeshID    string
	NodeID    string
	SessionID string
	UserID    string
	Message   string
	Force     bool
	Config    map[string]interface{}
	Callback  func(CommandResult)
}

// NewCommand stamps a fresh RequestID, mirroring the original's
// default_factory=lambda: str(uuid.uuid4()).
func NewCommand(t CommandType) Command {
	return Command{Type: t, RequestID: uuid.New().String()}
}
