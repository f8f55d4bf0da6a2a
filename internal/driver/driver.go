// Package driver abstracts the concrete LLM agent SDK an AgentSession
// drives: connect once, then repeatedly query and stream back fragments,
// with support for interrupting an in-flight query.
package driver

import "context"

// FragmentKind is the closed set of fragment kinds a Driver streams back
// for one query.
type FragmentKind string

const (
	FragmentText     FragmentKind = "text"
	FragmentThinking FragmentKind = "thinking"
	FragmentToolUse  FragmentKind = "tool_use"
	FragmentResult   FragmentKind = "result"
)

// Fragment is one piece of a driver's streamed response. Exactly one of
// the kind-specific fields is meaningful, selected by Kind.
type Fragment struct {
	Kind FragmentKind

	// FragmentText / FragmentThinking
	Text string

	// FragmentToolUse
	ToolName  string
	ToolInput map[string]interface{}

	// FragmentResult
	Result       string
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
}

// Driver is the abstract capability an AgentSession drives: connect once,
// then repeatedly query and stream back fragments, with support for
// interrupting an in-flight query.
type Driver interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Query submits text as the next turn's input. ReceiveResponse must be
	// drained afterward to observe the fragments it produces.
	Query(ctx context.Context, text string) error

	// ReceiveResponse streams fragments for the most recent Query call. The
	// channel is closed after a FragmentResult fragment (or on error/ctx
	// cancellation) marking the end of the turn.
	ReceiveResponse(ctx context.Context) (<-chan Fragment, error)

	// Interrupt cancels the turn currently in flight, if any.
	Interrupt(ctx context.Context) error
}
