// Package mesh implements the node and session layer of the event mesh:
// Session (AgentSession/AggregatorSession), Node inbound dispatch and
// outbound publish, and MeshInstance's command-driven lifecycle.
package mesh

import (
	"context"
	"errors"

	"github.com/renjiyun06/mosaic/internal/envelope"
)

var (
	ErrSessionAlreadyExists = errors.New("mesh: session already exists")
	ErrSessionNotFound      = errors.New("mesh: session not found")
	ErrInterruptUnsupported = errors.New("mesh: session does not support interrupt")
)

// Session is the per-node unit of conversational state a Node manages.
// AgentSession and AggregatorSession are its two concrete shapes.
type Session interface {
	// Start performs whatever one-time setup the session needs (connecting
	// a Driver, publishing a session_start lifecycle event) before it can
	// accept events.
	Start(ctx context.Context) error

	// Close tears the session down. If force is true, no lifecycle event
	// is published and any in-flight work is abandoned rather than drained.
	Close(ctx context.Context, force bool) error

	// ProcessEvent handles one inbound envelope already addressed to this
	// session. The returned channel, if non-nil, closes once the envelope
	// has been fully processed; a nil channel means processing already
	// completed synchronously.
	ProcessEvent(ctx context.Context, env *envelope.Envelope) (<-chan struct{}, error)

	// SendUserMessage queues a user-originated message for processing,
	// returning a channel that closes once the resulting turn completes.
	SendUserMessage(ctx context.Context, text string) (<-chan struct{}, error)

	// Interrupt cancels whatever turn is currently in flight, if the
	// session kind supports it. AggregatorSession returns
	// ErrInterruptUnsupported.
	Interrupt(ctx context.Context) error
}
