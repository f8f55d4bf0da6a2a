package mesh

import (
	"context"
	"sync"

	"github.com/renjiyun06/mosaic/internal/envelope"
	"github.com/rs/zerolog"
)

// BatchSink receives the batch of envelopes an AggregatorSession collected
// once its close flushes them. The publish target for a flushed batch is
// left to the caller rather than fixed by the session itself.
type BatchSink func(ctx context.Context, sessionID string, batch []*envelope.Envelope) error

// AggregatorSession buffers every ProcessEvent call without forwarding,
// flushing the buffer as one batch to its BatchSink on a non-forced Close.
type AggregatorSession struct {
	id   string
	sink BatchSink
	log  zerolog.Logger

	mu    sync.Mutex
	queue []*envelope.Envelope
}

// NewAggregatorSession builds an AggregatorSession. sink may be nil, in
// which case a non-forced Close simply discards the buffered batch after
// logging its size — matching the original's own placeholder behavior.
func NewAggregatorSession(sessionID string, sink BatchSink, log zerolog.Logger) *AggregatorSession {
	return &AggregatorSession{
		id:   sessionID,
		sink: sink,
		log:  log.With().Str("session_id", sessionID).Logger(),
	}
}

// Start is a no-op, matching the original.
func (s *AggregatorSession) Start(ctx context.Context) error {
	s.log.Debug().Msg("aggregator session started")
	return nil
}

// Close flushes the buffered batch to the sink unless force is true or
// the buffer is empty.
func (s *AggregatorSession) Close(ctx context.Context, force bool) error {
	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()

	if force || len(batch) == 0 {
		return nil
	}

	s.log.Info().Int("count", len(batch)).Msg("aggregator session collected events")
	if s.sink == nil {
		return nil
	}
	return s.sink(ctx, s.id, batch)
}

// ProcessEvent buffers env without forwarding it; the returned channel is
// always nil since buffering completes synchronously.
func (s *AggregatorSession) ProcessEvent(ctx context.Context, env *envelope.Envelope) (<-chan struct{}, error) {
	s.mu.Lock()
	s.queue = append(s.queue, env)
	s.mu.Unlock()
	s.log.Debug().Str("event_type", env.EventType).Msg("aggregator session queued event")
	return nil, nil
}

// SendUserMessage is not meaningful for an aggregator; it is a no-op that
// reports immediate completion.
func (s *AggregatorSession) SendUserMessage(ctx context.Context, text string) (<-chan struct{}, error) {
	done := make(chan struct{})
	close(done)
	return done, nil
}

// Interrupt is unsupported for an aggregator session.
func (s *AggregatorSession) Interrupt(ctx context.Context) error {
	return ErrInterruptUnsupported
}
