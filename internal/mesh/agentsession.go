package mesh

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/renjiyun06/mosaic/internal/driver"
	"github.com/renjiyun06/mosaic/internal/envelope"
	"github.com/renjiyun06/mosaic/internal/store"
	"github.com/renjiyun06/mosaic/internal/userbroker"
	"github.com/rs/zerolog"
)

// Publisher is the outbound capability an AgentSession needs from its
// parent Node, kept as a narrow interface so a session holds only a
// non-owning reference to the Node rather than the whole type.
type Publisher interface {
	Publish(ctx context.Context, sessionID, eventType string, payload interface{}, targetNodeID string) error
}

type userTurn struct {
	text string
	done chan struct{}
}

// AgentSession drives one conversational turn loop against a Driver.
// Every fragment the Driver streams back is relayed through a single emit
// chokepoint that persists it, updates session stats, and hands it to the
// per-user UserBroker fan-out.
type AgentSession struct {
	id     string
	nodeID string
	meshID string
	userID string
	mode   string // "background" enables mesh lifecycle event publishing

	st        *store.Store
	ub        *userbroker.Broker
	drv       driver.Driver
	publisher Publisher
	log       zerolog.Logger

	queue  chan userTurn
	done   chan struct{}
	cancel context.CancelFunc

	mu                sync.Mutex
	interrupted       bool
	totalCostUSD      float64
	totalInputTokens  int64
	totalOutputTokens int64

	closeOnce sync.Once
}

// AgentSessionConfig supplies an AgentSession's collaborators.
type AgentSessionConfig struct {
	SessionID string
	NodeID    string
	MeshID    string
	UserID    string
	Mode      string

	Store     *store.Store
	UserBroker *userbroker.Broker
	Driver    driver.Driver
	Publisher Publisher
	Logger    zerolog.Logger
}

// NewAgentSession builds an AgentSession. Mode defaults to "background"
// when empty, matching the original's config.get("mode", "background").
func NewAgentSession(cfg AgentSessionConfig) *AgentSession {
	mode := cfg.Mode
	if mode == "" {
		mode = "background"
	}
	return &AgentSession{
		id:        cfg.SessionID,
		nodeID:    cfg.NodeID,
		meshID:    cfg.MeshID,
		userID:    cfg.UserID,
		mode:      mode,
		st:        cfg.Store,
		ub:        cfg.UserBroker,
		drv:       cfg.Driver,
		publisher: cfg.Publisher,
		log:       cfg.Logger.With().Str("session_id", cfg.SessionID).Logger(),
		queue:     make(chan userTurn, 32),
		done:      make(chan struct{}),
	}
}

// Start connects the Driver, spawns the turn loop, and (in background
// mode) publishes session_start.
func (s *AgentSession) Start(ctx context.Context) error {
	if err := s.drv.Connect(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.runForever(runCtx)

	if s.mode == "background" {
		if err := s.publisher.Publish(ctx, s.id, "session_start", map[string]interface{}{}, ""); err != nil {
			s.log.Warn().Err(err).Msg("failed to publish session_start")
		}
	}
	return nil
}

func (s *AgentSession) runForever(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case turn, ok := <-s.queue:
			if !ok {
				return
			}
			s.processTurn(ctx, turn)
		}
	}
}

func (s *AgentSession) processTurn(ctx context.Context, turn userTurn) {
	defer close(turn.done)

	s.emit(ctx, "user", "user_message", map[string]interface{}{"message": turn.text}, false)

	if s.mode == "background" {
		if err := s.publisher.Publish(ctx, s.id, "user_prompt_submit", map[string]interface{}{"prompt": turn.text}, ""); err != nil {
			s.log.Warn().Err(err).Msg("failed to publish user_prompt_submit")
		}
	}

	if err := s.drv.Query(ctx, turn.text); err != nil {
		s.log.Error().Err(err).Msg("driver query failed")
		return
	}

	fragments, err := s.drv.ReceiveResponse(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("driver receive_response failed")
		return
	}

	for frag := range fragments {
		switch frag.Kind {
		case driver.FragmentText:
			s.emit(ctx, "assistant", "assistant_text", map[string]interface{}{"message": frag.Text}, false)
		case driver.FragmentThinking:
			s.emit(ctx, "assistant", "assistant_thinking", map[string]interface{}{"message": frag.Text}, false)
		case driver.FragmentToolUse:
			s.emit(ctx, "assistant", "assistant_tool_use", map[string]interface{}{
				"tool_name": frag.ToolName, "tool_input": frag.ToolInput,
			}, false)
			s.dispatchToolCall(ctx, frag)
		case driver.FragmentResult:
			s.mu.Lock()
			s.totalCostUSD += frag.CostUSD
			s.totalInputTokens += frag.InputTokens
			s.totalOutputTokens += frag.OutputTokens
			wasInterrupted := s.interrupted
			stats := map[string]interface{}{
				"message":             frag.Result,
				"total_cost_usd":      s.totalCostUSD,
				"total_input_tokens":  s.totalInputTokens,
				"total_output_tokens": s.totalOutputTokens,
				"cost_usd":            frag.CostUSD,
			}
			s.mu.Unlock()

			s.emit(ctx, "assistant", "assistant_result", stats, true)

			if s.mode == "background" && !wasInterrupted {
				if err := s.publisher.Publish(ctx, s.id, "session_response", map[string]interface{}{"response": frag.Result}, ""); err != nil {
					s.log.Warn().Err(err).Msg("failed to publish session_response")
				}
			}
		}
	}

	s.mu.Lock()
	s.interrupted = false
	s.mu.Unlock()
}

// dispatchToolCall recognizes the inter-node communication tools the
// original exposed to the driver via its MCP server ("send_message",
// "send_email") and turns them into a direct Publish, grounded on
// ClaudeCodeSession._create_mosaic_mcp_server. Every other tool name is
// left alone: this session only mediates inter-node communication, not
// arbitrary tool execution.
func (s *AgentSession) dispatchToolCall(ctx context.Context, frag driver.Fragment) {
	switch frag.ToolName {
	case "send_message":
		targetNodeID, _ := frag.ToolInput["target_node_id"].(string)
		message, _ := frag.ToolInput["message"].(string)
		if targetNodeID == "" {
			return
		}
		if err := s.publisher.Publish(ctx, s.id, "node_message", map[string]interface{}{"message": message}, targetNodeID); err != nil {
			s.log.Warn().Err(err).Str("target_node_id", targetNodeID).Msg("failed to send node message")
		}
	case "send_email":
		emailNodeID, _ := frag.ToolInput["email_node_id"].(string)
		if emailNodeID == "" {
			return
		}
		payload := map[string]interface{}{
			"to":      frag.ToolInput["to"],
			"subject": frag.ToolInput["subject"],
			"text":    frag.ToolInput["text"],
		}
		if err := s.publisher.Publish(ctx, s.id, "system_message", payload, emailNodeID); err != nil {
			s.log.Warn().Err(err).Str("email_node_id", emailNodeID).Msg("failed to send email via system_message")
		}
	}
}

// emit is the single chokepoint every outbound message for this session
// passes through: persist, update activity/stats, then hand to UserBroker.
// A persistence failure short-circuits the push rather than retrying it.
func (s *AgentSession) emit(ctx context.Context, role, messageType string, content map[string]interface{}, updateStats bool) {
	raw, err := json.Marshal(content)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode message content")
		return
	}

	msg := &store.Message{
		MessageID:   uuid.New().String(),
		SessionID:   s.id,
		Role:        role,
		MessageType: messageType,
		Content:     raw,
		CreatedAt:   time.Now(),
	}
	if err := s.st.AppendMessage(msg); err != nil {
		s.log.Error().Err(err).Msg("failed to persist message")
		return
	}

	if sess, err := s.st.GetSession(s.id); err == nil {
		sess.LastActivityAt = time.Now()
		if updateStats {
			s.mu.Lock()
			sess.TotalCostUSD = s.totalCostUSD
			sess.TotalInputTokens = s.totalInputTokens
			sess.TotalOutputTokens = s.totalOutputTokens
			s.mu.Unlock()
		}
		if err := s.st.PutSession(sess); err != nil {
			s.log.Error().Err(err).Msg("failed to update session activity/stats")
		}
	}

	s.ub.PushFromWorker(s.userID, userbroker.Message{
		Type:        messageType,
		Role:        role,
		Content:     content,
		MessageID:   msg.MessageID,
		Sequence:    msg.Sequence,
		TimestampNS: msg.CreatedAt.UnixNano(),
		SessionID:   s.id,
	})
}

// ProcessEvent converts an inbound envelope's payload into a user turn,
// grounded on ClaudeCodeSession.process_event.
func (s *AgentSession) ProcessEvent(ctx context.Context, env *envelope.Envelope) (<-chan struct{}, error) {
	var payload map[string]interface{}
	if err := env.UnmarshalPayload(&payload); err != nil {
		payload = map[string]interface{}{}
	}

	text, ok := payload["message"].(string)
	if !ok {
		raw, _ := json.Marshal(payload)
		text = string(raw)
	}
	return s.SendUserMessage(ctx, text)
}

// SendUserMessage queues text for the turn loop and returns a channel
// that closes once that turn completes.
func (s *AgentSession) SendUserMessage(ctx context.Context, text string) (<-chan struct{}, error) {
	turnDone := make(chan struct{})
	select {
	case s.queue <- userTurn{text: text, done: turnDone}:
		return turnDone, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Interrupt cancels the in-flight Driver query and suppresses the
// session_response publish for the turn currently in progress.
func (s *AgentSession) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	s.interrupted = true
	s.mu.Unlock()
	return s.drv.Interrupt(ctx)
}

// Close cancels the turn loop, disconnects the Driver, and (unless forced
// or not in background mode) publishes session_end.
func (s *AgentSession) Close(ctx context.Context, force bool) error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.totalCostUSD = 0
		s.totalInputTokens = 0
		s.totalOutputTokens = 0
		s.mu.Unlock()

		if s.cancel != nil {
			s.cancel()
		}
		<-s.done

		if err := s.drv.Disconnect(ctx); err != nil {
			s.log.Error().Err(err).Msg("error disconnecting driver")
			closeErr = err
		}

		if s.mode == "background" && !force {
			if err := s.publisher.Publish(ctx, s.id, "session_end", map[string]interface{}{}, ""); err != nil {
				s.log.Warn().Err(err).Msg("failed to publish session_end")
			}
		}
	})
	return closeErr
}
