package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kaihq/kai/internal/daemon/db"
	"github.com/kaihq/kai/internal/daemon/hub"
	"github.com/kaihq/kai/internal/daemon/id"
	"github.com/kaihq/kai/internal/daemon/provider"
	"github.com/kaihq/kai/internal/daemon/query"
	"github.com/kaihq/kai/internal/daemon/rewind"
	"github.com/kaihq/kai/internal/daemon/timeout"
	"github.com/kaihq/kai/internal/metrics"
	"github.com/kaihq/kai/internal/util/sanitize"
	"github.com/kaihq/kai/internal/util/timefmt"
)

// Deps carries everything an agent session needs from the daemon.
type Deps struct {
	Store                 *db.Store
	Hub                   *hub.Hub
	Transport             query.Transport
	Timeouts              *timeout.Config
	Engine                *rewind.Engine
	Errors                *ErrorManager
	DefaultPermissionMode db.PermissionMode
}

// AgentSession drives one session's query lifecycle. It owns the
// session's single in-flight Query and is its only writer; all
// cross-component effects go out through the hub.
type AgentSession struct {
	deps Deps

	ctxTracker *ContextTracker
	cpTracker  *CheckpointTracker

	mu             sync.Mutex
	sess           *db.Session
	state          ProcessingState
	q              query.Query
	consumerCancel context.CancelFunc
	consumerDone   chan struct{}
	pending        []string
	closed         bool
}

// SwitchResult is the reply shape of model and coordinator switches.
type SwitchResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Model   string `json:"model,omitempty"`
}

// New constructs the runtime object for a persisted session. Turn
// numbering resumes after the last stored checkpoint.
func New(ctx context.Context, record *db.Session, deps Deps) (*AgentSession, error) {
	lastTurn, err := deps.Store.LatestTurnNumber(ctx, record.ID)
	if err != nil {
		return nil, fmt.Errorf("load last turn: %w", err)
	}
	model := record.Config.Model
	if model == "" {
		model = "default"
	}
	return &AgentSession{
		deps:       deps,
		sess:       record,
		state:      Idle(),
		ctxTracker: NewContextTracker(model),
		cpTracker:  NewCheckpointTracker(lastTurn),
	}, nil
}

// snapshot copies the record under the lock so persistence never reads
// fields another goroutine is mutating.
func (s *AgentSession) snapshot() db.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.sess
}

// setState swaps the processing state and broadcasts it on the session
// channel. Callers must not hold s.mu.
func (s *AgentSession) setState(st ProcessingState) {
	s.mu.Lock()
	s.state = st
	sessionID := s.sess.ID
	s.mu.Unlock()

	s.deps.Hub.Publish("state.session", map[string]any{
		"sessionId":  sessionID,
		"agentState": st,
	}, sessionID)
}

// HandleMessageSend accepts user content: it persists the message,
// announces it, and either feeds it to the query or queues it behind
// the in-flight one. Archived sessions reject writes.
func (s *AgentSession) HandleMessageSend(ctx context.Context, content string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("Session not found")
	}
	if s.sess.Status == db.SessionArchived {
		s.mu.Unlock()
		return "", fmt.Errorf("Session is archived")
	}
	sessionID := s.sess.ID
	busy := !s.state.IsTerminal()
	s.mu.Unlock()

	messageID := id.Generate()
	if err := s.deps.Store.InsertUserMessage(ctx, &db.UserMessage{
		ID:        messageID,
		SessionID: sessionID,
		Content:   content,
		Status:    db.UserMessagePending,
		CreatedAt: time.Now(),
	}); err != nil {
		return "", fmt.Errorf("persist user message: %w", err)
	}
	s.deps.Hub.Publish("message.sendRequest", map[string]any{
		"sessionId": sessionID,
		"messageId": messageID,
	}, sessionID)

	if busy {
		// Queue behind the in-flight turn; the visible state stays
		// with the turn that is producing output.
		s.mu.Lock()
		s.pending = append(s.pending, messageID)
		s.mu.Unlock()
		return messageID, nil
	}

	s.setState(Queued(messageID))
	s.setState(Processing(messageID, PhaseInitializing))
	if err := s.deliver(ctx, messageID, content); err != nil {
		s.reportError(ctx, "message.send", err)
		return "", err
	}
	return messageID, nil
}

// deliver makes sure a query is running and pushes one user message
// into it.
func (s *AgentSession) deliver(ctx context.Context, messageID, content string) error {
	q, err := s.ensureQuery(ctx)
	if err != nil {
		_ = s.deps.Store.UpdateUserMessageStatus(ctx, messageID, db.UserMessageFailed)
		return err
	}
	err = timeout.Run(ctx, "send", s.deps.Timeouts.Transport(), func(ctx context.Context) error {
		return q.Send(ctx, content)
	})
	if err != nil {
		_ = s.deps.Store.UpdateUserMessageStatus(ctx, messageID, db.UserMessageFailed)
		return err
	}
	return s.deps.Store.UpdateUserMessageStatus(ctx, messageID, db.UserMessageSent)
}

// HandleInterrupt asks the transport to stop and parks the session in
// the interrupted state. Calling it when already idle or interrupted is
// a no-op.
func (s *AgentSession) HandleInterrupt(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Status == StatusInterrupted || s.state.Status == StatusIdle {
		s.mu.Unlock()
		return nil
	}
	q := s.q
	s.pending = nil
	s.mu.Unlock()

	s.setState(Interrupted())
	if q == nil {
		return nil
	}
	return timeout.Run(ctx, "interrupt", s.deps.Timeouts.Transport(), func(ctx context.Context) error {
		return q.Interrupt(ctx)
	})
}

// HandleModelSwitch changes the session's model, restarting the query
// only when the provider changes.
func (s *AgentSession) HandleModelSwitch(ctx context.Context, model string) SwitchResult {
	if provider.DetectProvider(model) == nil && !provider.KnownModel(model) {
		return SwitchResult{Error: fmt.Sprintf("Invalid model: %s", model)}
	}

	s.mu.Lock()
	current := s.sess.Config.Model
	if current == "" {
		current = "default"
	}
	if current == model {
		s.mu.Unlock()
		return SwitchResult{Success: true, Model: model,
			Error: fmt.Sprintf("Already using model %s", model)}
	}
	// The restart decision compares the provider of the old model with
	// the one detected for the new id, so capture it before mutating.
	prevCtx, ctxErr := provider.CreateContext(s.sess)
	s.sess.Config.Model = model
	sessionID := s.sess.ID
	snap := *s.sess
	s.mu.Unlock()

	s.ctxTracker.SetModel(model)
	if err := s.deps.Store.UpdateSession(ctx, &snap); err != nil {
		s.reportError(ctx, "model-switch", err)
		return SwitchResult{Error: err.Error()}
	}

	s.deps.Hub.Publish("session.updated", map[string]any{
		"sessionId": sessionID,
		"patch":     map[string]any{"model": model},
		"source":    "model-switch",
	}, sessionID)
	s.deps.Hub.Publish("session.model-switching", map[string]any{
		"sessionId": sessionID,
		"model":     model,
	}, sessionID)

	s.mu.Lock()
	q := s.q
	s.mu.Unlock()

	switch {
	case q == nil || !q.Ready():
		// Query not started or transport still handshaking: the new
		// model applies on the next start.
	case ctxErr != nil || prevCtx.RequiresQueryRestart(model):
		if err := s.RestartQuery(ctx); err != nil {
			s.reportError(ctx, "model-switch", err)
			return SwitchResult{Error: err.Error()}
		}
	default:
		err := timeout.Run(ctx, "setModel", s.deps.Timeouts.Transport(), func(ctx context.Context) error {
			return q.SetModel(ctx, model)
		})
		if err != nil {
			s.reportError(ctx, "model-switch", err)
			return SwitchResult{Error: err.Error()}
		}
	}

	s.deps.Hub.Publish("session.model-switched", map[string]any{
		"sessionId": sessionID,
		"model":     model,
	}, sessionID)
	return SwitchResult{Success: true, Model: model}
}

// HandleQueryTrigger starts (or restarts) the query and flushes every
// pending user message into it. Returns how many were flushed.
func (s *AgentSession) HandleQueryTrigger(ctx context.Context) (int, error) {
	if err := s.RestartQuery(ctx); err != nil {
		return 0, err
	}

	s.mu.Lock()
	sessionID := s.sess.ID
	s.pending = nil
	s.mu.Unlock()

	msgs, err := s.deps.Store.ListUserMessages(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	flushed := 0
	for _, m := range msgs {
		if m.Status != db.UserMessagePending {
			continue
		}
		if err := s.deliver(ctx, m.ID, m.Content); err != nil {
			return flushed, err
		}
		flushed++
	}
	if flushed > 0 {
		s.setState(Processing("", PhaseInitializing))
	}
	return flushed, nil
}

// ResetQuery tears down the current query and optionally starts a fresh
// one.
func (s *AgentSession) ResetQuery(ctx context.Context, restart bool) error {
	s.teardownQuery()
	s.setState(Idle())

	s.mu.Lock()
	sessionID := s.sess.ID
	s.mu.Unlock()
	s.deps.Hub.Publish("agent.reset", map[string]any{"sessionId": sessionID}, sessionID)

	if !restart {
		return nil
	}
	_, err := s.ensureQuery(ctx)
	return err
}

// SetThinkingLevel persists a new thinking level. A running query picks
// it up through a restart.
func (s *AgentSession) SetThinkingLevel(ctx context.Context, level string) error {
	normalized := ValidThinkingLevel(level)

	s.mu.Lock()
	s.sess.Config.ThinkingLevel = normalized
	snap := *s.sess
	running := s.q != nil
	s.mu.Unlock()

	if err := s.deps.Store.UpdateSession(ctx, &snap); err != nil {
		return err
	}
	if running {
		return s.RestartQuery(ctx)
	}
	return nil
}

// SetCoordinatorMode flips coordinator mode and restarts the query when
// it changes while running.
func (s *AgentSession) SetCoordinatorMode(ctx context.Context, enabled bool) (bool, error) {
	s.mu.Lock()
	if s.sess.Config.CoordinatorMode == enabled {
		s.mu.Unlock()
		return false, nil
	}
	s.sess.Config.CoordinatorMode = enabled
	snap := *s.sess
	running := s.q != nil
	s.mu.Unlock()

	if err := s.deps.Store.UpdateSession(ctx, &snap); err != nil {
		return false, err
	}
	if running {
		if err := s.RestartQuery(ctx); err != nil {
			return true, err
		}
	}
	return true, nil
}

// --- Query lifecycle ---

// ensureQuery returns the running query, starting one when absent.
func (s *AgentSession) ensureQuery(ctx context.Context) (query.Query, error) {
	s.mu.Lock()
	if s.q != nil {
		q := s.q
		s.mu.Unlock()
		return q, nil
	}
	snap := *s.sess
	s.mu.Unlock()

	pctx, err := provider.CreateContext(&snap)
	if err != nil {
		return nil, err
	}
	opts := pctx.BuildSDKOptions(BuildQueryOptions(&snap, s.deps.DefaultPermissionMode))

	q, err := s.deps.Transport.Start(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("start query: %w", err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	if s.q != nil {
		// Lost the race to another starter.
		existing := s.q
		s.mu.Unlock()
		cancel()
		_ = q.Close()
		return existing, nil
	}
	s.q = q
	s.consumerCancel = cancel
	s.consumerDone = done
	s.mu.Unlock()

	go s.consume(cctx, q, done)
	return q, nil
}

// RestartQuery drops the current query and starts a new one. Restart
// never resumes a half-read stream.
func (s *AgentSession) RestartQuery(ctx context.Context) error {
	s.teardownQuery()
	metrics.QueryRestartsTotal.Inc()
	_, err := s.ensureQuery(ctx)
	return err
}

// teardownQuery cancels the stream consumer and closes the query.
func (s *AgentSession) teardownQuery() {
	s.mu.Lock()
	q := s.q
	cancel := s.consumerCancel
	done := s.consumerDone
	s.q = nil
	s.consumerCancel = nil
	s.consumerDone = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if q != nil {
		_ = q.Close()
	}
	if done != nil {
		<-done
	}
}

// consume reads the query stream to completion, persisting and
// broadcasting every record.
func (s *AgentSession) consume(ctx context.Context, q query.Query, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-q.Messages():
			if !ok {
				s.streamEnded(q)
				return
			}
			s.handleStreamMessage(ctx, msg)
		}
	}
}

// streamEnded settles state when the transport closes the stream on its
// own.
func (s *AgentSession) streamEnded(q query.Query) {
	s.mu.Lock()
	current := s.q == q
	terminal := s.state.IsTerminal()
	if current {
		s.q = nil
		s.consumerCancel = nil
		s.consumerDone = nil
	}
	s.mu.Unlock()
	if current && !terminal {
		s.setState(Idle())
	}
}

func (s *AgentSession) handleStreamMessage(ctx context.Context, msg query.Message) {
	s.mu.Lock()
	sessionID := s.sess.ID
	messageID := s.state.MessageID
	captured := msg.SDKSessionID != "" && s.sess.SDKSessionID != msg.SDKSessionID
	if captured {
		s.sess.SDKSessionID = msg.SDKSessionID
	}
	snap := *s.sess
	s.mu.Unlock()

	if captured {
		if err := s.deps.Store.UpdateSession(ctx, &snap); err != nil {
			slog.Error("persist sdk session id", "session_id", sessionID, "error", err)
		}
	}

	uuid := msg.UUID
	if uuid == "" {
		uuid = id.Generate()
	}
	now := time.Now()
	stored := &db.SDKMessage{
		ID:              id.Generate(),
		SessionID:       sessionID,
		UUID:            uuid,
		Type:            msg.Type,
		ParentToolUseID: msg.ParentToolUseID,
		Content:         msg.Content,
		Timestamp:       now,
	}
	if err := s.deps.Store.InsertSDKMessage(ctx, stored); err != nil {
		slog.Error("persist sdk message", "session_id", sessionID, "error", err)
	} else {
		metrics.SDKMessagesPersisted.Inc()
	}

	// A user record without a parent tool use starts a turn.
	if msg.Type == db.SDKMessageUser && msg.ParentToolUseID == "" {
		s.recordCheckpoint(ctx, sessionID, msg.Content, now)
	}

	s.advanceStateFor(ctx, msg, messageID)

	s.deps.Hub.Publish("state.sdkMessages.delta", map[string]any{
		"sessionId": sessionID,
		"message":   stored,
	}, sessionID)
}

// previewMaxLen bounds a checkpoint's message preview.
const previewMaxLen = 80

// messagePreview condenses a user record's payload into the short
// label shown on rewind points. Payloads carry text as content blocks,
// possibly nested under "message", as a plain content string, or as a
// bare "text" field.
func messagePreview(raw []byte) string {
	var env struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
		Content json.RawMessage `json:"content"`
		Text    string          `json:"text"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	for _, rawContent := range []json.RawMessage{env.Message.Content, env.Content} {
		if len(rawContent) == 0 {
			continue
		}
		var plain string
		if json.Unmarshal(rawContent, &plain) == nil {
			return sanitize.Title(plain, previewMaxLen)
		}
		var blocks []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if json.Unmarshal(rawContent, &blocks) != nil {
			continue
		}
		var parts []string
		for _, bl := range blocks {
			if bl.Type == "text" && bl.Text != "" {
				parts = append(parts, bl.Text)
			}
		}
		if len(parts) > 0 {
			return sanitize.Title(strings.Join(parts, " "), previewMaxLen)
		}
	}
	return sanitize.Title(env.Text, previewMaxLen)
}

func (s *AgentSession) recordCheckpoint(ctx context.Context, sessionID string, content []byte, at time.Time) {
	preview := messagePreview(content)
	cp := &db.Checkpoint{
		ID:             id.Generate(),
		SessionID:      sessionID,
		MessagePreview: preview,
		TurnNumber:     s.cpTracker.NextTurn(),
		Timestamp:      at,
	}
	if err := s.deps.Store.InsertCheckpoint(ctx, cp); err != nil {
		slog.Error("persist checkpoint", "session_id", sessionID, "error", err)
	}
}

func (s *AgentSession) advanceStateFor(ctx context.Context, msg query.Message, messageID string) {
	switch msg.Type {
	case db.SDKMessageStreamEvent:
		if msg.Stream == nil {
			return
		}
		switch {
		case msg.Stream.Kind == query.EventContentBlockStart && msg.Stream.BlockType == query.BlockThinking:
			s.setState(Processing(messageID, PhaseThinking))
		case msg.Stream.Kind == query.EventContentBlockDelta && msg.Stream.BlockType == query.BlockText:
			s.mu.Lock()
			already := s.state.Status == StatusProcessing && s.state.Phase == PhaseStreaming
			startedAt := s.state.StreamingStartedAt
			s.mu.Unlock()
			if already {
				return
			}
			st := Processing(messageID, PhaseStreaming)
			if startedAt != "" {
				st.StreamingStartedAt = startedAt
			} else {
				st.StreamingStartedAt = timefmt.Format(time.Now())
			}
			s.setState(st)
		}
	case db.SDKMessageResult:
		s.setState(Processing(messageID, PhaseFinalizing))
		s.recordResult(ctx, msg)
		// A failed turn still comes to rest, but carries the error so
		// observers (bridges) can distinguish a crash from a clean stop.
		st := Idle()
		st.Error = msg.Error
		s.setState(st)
		s.flushQueued(ctx)
	}
}

// recordResult feeds usage into the context tracker and routes result
// errors through the error manager.
func (s *AgentSession) recordResult(ctx context.Context, msg query.Message) {
	if msg.Error != "" {
		s.reportError(ctx, "result", fmt.Errorf("%s", msg.Error))
		return
	}

	var result struct {
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
		TotalCostUSD float64 `json:"total_cost_usd"`
	}
	parsed := len(msg.Content) > 0 && json.Unmarshal(msg.Content, &result) == nil

	s.mu.Lock()
	s.sess.Metadata.RecoveryContext = nil
	if parsed {
		s.sess.Metadata.MessageCount++
		s.sess.Metadata.TotalCostUSD += result.TotalCostUSD
	}
	snap := *s.sess
	s.mu.Unlock()

	if parsed {
		s.ctxTracker.RecordUsage(result.Usage.InputTokens, result.Usage.OutputTokens, result.TotalCostUSD)
	}
	if err := s.deps.Store.UpdateSession(ctx, &snap); err != nil {
		slog.Error("persist usage", "session_id", snap.ID, "error", err)
	}
}

// flushQueued promotes the oldest queued message once the current turn
// finishes.
func (s *AgentSession) flushQueued(ctx context.Context) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	messageID := s.pending[0]
	s.pending = s.pending[1:]
	sessionID := s.sess.ID
	s.mu.Unlock()

	msgs, err := s.deps.Store.ListUserMessages(ctx, sessionID)
	if err != nil {
		s.reportError(ctx, "queue.flush", err)
		return
	}
	for _, m := range msgs {
		if m.ID != messageID {
			continue
		}
		s.setState(Processing(messageID, PhaseInitializing))
		if err := s.deliver(ctx, messageID, m.Content); err != nil {
			s.reportError(ctx, "queue.flush", err)
		}
		return
	}
}

// reportError routes an error through the error manager. The lock is
// held across the report so the retry count mutation stays serialized
// with other record writes.
func (s *AgentSession) reportError(ctx context.Context, source string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deps.Errors.Report(ctx, s.sess, source, err)
}

// --- Rewind delegation ---

// Record exposes the persisted session to the rewind engine.
func (s *AgentSession) Record() *db.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

// Query exposes the running query to the rewind engine; nil when no
// query is active.
func (s *AgentSession) Query() query.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q
}

// AdvanceCheckpointTracker rewinds turn numbering after a conversation
// rewind.
func (s *AgentSession) AdvanceCheckpointTracker(turn int) {
	s.cpTracker.Advance(turn)
}

// PersistMetadata writes the session record through to the store.
func (s *AgentSession) PersistMetadata(ctx context.Context) error {
	snap := s.snapshot()
	return s.deps.Store.UpdateSession(ctx, &snap)
}

// UpdateRecord mutates the session record under the lock and persists
// the result. The manager routes external patches through here so the
// cached record and the store never diverge.
func (s *AgentSession) UpdateRecord(ctx context.Context, apply func(*db.Session)) error {
	s.mu.Lock()
	apply(s.sess)
	snap := *s.sess
	s.mu.Unlock()
	return s.deps.Store.UpdateSession(ctx, &snap)
}

// GetRewindPoints lists this session's checkpoints, newest first.
func (s *AgentSession) GetRewindPoints(ctx context.Context) ([]*db.Checkpoint, error) {
	return s.deps.Engine.RewindPoints(ctx, s.Record().ID)
}

// PreviewRewind dry-runs a file rewind.
func (s *AgentSession) PreviewRewind(ctx context.Context, checkpointID string) rewind.Preview {
	return s.deps.Engine.PreviewRewind(ctx, s, checkpointID)
}

// ExecuteRewind runs a rewind in the given mode.
func (s *AgentSession) ExecuteRewind(ctx context.Context, checkpointID string, mode rewind.Mode) rewind.Result {
	return s.deps.Engine.ExecuteRewind(ctx, s, checkpointID, mode)
}

// PreviewSelectiveRewind previews removal of specific messages.
func (s *AgentSession) PreviewSelectiveRewind(ctx context.Context, messageIDs []string) rewind.Preview {
	return s.deps.Engine.PreviewSelectiveRewind(ctx, s, messageIDs)
}

// ExecuteSelectiveRewind removes specific messages and restarts the
// query.
func (s *AgentSession) ExecuteSelectiveRewind(ctx context.Context, messageIDs []string) rewind.Result {
	return s.deps.Engine.ExecuteSelectiveRewind(ctx, s, messageIDs)
}

// --- Reads ---

// CurrentModel returns the configured model.
func (s *AgentSession) CurrentModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess.Config.Model == "" {
		return "default"
	}
	return s.sess.Config.Model
}

// ContextInfo returns usage totals for the current query context.
func (s *AgentSession) ContextInfo() ContextInfo {
	return s.ctxTracker.Info()
}

// ProcessingState returns the current state.
func (s *AgentSession) ProcessingState() ProcessingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionData returns a copy of the persisted record.
func (s *AgentSession) SessionData() db.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.sess
}

// QueryActive reports whether a query is attached.
func (s *AgentSession) QueryActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q != nil
}

// Cleanup is the teardown hook invoked by the cache on eviction and by
// the manager on delete. Safe to call more than once.
func (s *AgentSession) Cleanup() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = nil
	s.mu.Unlock()
	s.teardownQuery()
}
