package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaihq/kai/internal/daemon/db"
	"github.com/kaihq/kai/internal/daemon/hub"
	"github.com/kaihq/kai/internal/daemon/provider"
	"github.com/kaihq/kai/internal/daemon/query"
	"github.com/kaihq/kai/internal/daemon/rewind"
	"github.com/kaihq/kai/internal/daemon/timeout"
	"github.com/kaihq/kai/internal/util/testutil"
)

// testProvider owns models with a fixed prefix.
type testProvider struct {
	id     string
	prefix string
}

func (p testProvider) ID() string          { return p.id }
func (p testProvider) DisplayName() string { return p.id }
func (p testProvider) IsAvailable() bool   { return true }
func (p testProvider) OwnsModel(modelID string) bool {
	return strings.HasPrefix(modelID, p.prefix) || modelID == "default"
}
func (p testProvider) GetModels() []provider.ModelInfo {
	return []provider.ModelInfo{{ID: p.prefix + "1", Provider: p.id}, {ID: p.prefix + "2", Provider: p.id}}
}
func (p testProvider) BuildSDKConfig(string, *db.SessionConfig) map[string]string { return nil }
func (p testProvider) GetModelForTier(string) string                              { return p.prefix + "1" }

type agentFixture struct {
	agent     *AgentSession
	store     *db.Store
	hub       *hub.Hub
	transport *query.FakeTransport
	events    *hub.Subscription
}

func newAgentFixture(t *testing.T, mutate func(*db.Session)) *agentFixture {
	t.Helper()

	provider.Reset()
	t.Cleanup(provider.Reset)
	provider.Register(testProvider{id: "alpha", prefix: "a-"})
	provider.Register(testProvider{id: "beta", prefix: "b-"})

	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	store := db.NewStore(sqlDB)

	record := &db.Session{
		ID:            "s-1",
		Title:         "test",
		WorkspacePath: "/w",
		Status:        db.SessionActive,
		Config:        db.SessionConfig{Model: "a-1"},
		CreatedAt:     time.Now(),
		LastActiveAt:  time.Now(),
	}
	if mutate != nil {
		mutate(record)
	}
	require.NoError(t, store.CreateSession(context.Background(), record))

	h := hub.New()
	sub := h.Connect("test")
	require.NoError(t, h.JoinChannel("test", hub.SessionChannel(record.ID)))

	transport := query.NewFakeTransport()
	timeouts := timeout.New(0, 0, 0)
	agent, err := New(context.Background(), record, Deps{
		Store:     store,
		Hub:       h,
		Transport: transport,
		Timeouts:  timeouts,
		Engine:    rewind.NewEngine(store, h, timeouts),
		Errors:    NewErrorManager(store, h),
	})
	require.NoError(t, err)
	t.Cleanup(agent.Cleanup)

	return &agentFixture{agent: agent, store: store, hub: h, transport: transport, events: sub}
}

func (f *agentFixture) drainTopics() []string {
	var topics []string
	for {
		select {
		case ev := <-f.events.C():
			topics = append(topics, ev.Topic)
		default:
			return topics
		}
	}
}

func TestHandleMessageSend_StartsQueryAndDelivers(t *testing.T) {
	f := newAgentFixture(t, nil)
	ctx := context.Background()

	messageID, err := f.agent.HandleMessageSend(ctx, "hi")
	require.NoError(t, err)
	assert.NotEmpty(t, messageID)

	assert.Equal(t, 1, f.transport.StartCount())
	assert.Equal(t, []string{"hi"}, f.transport.LastQuery().SendCalls)
	assert.Equal(t, "a-1", f.transport.LastStart().Model)

	st := f.agent.ProcessingState()
	assert.Equal(t, StatusProcessing, st.Status)
	assert.Equal(t, PhaseInitializing, st.Phase)
	assert.Equal(t, messageID, st.MessageID)

	n, err := f.store.CountUserMessagesByStatus(ctx, "s-1", db.UserMessageSent)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	topics := f.drainTopics()
	assert.Contains(t, topics, "message.sendRequest")
	assert.Contains(t, topics, "state.session")
}

func TestHandleMessageSend_ArchivedRejected(t *testing.T) {
	f := newAgentFixture(t, func(s *db.Session) { s.Status = db.SessionArchived })

	_, err := f.agent.HandleMessageSend(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archived")
	assert.Zero(t, f.transport.StartCount())
}

func TestHandleMessageSend_QueuesBehindInFlightTurn(t *testing.T) {
	f := newAgentFixture(t, nil)
	ctx := context.Background()

	_, err := f.agent.HandleMessageSend(ctx, "first")
	require.NoError(t, err)
	_, err = f.agent.HandleMessageSend(ctx, "second")
	require.NoError(t, err)

	fake := f.transport.LastQuery()
	assert.Equal(t, []string{"first"}, fake.SendCalls)
	assert.Equal(t, StatusProcessing, f.agent.ProcessingState().Status)

	// Finishing the turn flushes the queued message.
	fake.Emit(query.Message{Type: db.SDKMessageResult, UUID: "r1", Content: []byte(`{}`)})
	testutil.RequireEventually(t, func() bool {
		return len(fake.SendCalls) == 2
	}, "queued message should be delivered after result")
	assert.Equal(t, "second", fake.SendCalls[1])
}

func TestHandleInterrupt_Idempotent(t *testing.T) {
	f := newAgentFixture(t, nil)
	ctx := context.Background()

	// Interrupting an idle session is a no-op.
	require.NoError(t, f.agent.HandleInterrupt(ctx))
	assert.Equal(t, StatusIdle, f.agent.ProcessingState().Status)

	_, err := f.agent.HandleMessageSend(ctx, "hi")
	require.NoError(t, err)
	fake := f.transport.LastQuery()

	require.NoError(t, f.agent.HandleInterrupt(ctx))
	assert.Equal(t, StatusInterrupted, f.agent.ProcessingState().Status)
	assert.Equal(t, 1, fake.InterruptCalls)

	// Repeated interrupts stay settled.
	require.NoError(t, f.agent.HandleInterrupt(ctx))
	require.NoError(t, f.agent.HandleInterrupt(ctx))
	assert.Equal(t, 1, fake.InterruptCalls)
	assert.Equal(t, StatusInterrupted, f.agent.ProcessingState().Status)
}

func TestHandleModelSwitch_InvalidModel(t *testing.T) {
	f := newAgentFixture(t, nil)
	res := f.agent.HandleModelSwitch(context.Background(), "gpt-hallucinate")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "Invalid model")
}

func TestHandleModelSwitch_AlreadyUsing(t *testing.T) {
	f := newAgentFixture(t, nil)

	res := f.agent.HandleModelSwitch(context.Background(), "a-1")
	assert.True(t, res.Success)
	assert.Contains(t, res.Error, "Already using")
	assert.Zero(t, f.transport.StartCount(), "no query start or restart")
}

func TestHandleModelSwitch_NoQueryDefers(t *testing.T) {
	f := newAgentFixture(t, nil)
	ctx := context.Background()

	res := f.agent.HandleModelSwitch(ctx, "a-2")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "a-2", res.Model)
	assert.Zero(t, f.transport.StartCount())
	assert.Equal(t, "a-2", f.agent.CurrentModel())

	stored, err := f.store.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "a-2", stored.Config.Model)

	topics := f.drainTopics()
	assert.Contains(t, topics, "session.updated")
	assert.Contains(t, topics, "session.model-switching")
	assert.Contains(t, topics, "session.model-switched")
}

func TestHandleModelSwitch_SameProviderUsesSetModel(t *testing.T) {
	f := newAgentFixture(t, nil)
	ctx := context.Background()

	_, err := f.agent.HandleMessageSend(ctx, "hi")
	require.NoError(t, err)
	fake := f.transport.LastQuery()

	res := f.agent.HandleModelSwitch(ctx, "a-2")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"a-2"}, fake.SetModelCalls)
	assert.Equal(t, 1, f.transport.StartCount(), "no restart within one provider")
}

func TestHandleModelSwitch_ProviderChangeRestarts(t *testing.T) {
	f := newAgentFixture(t, nil)
	ctx := context.Background()

	_, err := f.agent.HandleMessageSend(ctx, "hi")
	require.NoError(t, err)
	first := f.transport.LastQuery()

	res := f.agent.HandleModelSwitch(ctx, "b-1")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, f.transport.StartCount(), "provider change restarts the query")
	assert.True(t, first.Closed())
	assert.Empty(t, first.SetModelCalls)
	assert.Equal(t, "b-1", f.transport.LastStart().Model)
}

func TestHandleModelSwitch_SecondIdenticalSwitchDoesNotRestart(t *testing.T) {
	f := newAgentFixture(t, nil)
	ctx := context.Background()

	res := f.agent.HandleModelSwitch(ctx, "a-2")
	require.True(t, res.Success, res.Error)
	starts := f.transport.StartCount()

	res = f.agent.HandleModelSwitch(ctx, "a-2")
	assert.True(t, res.Success)
	assert.Contains(t, res.Error, "Already using")
	assert.Equal(t, starts, f.transport.StartCount())
}

func TestStream_PersistsMessagesAndCheckpoints(t *testing.T) {
	f := newAgentFixture(t, nil)
	ctx := context.Background()

	messageID, err := f.agent.HandleMessageSend(ctx, "do it")
	require.NoError(t, err)
	fake := f.transport.LastQuery()

	fake.Emit(query.Message{Type: db.SDKMessageUser, UUID: "u1", Content: []byte(`{"text":"do it"}`)})
	fake.Emit(query.Message{Type: db.SDKMessageStreamEvent, UUID: "e1", Stream: &query.StreamEvent{
		Kind: query.EventContentBlockStart, BlockType: query.BlockThinking}})

	testutil.RequireEventually(t, func() bool {
		return f.agent.ProcessingState().Phase == PhaseThinking
	}, "thinking phase")
	assert.Equal(t, messageID, f.agent.ProcessingState().MessageID)

	fake.Emit(query.Message{Type: db.SDKMessageStreamEvent, UUID: "e2", Stream: &query.StreamEvent{
		Kind: query.EventContentBlockDelta, BlockType: query.BlockText, Text: "ok"}})
	testutil.RequireEventually(t, func() bool {
		st := f.agent.ProcessingState()
		return st.Phase == PhaseStreaming && st.StreamingStartedAt != ""
	}, "streaming phase with start time")

	fake.Emit(query.Message{Type: db.SDKMessageAssistant, UUID: "a1", Content: []byte(`{"text":"done"}`)})
	fake.Emit(query.Message{Type: db.SDKMessageResult, UUID: "r1",
		Content: []byte(`{"usage":{"input_tokens":10,"output_tokens":5},"total_cost_usd":0.01}`)})

	testutil.RequireEventually(t, func() bool {
		return f.agent.ProcessingState().Status == StatusIdle
	}, "idle after result")

	testutil.RequireEventually(t, func() bool {
		n, err := f.store.CountSDKMessages(ctx, "s-1")
		return err == nil && n == 5
	}, "all stream records persisted")

	// The user record that started the turn produced checkpoint 1,
	// labeled with the message text.
	points, err := f.agent.GetRewindPoints(ctx)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 1, points[0].TurnNumber)
	assert.Equal(t, "do it", points[0].MessagePreview)

	info := f.agent.ContextInfo()
	assert.Equal(t, int64(10), info.InputTokens)
	assert.Equal(t, int64(5), info.OutputTokens)
	assert.InDelta(t, 0.01, info.TotalCostUSD, 1e-9)
}

func TestMessagePreview(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "bare text field",
			raw:  `{"text":"fix the build"}`,
			want: "fix the build",
		},
		{
			name: "content blocks under message",
			raw:  `{"message":{"content":[{"type":"text","text":"one"},{"type":"tool_use"},{"type":"text","text":"two"}]}}`,
			want: "one two",
		},
		{
			name: "plain content string",
			raw:  `{"content":"hello there"}`,
			want: "hello there",
		},
		{
			name: "whitespace collapsed",
			raw:  `{"text":"a\n\n  b\tc"}`,
			want: "a b c",
		},
		{
			name: "long text truncated",
			raw:  `{"text":"` + strings.Repeat("x", 200) + `"}`,
			want: strings.Repeat("x", 80),
		},
		{
			name: "empty payload",
			raw:  `{}`,
			want: "",
		},
		{
			name: "not json",
			raw:  `not-json`,
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, messagePreview([]byte(tt.raw)))
		})
	}
}

func TestStream_ToolResultUserMessageDoesNotCheckpoint(t *testing.T) {
	f := newAgentFixture(t, nil)
	ctx := context.Background()

	_, err := f.agent.HandleMessageSend(ctx, "go")
	require.NoError(t, err)
	fake := f.transport.LastQuery()

	fake.Emit(query.Message{Type: db.SDKMessageUser, UUID: "u1", Content: []byte(`{}`)})
	fake.Emit(query.Message{Type: db.SDKMessageUser, UUID: "u2", ParentToolUseID: "tool-1", Content: []byte(`{}`)})

	testutil.RequireEventually(t, func() bool {
		n, err := f.store.CountSDKMessages(ctx, "s-1")
		return err == nil && n == 2
	}, "both user records persisted")

	points, err := f.agent.GetRewindPoints(ctx)
	require.NoError(t, err)
	assert.Len(t, points, 1, "tool results do not start turns")
}

func TestResetQuery_EmitsAgentReset(t *testing.T) {
	f := newAgentFixture(t, nil)
	ctx := context.Background()

	_, err := f.agent.HandleMessageSend(ctx, "hi")
	require.NoError(t, err)
	fake := f.transport.LastQuery()

	require.NoError(t, f.agent.ResetQuery(ctx, false))
	assert.True(t, fake.Closed())
	assert.False(t, f.agent.QueryActive())
	assert.Equal(t, StatusIdle, f.agent.ProcessingState().Status)
	assert.Contains(t, f.drainTopics(), "agent.reset")

	require.NoError(t, f.agent.ResetQuery(ctx, true))
	assert.True(t, f.agent.QueryActive())
}

func TestSetThinkingLevel_PersistsAndRestarts(t *testing.T) {
	f := newAgentFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.agent.SetThinkingLevel(ctx, "bogus"))
	stored, err := f.store.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "auto", stored.Config.ThinkingLevel)
	assert.Zero(t, f.transport.StartCount(), "no query, no restart")

	_, err = f.agent.HandleMessageSend(ctx, "hi")
	require.NoError(t, err)
	require.NoError(t, f.agent.SetThinkingLevel(ctx, "high"))
	assert.Equal(t, 2, f.transport.StartCount(), "running query restarts")
	assert.Equal(t, 31999, f.transport.LastStart().MaxThinkingTokens)
}

func TestSetCoordinatorMode_NoOpWhenUnchanged(t *testing.T) {
	f := newAgentFixture(t, nil)
	ctx := context.Background()

	changed, err := f.agent.SetCoordinatorMode(ctx, false)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = f.agent.SetCoordinatorMode(ctx, true)
	require.NoError(t, err)
	assert.True(t, changed)

	stored, err := f.store.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.True(t, stored.Config.CoordinatorMode)
}

func TestStream_CapturesSDKSessionID(t *testing.T) {
	f := newAgentFixture(t, nil)
	ctx := context.Background()

	_, err := f.agent.HandleMessageSend(ctx, "hi")
	require.NoError(t, err)
	f.transport.LastQuery().Emit(query.Message{
		Type: db.SDKMessageSystem, UUID: "sys1", SDKSessionID: "sdk-42", Content: []byte(`{}`),
	})

	testutil.RequireEventually(t, func() bool {
		stored, err := f.store.GetSession(ctx, "s-1")
		return err == nil && stored.SDKSessionID == "sdk-42"
	}, "sdk session id persisted")

	// The next query start resumes from it.
	require.NoError(t, f.agent.RestartQuery(ctx))
	assert.Equal(t, "sdk-42", f.transport.LastStart().Resume)
}

func TestStream_ErrorResultReportsSessionError(t *testing.T) {
	f := newAgentFixture(t, nil)
	ctx := context.Background()

	_, err := f.agent.HandleMessageSend(ctx, "hi")
	require.NoError(t, err)
	f.transport.LastQuery().Emit(query.Message{
		Type: db.SDKMessageResult, UUID: "r1", Error: "transport exploded", Content: []byte(`{}`),
	})

	testutil.RequireEventually(t, func() bool {
		stored, err := f.store.GetSession(ctx, "s-1")
		return err == nil && stored.Metadata.RecoveryContext != nil &&
			stored.Metadata.RecoveryContext.RetryCount == 1
	}, "retry count bumped")

	testutil.RequireEventually(t, func() bool {
		for _, topic := range f.drainTopics() {
			if topic == "session.error" {
				return true
			}
		}
		return false
	}, "session.error published")
}
