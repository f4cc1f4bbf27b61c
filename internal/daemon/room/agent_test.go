package room

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaihq/kai/internal/daemon/db"
	"github.com/kaihq/kai/internal/daemon/id"
	"github.com/kaihq/kai/internal/util/testutil"
)

func defaultOpts() Options {
	return Options{MaxConcurrentPairs: 2, MaxErrorCount: 3}
}

func TestAgent_SpawnsPairAndExecutes(t *testing.T) {
	f := newFixture(t, defaultOpts())
	a := f.startAgent(t)
	ctx := context.Background()

	f.say(t, "build the parser")

	testutil.RequireEventually(t, func() bool {
		return a.State().LifecycleState == db.LifecycleExecuting
	}, "agent should reach executing")

	st := a.State()
	require.Len(t, st.ActivePairIDs, 1)

	pairs, err := f.store.ListPairsByRoom(ctx, f.room.ID)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, db.PairActive, pairs[0].Status)
	assert.NotEmpty(t, pairs[0].CurrentTaskID)
	assert.True(t, f.svc.Bridges().Active(pairs[0].ID))

	goals, err := f.store.ListGoalsByRoom(ctx, f.room.ID)
	require.NoError(t, err)
	require.Len(t, goals, 1)
	assert.Equal(t, "build the parser", goals[0].Description)
	assert.Equal(t, "in_progress", goals[0].Status)

	tasks, err := f.store.ListTasksByRoom(ctx, f.room.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, pairs[0].ID, tasks[0].PairID)

	// The worker got the task content; its query is the first started.
	require.GreaterOrEqual(t, f.transport.StartCount(), 1)
	assert.Equal(t, []string{"build the parser"}, f.transport.Queries[0].SendCalls)

	// The persisted FSM state matches the in-memory one.
	stored, err := f.store.GetRoomAgentState(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, db.LifecycleExecuting, stored.LifecycleState)
	assert.Equal(t, st.ActivePairIDs, stored.ActivePairIDs)
}

func TestAgent_CapacityDeclinesSpawn(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrentPairs: 1, MaxErrorCount: 3})
	a := f.startAgent(t)
	ctx := context.Background()

	f.say(t, "first job")
	testutil.RequireEventually(t, func() bool {
		return a.State().LifecycleState == db.LifecycleExecuting
	}, "first job should spawn")

	f.say(t, "second job")
	testutil.RequireEventually(t, func() bool {
		goals, err := f.store.ListGoalsByRoom(ctx, f.room.ID)
		return err == nil && len(goals) == 2
	}, "second job should still be recorded as a goal")

	st := a.State()
	assert.Equal(t, db.LifecyclePlanning, st.LifecycleState, "full room stays in planning")
	assert.Len(t, st.ActivePairIDs, 1, "no second pair is spawned")

	pairs, err := f.store.ListPairsByRoom(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Len(t, pairs, 1)
}

func TestAgent_TaskCompletedRetiresPair(t *testing.T) {
	f := newFixture(t, defaultOpts())
	a := f.startAgent(t)
	ctx := context.Background()

	f.say(t, "ship it")
	testutil.RequireEventually(t, func() bool {
		return len(a.State().ActivePairIDs) == 1
	}, "pair should spawn")
	pairID := a.State().ActivePairIDs[0]

	_, err := f.hub.Request(ctx, "room.task.complete", map[string]any{"pairId": pairID})
	require.NoError(t, err)

	testutil.RequireEventually(t, func() bool {
		return a.State().LifecycleState == db.LifecycleIdle
	}, "agent should return to idle once no pairs remain")

	assert.Empty(t, a.State().ActivePairIDs)
	assert.False(t, f.svc.Bridges().Active(pairID))

	pair, err := f.store.GetPair(ctx, pairID)
	require.NoError(t, err)
	assert.Equal(t, db.PairCompleted, pair.Status)

	tasks, err := f.store.ListTasksByRoom(ctx, f.room.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "completed", tasks[0].Status)

	goals, err := f.store.ListGoalsByRoom(ctx, f.room.ID)
	require.NoError(t, err)
	require.Len(t, goals, 1)
	assert.Equal(t, "completed", goals[0].Status)
}

func TestAgent_PauseAndResume(t *testing.T) {
	f := newFixture(t, defaultOpts())
	a := f.startAgent(t)
	ctx := context.Background()

	f.say(t, "/pause")
	testutil.RequireEventually(t, func() bool {
		return a.State().LifecycleState == db.LifecyclePaused
	}, "agent should pause")

	// Work arriving while paused is dropped entirely.
	f.say(t, "do something")
	f.say(t, "/status")
	time.Sleep(50 * time.Millisecond)
	goals, err := f.store.ListGoalsByRoom(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Empty(t, goals)
	assert.Equal(t, db.LifecyclePaused, a.State().LifecycleState)

	f.say(t, "/resume")
	testutil.RequireEventually(t, func() bool {
		return a.State().LifecycleState == db.LifecycleIdle
	}, "resume with no pairs lands on idle")
}

func TestAgent_StatusAndGoalsReplies(t *testing.T) {
	f := newFixture(t, defaultOpts())
	a := f.startAgent(t)
	sub := f.watchRoom(t)

	f.say(t, "write docs")
	testutil.RequireEventually(t, func() bool {
		return a.State().LifecycleState == db.LifecycleExecuting
	}, "work should spawn")
	drain(sub)

	f.say(t, "/status")
	var status string
	testutil.RequireEventually(t, func() bool {
		for _, ev := range drain(sub) {
			if ev.Topic != "room.message" {
				continue
			}
			msg, err := decodeEvent[Message](ev.Data)
			if err == nil && msg.Sender == agentSender {
				status = msg.Content
				return true
			}
		}
		return false
	}, "agent should reply to /status")
	assert.Contains(t, status, "State: executing")
	assert.Contains(t, status, "Active pairs: 1/2")

	f.say(t, "/goals")
	var goals string
	testutil.RequireEventually(t, func() bool {
		for _, ev := range drain(sub) {
			if ev.Topic != "room.message" {
				continue
			}
			msg, err := decodeEvent[Message](ev.Data)
			if err == nil && msg.Sender == agentSender && strings.HasPrefix(msg.Content, "Goals:") {
				goals = msg.Content
				return true
			}
		}
		return false
	}, "agent should reply to /goals")
	assert.Contains(t, goals, "write docs")
}

func TestAgent_IgnoresForeignRoomMessages(t *testing.T) {
	f := newFixture(t, defaultOpts())
	a := f.startAgent(t)
	ctx := context.Background()

	a.HandleMessage(ctx, Message{RoomID: "someone-else", Content: "do work"})

	assert.Equal(t, db.LifecycleIdle, a.State().LifecycleState)
	goals, err := f.store.ListGoalsByRoom(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Empty(t, goals)
}

func TestAgent_ErrorStateAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrentPairs: 2, MaxErrorCount: 2})
	ctx := context.Background()

	// A room with no workspace path cannot spawn pairs.
	bare := &db.Room{ID: id.Generate(), Name: "bare", CreatedAt: time.Now()}
	require.NoError(t, f.store.CreateRoom(ctx, bare))
	a, err := f.svc.StartAgent(ctx, bare.ID)
	require.NoError(t, err)

	a.HandleMessage(ctx, Message{RoomID: bare.ID, Content: "one"})
	st := a.State()
	assert.Equal(t, 1, st.ErrorCount)
	assert.Equal(t, db.LifecycleIdle, st.LifecycleState, "below the threshold the agent recovers to idle")

	a.HandleMessage(ctx, Message{RoomID: bare.ID, Content: "two"})
	st = a.State()
	assert.Equal(t, db.LifecycleError, st.LifecycleState)
	assert.Equal(t, 2, st.ErrorCount)
	assert.Contains(t, st.LastError, "no workspace path")

	// New work is refused while in error.
	a.HandleMessage(ctx, Message{RoomID: bare.ID, Content: "three"})
	goals, err := f.store.ListGoalsByRoom(ctx, bare.ID)
	require.NoError(t, err)
	assert.Len(t, goals, 2)

	// A restart clears the error back to idle.
	f.svc.StopAgent(bare.ID)
	a, err = f.svc.StartAgent(ctx, bare.ID)
	require.NoError(t, err)
	st = a.State()
	assert.Equal(t, db.LifecycleIdle, st.LifecycleState)
	assert.Zero(t, st.ErrorCount)
	assert.Empty(t, st.LastError)
}

func TestAgent_SpawnFailureRecoversToIdle(t *testing.T) {
	f := newFixture(t, defaultOpts())
	ctx := context.Background()

	// No workspace path: every spawn attempt fails.
	bare := &db.Room{ID: id.Generate(), Name: "bare", CreatedAt: time.Now()}
	require.NoError(t, f.store.CreateRoom(ctx, bare))
	a, err := f.svc.StartAgent(ctx, bare.ID)
	require.NoError(t, err)

	a.HandleMessage(ctx, Message{RoomID: bare.ID, Content: "do work"})

	st := a.State()
	assert.Equal(t, db.LifecycleIdle, st.LifecycleState, "a failed spawn must not strand the agent in planning")
	assert.Equal(t, 1, st.ErrorCount)
	assert.Contains(t, st.LastError, "no workspace path")

	stored, err := f.store.GetRoomAgentState(ctx, bare.ID)
	require.NoError(t, err)
	assert.Equal(t, db.LifecycleIdle, stored.LifecycleState)

	// The next message is handled from idle, not replayed through a
	// stale planning state.
	a.HandleMessage(ctx, Message{RoomID: bare.ID, Content: "try again"})
	goals, err := f.store.ListGoalsByRoom(ctx, bare.ID)
	require.NoError(t, err)
	assert.Len(t, goals, 2)
	assert.Equal(t, db.LifecycleIdle, a.State().LifecycleState)
}

func TestAgent_RestartRestoresPersistedState(t *testing.T) {
	f := newFixture(t, defaultOpts())
	a := f.startAgent(t)
	ctx := context.Background()

	f.say(t, "long running job")
	testutil.RequireEventually(t, func() bool {
		return a.State().LifecycleState == db.LifecycleExecuting
	}, "work should spawn")
	pairIDs := a.State().ActivePairIDs

	f.svc.StopAgent(f.room.ID)
	restarted, err := f.svc.StartAgent(ctx, f.room.ID)
	require.NoError(t, err)

	st := restarted.State()
	assert.Equal(t, db.LifecycleExecuting, st.LifecycleState)
	assert.Equal(t, pairIDs, st.ActivePairIDs)
}

func TestSummary_TruncatesOnRuneBoundary(t *testing.T) {
	assert.Equal(t, "short task", summary("  short   task  "))

	long := strings.Repeat("héllo wörld ", 8)
	got := summary(long)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 40, utf8.RuneCountInString(got))
}

func TestService_RoomLifecycleRPC(t *testing.T) {
	f := newFixture(t, defaultOpts())
	ctx := context.Background()

	reply, err := f.hub.Request(ctx, "room.create", map[string]any{"name": "research", "defaultPath": t.TempDir()})
	require.NoError(t, err)
	created, err := decodeEvent[struct {
		RoomID string `json:"roomId"`
	}](reply)
	require.NoError(t, err)
	require.NotEmpty(t, created.RoomID)

	_, err = f.hub.Request(ctx, "room.create", map[string]any{})
	assert.EqualError(t, err, "Room name is required")

	reply, err = f.hub.Request(ctx, "room.list", nil)
	require.NoError(t, err)
	listed, err := decodeEvent[struct {
		Rooms []*db.Room `json:"rooms"`
	}](reply)
	require.NoError(t, err)
	assert.Len(t, listed.Rooms, 2)

	reply, err = f.hub.Request(ctx, "room.get", roomArg{RoomID: created.RoomID})
	require.NoError(t, err)
	got, err := decodeEvent[struct {
		Room       *db.Room           `json:"room"`
		AgentState *db.RoomAgentState `json:"agentState"`
	}](reply)
	require.NoError(t, err)
	assert.Equal(t, "research", got.Room.Name)
	assert.Equal(t, db.LifecycleIdle, got.AgentState.LifecycleState)

	_, err = f.hub.Request(ctx, "room.delete", roomArg{RoomID: created.RoomID})
	require.NoError(t, err)
	_, err = f.hub.Request(ctx, "room.get", roomArg{RoomID: created.RoomID})
	assert.EqualError(t, err, "Room not found")

	_, err = f.hub.Request(ctx, "room.message", Message{RoomID: created.RoomID, Content: "hi"})
	assert.EqualError(t, err, "Room not found")
}
