package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaihq/kai/internal/daemon/db"
	"github.com/kaihq/kai/internal/daemon/id"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.Migrate(sqlDB); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	return db.NewStore(sqlDB)
}

func makeSession(t *testing.T, s *db.Store, at time.Time) *db.Session {
	t.Helper()
	sess := &db.Session{
		ID:            id.Session(),
		Title:         "",
		WorkspacePath: "/w",
		Status:        db.SessionPending,
		Config:        db.SessionConfig{Model: "default", Sandbox: db.DefaultSandbox()},
		CreatedAt:     at,
		LastActiveAt:  at,
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func TestSessions_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	sess := makeSession(t, s, now)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "/w", got.WorkspacePath)
	assert.Equal(t, db.SessionPending, got.Status)
	assert.Equal(t, "default", got.Config.Model)
	require.NotNil(t, got.Config.Sandbox)
	assert.True(t, got.Config.Sandbox.Enabled)
	assert.Equal(t, []string{"git"}, got.Config.Sandbox.ExcludedCommands)

	got.Title = "fix login"
	got.Status = db.SessionActive
	got.Metadata.MessageCount = 3
	require.NoError(t, s.UpdateSession(ctx, got))

	got2, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "fix login", got2.Title)
	assert.Equal(t, db.SessionActive, got2.Status)
	assert.Equal(t, 3, got2.Metadata.MessageCount)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	_, err = s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestSessions_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.ErrorIs(t, s.DeleteSession(ctx, "missing"), db.ErrNotFound)
	assert.ErrorIs(t, s.UpdateSession(ctx, &db.Session{ID: "missing"}), db.ErrNotFound)
}

func TestSessions_ListOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	old := makeSession(t, s, base.Add(-2*time.Hour))
	mid := makeSession(t, s, base.Add(-time.Hour))
	recent := makeSession(t, s, base)

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, recent.ID, sessions[0].ID)
	assert.Equal(t, mid.ID, sessions[1].ID)
	assert.Equal(t, old.ID, sessions[2].ID)
}

func TestSessions_TouchIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	sess := makeSession(t, s, now)

	// Touching with an earlier timestamp must not move last_active_at
	// backwards.
	require.NoError(t, s.TouchSession(ctx, sess.ID, now.Add(-time.Hour)))
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.LastActiveAt.Before(now.Truncate(time.Millisecond)))

	later := now.Add(time.Hour)
	require.NoError(t, s.TouchSession(ctx, sess.ID, later))
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, later.UTC().Truncate(time.Millisecond), got.LastActiveAt)
}

func TestSDKMessages_InsertListOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	sess := makeSession(t, s, now)

	// Insert out of timestamp order; list must come back timestamp ASC.
	for i, offset := range []time.Duration{2 * time.Second, 0, time.Second} {
		m := &db.SDKMessage{
			ID:        id.Generate(),
			SessionID: sess.ID,
			UUID:      id.Generate(),
			Type:      db.SDKMessageAssistant,
			Content:   []byte(`{"i":` + string(rune('0'+i)) + `}`),
			Timestamp: now.Add(offset),
		}
		require.NoError(t, s.InsertSDKMessage(ctx, m))
		assert.Positive(t, m.Seq)
	}

	msgs, err := s.ListSDKMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.True(t, msgs[0].Timestamp.Before(msgs[1].Timestamp))
	assert.True(t, msgs[1].Timestamp.Before(msgs[2].Timestamp))
}

func TestSDKMessages_TimestampTiesBrokenByInsertionOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	sess := makeSession(t, s, now)

	var uuids []string
	for i := 0; i < 5; i++ {
		u := id.Generate()
		uuids = append(uuids, u)
		require.NoError(t, s.InsertSDKMessage(ctx, &db.SDKMessage{
			ID:        id.Generate(),
			SessionID: sess.ID,
			UUID:      u,
			Type:      db.SDKMessageStreamEvent,
			Content:   []byte(`{}`),
			Timestamp: now,
		}))
	}

	msgs, err := s.ListSDKMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		assert.Equal(t, uuids[i], m.UUID)
	}
}

func TestSDKMessages_UUIDUniquePerSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	a := makeSession(t, s, now)
	b := makeSession(t, s, now)

	msg := func(sessionID, uuid string) *db.SDKMessage {
		return &db.SDKMessage{
			ID: id.Generate(), SessionID: sessionID, UUID: uuid,
			Type: db.SDKMessageUser, Content: []byte(`{}`), Timestamp: now,
		}
	}

	require.NoError(t, s.InsertSDKMessage(ctx, msg(a.ID, "u-1")))
	assert.Error(t, s.InsertSDKMessage(ctx, msg(a.ID, "u-1")), "duplicate uuid in same session must fail")
	// Same uuid in a different session is fine.
	assert.NoError(t, s.InsertSDKMessage(ctx, msg(b.ID, "u-1")))
}

func TestSDKMessages_ContentRoundTripsThroughCompression(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	sess := makeSession(t, s, now)

	content := []byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"hello world"}]}}`)
	m := &db.SDKMessage{
		ID: id.Generate(), SessionID: sess.ID, UUID: "u-1",
		Type: db.SDKMessageAssistant, ParentToolUseID: "tool-9",
		Content: content, Timestamp: now,
	}
	require.NoError(t, s.InsertSDKMessage(ctx, m))

	got, err := s.GetSDKMessageByUUID(ctx, sess.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, content, []byte(got.Content))
	assert.Equal(t, "tool-9", got.ParentToolUseID)

	_, err = s.GetSDKMessageByUUID(ctx, sess.ID, "nope")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestDeleteMessagesAfter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	sess := makeSession(t, s, now)

	for i, offset := range []time.Duration{-time.Minute, time.Minute, 2 * time.Minute} {
		require.NoError(t, s.InsertSDKMessage(ctx, &db.SDKMessage{
			ID: id.Generate(), SessionID: sess.ID, UUID: id.Generate(),
			Type: db.SDKMessageAssistant, Content: []byte(`{}`),
			Timestamp: now.Add(offset),
		}))
		_ = i
	}
	require.NoError(t, s.InsertUserMessage(ctx, &db.UserMessage{
		ID: id.Generate(), SessionID: sess.ID, Content: "later",
		Status: db.UserMessageSent, CreatedAt: now.Add(3 * time.Minute),
	}))

	deleted, err := s.DeleteMessagesAfter(ctx, sess.ID, now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted, "two sdk messages and one user message are strictly after the cutoff")

	count, err := s.CountSDKMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestUserMessages_CountByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	sess := makeSession(t, s, now)

	mk := func(status db.UserMessageStatus) string {
		m := &db.UserMessage{
			ID: id.Generate(), SessionID: sess.ID, Content: "hi",
			Status: status, CreatedAt: now,
		}
		require.NoError(t, s.InsertUserMessage(ctx, m))
		return m.ID
	}
	mk(db.UserMessagePending)
	mk(db.UserMessagePending)
	failed := mk(db.UserMessageFailed)

	n, err := s.CountUserMessagesByStatus(ctx, sess.ID, db.UserMessagePending)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, s.UpdateUserMessageStatus(ctx, failed, db.UserMessageSent))
	n, err = s.CountUserMessagesByStatus(ctx, sess.ID, db.UserMessageFailed)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCheckpoints_OrderAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	sess := makeSession(t, s, now)

	for turn := 1; turn <= 3; turn++ {
		require.NoError(t, s.InsertCheckpoint(ctx, &db.Checkpoint{
			ID: id.Generate(), SessionID: sess.ID,
			MessagePreview: "turn", TurnNumber: turn,
			Timestamp: now.Add(time.Duration(turn) * time.Second),
		}))
	}

	cps, err := s.ListCheckpoints(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, cps, 3)
	assert.Equal(t, 3, cps[0].TurnNumber, "newest turn first")
	assert.Equal(t, 1, cps[2].TurnNumber)

	latest, err := s.LatestTurnNumber(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, latest)

	_, err = s.GetCheckpoint(ctx, sess.ID, "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)

	deleted, err := s.DeleteCheckpointsAfter(ctx, sess.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}

func TestRooms_CreateSeedsAgentState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	room := &db.Room{ID: id.Generate(), Name: "dev", AllowedPaths: []string{"/w"}, CreatedAt: time.Now()}
	require.NoError(t, s.CreateRoom(ctx, room))

	st, err := s.GetRoomAgentState(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, db.LifecycleIdle, st.LifecycleState)
	assert.Empty(t, st.ActivePairIDs)
	assert.Zero(t, st.ErrorCount)

	got, err := s.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"/w"}, got.AllowedPaths)
}

func TestRoomAgentState_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	room := &db.Room{ID: id.Generate(), Name: "dev", CreatedAt: now}
	require.NoError(t, s.CreateRoom(ctx, room))

	st := &db.RoomAgentState{
		RoomID:         room.ID,
		LifecycleState: db.LifecycleExecuting,
		CurrentGoalID:  "g1",
		ActivePairIDs:  []string{"p1", "p2"},
		LastActivityAt: now,
		ErrorCount:     2,
		LastError:      "spawn failed",
		PendingActions: []string{"retry"},
	}
	require.NoError(t, s.SaveRoomAgentState(ctx, st))

	got, err := s.GetRoomAgentState(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, db.LifecycleExecuting, got.LifecycleState)
	assert.Equal(t, []string{"p1", "p2"}, got.ActivePairIDs)
	assert.Equal(t, 2, got.ErrorCount)
	assert.Equal(t, "spawn failed", got.LastError)
	assert.Equal(t, []string{"retry"}, got.PendingActions)
}

func TestPairs_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	room := &db.Room{ID: id.Generate(), Name: "dev", CreatedAt: now}
	require.NoError(t, s.CreateRoom(ctx, room))

	p := &db.SessionPair{
		ID: id.Generate(), RoomID: room.ID,
		RoomSessionID: "rs", ManagerSessionID: "m", WorkerSessionID: "w",
		Status: db.PairActive, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreatePair(ctx, p))

	got, err := s.GetPair(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PairActive, got.Status)
	assert.Equal(t, "w", got.WorkerSessionID)

	require.NoError(t, s.UpdatePairStatus(ctx, p.ID, db.PairCrashed, "2026-01-01T00:00:00.000Z"))
	got, err = s.GetPair(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PairCrashed, got.Status)

	pairs, err := s.ListPairsByRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, pairs, 1)

	require.NoError(t, s.DeletePair(ctx, p.ID))
	_, err = s.GetPair(ctx, p.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestGoalsAndTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	room := &db.Room{ID: id.Generate(), Name: "dev", CreatedAt: now}
	require.NoError(t, s.CreateRoom(ctx, room))

	g := &db.Goal{ID: id.Generate(), RoomID: room.ID, Description: "ship it", Status: "open", CreatedAt: now}
	require.NoError(t, s.CreateGoal(ctx, g))

	task := &db.Task{
		ID: id.Generate(), RoomID: room.ID, GoalID: g.ID,
		Description: "write tests", Status: "open",
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateTask(ctx, task))

	goals, err := s.ListGoalsByRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, goals, 1)
	assert.Equal(t, "ship it", goals[0].Description)

	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, "completed", "2026-01-01T00:00:00.000Z"))
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)

	tasks, err := s.ListTasksByRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}
