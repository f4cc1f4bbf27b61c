// Package room runs the per-room orchestration agent and the bridges
// that couple each worker session with its manager session.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kaihq/kai/internal/daemon/db"
	"github.com/kaihq/kai/internal/daemon/hub"
	"github.com/kaihq/kai/internal/daemon/id"
	"github.com/kaihq/kai/internal/metrics"
	"github.com/kaihq/kai/internal/util/timefmt"
)

// Options bound a room agent's appetite.
type Options struct {
	MaxConcurrentPairs int
	MaxErrorCount      int
}

// Message is a chat message on a room channel. The agent treats its
// own replies (sender "room-agent") as inert.
type Message struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
	Sender  string `json:"sender,omitempty"`
}

const agentSender = "room-agent"

// newRetryBackoff paces worker restarts after a crash: one second
// initial, doubling to a 30 second cap with jitter. Swapped out by
// tests.
var newRetryBackoff = func() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	return b
}

// Agent is the orchestrator for one room. It consumes room-channel
// events, spawns worker/manager session pairs, and persists its FSM
// state on every transition so a restart resumes exactly where it
// stopped.
type Agent struct {
	store   *db.Store
	h       *hub.Hub
	bridges *Bridges
	opts    Options

	room   *db.Room
	connID string
	cancel context.CancelFunc
	done   chan struct{}

	// mu serializes transitions; the FSM is logically single-threaded
	// per room.
	mu      sync.Mutex
	st      *db.RoomAgentState
	retries map[string]*backoff.ExponentialBackOff
}

// StartAgent loads the room and its persisted FSM state, clears a
// stale error state back to idle, and begins consuming the room
// channel. The caller stops it with Stop.
func StartAgent(ctx context.Context, store *db.Store, h *hub.Hub, bridges *Bridges, roomID string, opts Options) (*Agent, error) {
	if opts.MaxConcurrentPairs < 1 {
		opts.MaxConcurrentPairs = 1
	}
	if opts.MaxErrorCount < 1 {
		opts.MaxErrorCount = 1
	}
	r, err := store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	st, err := store.GetRoomAgentState(ctx, roomID)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		store:   store,
		h:       h,
		bridges: bridges,
		opts:    opts,
		room:    r,
		connID:  "room-agent:" + roomID,
		done:    make(chan struct{}),
		st:      st,
		retries: make(map[string]*backoff.ExponentialBackOff),
	}

	// Starting clears a previous error state.
	if st.LifecycleState == db.LifecycleError {
		st.LifecycleState = db.LifecycleIdle
		st.ErrorCount = 0
		st.LastError = ""
		if err := a.persist(ctx); err != nil {
			return nil, err
		}
	}

	sub := h.Connect(a.connID)
	if err := h.JoinChannel(a.connID, hub.RoomChannel(roomID)); err != nil {
		h.Disconnect(a.connID)
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.loop(loopCtx, sub)
	return a, nil
}

// Stop disconnects from the hub and waits for the event loop to exit.
// Active pairs and their bridges are left alone; the persisted state
// lets a future StartAgent pick them back up.
func (a *Agent) Stop() {
	a.cancel()
	a.h.Disconnect(a.connID)
	<-a.done
}

// State returns a copy of the current FSM state.
func (a *Agent) State() db.RoomAgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := *a.st
	st.ActivePairIDs = append([]string(nil), a.st.ActivePairIDs...)
	return st
}

func (a *Agent) loop(ctx context.Context, sub *hub.Subscription) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C():
			switch ev.Topic {
			case "room.message":
				msg, err := decodeEvent[Message](ev.Data)
				if err != nil {
					slog.Warn("room agent: bad message payload", "room_id", a.room.ID, "error", err)
					continue
				}
				a.HandleMessage(ctx, msg)
			case "pair.task_completed":
				ref, err := decodeEvent[pairRef](ev.Data)
				if err != nil {
					slog.Warn("room agent: bad completion payload", "room_id", a.room.ID, "error", err)
					continue
				}
				a.HandleTaskCompleted(ctx, ref.PairID)
			case "bridge.workerCrashed":
				ref, err := decodeEvent[pairRef](ev.Data)
				if err != nil {
					slog.Warn("room agent: bad crash payload", "room_id", a.room.ID, "error", err)
					continue
				}
				a.HandleWorkerCrash(ctx, ref.PairID)
			}
		}
	}
}

type pairRef struct {
	PairID string `json:"pairId"`
}

// HandleMessage is the FSM's input edge for room chat. Messages for
// other rooms and the agent's own replies are ignored. While paused,
// only /resume is honored.
func (a *Agent) HandleMessage(ctx context.Context, msg Message) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if msg.RoomID != a.room.ID || msg.Sender == agentSender {
		return
	}
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return
	}

	if a.st.LifecycleState == db.LifecyclePaused {
		if content == "/resume" {
			a.resumeLocked(ctx)
		}
		return
	}
	// In the error state the agent answers /status but takes no new
	// work; a restart clears it back to idle.
	if a.st.LifecycleState == db.LifecycleError {
		if content == "/status" {
			a.reply(a.statusLocked())
		}
		return
	}
	if strings.HasPrefix(content, "/") {
		a.handleCommandLocked(ctx, content)
		return
	}
	a.planLocked(ctx, content)
}

// HandleTaskCompleted retires a pair: its task and goal complete, the
// bridge stops, and the agent returns to idle once no pairs remain.
func (a *Agent) HandleTaskCompleted(ctx context.Context, pairID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pair, err := a.store.GetPair(ctx, pairID)
	if err != nil || pair.RoomID != a.room.ID {
		return
	}
	now := timefmt.Format(time.Now())
	if pair.CurrentTaskID != "" {
		if err := a.store.UpdateTaskStatus(ctx, pair.CurrentTaskID, "completed", now); err != nil {
			slog.Warn("room agent: mark task complete", "room_id", a.room.ID, "task_id", pair.CurrentTaskID, "error", err)
		}
		if task, err := a.store.GetTask(ctx, pair.CurrentTaskID); err == nil && task.GoalID != "" {
			if err := a.store.UpdateGoalStatus(ctx, task.GoalID, "completed"); err != nil {
				slog.Warn("room agent: mark goal complete", "room_id", a.room.ID, "goal_id", task.GoalID, "error", err)
			}
		}
	}
	if err := a.store.UpdatePairStatus(ctx, pairID, db.PairCompleted, now); err != nil {
		slog.Warn("room agent: mark pair complete", "room_id", a.room.ID, "pair_id", pairID, "error", err)
	}
	a.bridges.Stop(pairID)

	if a.removePairLocked(pairID) {
		metrics.ActivePairs.Dec()
	}
	delete(a.retries, pairID)
	a.st.ErrorCount = 0
	a.st.LastError = ""
	if len(a.st.ActivePairIDs) == 0 {
		a.st.LifecycleState = db.LifecycleIdle
		a.st.CurrentTaskID = ""
	} else {
		a.st.LifecycleState = db.LifecycleExecuting
	}
	if err := a.persist(ctx); err != nil {
		slog.Error("room agent: persist after completion", "room_id", a.room.ID, "error", err)
	}
}

// HandleWorkerCrash re-sends a crashed pair's task to its worker
// after an exponential backoff, consecutive crashes of the same pair
// waiting longer each time. Completion clears the backoff.
func (a *Agent) HandleWorkerCrash(ctx context.Context, pairID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.st.LifecycleState == db.LifecyclePaused {
		return
	}
	pair, err := a.store.GetPair(ctx, pairID)
	if err != nil || pair.RoomID != a.room.ID || pair.CurrentTaskID == "" {
		return
	}
	task, err := a.store.GetTask(ctx, pair.CurrentTaskID)
	if err != nil {
		return
	}

	bo := a.retries[pairID]
	if bo == nil {
		bo = newRetryBackoff()
		a.retries[pairID] = bo
	}
	delay := bo.NextBackOff()
	slog.Info("room agent: retrying crashed worker",
		"room_id", a.room.ID, "pair_id", pairID, "delay", delay)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if _, err := a.h.Request(ctx, "message.send", map[string]any{
			"sessionId": pair.WorkerSessionID,
			"content":   task.Description,
		}); err != nil {
			slog.Warn("room agent: worker retry failed",
				"room_id", a.room.ID, "pair_id", pairID, "error", err)
		}
	}()
}

func (a *Agent) removePairLocked(pairID string) bool {
	for i, pid := range a.st.ActivePairIDs {
		if pid == pairID {
			a.st.ActivePairIDs = append(a.st.ActivePairIDs[:i], a.st.ActivePairIDs[i+1:]...)
			return true
		}
	}
	return false
}

func (a *Agent) handleCommandLocked(ctx context.Context, content string) {
	switch content {
	case "/pause":
		a.st.LifecycleState = db.LifecyclePaused
		if err := a.persist(ctx); err != nil {
			slog.Error("room agent: persist pause", "room_id", a.room.ID, "error", err)
		}
	case "/resume":
		a.resumeLocked(ctx)
	case "/status":
		a.reply(a.statusLocked())
	case "/goals":
		a.reply(a.goalsLocked(ctx))
	default:
		// Unknown commands are ignored rather than planned as work.
	}
}

func (a *Agent) resumeLocked(ctx context.Context) {
	if len(a.st.ActivePairIDs) > 0 {
		a.st.LifecycleState = db.LifecycleExecuting
	} else {
		a.st.LifecycleState = db.LifecycleIdle
	}
	if err := a.persist(ctx); err != nil {
		slog.Error("room agent: persist resume", "room_id", a.room.ID, "error", err)
	}
}

func (a *Agent) statusLocked() string {
	var b strings.Builder
	fmt.Fprintf(&b, "State: %s", a.st.LifecycleState)
	fmt.Fprintf(&b, "\nActive pairs: %d/%d", len(a.st.ActivePairIDs), a.opts.MaxConcurrentPairs)
	if a.st.LastError != "" {
		fmt.Fprintf(&b, "\nLast error: %s", a.st.LastError)
	}
	return b.String()
}

func (a *Agent) goalsLocked(ctx context.Context) string {
	goals, err := a.store.ListGoalsByRoom(ctx, a.room.ID)
	if err != nil {
		return "Could not list goals: " + err.Error()
	}
	if len(goals) == 0 {
		return "No goals yet."
	}
	var b strings.Builder
	b.WriteString("Goals:")
	for _, g := range goals {
		fmt.Fprintf(&b, "\n- [%s] %s", g.Status, g.Description)
	}
	return b.String()
}

// planLocked is the main work path: record a goal, spawn a pair when
// under capacity, and move to executing.
func (a *Agent) planLocked(ctx context.Context, content string) {
	a.st.LifecycleState = db.LifecyclePlanning
	if err := a.persist(ctx); err != nil {
		a.recordErrorLocked(ctx, err)
		return
	}

	goal := &db.Goal{
		ID:          id.Generate(),
		RoomID:      a.room.ID,
		Description: content,
		Status:      "pending",
		CreatedAt:   time.Now(),
	}
	if err := a.store.CreateGoal(ctx, goal); err != nil {
		a.recordErrorLocked(ctx, err)
		return
	}
	a.st.CurrentGoalID = goal.ID

	if len(a.st.ActivePairIDs) >= a.opts.MaxConcurrentPairs {
		// Full: decline to spawn, stay in planning until a pair frees up.
		a.reply(fmt.Sprintf("All %d session pairs are busy; the request is recorded as a goal.", a.opts.MaxConcurrentPairs))
		if err := a.persist(ctx); err != nil {
			a.recordErrorLocked(ctx, err)
		}
		return
	}

	pair, task, err := a.spawnPair(ctx, goal, content)
	if err != nil {
		a.recordErrorLocked(ctx, err)
		return
	}
	if err := a.bridges.Start(ctx, pair); err != nil {
		a.recordErrorLocked(ctx, err)
		return
	}

	a.st.ActivePairIDs = append(a.st.ActivePairIDs, pair.ID)
	a.st.CurrentTaskID = task.ID
	a.st.LifecycleState = db.LifecycleExecuting
	a.st.ErrorCount = 0
	a.st.LastError = ""
	metrics.ActivePairs.Inc()
	if err := a.persist(ctx); err != nil {
		slog.Error("room agent: persist after spawn", "room_id", a.room.ID, "error", err)
	}
}

// spawnPair creates the worker and manager sessions through the RPC
// surface, records the pair and its task, and hands the task content
// to the worker.
func (a *Agent) spawnPair(ctx context.Context, goal *db.Goal, content string) (*db.SessionPair, *db.Task, error) {
	workspace := a.room.DefaultPath
	if workspace == "" && len(a.room.AllowedPaths) > 0 {
		workspace = a.room.AllowedPaths[0]
	}
	if workspace == "" {
		return nil, nil, fmt.Errorf("room %s has no workspace path", a.room.ID)
	}

	workerID, err := a.createSession(ctx, workspace, "Worker: "+summary(content))
	if err != nil {
		return nil, nil, fmt.Errorf("create worker session: %w", err)
	}
	managerID, err := a.createSession(ctx, workspace, "Manager: "+summary(content))
	if err != nil {
		return nil, nil, fmt.Errorf("create manager session: %w", err)
	}

	now := time.Now()
	pair := &db.SessionPair{
		ID:               id.Generate(),
		RoomID:           a.room.ID,
		ManagerSessionID: managerID,
		WorkerSessionID:  workerID,
		Status:           db.PairActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := a.store.CreatePair(ctx, pair); err != nil {
		return nil, nil, err
	}

	task := &db.Task{
		ID:          id.Generate(),
		RoomID:      a.room.ID,
		GoalID:      goal.ID,
		PairID:      pair.ID,
		Description: content,
		Status:      "in_progress",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.CreateTask(ctx, task); err != nil {
		return nil, nil, err
	}
	if err := a.store.UpdatePairTask(ctx, pair.ID, task.ID, timefmt.Format(now)); err != nil {
		return nil, nil, err
	}
	pair.CurrentTaskID = task.ID
	if err := a.store.UpdateGoalStatus(ctx, goal.ID, "in_progress"); err != nil {
		return nil, nil, err
	}

	if _, err := a.h.Request(ctx, "message.send", map[string]any{
		"sessionId": workerID,
		"content":   content,
	}); err != nil {
		return nil, nil, fmt.Errorf("hand task to worker: %w", err)
	}
	return pair, task, nil
}

func (a *Agent) createSession(ctx context.Context, workspace, title string) (string, error) {
	reply, err := a.h.Request(ctx, "session.create", map[string]any{
		"workspacePath": workspace,
		"title":         title,
	})
	if err != nil {
		return "", err
	}
	ref, err := decodeEvent[struct {
		SessionID string `json:"sessionId"`
	}](reply)
	if err != nil {
		return "", err
	}
	if ref.SessionID == "" {
		return "", fmt.Errorf("session.create returned no session id")
	}
	return ref.SessionID, nil
}

// recordErrorLocked counts a failed step. Below the threshold the
// agent recovers to idle (or executing while pairs remain) and keeps
// taking work; at the threshold it enters the error state.
func (a *Agent) recordErrorLocked(ctx context.Context, cause error) {
	slog.Error("room agent: step failed", "room_id", a.room.ID, "error", cause)
	a.st.ErrorCount++
	a.st.LastError = cause.Error()
	switch {
	case a.st.ErrorCount >= a.opts.MaxErrorCount:
		a.st.LifecycleState = db.LifecycleError
	case len(a.st.ActivePairIDs) > 0:
		a.st.LifecycleState = db.LifecycleExecuting
	default:
		a.st.LifecycleState = db.LifecycleIdle
	}
	if err := a.persist(ctx); err != nil {
		slog.Error("room agent: persist error state", "room_id", a.room.ID, "error", err)
	}
}

// persist writes the full FSM state and announces the transition on
// the room channel. Callers hold a.mu.
func (a *Agent) persist(ctx context.Context) error {
	a.st.LastActivityAt = time.Now()
	if err := a.store.SaveRoomAgentState(ctx, a.st); err != nil {
		return err
	}
	a.h.PublishTo("roomAgent.stateChanged", hub.RoomChannel(a.room.ID), map[string]any{
		"roomId":               a.room.ID,
		"lifecycleState":       a.st.LifecycleState,
		"activeSessionPairIds": append([]string{}, a.st.ActivePairIDs...),
		"errorCount":           a.st.ErrorCount,
	})
	return nil
}

func (a *Agent) reply(content string) {
	a.h.PublishTo("room.message", hub.RoomChannel(a.room.ID), Message{
		RoomID:  a.room.ID,
		Content: content,
		Sender:  agentSender,
	})
}

// summary shortens task content for a session title, cutting on a
// rune boundary so multi-byte text stays valid.
func summary(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if runes := []rune(content); len(runes) > 40 {
		content = string(runes[:40])
	}
	return content
}

// decodeEvent re-marshals an event payload into a typed value, so
// in-process publishers and websocket clients look identical.
func decodeEvent[T any](data any) (T, error) {
	var v T
	raw, err := json.Marshal(data)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, err
	}
	return v, nil
}
