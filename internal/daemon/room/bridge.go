package room

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
	"github.com/kaihq/kai/internal/daemon/session"
	"github.com/kaihq/kai/internal/metrics"
	"github.com/kaihq/kai/internal/util/timefmt"
)

const (
	workerPrefix  = "[Worker Update]\n\n"
	managerPrefix = "[Manager Response]\n\n"

	// A crashed worker is escalated once its recovery context shows
	// this many retries.
	maxWorkerRetries = 3
)

// Bridges owns the active session bridges, one per running pair.
type Bridges struct {
	store *db.Store
	h     *hub.Hub

	mu     sync.Mutex
	active map[string]*bridge
}

// NewBridges returns an empty registry.
func NewBridges(store *db.Store, h *hub.Hub) *Bridges {
	return &Bridges{store: store, h: h, active: make(map[string]*bridge)}
}

// Start brings up the bridge for a pair. Starting a pair that already
// has a bridge is a no-op.
func (bs *Bridges) Start(ctx context.Context, pair *db.SessionPair) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if _, ok := bs.active[pair.ID]; ok {
		return nil
	}
	b, err := startBridge(ctx, bs.store, bs.h, pair, bs.Stop)
	if err != nil {
		return err
	}
	bs.active[pair.ID] = b
	return nil
}

// Stop tears down one bridge. Unknown pairs are a no-op.
func (bs *Bridges) Stop(pairID string) {
	bs.mu.Lock()
	b, ok := bs.active[pairID]
	delete(bs.active, pairID)
	bs.mu.Unlock()
	if ok {
		b.stop()
	}
}

// StopAll stops every active bridge.
func (bs *Bridges) StopAll() {
	bs.mu.Lock()
	all := bs.active
	bs.active = make(map[string]*bridge)
	bs.mu.Unlock()
	for _, b := range all {
		b.stop()
	}
}

// Active reports whether a pair currently has a bridge.
func (bs *Bridges) Active(pairID string) bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	_, ok := bs.active[pairID]
	return ok
}

// bridge couples one pair's worker and manager sessions. It watches
// both session channels for processing-state updates and forwards
// assistant output across when a side comes to rest.
type bridge struct {
	store *db.Store
	h     *hub.Hub
	pair  *db.SessionPair

	connID string
	cancel context.CancelFunc
	stopFn func(pairID string)

	mu   sync.Mutex
	last map[string]session.Status
}

type stateUpdate struct {
	SessionID  string                  `json:"sessionId"`
	AgentState session.ProcessingState `json:"agentState"`
}

func startBridge(ctx context.Context, store *db.Store, h *hub.Hub, pair *db.SessionPair, stopFn func(string)) (*bridge, error) {
	b := &bridge{
		store:  store,
		h:      h,
		pair:   pair,
		connID: "bridge:" + pair.ID,
		stopFn: stopFn,
		last:   make(map[string]session.Status),
	}

	sub := h.Connect(b.connID)
	for _, sid := range []string{pair.WorkerSessionID, pair.ManagerSessionID} {
		if err := h.JoinChannel(b.connID, hub.SessionChannel(sid)); err != nil {
			h.Disconnect(b.connID)
			return nil, err
		}
	}

	// Seed the previous-status map so a session already at rest does
	// not look like a fresh arrival. Fetch failures are swallowed; the
	// bridge stays up and learns states from the stream.
	for _, sid := range []string{pair.WorkerSessionID, pair.ManagerSessionID} {
		if st, err := b.fetchState(ctx, sid); err == nil {
			b.last[sid] = st.Status
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.loop(loopCtx, sub)
	return b, nil
}

func (b *bridge) stop() {
	b.cancel()
	b.h.Disconnect(b.connID)
}

func (b *bridge) loop(ctx context.Context, sub *hub.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C():
			if ev.Topic != "state.session" {
				continue
			}
			upd, err := decodeEvent[stateUpdate](ev.Data)
			if err != nil || upd.SessionID == "" {
				continue
			}
			b.observe(ctx, upd.SessionID, upd.AgentState)
		}
	}
}

// observe forwards output when a session transitions into a terminal
// state. Repeated terminal states and the processing state are inert.
func (b *bridge) observe(ctx context.Context, sessionID string, st session.ProcessingState) {
	b.mu.Lock()
	prev, seen := b.last[sessionID]
	b.last[sessionID] = st.Status
	b.mu.Unlock()

	if !st.IsTerminal() {
		return
	}
	if seen && (session.ProcessingState{Status: prev}).IsTerminal() {
		return
	}

	switch sessionID {
	case b.pair.WorkerSessionID:
		b.emit("bridge.workerTerminal", map[string]any{
			"pairId":     b.pair.ID,
			"sessionId":  sessionID,
			"agentState": st,
		})
		if st.Error != "" {
			b.handleWorkerCrash(ctx, st.Error)
			return
		}
		b.forward(ctx, sessionID, b.pair.ManagerSessionID, workerPrefix, "worker-to-manager")
	case b.pair.ManagerSessionID:
		b.emit("bridge.managerTerminal", map[string]any{
			"pairId":     b.pair.ID,
			"sessionId":  sessionID,
			"agentState": st,
		})
		if st.Error != "" {
			return
		}
		b.forward(ctx, sessionID, b.pair.WorkerSessionID, managerPrefix, "manager-to-worker")
	}
}

func (b *bridge) forward(ctx context.Context, from, to, prefix, direction string) {
	text, count := b.assistantText(ctx, from)
	if text != "" {
		if err := b.send(ctx, to, prefix+text); err != nil {
			slog.Warn("bridge: forward failed", "pair_id", b.pair.ID, "direction", direction, "error", err)
			return
		}
		metrics.BridgeForwardsTotal.WithLabelValues(direction).Inc()
	}
	b.emit("bridge.messagesForwarded", map[string]any{
		"pairId":    b.pair.ID,
		"direction": direction,
		"count":     count,
	})
}

// handleWorkerCrash tells the manager about a crashed worker. Under
// the retry budget the room agent may restart the worker; past it the
// pair is marked crashed and the bridge stops itself.
func (b *bridge) handleWorkerCrash(ctx context.Context, cause string) {
	retries := 0
	if rec, err := b.store.GetSession(ctx, b.pair.WorkerSessionID); err == nil &&
		rec.Metadata.RecoveryContext != nil {
		retries = rec.Metadata.RecoveryContext.RetryCount
	}

	if retries < maxWorkerRetries {
		msg := fmt.Sprintf("Worker session encountered an error and may be retried: %s", cause)
		if err := b.send(ctx, b.pair.ManagerSessionID, msg); err != nil {
			slog.Warn("bridge: crash notice failed", "pair_id", b.pair.ID, "error", err)
		}
		// The room agent owns the retry decision.
		b.emit("bridge.workerCrashed", map[string]any{
			"pairId":     b.pair.ID,
			"sessionId":  b.pair.WorkerSessionID,
			"error":      cause,
			"retryCount": retries,
		})
		return
	}

	msg := fmt.Sprintf("Worker session failed and could not be recovered: %s", cause)
	if err := b.send(ctx, b.pair.ManagerSessionID, msg); err != nil {
		slog.Warn("bridge: escalation notice failed", "pair_id", b.pair.ID, "error", err)
	}
	if err := b.store.UpdatePairStatus(ctx, b.pair.ID, db.PairCrashed, timefmt.Format(time.Now())); err != nil {
		slog.Error("bridge: mark pair crashed", "pair_id", b.pair.ID, "error", err)
	}
	b.stopFn(b.pair.ID)
}

// assistantText concatenates the text blocks of every assistant record
// a session has produced. Non-text blocks are skipped. The count is
// the number of records that contributed text.
func (b *bridge) assistantText(ctx context.Context, sessionID string) (string, int) {
	msgs, err := b.store.ListSDKMessagesByType(ctx, sessionID, db.SDKMessageAssistant)
	if err != nil {
		slog.Warn("bridge: list assistant messages", "session_id", sessionID, "error", err)
		return "", 0
	}
	var parts []string
	for _, m := range msgs {
		if t := extractText(m.Content); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n"), len(parts)
}

func (b *bridge) send(ctx context.Context, sessionID, content string) error {
	_, err := b.h.Request(ctx, "message.send", map[string]any{
		"sessionId": sessionID,
		"content":   content,
	})
	return err
}

func (b *bridge) fetchState(ctx context.Context, sessionID string) (session.ProcessingState, error) {
	reply, err := b.h.Request(ctx, "agent.getState", map[string]any{"sessionId": sessionID})
	if err != nil {
		return session.ProcessingState{}, err
	}
	wrapped, err := decodeEvent[struct {
		State session.ProcessingState `json:"state"`
	}](reply)
	if err != nil {
		return session.ProcessingState{}, err
	}
	return wrapped.State, nil
}

// Bridge events land on the room channel so room observers see the
// orchestration alongside chat.
func (b *bridge) emit(topic string, data map[string]any) {
	b.h.PublishTo(topic, hub.RoomChannel(b.pair.RoomID), data)
}

// extractText pulls the text blocks out of an assistant record. The
// transport nests content under "message"; older records carry it at
// the top level or as a bare "text" field.
func extractText(raw json.RawMessage) string {
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
	type block struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	for _, rawBlocks := range []json.RawMessage{env.Message.Content, env.Content} {
		if len(rawBlocks) == 0 {
			continue
		}
		var blocks []block
		if json.Unmarshal(rawBlocks, &blocks) != nil {
			continue
		}
		var parts []string
		for _, bl := range blocks {
			if bl.Type == "text" && bl.Text != "" {
				parts = append(parts, bl.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return env.Text
}
