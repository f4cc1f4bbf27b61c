// Package broadcast derives snapshot and delta views for hub channels.
// Every state topic pairs a snapshot handler (request/reply, returns
// the authoritative value plus the channel version) with a delta
// stream (publish, monotonic version); clients that apply deltas in
// version order and drop any delta at or below their last snapshot
// version converge on the snapshot.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kaihq/kai/internal/daemon/db"
	"github.com/kaihq/kai/internal/daemon/hub"
	"github.com/kaihq/kai/internal/daemon/provider"
	"github.com/kaihq/kai/internal/daemon/session"
	"github.com/kaihq/kai/internal/util/timefmt"
)

// errSessionNotFound is the literal snapshot handlers reply with for
// unknown session ids.
const errSessionNotFound = "Session not found"

// Delta is the change set published on a delta channel.
type Delta struct {
	Added     []*db.Session `json:"added,omitempty"`
	Updated   []*db.Session `json:"updated,omitempty"`
	Removed   []string      `json:"removed,omitempty"`
	Version   int64         `json:"version"`
	Timestamp string        `json:"timestamp"`
}

// SystemInfo is the global.system snapshot payload.
type SystemInfo struct {
	Version      string `json:"version"`
	DefaultModel string `json:"defaultModel"`
	AuthState    string `json:"authState"`
	Health       string `json:"health"`
}

// UnifiedState is the session:{id} unified snapshot.
type UnifiedState struct {
	SessionInfo *db.Session             `json:"sessionInfo"`
	AgentState  session.ProcessingState `json:"agentState"`
	ContextInfo *session.ContextInfo    `json:"contextInfo,omitempty"`
	Error       string                  `json:"error,omitempty"`
	Timestamp   string                  `json:"timestamp"`
}

// Broadcaster owns the derived views. It reads sessions from the store
// and live agent state from the cache; it never constructs sessions.
type Broadcaster struct {
	store *db.Store
	hub   *hub.Hub
	cache *session.Cache

	daemonVersion string
	defaultModel  string

	mu           sync.Mutex
	showArchived bool
	hasArchived  bool
}

// New wires a broadcaster.
func New(store *db.Store, h *hub.Hub, cache *session.Cache, daemonVersion, defaultModel string) *Broadcaster {
	return &Broadcaster{
		store:         store,
		hub:           h,
		cache:         cache,
		daemonVersion: daemonVersion,
		defaultModel:  defaultModel,
	}
}

// Register installs the snapshot handlers on the hub.
func (b *Broadcaster) Register() {
	b.hub.OnRequest("state.global.snapshot", b.handleGlobalSnapshot)
	b.hub.OnRequest("state.global.system", b.handleSystem)
	b.hub.OnRequest("state.global.sessions", b.handleSessions)
	b.hub.OnRequest("state.session", b.handleSessionUnified)
	b.hub.OnRequest("state.session.snapshot", b.handleSessionUnified)
	b.hub.OnRequest("state.session.sdkMessages", b.handleSDKMessages)
}

// SetShowArchived flips whether archived sessions appear in the
// sessions list.
func (b *Broadcaster) SetShowArchived(show bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.showArchived = show
}

// ShowArchived reports the current filter.
func (b *Broadcaster) ShowArchived() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.showArchived
}

func (b *Broadcaster) handleGlobalSnapshot(ctx context.Context, _ json.RawMessage) (any, error) {
	sessions, anyArchived, err := b.visibleSessions(ctx)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	hasArchived := b.hasArchived || anyArchived
	b.mu.Unlock()
	return map[string]any{
		"system":              b.systemInfo(),
		"sessions":            sessions,
		"hasArchivedSessions": hasArchived,
		"version":             b.hub.ChannelVersion(hub.GlobalChannel),
		"timestamp":           timefmt.Format(time.Now()),
	}, nil
}

func (b *Broadcaster) handleSystem(context.Context, json.RawMessage) (any, error) {
	return b.systemInfo(), nil
}

func (b *Broadcaster) systemInfo() SystemInfo {
	authState := "unauthenticated"
	for _, p := range provider.List() {
		if p.IsAvailable() {
			authState = "authenticated"
			break
		}
	}
	return SystemInfo{
		Version:      b.daemonVersion,
		DefaultModel: b.defaultModel,
		AuthState:    authState,
		Health:       "ok",
	}
}

func (b *Broadcaster) handleSessions(ctx context.Context, _ json.RawMessage) (any, error) {
	sessions, _, err := b.visibleSessions(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"sessions": sessions,
		"version":  b.hub.ChannelVersion(hub.GlobalChannel),
	}, nil
}

// visibleSessions applies the showArchived filter and reports whether
// any archived session exists at all.
func (b *Broadcaster) visibleSessions(ctx context.Context) ([]*db.Session, bool, error) {
	all, err := b.store.ListSessions(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("list sessions: %w", err)
	}
	anyArchived := false
	for _, s := range all {
		if s.Status == db.SessionArchived {
			anyArchived = true
			break
		}
	}
	if b.ShowArchived() {
		return all, anyArchived, nil
	}
	visible := make([]*db.Session, 0, len(all))
	for _, s := range all {
		if s.Status != db.SessionArchived {
			visible = append(visible, s)
		}
	}
	return visible, anyArchived, nil
}

type sessionRef struct {
	SessionID string `json:"sessionId"`
}

func (b *Broadcaster) handleSessionUnified(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[sessionRef](data)
	if err != nil {
		return nil, err
	}
	state, err := b.unifiedState(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (b *Broadcaster) unifiedState(ctx context.Context, sessionID string) (*UnifiedState, error) {
	record, err := b.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, errors.New(errSessionNotFound)
	}
	state := &UnifiedState{
		SessionInfo: record,
		AgentState:  session.Idle(),
		Timestamp:   timefmt.Format(time.Now()),
	}
	if agent, ok := b.cache.Get(sessionID); ok {
		state.AgentState = agent.ProcessingState()
		info := agent.ContextInfo()
		state.ContextInfo = &info
		if rc := record.Metadata.RecoveryContext; rc != nil {
			state.Error = rc.LastError
		}
	}
	return state, nil
}

func (b *Broadcaster) handleSDKMessages(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[sessionRef](data)
	if err != nil {
		return nil, err
	}
	if _, err := b.store.GetSession(ctx, req.SessionID); err != nil {
		return nil, errors.New(errSessionNotFound)
	}
	msgs, err := b.store.ListSDKMessages(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"sessionId": req.SessionID,
		"messages":  msgs,
		"version":   b.hub.ChannelVersion(hub.SessionChannel(req.SessionID)),
	}, nil
}

// BroadcastSessionStateChange publishes the unified state on the
// session channel. Unknown ids are a silent no-op.
func (b *Broadcaster) BroadcastSessionStateChange(ctx context.Context, sessionID string) {
	state, err := b.unifiedState(ctx, sessionID)
	if err != nil {
		return
	}
	b.hub.Publish("state.session", state, sessionID)
}

// SessionAdded publishes an added delta on the sessions list.
func (b *Broadcaster) SessionAdded(sess *db.Session) {
	b.publishDelta(Delta{Added: []*db.Session{sess}})
}

// SessionUpdated publishes an updated delta on the sessions list.
func (b *Broadcaster) SessionUpdated(sess *db.Session) {
	b.publishDelta(Delta{Updated: []*db.Session{sess}})
}

// SessionRemoved publishes a removed delta on the sessions list.
func (b *Broadcaster) SessionRemoved(sessionID string) {
	b.publishDelta(Delta{Removed: []string{sessionID}})
}

// SessionArchived publishes the archive delta: removal when archived
// sessions are hidden, an update otherwise. The first archive flips the
// hasArchivedSessions flag.
func (b *Broadcaster) SessionArchived(sess *db.Session) {
	b.mu.Lock()
	b.hasArchived = true
	show := b.showArchived
	b.mu.Unlock()

	if show {
		b.publishDelta(Delta{Updated: []*db.Session{sess}})
	} else {
		b.publishDelta(Delta{Removed: []string{sess.ID}})
	}
}

// publishDelta stamps the payload with the version the hub will assign
// to it. Held under mu so the read-then-publish pair stays atomic with
// respect to other broadcaster deltas.
func (b *Broadcaster) publishDelta(d Delta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d.Timestamp = timefmt.Format(time.Now())
	d.Version = b.hub.ChannelVersion(hub.GlobalChannel) + 1
	b.hub.Event("global.sessions.delta", d)
}
