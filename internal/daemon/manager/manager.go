// Package manager orchestrates session lifecycle: creation, cached
// lookup, updates, archival and deletion, plus the RPC surface that
// exposes all of it on the hub. It owns the daemon-wide cleanup barrier
// that background work checks before touching shared state.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kaihq/kai/internal/daemon/broadcast"
	"github.com/kaihq/kai/internal/daemon/db"
	"github.com/kaihq/kai/internal/daemon/hub"
	"github.com/kaihq/kai/internal/daemon/id"
	"github.com/kaihq/kai/internal/daemon/memory"
	"github.com/kaihq/kai/internal/daemon/query"
	"github.com/kaihq/kai/internal/daemon/rewind"
	"github.com/kaihq/kai/internal/daemon/session"
	"github.com/kaihq/kai/internal/daemon/timeout"
	"github.com/kaihq/kai/internal/daemon/worktree"
	"github.com/kaihq/kai/internal/util/sanitize"
	"github.com/kaihq/kai/internal/util/timefmt"
)

// Error literals surfaced verbatim to clients.
var (
	ErrSessionNotFound = errors.New("Session not found")
	ErrManagerClosed   = errors.New("Manager is shut down")
)

const titleMaxLen = 50

// WorktreeOps is the narrow Git collaborator surface the manager needs.
type WorktreeOps interface {
	Create(ctx context.Context, repoRoot, sessionID, base string) (*db.WorktreeInfo, error)
	Status(ctx context.Context, info *db.WorktreeInfo) (*worktree.CommitStatus, error)
	Remove(ctx context.Context, info *db.WorktreeInfo) error
	Cleanup(ctx context.Context, workspacePath string) ([]string, error)
}

// Deps carries the manager's collaborators.
type Deps struct {
	Store       *db.Store
	Hub         *hub.Hub
	Cache       *session.Cache
	Broadcaster *broadcast.Broadcaster
	Transport   query.Transport
	Timeouts    *timeout.Config
	Memory      *memory.Service
	Worktrees   WorktreeOps

	// SDKDataDir is where the transport keeps transcript files.
	SDKDataDir string

	DefaultPermissionMode db.PermissionMode
}

type cleanupState int

const (
	cleanupIdle cleanupState = iota
	cleanupCleaning
	cleanupCleaned
)

// Manager is the session orchestrator.
type Manager struct {
	deps   Deps
	engine *rewind.Engine
	errors *session.ErrorManager

	// Background work (title generation) runs under bgCtx so the
	// cleanup barrier can cancel it.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup

	mu      sync.Mutex
	state   cleanupState
	cleaned chan struct{}

	// loadMu serializes cache misses so one record never becomes two
	// agent sessions.
	loadMu sync.Mutex
}

// New wires a manager.
func New(deps Deps) *Manager {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Manager{
		deps:     deps,
		engine:   rewind.NewEngine(deps.Store, deps.Hub, deps.Timeouts),
		errors:   session.NewErrorManager(deps.Store, deps.Hub),
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
		cleaned:  make(chan struct{}),
	}
}

// Closed reports whether the cleanup barrier is up.
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != cleanupIdle
}

// Cleanup runs the shutdown sequence exactly once; concurrent callers
// block until the first run finishes. After it returns, creation and
// background work are rejected.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	switch m.state {
	case cleanupCleaned:
		m.mu.Unlock()
		return
	case cleanupCleaning:
		done := m.cleaned
		m.mu.Unlock()
		<-done
		return
	}
	m.state = cleanupCleaning
	m.mu.Unlock()

	m.bgCancel()
	m.bg.Wait()
	m.deps.Cache.Cleanup()

	m.mu.Lock()
	m.state = cleanupCleaned
	close(m.cleaned)
	m.mu.Unlock()
}

// CreateInput is the session.create request.
type CreateInput struct {
	WorkspacePath      string            `json:"workspacePath"`
	Title              string            `json:"title,omitempty"`
	Config             *db.SessionConfig `json:"config,omitempty"`
	InitialTools       []string          `json:"initialTools,omitempty"`
	WorktreeBaseBranch string            `json:"worktreeBaseBranch,omitempty"`
}

// Create allocates a session, applies the sandbox defaults, persists it
// and warms the cache.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*db.Session, error) {
	if m.Closed() {
		return nil, ErrManagerClosed
	}
	if in.WorkspacePath == "" {
		return nil, errors.New("workspacePath is required")
	}

	cfg := db.SessionConfig{}
	if in.Config != nil {
		cfg = *in.Config
	}
	if cfg.Sandbox == nil {
		cfg.Sandbox = db.DefaultSandbox()
	}
	// The model choice is part of the persisted config from the start,
	// not resolved lazily, so create replies carry it.
	if cfg.Model == "" {
		cfg.Model = "default"
	}
	if len(cfg.AllowedTools) == 0 && len(in.InitialTools) > 0 {
		cfg.AllowedTools = in.InitialTools
	}

	now := time.Now()
	record := &db.Session{
		ID:            id.Session(),
		Title:         in.Title,
		WorkspacePath: in.WorkspacePath,
		Status:        db.SessionActive,
		Config:        cfg,
		CreatedAt:     now,
		LastActiveAt:  now,
	}

	if in.WorktreeBaseBranch != "" {
		if m.deps.Worktrees == nil {
			return nil, errors.New("worktree support is not configured")
		}
		info, err := m.deps.Worktrees.Create(ctx, in.WorkspacePath, record.ID, in.WorktreeBaseBranch)
		if err != nil {
			return nil, fmt.Errorf("create worktree: %w", err)
		}
		record.Metadata.Worktree = info
	}

	if err := m.deps.Store.CreateSession(ctx, record); err != nil {
		return nil, err
	}

	agent, err := m.construct(ctx, record)
	if err != nil {
		return nil, err
	}
	if err := m.deps.Cache.Set(record.ID, agent); err != nil {
		return nil, err
	}

	m.deps.Broadcaster.SessionAdded(record)
	slog.Info("session created", "session_id", record.ID, "workspace", record.WorkspacePath)
	return record, nil
}

func (m *Manager) construct(ctx context.Context, record *db.Session) (*session.AgentSession, error) {
	return session.New(ctx, record, session.Deps{
		Store:                 m.deps.Store,
		Hub:                   m.deps.Hub,
		Transport:             m.deps.Transport,
		Timeouts:              m.deps.Timeouts,
		Engine:                m.engine,
		Errors:                m.errors,
		DefaultPermissionMode: m.deps.DefaultPermissionMode,
	})
}

// Get returns the cached agent session, constructing one from the
// store on a miss.
func (m *Manager) Get(ctx context.Context, sessionID string) (*session.AgentSession, error) {
	if agent, ok := m.deps.Cache.Get(sessionID); ok {
		return agent, nil
	}
	if m.Closed() {
		return nil, ErrManagerClosed
	}

	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	if agent, ok := m.deps.Cache.Get(sessionID); ok {
		return agent, nil
	}

	record, err := m.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	agent, err := m.construct(ctx, record)
	if err != nil {
		return nil, err
	}
	if err := m.deps.Cache.Set(sessionID, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// List returns every session record.
func (m *Manager) List(ctx context.Context) ([]*db.Session, error) {
	return m.deps.Store.ListSessions(ctx)
}

// UpdatePatch is the mutable subset of a session record. Nil fields are
// left alone.
type UpdatePatch struct {
	Title         *string           `json:"title,omitempty"`
	WorkspacePath *string           `json:"workspacePath,omitempty"`
	Config        *db.SessionConfig `json:"config,omitempty"`
	InputDraft    *string           `json:"inputDraft,omitempty"`
}

func (p UpdatePatch) apply(sess *db.Session) {
	if p.Title != nil {
		sess.Title = *p.Title
	}
	if p.WorkspacePath != nil {
		sess.WorkspacePath = *p.WorkspacePath
	}
	if p.Config != nil {
		sess.Config = *p.Config
	}
	if p.InputDraft != nil {
		sess.Metadata.InputDraft = *p.InputDraft
	}
}

// Update writes a patch through the cached agent (or the store when the
// session is cold) and broadcasts it.
func (m *Manager) Update(ctx context.Context, sessionID string, patch UpdatePatch) (*db.Session, error) {
	agent, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := agent.UpdateRecord(ctx, patch.apply); err != nil {
		return nil, err
	}
	snap := agent.SessionData()

	m.deps.Hub.Publish("session.updated", map[string]any{
		"sessionId": sessionID,
		"patch":     patch,
		"source":    "update",
	}, sessionID)
	m.deps.Broadcaster.SessionUpdated(&snap)
	return &snap, nil
}

// Delete removes a session everywhere: announcement first, then cache
// teardown, then the rows.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if _, err := m.deps.Store.GetSession(ctx, sessionID); err != nil {
		return ErrSessionNotFound
	}

	m.deps.Hub.Publish("session.deleted", map[string]any{"sessionId": sessionID}, sessionID)
	m.deps.Cache.Remove(sessionID)
	if err := m.deps.Store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	m.deps.Broadcaster.SessionRemoved(sessionID)
	slog.Info("session deleted", "session_id", sessionID)
	return nil
}

// ArchiveResult is the session.archive reply.
type ArchiveResult struct {
	Success              bool                   `json:"success"`
	RequiresConfirmation bool                   `json:"requiresConfirmation,omitempty"`
	CommitStatus         *worktree.CommitStatus `json:"commitStatus,omitempty"`
}

// Archive retires a session. A worktree holding unsaved work requires
// explicit confirmation before it is destroyed with the archive.
func (m *Manager) Archive(ctx context.Context, sessionID string, confirmed bool) (ArchiveResult, error) {
	record, err := m.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return ArchiveResult{}, ErrSessionNotFound
	}

	if wt := record.Metadata.Worktree; wt != nil && m.deps.Worktrees != nil {
		status, statusErr := m.deps.Worktrees.Status(ctx, wt)
		if statusErr == nil && (status.Dirty || status.CommitsAhead > 0) && !confirmed {
			return ArchiveResult{RequiresConfirmation: true, CommitStatus: status}, nil
		}
		if statusErr == nil {
			if err := m.deps.Worktrees.Remove(ctx, wt); err != nil {
				slog.Warn("remove worktree on archive", "session_id", sessionID, "error", err)
			}
		}
	}

	apply := func(sess *db.Session) {
		sess.Status = db.SessionArchived
		sess.Metadata.ArchivedAt = timefmt.Format(time.Now())
		sess.Metadata.Worktree = nil
	}
	if agent, ok := m.deps.Cache.Get(sessionID); ok {
		err = agent.UpdateRecord(ctx, apply)
	} else {
		apply(record)
		err = m.deps.Store.UpdateSession(ctx, record)
	}
	if err != nil {
		return ArchiveResult{}, err
	}

	m.deps.Cache.Remove(sessionID)
	snap, err := m.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return ArchiveResult{}, err
	}
	m.deps.Hub.Publish("session.updated", map[string]any{
		"sessionId": sessionID,
		"patch":     map[string]any{"status": db.SessionArchived},
		"source":    "archive",
	}, sessionID)
	m.deps.Broadcaster.SessionArchived(snap)
	slog.Info("session archived", "session_id", sessionID)
	return ArchiveResult{Success: true}, nil
}

// SetWorktreeMode completes the worktree-or-direct choice for a
// session.
func (m *Manager) SetWorktreeMode(ctx context.Context, sessionID, mode string) (*db.Session, error) {
	if sessionID == "" || mode == "" {
		return nil, errors.New("Missing required fields: sessionId and mode")
	}
	if mode != "worktree" && mode != "direct" {
		return nil, fmt.Errorf("Invalid mode: %s. Must be 'worktree' or 'direct'", mode)
	}

	agent, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	record := agent.SessionData()

	var info *db.WorktreeInfo
	switch mode {
	case "worktree":
		if record.Metadata.Worktree != nil {
			info = record.Metadata.Worktree
			break
		}
		if m.deps.Worktrees == nil {
			return nil, errors.New("worktree support is not configured")
		}
		info, err = m.deps.Worktrees.Create(ctx, record.WorkspacePath, sessionID, "")
		if err != nil {
			return nil, fmt.Errorf("create worktree: %w", err)
		}
	case "direct":
		if wt := record.Metadata.Worktree; wt != nil && m.deps.Worktrees != nil {
			if err := m.deps.Worktrees.Remove(ctx, wt); err != nil {
				slog.Warn("remove worktree", "session_id", sessionID, "error", err)
			}
		}
	}

	if err := agent.UpdateRecord(ctx, func(sess *db.Session) {
		sess.Metadata.Worktree = info
	}); err != nil {
		return nil, err
	}
	snap := agent.SessionData()

	m.deps.Hub.Publish("session.updated", map[string]any{
		"sessionId": sessionID,
		"patch":     map[string]any{"worktreeMode": mode},
		"source":    "worktree-mode",
	}, sessionID)
	m.deps.Broadcaster.SessionUpdated(&snap)
	return &snap, nil
}

// maybeGenerateTitle derives a session title from its first message.
// Runs in the background; the cleanup barrier cancels it.
func (m *Manager) maybeGenerateTitle(sessionID, content string) {
	if m.Closed() {
		return
	}
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ctx := m.bgCtx
		if ctx.Err() != nil {
			return
		}

		agent, err := m.Get(ctx, sessionID)
		if err != nil {
			return
		}
		record := agent.SessionData()
		if record.Metadata.TitleGenerated || record.Title != "" {
			return
		}
		title := sanitize.Title(content, titleMaxLen)
		if title == "" {
			return
		}

		if err := agent.UpdateRecord(ctx, func(sess *db.Session) {
			sess.Title = title
			sess.Metadata.TitleGenerated = true
		}); err != nil {
			slog.Warn("persist generated title", "session_id", sessionID, "error", err)
			return
		}
		snap := agent.SessionData()
		m.deps.Hub.Publish("session.updated", map[string]any{
			"sessionId": sessionID,
			"patch":     map[string]any{"title": title},
			"source":    "title-generation",
		}, sessionID)
		m.deps.Broadcaster.SessionUpdated(&snap)
	}()
}
