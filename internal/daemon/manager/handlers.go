package manager

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaihq/kai/internal/daemon/db"
	"github.com/kaihq/kai/internal/daemon/files"
	"github.com/kaihq/kai/internal/daemon/hub"
	"github.com/kaihq/kai/internal/daemon/memory"
	"github.com/kaihq/kai/internal/daemon/provider"
	"github.com/kaihq/kai/internal/daemon/rewind"
	"github.com/kaihq/kai/internal/daemon/sdkfiles"
	"github.com/kaihq/kai/internal/daemon/session"
)

// sessionArg is the common single-session request shape.
type sessionArg struct {
	SessionID string `json:"sessionId"`
}

// RegisterHandlers installs the full RPC surface on the hub.
func (m *Manager) RegisterHandlers() {
	h := m.deps.Hub

	h.OnRequest("session.create", m.handleSessionCreate)
	h.OnRequest("session.list", m.handleSessionList)
	h.OnRequest("session.get", m.handleSessionGet)
	h.OnRequest("session.validate", m.handleSessionValidate)
	h.OnRequest("session.update", m.handleSessionUpdate)
	h.OnRequest("session.delete", m.handleSessionDelete)
	h.OnRequest("session.archive", m.handleSessionArchive)
	h.OnRequest("session.setWorktreeMode", m.handleSetWorktreeMode)

	h.OnRequest("message.send", m.handleMessageSend)
	h.OnRequest("client.interrupt", m.handleInterrupt)

	h.OnRequest("session.model.get", m.handleModelGet)
	h.OnRequest("session.model.switch", m.handleModelSwitch)
	h.OnRequest("session.thinking.set", m.handleThinkingSet)
	h.OnRequest("session.coordinator.switch", m.handleCoordinatorSwitch)
	h.OnRequest("session.resetQuery", m.handleResetQuery)
	h.OnRequest("session.query.trigger", m.handleQueryTrigger)
	h.OnRequest("session.messages.countByStatus", m.handleCountByStatus)

	h.OnRequest("models.list", m.handleModelsList)
	h.OnRequest("models.clearCache", m.handleModelsClearCache)
	h.OnRequest("agent.getState", m.handleAgentGetState)

	h.OnRequest("worktree.cleanup", m.handleWorktreeCleanup)
	h.OnRequest("sdk.scan", m.handleSDKScan)
	h.OnRequest("sdk.cleanup", m.handleSDKCleanup)

	h.OnRequest("file.read", m.handleFileRead)
	h.OnRequest("file.list", m.handleFileList)
	h.OnRequest("file.tree", m.handleFileTree)

	h.OnRequest("memory.add", m.handleMemoryAdd)
	h.OnRequest("memory.list", m.handleMemoryList)
	h.OnRequest("memory.search", m.handleMemorySearch)
	h.OnRequest("memory.recall", m.handleMemoryRecall)
	h.OnRequest("memory.delete", m.handleMemoryDelete)

	h.OnRequest("rewind.checkpoints", m.handleRewindCheckpoints)
	h.OnRequest("rewind.preview", m.handleRewindPreview)
	h.OnRequest("rewind.execute", m.handleRewindExecute)
	h.OnRequest("rewind.previewSelective", m.handleRewindPreviewSelective)
	h.OnRequest("rewind.executeSelective", m.handleRewindExecuteSelective)
}

// agentFor resolves a request's agent session.
func (m *Manager) agentFor(ctx context.Context, data json.RawMessage) (*session.AgentSession, string, error) {
	req, err := hub.Decode[sessionArg](data)
	if err != nil {
		return nil, "", err
	}
	if req.SessionID == "" {
		return nil, "", ErrSessionNotFound
	}
	agent, err := m.Get(ctx, req.SessionID)
	if err != nil {
		return nil, "", err
	}
	return agent, req.SessionID, nil
}

// --- Session lifecycle ---

func (m *Manager) handleSessionCreate(ctx context.Context, data json.RawMessage) (any, error) {
	in, err := hub.Decode[CreateInput](data)
	if err != nil {
		return nil, err
	}
	record, err := m.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": record.ID, "session": record}, nil
}

func (m *Manager) handleSessionList(ctx context.Context, _ json.RawMessage) (any, error) {
	sessions, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessions": sessions}, nil
}

func (m *Manager) handleSessionGet(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[sessionArg](data)
	if err != nil {
		return nil, err
	}
	record, err := m.deps.Store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	reply := map[string]any{"session": record}
	if agent, ok := m.deps.Cache.Get(req.SessionID); ok {
		reply["contextInfo"] = agent.ContextInfo()
	}
	return reply, nil
}

func (m *Manager) handleSessionValidate(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[sessionArg](data)
	if err != nil {
		return nil, err
	}
	if _, err := m.deps.Store.GetSession(ctx, req.SessionID); err != nil {
		return map[string]any{"valid": false, "error": ErrSessionNotFound.Error()}, nil
	}
	return map[string]any{"valid": true}, nil
}

func (m *Manager) handleSessionUpdate(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[struct {
		sessionArg
		UpdatePatch
	}](data)
	if err != nil {
		return nil, err
	}
	record, err := m.Update(ctx, req.SessionID, req.UpdatePatch)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "session": record}, nil
}

func (m *Manager) handleSessionDelete(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[sessionArg](data)
	if err != nil {
		return nil, err
	}
	if err := m.Delete(ctx, req.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func (m *Manager) handleSessionArchive(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[struct {
		sessionArg
		Confirmed bool `json:"confirmed"`
	}](data)
	if err != nil {
		return nil, err
	}
	return m.Archive(ctx, req.SessionID, req.Confirmed)
}

func (m *Manager) handleSetWorktreeMode(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[struct {
		sessionArg
		Mode string `json:"mode"`
	}](data)
	if err != nil {
		return nil, err
	}
	record, err := m.SetWorktreeMode(ctx, req.SessionID, req.Mode)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "session": record}, nil
}

// --- Messaging ---

func (m *Manager) handleMessageSend(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[struct {
		sessionArg
		Content string `json:"content"`
	}](data)
	if err != nil {
		return nil, err
	}
	agent, err := m.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	messageID, err := agent.HandleMessageSend(ctx, req.Content)
	if err != nil {
		return nil, err
	}
	m.maybeGenerateTitle(req.SessionID, req.Content)
	return map[string]any{"messageId": messageID}, nil
}

func (m *Manager) handleInterrupt(ctx context.Context, data json.RawMessage) (any, error) {
	agent, sessionID, err := m.agentFor(ctx, data)
	if err != nil {
		return nil, err
	}
	m.deps.Hub.Publish("agent.interruptRequest", map[string]any{"sessionId": sessionID}, sessionID)
	if err := agent.HandleInterrupt(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"accepted": true}, nil
}

// --- Model and query control ---

func (m *Manager) handleModelGet(ctx context.Context, data json.RawMessage) (any, error) {
	agent, _, err := m.agentFor(ctx, data)
	if err != nil {
		return nil, err
	}
	current := agent.CurrentModel()
	reply := map[string]any{"currentModel": current}
	if p := provider.DetectProvider(current); p != nil {
		canonical := provider.SDKModelID(p, current)
		for _, info := range p.GetModels() {
			if info.ID == canonical {
				reply["modelInfo"] = info
				break
			}
		}
	}
	return reply, nil
}

func (m *Manager) handleModelSwitch(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[struct {
		sessionArg
		Model string `json:"model"`
	}](data)
	if err != nil {
		return nil, err
	}
	agent, err := m.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	return agent.HandleModelSwitch(ctx, req.Model), nil
}

func (m *Manager) handleThinkingSet(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[struct {
		sessionArg
		Level string `json:"level"`
	}](data)
	if err != nil {
		return nil, err
	}
	agent, err := m.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := agent.SetThinkingLevel(ctx, req.Level); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "level": session.ValidThinkingLevel(req.Level)}, nil
}

func (m *Manager) handleCoordinatorSwitch(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[struct {
		sessionArg
		CoordinatorMode bool `json:"coordinatorMode"`
	}](data)
	if err != nil {
		return nil, err
	}
	agent, err := m.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	changed, err := agent.SetCoordinatorMode(ctx, req.CoordinatorMode)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "changed": changed}, nil
}

func (m *Manager) handleResetQuery(ctx context.Context, data json.RawMessage) (any, error) {
	agent, _, err := m.agentFor(ctx, data)
	if err != nil {
		return nil, err
	}
	if err := agent.ResetQuery(ctx, false); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func (m *Manager) handleQueryTrigger(ctx context.Context, data json.RawMessage) (any, error) {
	agent, _, err := m.agentFor(ctx, data)
	if err != nil {
		return nil, err
	}
	count, err := agent.HandleQueryTrigger(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "messageCount": count}, nil
}

func (m *Manager) handleCountByStatus(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[struct {
		sessionArg
		Status db.UserMessageStatus `json:"status"`
	}](data)
	if err != nil {
		return nil, err
	}
	if _, err := m.deps.Store.GetSession(ctx, req.SessionID); err != nil {
		return nil, ErrSessionNotFound
	}
	count, err := m.deps.Store.CountUserMessagesByStatus(ctx, req.SessionID, req.Status)
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": count}, nil
}

func (m *Manager) handleModelsList(context.Context, json.RawMessage) (any, error) {
	return map[string]any{"models": provider.ListModels()}, nil
}

func (m *Manager) handleModelsClearCache(context.Context, json.RawMessage) (any, error) {
	provider.ClearModelsCache()
	return map[string]any{"success": true}, nil
}

func (m *Manager) handleAgentGetState(ctx context.Context, data json.RawMessage) (any, error) {
	agent, _, err := m.agentFor(ctx, data)
	if err != nil {
		return nil, err
	}
	return map[string]any{"state": agent.ProcessingState()}, nil
}

// --- Maintenance ---

func (m *Manager) handleWorktreeCleanup(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[struct {
		WorkspacePath string `json:"workspacePath"`
	}](data)
	if err != nil {
		return nil, err
	}
	if m.deps.Worktrees == nil {
		return nil, fmt.Errorf("worktree support is not configured")
	}
	cleaned, err := m.deps.Worktrees.Cleanup(ctx, req.WorkspacePath)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"cleanedPaths": cleaned,
		"message":      fmt.Sprintf("removed %d orphaned worktrees", len(cleaned)),
	}, nil
}

func (m *Manager) handleSDKScan(context.Context, json.RawMessage) (any, error) {
	found, err := sdkfiles.Scan(m.deps.SDKDataDir)
	if err != nil {
		return nil, err
	}
	return map[string]any{"files": found}, nil
}

func (m *Manager) handleSDKCleanup(ctx context.Context, _ json.RawMessage) (any, error) {
	sessions, err := m.deps.Store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		if s.SDKSessionID != "" {
			known[s.SDKSessionID] = true
		}
	}
	removed, err := sdkfiles.Cleanup(m.deps.SDKDataDir, known)
	if err != nil {
		return nil, err
	}
	return map[string]any{"removed": removed}, nil
}

// --- Files (session-scoped) ---

// workspaceFor maps a session id to its workspace root.
func (m *Manager) workspaceFor(ctx context.Context, sessionID string) (string, error) {
	record, err := m.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return "", ErrSessionNotFound
	}
	return record.WorkspacePath, nil
}

func (m *Manager) handleFileRead(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[struct {
		sessionArg
		Path   string `json:"path"`
		Offset int64  `json:"offset"`
		Limit  int64  `json:"limit"`
	}](data)
	if err != nil {
		return nil, err
	}
	root, err := m.workspaceFor(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	content, size, err := files.Read(root, req.Path, req.Offset, req.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"content": string(content), "size": size}, nil
}

func (m *Manager) handleFileList(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[struct {
		sessionArg
		Path       string `json:"path"`
		MergeDepth int    `json:"mergeDepth"`
	}](data)
	if err != nil {
		return nil, err
	}
	root, err := m.workspaceFor(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	entries, err := files.List(root, req.Path, req.MergeDepth)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}

func (m *Manager) handleFileTree(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[struct {
		sessionArg
		Path  string `json:"path"`
		Depth int    `json:"depth"`
	}](data)
	if err != nil {
		return nil, err
	}
	root, err := m.workspaceFor(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if req.Depth <= 0 {
		req.Depth = 3
	}
	tree, err := files.Tree(root, req.Path, req.Depth)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tree": tree}, nil
}

// --- Memory ---

func (m *Manager) handleMemoryAdd(ctx context.Context, data json.RawMessage) (any, error) {
	in, err := hub.Decode[memory.AddInput](data)
	if err != nil {
		return nil, err
	}
	mem, err := m.deps.Memory.Add(ctx, in)
	if err != nil {
		return nil, err
	}
	return map[string]any{"memory": mem}, nil
}

func (m *Manager) handleMemoryList(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[struct {
		RoomID string        `json:"roomId"`
		Type   db.MemoryType `json:"type"`
	}](data)
	if err != nil {
		return nil, err
	}
	memories, err := m.deps.Memory.List(ctx, req.RoomID, req.Type)
	if err != nil {
		return nil, err
	}
	return map[string]any{"memories": memories}, nil
}

func (m *Manager) handleMemorySearch(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[struct {
		RoomID string `json:"roomId"`
		Query  string `json:"query"`
	}](data)
	if err != nil {
		return nil, err
	}
	memories, err := m.deps.Memory.Search(ctx, req.RoomID, req.Query)
	if err != nil {
		return nil, err
	}
	return map[string]any{"memories": memories}, nil
}

func (m *Manager) handleMemoryRecall(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[struct {
		RoomID string          `json:"roomId"`
		Filter db.MemoryFilter `json:"filter"`
	}](data)
	if err != nil {
		return nil, err
	}
	memories, err := m.deps.Memory.Recall(ctx, req.RoomID, req.Filter)
	if err != nil {
		return nil, err
	}
	return map[string]any{"memories": memories}, nil
}

func (m *Manager) handleMemoryDelete(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[struct {
		RoomID   string `json:"roomId"`
		MemoryID string `json:"memoryId"`
	}](data)
	if err != nil {
		return nil, err
	}
	deleted, err := m.deps.Memory.Delete(ctx, req.RoomID, req.MemoryID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": deleted}, nil
}

// --- Rewind ---

func (m *Manager) handleRewindCheckpoints(ctx context.Context, data json.RawMessage) (any, error) {
	agent, _, err := m.agentFor(ctx, data)
	if err != nil {
		return nil, err
	}
	checkpoints, err := agent.GetRewindPoints(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"checkpoints": checkpoints}, nil
}

func (m *Manager) handleRewindPreview(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[struct {
		sessionArg
		CheckpointID string `json:"checkpointId"`
	}](data)
	if err != nil {
		return nil, err
	}
	agent, err := m.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	return agent.PreviewRewind(ctx, req.CheckpointID), nil
}

func (m *Manager) handleRewindExecute(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[struct {
		sessionArg
		CheckpointID string      `json:"checkpointId"`
		Mode         rewind.Mode `json:"mode"`
	}](data)
	if err != nil {
		return nil, err
	}
	agent, err := m.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	return agent.ExecuteRewind(ctx, req.CheckpointID, req.Mode), nil
}

func (m *Manager) handleRewindPreviewSelective(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[struct {
		sessionArg
		MessageIDs []string `json:"messageIds"`
	}](data)
	if err != nil {
		return nil, err
	}
	agent, err := m.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	return agent.PreviewSelectiveRewind(ctx, req.MessageIDs), nil
}

func (m *Manager) handleRewindExecuteSelective(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[struct {
		sessionArg
		MessageIDs []string `json:"messageIds"`
	}](data)
	if err != nil {
		return nil, err
	}
	agent, err := m.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	return agent.ExecuteSelectiveRewind(ctx, req.MessageIDs), nil
}
