package manager

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaihq/kai/internal/daemon/db"
	"github.com/kaihq/kai/internal/daemon/memory"
	"github.com/kaihq/kai/internal/daemon/rewind"
	"github.com/kaihq/kai/internal/daemon/session"
)

// request round-trips a reply through JSON into a map, the way a
// gateway client sees it.
func request(t *testing.T, f *fixture, method string, data any) map[string]any {
	t.Helper()
	reply, err := f.hub.Request(context.Background(), method, data)
	require.NoError(t, err)
	raw, err := json.Marshal(reply)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestRPC_SessionLifecycle(t *testing.T) {
	f := newFixture(t)

	created := request(t, f, "session.create", CreateInput{WorkspacePath: t.TempDir(), Title: "t"})
	sessionID, ok := created["sessionId"].(string)
	require.True(t, ok)
	require.NotEmpty(t, sessionID)

	// The reply's config names the model even when the caller left it
	// unset; clients must not need a second call to learn it.
	createdCfg := created["session"].(map[string]any)["config"].(map[string]any)
	assert.Equal(t, "default", createdCfg["model"])

	listed := request(t, f, "session.list", nil)
	assert.Len(t, listed["sessions"], 1)

	got := request(t, f, "session.get", sessionArg{SessionID: sessionID})
	sess := got["session"].(map[string]any)
	assert.Equal(t, sessionID, sess["id"])
	assert.Contains(t, got, "contextInfo", "cached session includes context info")

	valid := request(t, f, "session.validate", sessionArg{SessionID: sessionID})
	assert.Equal(t, true, valid["valid"])
	invalid := request(t, f, "session.validate", sessionArg{SessionID: "ghost"})
	assert.Equal(t, false, invalid["valid"])
	assert.Equal(t, "Session not found", invalid["error"])

	updated := request(t, f, "session.update", map[string]any{"sessionId": sessionID, "title": "renamed"})
	assert.Equal(t, true, updated["success"])

	deleted := request(t, f, "session.delete", sessionArg{SessionID: sessionID})
	assert.Equal(t, true, deleted["success"])

	_, err := f.hub.Request(context.Background(), "session.get", sessionArg{SessionID: sessionID})
	assert.EqualError(t, err, "Session not found")
}

func TestRPC_MessageSendAndState(t *testing.T) {
	f := newFixture(t)
	record := f.create(t, CreateInput{})

	sent := request(t, f, "message.send", map[string]any{"sessionId": record.ID, "content": "hello"})
	assert.NotEmpty(t, sent["messageId"])

	state := request(t, f, "agent.getState", sessionArg{SessionID: record.ID})
	inner := state["state"].(map[string]any)
	assert.Equal(t, string(session.StatusProcessing), inner["status"])

	counts := request(t, f, "session.messages.countByStatus", map[string]any{
		"sessionId": record.ID,
		"status":    string(db.UserMessageSent),
	})
	assert.Equal(t, float64(1), counts["count"])

	accepted := request(t, f, "client.interrupt", sessionArg{SessionID: record.ID})
	assert.Equal(t, true, accepted["accepted"])

	_, err := f.hub.Request(context.Background(), "message.send", map[string]any{"sessionId": "ghost", "content": "x"})
	assert.EqualError(t, err, "Session not found")
}

func TestRPC_ModelSurface(t *testing.T) {
	f := newFixture(t)
	record := f.create(t, CreateInput{Config: &db.SessionConfig{Model: "a-1"}})

	got := request(t, f, "session.model.get", sessionArg{SessionID: record.ID})
	assert.Equal(t, "a-1", got["currentModel"])
	info := got["modelInfo"].(map[string]any)
	assert.Equal(t, "alpha", info["provider"])

	switched := request(t, f, "session.model.switch", map[string]any{"sessionId": record.ID, "model": "a-2"})
	assert.Equal(t, true, switched["success"])

	rejected := request(t, f, "session.model.switch", map[string]any{"sessionId": record.ID, "model": "nope-1"})
	assert.Equal(t, false, rejected["success"])
	assert.Equal(t, "Invalid model: nope-1", rejected["error"])

	models := request(t, f, "models.list", nil)
	assert.NotEmpty(t, models["models"])
	cleared := request(t, f, "models.clearCache", nil)
	assert.Equal(t, true, cleared["success"])
}

func TestRPC_ThinkingAndCoordinator(t *testing.T) {
	f := newFixture(t)
	record := f.create(t, CreateInput{})

	set := request(t, f, "session.thinking.set", map[string]any{"sessionId": record.ID, "level": "bogus"})
	assert.Equal(t, "auto", set["level"], "invalid levels fall back to auto")

	coord := request(t, f, "session.coordinator.switch", map[string]any{"sessionId": record.ID, "coordinatorMode": true})
	assert.Equal(t, true, coord["changed"])
	coord = request(t, f, "session.coordinator.switch", map[string]any{"sessionId": record.ID, "coordinatorMode": true})
	assert.Equal(t, false, coord["changed"], "unchanged mode is a no-op")

	reset := request(t, f, "session.resetQuery", sessionArg{SessionID: record.ID})
	assert.Equal(t, true, reset["success"])

	trigger := request(t, f, "session.query.trigger", sessionArg{SessionID: record.ID})
	assert.Equal(t, true, trigger["success"])
	assert.Equal(t, float64(0), trigger["messageCount"])
}

func TestRPC_WorktreeAndSDKMaintenance(t *testing.T) {
	f := newFixture(t)

	cleaned := request(t, f, "worktree.cleanup", map[string]any{"workspacePath": "/repo"})
	assert.Len(t, cleaned["cleanedPaths"], 1)
	assert.Equal(t, "removed 1 orphaned worktrees", cleaned["message"])

	// One live transcript, one orphan.
	record := f.create(t, CreateInput{})
	require.NoError(t, os.MkdirAll(filepath.Join(f.sdkDir, "proj"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.sdkDir, "proj", "sdk-orphan.jsonl"), []byte("{}\n"), 0o644))

	agent, err := f.mgr.Get(context.Background(), record.ID)
	require.NoError(t, err)
	_ = agent

	scanned := request(t, f, "sdk.scan", nil)
	assert.Len(t, scanned["files"], 1)

	removed := request(t, f, "sdk.cleanup", nil)
	assert.Len(t, removed["removed"], 1)

	scanned = request(t, f, "sdk.scan", nil)
	assert.Empty(t, scanned["files"])
}

func TestRPC_Files(t *testing.T) {
	f := newFixture(t)
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "go.mod"), []byte("module demo\n"), 0o644))
	record := f.create(t, CreateInput{WorkspacePath: workspace})

	read := request(t, f, "file.read", map[string]any{"sessionId": record.ID, "path": "go.mod"})
	assert.Equal(t, "module demo\n", read["content"])

	listed := request(t, f, "file.list", map[string]any{"sessionId": record.ID, "path": ""})
	assert.Len(t, listed["entries"], 1)

	tree := request(t, f, "file.tree", map[string]any{"sessionId": record.ID, "path": ""})
	root := tree["tree"].(map[string]any)
	assert.Equal(t, true, root["isDir"])

	_, err := f.hub.Request(context.Background(), "file.read", map[string]any{"sessionId": record.ID, "path": "../escape"})
	assert.Error(t, err)
}

func TestRPC_Memory(t *testing.T) {
	f := newFixture(t)

	added := request(t, f, "memory.add", memory.AddInput{RoomID: "r-1", Content: "prefer tabs"})
	mem := added["memory"].(map[string]any)
	assert.Equal(t, "note", mem["type"])

	listed := request(t, f, "memory.list", map[string]any{"roomId": "r-1"})
	assert.Len(t, listed["memories"], 1)

	found := request(t, f, "memory.search", map[string]any{"roomId": "r-1", "query": "tabs"})
	assert.Len(t, found["memories"], 1)

	recalled := request(t, f, "memory.recall", map[string]any{"roomId": "r-1", "filter": map[string]any{}})
	assert.Len(t, recalled["memories"], 1)

	deleted := request(t, f, "memory.delete", map[string]any{"roomId": "r-1", "memoryId": mem["id"]})
	assert.Equal(t, true, deleted["deleted"])

	_, err := f.hub.Request(context.Background(), "memory.add", memory.AddInput{Content: "x"})
	assert.EqualError(t, err, "Room ID is required")
}

func TestRPC_Rewind(t *testing.T) {
	f := newFixture(t)
	record := f.create(t, CreateInput{})

	checkpoints := request(t, f, "rewind.checkpoints", sessionArg{SessionID: record.ID})
	assert.Empty(t, checkpoints["checkpoints"])

	preview := request(t, f, "rewind.preview", map[string]any{"sessionId": record.ID, "checkpointId": "nope"})
	assert.Equal(t, false, preview["canRewind"])
	assert.Equal(t, "Checkpoint not found", preview["error"])

	selective := request(t, f, "rewind.previewSelective", map[string]any{"sessionId": record.ID, "messageIds": []string{}})
	assert.Equal(t, false, selective["canRewind"])
	assert.Equal(t, "No messages selected", selective["error"])

	executed := request(t, f, "rewind.execute", map[string]any{
		"sessionId":    record.ID,
		"checkpointId": "nope",
		"mode":         string(rewind.ModeFiles),
	})
	assert.Equal(t, false, executed["success"])
}
