// Package rewind implements the checkpoint engine: enumerating rewind
// points, previewing the effect of a rewind, and executing rewinds in
// files, conversation, or both modes.
package rewind

import (
	"context"
	"fmt"

	"github.com/kaihq/kai/internal/daemon/db"
	"github.com/kaihq/kai/internal/daemon/hub"
	"github.com/kaihq/kai/internal/daemon/query"
	"github.com/kaihq/kai/internal/daemon/timeout"
	"github.com/kaihq/kai/internal/metrics"
)

// Mode selects what a rewind touches.
type Mode string

const (
	ModeFiles        Mode = "files"
	ModeConversation Mode = "conversation"
	ModeBoth         Mode = "both"
)

// Error literals surfaced to clients.
const (
	errCheckpointNotFound = "Checkpoint not found"
	errQueryNotActive     = "SDK query not active"
	errSDKNotReady        = "SDK not ready"
	errNoMessages         = "No messages selected"
	errRewindFailed       = "Rewind failed"
	errFileRewindFailed   = "File rewind failed"
	errUnknown            = "Unknown error"
)

// Preview reports whether a rewind can proceed and what it would touch.
type Preview struct {
	CanRewind    bool   `json:"canRewind"`
	FilesChanged int    `json:"filesChanged,omitempty"`
	Insertions   int    `json:"insertions,omitempty"`
	Deletions    int    `json:"deletions,omitempty"`
	MessageCount int    `json:"messageCount,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Result is the outcome of an executed rewind.
type Result struct {
	Success             bool   `json:"success"`
	Error               string `json:"error,omitempty"`
	FilesChanged        int    `json:"filesChanged,omitempty"`
	Insertions          int    `json:"insertions,omitempty"`
	Deletions           int    `json:"deletions,omitempty"`
	ConversationRewound bool   `json:"conversationRewound,omitempty"`
	MessagesDeleted     int64  `json:"messagesDeleted,omitempty"`
}

// Session is the slice of the agent session the engine needs: the
// persisted record, the running query, and a way to restart it after a
// conversation rewind.
type Session interface {
	Record() *db.Session
	Query() query.Query
	RestartQuery(ctx context.Context) error
	AdvanceCheckpointTracker(turnNumber int)
	PersistMetadata(ctx context.Context) error
}

// Engine executes rewinds against the store and the hub.
type Engine struct {
	store    *db.Store
	hub      *hub.Hub
	timeouts *timeout.Config
}

// NewEngine wires a rewind engine.
func NewEngine(store *db.Store, h *hub.Hub, timeouts *timeout.Config) *Engine {
	return &Engine{store: store, hub: h, timeouts: timeouts}
}

// RewindPoints returns a session's checkpoints, newest turn first.
func (e *Engine) RewindPoints(ctx context.Context, sessionID string) ([]*db.Checkpoint, error) {
	return e.store.ListCheckpoints(ctx, sessionID)
}

// PreviewRewind dry-runs a file rewind against a checkpoint.
func (e *Engine) PreviewRewind(ctx context.Context, sess Session, checkpointID string) Preview {
	sessionID := sess.Record().ID
	if _, err := e.store.GetCheckpoint(ctx, sessionID, checkpointID); err != nil {
		return Preview{Error: errCheckpointNotFound}
	}
	q := sess.Query()
	if q == nil {
		return Preview{Error: errQueryNotActive}
	}
	if !q.Ready() {
		return Preview{Error: errSDKNotReady}
	}

	res, err := e.rewindFiles(ctx, q, checkpointID, true)
	if err != nil {
		return Preview{Error: normalizeError(err)}
	}
	return Preview{
		CanRewind:    res.CanRewind,
		FilesChanged: res.FilesChanged,
		Insertions:   res.Insertions,
		Deletions:    res.Deletions,
		Error:        res.Error,
	}
}

// ExecuteRewind performs a rewind in the requested mode. In "both" mode
// the file rewind runs first; on failure the conversation is left
// untouched.
func (e *Engine) ExecuteRewind(ctx context.Context, sess Session, checkpointID string, mode Mode) Result {
	sessionID := sess.Record().ID
	res := e.executeRewind(ctx, sess, checkpointID, mode)
	if res.Success {
		metrics.RewindsTotal.WithLabelValues(string(mode), "ok").Inc()
		e.hub.Publish("rewind.completed", map[string]any{
			"sessionId":    sessionID,
			"checkpointId": checkpointID,
			"mode":         mode,
			"result":       res,
		}, sessionID)
	} else {
		metrics.RewindsTotal.WithLabelValues(string(mode), "failed").Inc()
		e.hub.Publish("rewind.failed", map[string]any{
			"sessionId":    sessionID,
			"checkpointId": checkpointID,
			"mode":         mode,
			"error":        res.Error,
		}, sessionID)
	}
	return res
}

func (e *Engine) executeRewind(ctx context.Context, sess Session, checkpointID string, mode Mode) Result {
	sessionID := sess.Record().ID
	e.hub.Publish("rewind.started", map[string]any{
		"sessionId":    sessionID,
		"checkpointId": checkpointID,
		"mode":         mode,
	}, sessionID)

	switch mode {
	case ModeFiles:
		return e.filesRewind(ctx, sess, checkpointID, errRewindFailed)
	case ModeConversation:
		return e.conversationRewind(ctx, sess, checkpointID)
	case ModeBoth:
		files := e.filesRewind(ctx, sess, checkpointID, errFileRewindFailed)
		if !files.Success {
			return files
		}
		conv := e.conversationRewind(ctx, sess, checkpointID)
		if !conv.Success {
			return conv
		}
		files.ConversationRewound = true
		files.MessagesDeleted = conv.MessagesDeleted
		return files
	default:
		return Result{Error: fmt.Sprintf("Invalid mode: %s", mode)}
	}
}

func (e *Engine) filesRewind(ctx context.Context, sess Session, checkpointID, defaultErr string) Result {
	if _, err := e.store.GetCheckpoint(ctx, sess.Record().ID, checkpointID); err != nil {
		return Result{Error: errCheckpointNotFound}
	}
	q := sess.Query()
	if q == nil {
		return Result{Error: errQueryNotActive}
	}
	if !q.Ready() {
		return Result{Error: errSDKNotReady}
	}

	res, err := e.rewindFiles(ctx, q, checkpointID, false)
	if err != nil {
		return Result{Error: normalizeError(err)}
	}
	if !res.CanRewind {
		msg := res.Error
		if msg == "" {
			msg = defaultErr
		}
		return Result{Error: msg}
	}
	return Result{
		Success:      true,
		FilesChanged: res.FilesChanged,
		Insertions:   res.Insertions,
		Deletions:    res.Deletions,
	}
}

func (e *Engine) conversationRewind(ctx context.Context, sess Session, checkpointID string) Result {
	record := sess.Record()
	cp, err := e.store.GetCheckpoint(ctx, record.ID, checkpointID)
	if err != nil {
		return Result{Error: errCheckpointNotFound}
	}

	deleted, err := e.store.DeleteMessagesAfter(ctx, record.ID, cp.Timestamp)
	if err != nil {
		return Result{Error: normalizeError(err)}
	}
	if _, err := e.store.DeleteCheckpointsAfter(ctx, record.ID, cp.TurnNumber); err != nil {
		return Result{Error: normalizeError(err)}
	}

	record.Metadata.ResumeSessionAt = checkpointID
	if err := sess.PersistMetadata(ctx); err != nil {
		return Result{Error: normalizeError(err)}
	}
	sess.AdvanceCheckpointTracker(cp.TurnNumber)

	if err := sess.RestartQuery(ctx); err != nil {
		return Result{Error: normalizeError(err)}
	}
	return Result{Success: true, ConversationRewound: true, MessagesDeleted: deleted}
}

// PreviewSelectiveRewind reports whether the given message uuids can be
// removed from the session.
func (e *Engine) PreviewSelectiveRewind(ctx context.Context, sess Session, messageIDs []string) Preview {
	if len(messageIDs) == 0 {
		return Preview{Error: errNoMessages}
	}
	sessionID := sess.Record().ID
	found := 0
	for _, uuid := range messageIDs {
		if _, err := e.store.GetSDKMessageByUUID(ctx, sessionID, uuid); err == nil {
			found++
		}
	}
	if found == 0 {
		return Preview{Error: errNoMessages}
	}
	return Preview{CanRewind: true, MessageCount: found}
}

// ExecuteSelectiveRewind removes an arbitrary set of messages and
// restarts the query so the transport replays from persisted state.
func (e *Engine) ExecuteSelectiveRewind(ctx context.Context, sess Session, messageIDs []string) Result {
	if len(messageIDs) == 0 {
		return Result{Error: errNoMessages}
	}
	sessionID := sess.Record().ID
	deleted, err := e.store.DeleteMessagesByUUID(ctx, sessionID, messageIDs)
	if err != nil {
		return Result{Error: normalizeError(err)}
	}
	if err := sess.RestartQuery(ctx); err != nil {
		return Result{Error: normalizeError(err)}
	}
	return Result{Success: true, ConversationRewound: true, MessagesDeleted: deleted}
}

func (e *Engine) rewindFiles(ctx context.Context, q query.Query, checkpointID string, dryRun bool) (*query.RewindResult, error) {
	var res *query.RewindResult
	err := timeout.Run(ctx, "rewindFiles", e.timeouts.Rewind(), func(ctx context.Context) error {
		var err error
		res, err = q.RewindFiles(ctx, checkpointID, dryRun)
		return err
	})
	return res, err
}

// normalizeError maps any error to the message clients see.
func normalizeError(err error) string {
	if err == nil || err.Error() == "" {
		return errUnknown
	}
	return err.Error()
}
