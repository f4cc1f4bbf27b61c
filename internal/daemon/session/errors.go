package session

import (
	"context"
	"log/slog"

	"github.com/kaihq/kai/internal/daemon/db"
	"github.com/kaihq/kai/internal/daemon/hub"
)

// maxRetries bounds query recovery attempts before escalating to the
// user.
const maxRetries = 3

// ErrorManager routes session errors: every report lands on the
// session channel as a session.error event and bumps the recovery
// retry count, which decides between retrying and escalating.
type ErrorManager struct {
	store *db.Store
	hub   *hub.Hub
}

// NewErrorManager wires an error manager.
func NewErrorManager(store *db.Store, h *hub.Hub) *ErrorManager {
	return &ErrorManager{store: store, hub: h}
}

// Report records an error against the session and returns whether the
// session is still eligible for automatic recovery.
func (m *ErrorManager) Report(ctx context.Context, sess *db.Session, source string, err error) bool {
	if sess.Metadata.RecoveryContext == nil {
		sess.Metadata.RecoveryContext = &db.RecoveryContext{}
	}
	rc := sess.Metadata.RecoveryContext
	rc.RetryCount++
	rc.LastError = err.Error()

	if uerr := m.store.UpdateSession(ctx, sess); uerr != nil {
		slog.Error("persist recovery context", "session_id", sess.ID, "error", uerr)
	}

	slog.Warn("session error", "session_id", sess.ID, "source", source,
		"retry_count", rc.RetryCount, "error", err)
	m.hub.Publish("session.error", map[string]any{
		"sessionId":  sess.ID,
		"source":     source,
		"error":      err.Error(),
		"retryCount": rc.RetryCount,
	}, sess.ID)

	return rc.RetryCount < maxRetries
}
