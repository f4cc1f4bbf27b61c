package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kaihq/kai/internal/daemon/msgcodec"
	"github.com/kaihq/kai/internal/util/timefmt"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides typed access to all daemon tables. Reads run
// concurrently; writes are serialized by the single SQLite writer.
type Store struct {
	db *sql.DB
}

// NewStore wraps an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for lifecycle management (Close).
func (s *Store) DB() *sql.DB {
	return s.db
}

// tx runs fn inside a transaction, rolling back on error.
func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- Sessions ---

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	config, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, workspace_path, status, config, metadata, sdk_session_id, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.WorkspacePath, string(sess.Status),
		string(config), string(metadata), sess.SDKSessionID,
		timefmt.Format(sess.CreatedAt), timefmt.Format(sess.LastActiveAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, workspace_path, status, config, metadata, sdk_session_id, created_at, last_active_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns all sessions ordered by last_active_at DESC.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, workspace_path, status, config, metadata, sdk_session_id, created_at, last_active_at
		FROM sessions ORDER BY last_active_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSession writes back all mutable session fields.
func (s *Store) UpdateSession(ctx context.Context, sess *Session) error {
	config, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET title = ?, workspace_path = ?, status = ?, config = ?, metadata = ?, sdk_session_id = ?, last_active_at = ?
		WHERE id = ?`,
		sess.Title, sess.WorkspacePath, string(sess.Status),
		string(config), string(metadata), sess.SDKSessionID,
		timefmt.Format(sess.LastActiveAt), sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchSession advances last_active_at, keeping it monotonic.
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_active_at = MAX(last_active_at, ?) WHERE id = ?`,
		timefmt.Format(at), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// DeleteSession removes a session and, via FK cascade, its messages
// and checkpoints.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess                     Session
		status, config, metadata string
		createdAt, lastActiveAt  string
	)
	err := row.Scan(&sess.ID, &sess.Title, &sess.WorkspacePath, &status,
		&config, &metadata, &sess.SDKSessionID, &createdAt, &lastActiveAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.Status = SessionStatus(status)
	if err := json.Unmarshal([]byte(config), &sess.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if sess.CreatedAt, err = timefmt.Parse(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if sess.LastActiveAt, err = timefmt.Parse(lastActiveAt); err != nil {
		return nil, fmt.Errorf("parse last_active_at: %w", err)
	}
	return &sess, nil
}

// --- SDK messages ---

// InsertSDKMessage persists one transport record. Content is
// zstd-compressed at rest.
func (s *Store) InsertSDKMessage(ctx context.Context, m *SDKMessage) error {
	compressed, compression := msgcodec.Compress(m.Content)
	var parent any
	if m.ParentToolUseID != "" {
		parent = m.ParentToolUseID
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sdk_messages (id, session_id, uuid, type, parent_tool_use_id, content, content_compression, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.UUID, string(m.Type), parent,
		compressed, string(compression), timefmt.Format(m.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert sdk message: %w", err)
	}
	m.Seq, _ = res.LastInsertId()
	return nil
}

// ListSDKMessages returns all records for a session ordered by server
// timestamp, ties broken by insertion order.
func (s *Store) ListSDKMessages(ctx context.Context, sessionID string) ([]*SDKMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, session_id, uuid, type, parent_tool_use_id, content, content_compression, timestamp
		FROM sdk_messages WHERE session_id = ?
		ORDER BY timestamp ASC, seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list sdk messages: %w", err)
	}
	defer rows.Close()

	var msgs []*SDKMessage
	for rows.Next() {
		m, err := scanSDKMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListSDKMessagesByType returns a session's records of one type in
// stream order.
func (s *Store) ListSDKMessagesByType(ctx context.Context, sessionID string, typ SDKMessageType) ([]*SDKMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, session_id, uuid, type, parent_tool_use_id, content, content_compression, timestamp
		FROM sdk_messages WHERE session_id = ? AND type = ?
		ORDER BY timestamp ASC, seq ASC`, sessionID, string(typ))
	if err != nil {
		return nil, fmt.Errorf("list sdk messages by type: %w", err)
	}
	defer rows.Close()

	var msgs []*SDKMessage
	for rows.Next() {
		m, err := scanSDKMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetSDKMessageByUUID looks up one record by its transport uuid.
func (s *Store) GetSDKMessageByUUID(ctx context.Context, sessionID, uuid string) (*SDKMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, id, session_id, uuid, type, parent_tool_use_id, content, content_compression, timestamp
		FROM sdk_messages WHERE session_id = ? AND uuid = ?`, sessionID, uuid)
	m, err := scanSDKMessage(row)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// CountSDKMessages returns the number of records for a session.
func (s *Store) CountSDKMessages(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sdk_messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sdk messages: %w", err)
	}
	return n, nil
}

// DeleteMessagesAfter removes all SDK and user messages strictly after
// the given timestamp and returns the total count removed. Both deletes
// run in one transaction.
func (s *Store) DeleteMessagesAfter(ctx context.Context, sessionID string, after time.Time) (int64, error) {
	cutoff := timefmt.Format(after)
	var total int64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM sdk_messages WHERE session_id = ? AND timestamp > ?`, sessionID, cutoff)
		if err != nil {
			return fmt.Errorf("delete sdk messages: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n

		res, err = tx.ExecContext(ctx,
			`DELETE FROM user_messages WHERE session_id = ? AND created_at > ?`, sessionID, cutoff)
		if err != nil {
			return fmt.Errorf("delete user messages: %w", err)
		}
		n, _ = res.RowsAffected()
		total += n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// DeleteMessagesByUUID removes the SDK messages with the given uuids
// from one session and returns the count removed. Unknown uuids are
// skipped.
func (s *Store) DeleteMessagesByUUID(ctx context.Context, sessionID string, uuids []string) (int64, error) {
	if len(uuids) == 0 {
		return 0, nil
	}
	var total int64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		for _, uuid := range uuids {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM sdk_messages WHERE session_id = ? AND uuid = ?`, sessionID, uuid)
			if err != nil {
				return fmt.Errorf("delete sdk message %s: %w", uuid, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func scanSDKMessage(row rowScanner) (*SDKMessage, error) {
	var (
		m           SDKMessage
		typ, ts     string
		parent      sql.NullString
		content     []byte
		compression string
	)
	err := row.Scan(&m.Seq, &m.ID, &m.SessionID, &m.UUID, &typ, &parent, &content, &compression, &ts)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sdk message: %w", err)
	}

	m.Type = SDKMessageType(typ)
	m.ParentToolUseID = parent.String
	if m.Content, err = msgcodec.Decompress(content, msgcodec.Compression(compression)); err != nil {
		return nil, fmt.Errorf("decompress content: %w", err)
	}
	if m.Timestamp, err = timefmt.Parse(ts); err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	return &m, nil
}

// --- User messages ---

// InsertUserMessage persists one user input.
func (s *Store) InsertUserMessage(ctx context.Context, m *UserMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_messages (id, session_id, content, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Content, string(m.Status), timefmt.Format(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert user message: %w", err)
	}
	return nil
}

// UpdateUserMessageStatus moves a user message through its delivery
// states.
func (s *Store) UpdateUserMessageStatus(ctx context.Context, id string, status UserMessageStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_messages SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update user message status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUserMessages returns a session's user inputs oldest first.
func (s *Store) ListUserMessages(ctx context.Context, sessionID string) ([]*UserMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, content, status, created_at
		FROM user_messages WHERE session_id = ? ORDER BY created_at ASC, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list user messages: %w", err)
	}
	defer rows.Close()

	var msgs []*UserMessage
	for rows.Next() {
		var (
			m          UserMessage
			status, ts string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Content, &status, &ts); err != nil {
			return nil, fmt.Errorf("scan user message: %w", err)
		}
		m.Status = UserMessageStatus(status)
		if m.CreatedAt, err = timefmt.Parse(ts); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// CountUserMessagesByStatus counts a session's user inputs in one
// delivery state.
func (s *Store) CountUserMessagesByStatus(ctx context.Context, sessionID string, status UserMessageStatus) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_messages WHERE session_id = ? AND status = ?`,
		sessionID, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count user messages: %w", err)
	}
	return n, nil
}

// --- Checkpoints ---

// InsertCheckpoint appends a checkpoint record.
func (s *Store) InsertCheckpoint(ctx context.Context, c *Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, session_id, message_preview, turn_number, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.MessagePreview, c.TurnNumber, timefmt.Format(c.Timestamp))
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns a session's checkpoints newest turn first.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, message_preview, turn_number, timestamp
		FROM checkpoints WHERE session_id = ? ORDER BY turn_number DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []*Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		cps = append(cps, c)
	}
	return cps, rows.Err()
}

// GetCheckpoint loads one checkpoint by id.
func (s *Store) GetCheckpoint(ctx context.Context, sessionID, checkpointID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, message_preview, turn_number, timestamp
		FROM checkpoints WHERE session_id = ? AND id = ?`, sessionID, checkpointID)
	return scanCheckpoint(row)
}

// LatestTurnNumber returns the highest turn number recorded for a
// session, or 0 when none exist.
func (s *Store) LatestTurnNumber(ctx context.Context, sessionID string) (int, error) {
	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(turn_number) FROM checkpoints WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("latest turn number: %w", err)
	}
	return int(n.Int64), nil
}

// DeleteCheckpointsAfter removes checkpoints with a turn number greater
// than the given one. Only the rewind engine calls this.
func (s *Store) DeleteCheckpointsAfter(ctx context.Context, sessionID string, turnNumber int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE session_id = ? AND turn_number > ?`, sessionID, turnNumber)
	if err != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var (
		c  Checkpoint
		ts string
	)
	err := row.Scan(&c.ID, &c.SessionID, &c.MessagePreview, &c.TurnNumber, &ts)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	if c.Timestamp, err = timefmt.Parse(ts); err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	return &c, nil
}
