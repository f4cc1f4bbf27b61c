package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaihq/kai/internal/util/timefmt"
)

// --- Memories ---

// InsertMemory persists a memory record.
func (s *Store) InsertMemory(ctx context.Context, m *Memory) error {
	tags, err := json.Marshal(emptySlice(m.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, room_id, type, content, tags, importance, session_id, task_id, created_at, last_accessed_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.RoomID, string(m.Type), m.Content, string(tags), m.Importance,
		m.SessionID, m.TaskID,
		timefmt.Format(m.CreatedAt), timefmt.Format(m.LastAccessedAt), m.AccessCount)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// GetMemory loads a memory scoped to its room. Foreign rooms see
// ErrNotFound.
func (s *Store) GetMemory(ctx context.Context, roomID, id string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, type, content, tags, importance, session_id, task_id, created_at, last_accessed_at, access_count
		FROM memories WHERE room_id = ? AND id = ?`, roomID, id)
	return scanMemory(row)
}

// MemoryFilter narrows RecallMemories.
type MemoryFilter struct {
	Type  MemoryType
	Tags  []string
	Limit int
}

// RecallMemories returns a room's memories matching the filter, ordered
// by (importance DESC, created_at DESC). The importance ordering is the
// lexicographic order of the stored string ("normal" > "low" > "high");
// callers depend on this as documented behavior.
func (s *Store) RecallMemories(ctx context.Context, roomID string, f MemoryFilter) ([]*Memory, error) {
	query := `
		SELECT id, room_id, type, content, tags, importance, session_id, task_id, created_at, last_accessed_at, access_count
		FROM memories WHERE room_id = ?`
	args := []any{roomID}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	query += ` ORDER BY importance DESC, created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recall memories: %w", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		// Tag filtering requires ALL specified tags; done here since
		// tags live in a JSON column.
		if !hasAllTags(m.Tags, f.Tags) {
			continue
		}
		out = append(out, m)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, rows.Err()
}

// SearchMemories performs a case-insensitive substring search on
// content, ordered by (importance DESC, last_accessed_at DESC). LIKE
// metacharacters in the query match literally.
func (s *Store) SearchMemories(ctx context.Context, roomID, substr string) ([]*Memory, error) {
	pattern := "%" + escapeLike(substr) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, type, content, tags, importance, session_id, task_id, created_at, last_accessed_at, access_count
		FROM memories
		WHERE room_id = ? AND content LIKE ? ESCAPE '\'
		ORDER BY importance DESC, last_accessed_at DESC`, roomID, pattern)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecordMemoryAccess increments the access count and updates the
// last-accessed timestamp.
func (s *Store) RecordMemoryAccess(ctx context.Context, roomID, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memories SET access_count = access_count + 1, last_accessed_at = ?
		WHERE room_id = ? AND id = ?`,
		timefmt.Format(at), roomID, id)
	if err != nil {
		return fmt.Errorf("record memory access: %w", err)
	}
	return nil
}

// DeleteMemory removes a memory if the room owns it. Returns false for
// unknown ids and for rows owned by another room.
func (s *Store) DeleteMemory(ctx context.Context, roomID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE room_id = ? AND id = ?`, roomID, id)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountMemories returns the number of memories a room holds.
func (s *Store) CountMemories(ctx context.Context, roomID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE room_id = ?`, roomID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// ListMemories returns a room's memories, optionally filtered by type,
// newest first.
func (s *Store) ListMemories(ctx context.Context, roomID string, typ MemoryType) ([]*Memory, error) {
	query := `
		SELECT id, room_id, type, content, tags, importance, session_id, task_id, created_at, last_accessed_at, access_count
		FROM memories WHERE room_id = ?`
	args := []any{roomID}
	if typ != "" {
		query += ` AND type = ?`
		args = append(args, string(typ))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMemory(row rowScanner) (*Memory, error) {
	var (
		m                  Memory
		typ, tags, created string
		accessed           string
	)
	err := row.Scan(&m.ID, &m.RoomID, &typ, &m.Content, &tags, &m.Importance,
		&m.SessionID, &m.TaskID, &created, &accessed, &m.AccessCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan memory: %w", err)
	}
	m.Type = MemoryType(typ)
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if m.CreatedAt, err = timefmt.Parse(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if m.LastAccessedAt, err = timefmt.Parse(accessed); err != nil {
		return nil, fmt.Errorf("parse last_accessed_at: %w", err)
	}
	return &m, nil
}

// escapeLike escapes %, _ and \ so they match literally under
// LIKE ... ESCAPE '\'.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}
