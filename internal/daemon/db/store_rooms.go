package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kaihq/kai/internal/util/timefmt"
)

// --- Rooms ---

// CreateRoom inserts a room and its initial agent-state row in one
// transaction.
func (s *Store) CreateRoom(ctx context.Context, r *Room) error {
	paths, err := json.Marshal(emptySlice(r.AllowedPaths))
	if err != nil {
		return fmt.Errorf("marshal allowed paths: %w", err)
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rooms (id, name, allowed_paths, default_path, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			r.ID, r.Name, string(paths), r.DefaultPath, timefmt.Format(r.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert room: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO room_agent_states (room_id, lifecycle_state, last_activity_at)
			VALUES (?, 'idle', ?)`,
			r.ID, timefmt.Format(r.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert room agent state: %w", err)
		}
		return nil
	})
}

// GetRoom loads a room by id.
func (s *Store) GetRoom(ctx context.Context, id string) (*Room, error) {
	var (
		r         Room
		paths, ts string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, allowed_paths, default_path, created_at
		FROM rooms WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &paths, &r.DefaultPath, &ts)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	if err := json.Unmarshal([]byte(paths), &r.AllowedPaths); err != nil {
		return nil, fmt.Errorf("unmarshal allowed paths: %w", err)
	}
	if r.CreatedAt, err = timefmt.Parse(ts); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &r, nil
}

// ListRooms returns all rooms, oldest first.
func (s *Store) ListRooms(ctx context.Context) ([]*Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, allowed_paths, default_path, created_at
		FROM rooms ORDER BY created_at ASC, id`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var out []*Room
	for rows.Next() {
		var (
			r         Room
			paths, ts string
		)
		if err := rows.Scan(&r.ID, &r.Name, &paths, &r.DefaultPath, &ts); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		if err := json.Unmarshal([]byte(paths), &r.AllowedPaths); err != nil {
			return nil, fmt.Errorf("unmarshal allowed paths: %w", err)
		}
		if r.CreatedAt, err = timefmt.Parse(ts); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeleteRoom removes a room; pairs, state, memories, goals and tasks
// cascade.
func (s *Store) DeleteRoom(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Session pairs ---

// CreatePair inserts a session pair.
func (s *Store) CreatePair(ctx context.Context, p *SessionPair) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_pairs (id, room_id, room_session_id, manager_session_id, worker_session_id, status, current_task_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RoomID, p.RoomSessionID, p.ManagerSessionID, p.WorkerSessionID,
		string(p.Status), p.CurrentTaskID,
		timefmt.Format(p.CreatedAt), timefmt.Format(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert pair: %w", err)
	}
	return nil
}

// GetPair loads a pair by id.
func (s *Store) GetPair(ctx context.Context, id string) (*SessionPair, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, room_session_id, manager_session_id, worker_session_id, status, current_task_id, created_at, updated_at
		FROM session_pairs WHERE id = ?`, id)
	return scanPair(row)
}

// ListPairsByRoom returns a room's pairs, newest first.
func (s *Store) ListPairsByRoom(ctx context.Context, roomID string) ([]*SessionPair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, room_session_id, manager_session_id, worker_session_id, status, current_task_id, created_at, updated_at
		FROM session_pairs WHERE room_id = ? ORDER BY created_at DESC, id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	defer rows.Close()

	var out []*SessionPair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePairStatus moves a pair through its lifecycle.
func (s *Store) UpdatePairStatus(ctx context.Context, id string, status PairStatus, at string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE session_pairs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), at, id)
	if err != nil {
		return fmt.Errorf("update pair status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePairTask binds a pair to its current task.
func (s *Store) UpdatePairTask(ctx context.Context, id, taskID, at string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE session_pairs SET current_task_id = ?, updated_at = ? WHERE id = ?`,
		taskID, at, id)
	if err != nil {
		return fmt.Errorf("update pair task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePair removes a pair.
func (s *Store) DeletePair(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_pairs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pair: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPair(row rowScanner) (*SessionPair, error) {
	var (
		p                    SessionPair
		status, created, upd string
	)
	err := row.Scan(&p.ID, &p.RoomID, &p.RoomSessionID, &p.ManagerSessionID,
		&p.WorkerSessionID, &status, &p.CurrentTaskID, &created, &upd)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pair: %w", err)
	}
	p.Status = PairStatus(status)
	if p.CreatedAt, err = timefmt.Parse(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if p.UpdatedAt, err = timefmt.Parse(upd); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &p, nil
}

// --- Room agent states ---

// SaveRoomAgentState writes the full FSM state atomically so a new
// in-process instance restores the exact state.
func (s *Store) SaveRoomAgentState(ctx context.Context, st *RoomAgentState) error {
	pairIDs, err := json.Marshal(emptySlice(st.ActivePairIDs))
	if err != nil {
		return fmt.Errorf("marshal active pair ids: %w", err)
	}
	actions, err := json.Marshal(emptySlice(st.PendingActions))
	if err != nil {
		return fmt.Errorf("marshal pending actions: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE room_agent_states
		SET lifecycle_state = ?, current_goal_id = ?, current_task_id = ?,
		    active_pair_ids = ?, last_activity_at = ?, error_count = ?, last_error = ?, pending_actions = ?
		WHERE room_id = ?`,
		string(st.LifecycleState), st.CurrentGoalID, st.CurrentTaskID,
		string(pairIDs), timefmt.Format(st.LastActivityAt), st.ErrorCount, st.LastError,
		string(actions), st.RoomID)
	if err != nil {
		return fmt.Errorf("save room agent state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRoomAgentState loads a room's FSM state.
func (s *Store) GetRoomAgentState(ctx context.Context, roomID string) (*RoomAgentState, error) {
	var (
		st                       RoomAgentState
		state, pairs, ts, actions string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT room_id, lifecycle_state, current_goal_id, current_task_id,
		       active_pair_ids, last_activity_at, error_count, last_error, pending_actions
		FROM room_agent_states WHERE room_id = ?`, roomID).
		Scan(&st.RoomID, &state, &st.CurrentGoalID, &st.CurrentTaskID,
			&pairs, &ts, &st.ErrorCount, &st.LastError, &actions)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room agent state: %w", err)
	}
	st.LifecycleState = LifecycleState(state)
	if err := json.Unmarshal([]byte(pairs), &st.ActivePairIDs); err != nil {
		return nil, fmt.Errorf("unmarshal active pair ids: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &st.PendingActions); err != nil {
		return nil, fmt.Errorf("unmarshal pending actions: %w", err)
	}
	if st.LastActivityAt, err = timefmt.Parse(ts); err != nil {
		return nil, fmt.Errorf("parse last_activity_at: %w", err)
	}
	return &st, nil
}

// --- Goals ---

// CreateGoal inserts a goal.
func (s *Store) CreateGoal(ctx context.Context, g *Goal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO goals (id, room_id, description, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		g.ID, g.RoomID, g.Description, g.Status, timefmt.Format(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert goal: %w", err)
	}
	return nil
}

// ListGoalsByRoom returns a room's goals, newest first.
func (s *Store) ListGoalsByRoom(ctx context.Context, roomID string) ([]*Goal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, description, status, created_at
		FROM goals WHERE room_id = ? ORDER BY created_at DESC, id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}
	defer rows.Close()

	var out []*Goal
	for rows.Next() {
		var (
			g  Goal
			ts string
		)
		if err := rows.Scan(&g.ID, &g.RoomID, &g.Description, &g.Status, &ts); err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		if g.CreatedAt, err = timefmt.Parse(ts); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

// UpdateGoalStatus moves a goal through its lifecycle.
func (s *Store) UpdateGoalStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE goals SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update goal status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Tasks ---

// CreateTask inserts a task.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, room_id, goal_id, pair_id, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RoomID, t.GoalID, t.PairID, t.Description, t.Status,
		timefmt.Format(t.CreatedAt), timefmt.Format(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	var (
		t            Task
		created, upd string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, goal_id, pair_id, description, status, created_at, updated_at
		FROM tasks WHERE id = ?`, id).
		Scan(&t.ID, &t.RoomID, &t.GoalID, &t.PairID, &t.Description, &t.Status, &created, &upd)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if t.CreatedAt, err = timefmt.Parse(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = timefmt.Parse(upd); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &t, nil
}

// ListTasksByRoom returns a room's tasks, newest first.
func (s *Store) ListTasksByRoom(ctx context.Context, roomID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, goal_id, pair_id, description, status, created_at, updated_at
		FROM tasks WHERE room_id = ? ORDER BY created_at DESC, id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		var (
			t            Task
			created, upd string
		)
		if err := rows.Scan(&t.ID, &t.RoomID, &t.GoalID, &t.PairID, &t.Description, &t.Status, &created, &upd); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if t.CreatedAt, err = timefmt.Parse(created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if t.UpdatedAt, err = timefmt.Parse(upd); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// UpdateTaskStatus moves a task through its lifecycle.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status, at string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, status, at, id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// emptySlice maps nil to an empty slice so JSON columns store [] rather
// than null.
func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
