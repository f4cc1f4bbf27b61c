// Package memory is the per-room memory service: validated writes,
// filtered recall, literal substring search, and access accounting on
// every returned record.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kaihq/kai/internal/daemon/db"
	"github.com/kaihq/kai/internal/daemon/id"
)

// Validation errors surfaced verbatim to clients.
var (
	ErrRoomRequired    = errors.New("Room ID is required")
	ErrContentRequired = errors.New("Memory content is required")
)

// Service wraps the store with the memory semantics rooms rely on.
type Service struct {
	store *db.Store
}

// NewService wires a memory service.
func NewService(store *db.Store) *Service {
	return &Service{store: store}
}

// AddInput is one memory to record.
type AddInput struct {
	RoomID     string        `json:"roomId"`
	Type       db.MemoryType `json:"type,omitempty"`
	Content    string        `json:"content"`
	Tags       []string      `json:"tags,omitempty"`
	Importance string        `json:"importance,omitempty"`
	SessionID  string        `json:"sessionId,omitempty"`
	TaskID     string        `json:"taskId,omitempty"`
}

// Add validates and persists a memory. Type defaults to note,
// importance to normal.
func (s *Service) Add(ctx context.Context, in AddInput) (*db.Memory, error) {
	if in.RoomID == "" {
		return nil, ErrRoomRequired
	}
	if in.Content == "" {
		return nil, ErrContentRequired
	}
	if in.Type == "" {
		in.Type = db.MemoryNote
	}
	if in.Importance == "" {
		in.Importance = "normal"
	}

	now := time.Now()
	m := &db.Memory{
		ID:             id.Generate(),
		RoomID:         in.RoomID,
		Type:           in.Type,
		Content:        in.Content,
		Tags:           in.Tags,
		Importance:     in.Importance,
		SessionID:      in.SessionID,
		TaskID:         in.TaskID,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := s.store.InsertMemory(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns one memory scoped to its room; foreign rooms see
// db.ErrNotFound.
func (s *Service) Get(ctx context.Context, roomID, memoryID string) (*db.Memory, error) {
	if roomID == "" {
		return nil, ErrRoomRequired
	}
	return s.store.GetMemory(ctx, roomID, memoryID)
}

// Recall returns a room's memories matching the filter and records an
// access on each one returned.
func (s *Service) Recall(ctx context.Context, roomID string, f db.MemoryFilter) ([]*db.Memory, error) {
	if roomID == "" {
		return nil, ErrRoomRequired
	}
	memories, err := s.store.RecallMemories(ctx, roomID, f)
	if err != nil {
		return nil, err
	}
	s.recordAccesses(ctx, roomID, memories)
	return memories, nil
}

// Search finds memories whose content contains the query as a literal
// substring and records an access on each hit.
func (s *Service) Search(ctx context.Context, roomID, substr string) ([]*db.Memory, error) {
	if roomID == "" {
		return nil, ErrRoomRequired
	}
	memories, err := s.store.SearchMemories(ctx, roomID, substr)
	if err != nil {
		return nil, err
	}
	s.recordAccesses(ctx, roomID, memories)
	return memories, nil
}

// recordAccesses bumps accounting for returned records. The returned
// structs reflect the bump so callers see current counts.
func (s *Service) recordAccesses(ctx context.Context, roomID string, memories []*db.Memory) {
	now := time.Now()
	for _, m := range memories {
		if err := s.store.RecordMemoryAccess(ctx, roomID, m.ID, now); err != nil {
			slog.Warn("record memory access", "room_id", roomID, "memory_id", m.ID, "error", err)
			continue
		}
		m.AccessCount++
		m.LastAccessedAt = now
	}
}

// Delete removes a memory if the room owns it; foreign and unknown ids
// return false.
func (s *Service) Delete(ctx context.Context, roomID, memoryID string) (bool, error) {
	if roomID == "" {
		return false, ErrRoomRequired
	}
	return s.store.DeleteMemory(ctx, roomID, memoryID)
}

// Count returns how many memories a room holds.
func (s *Service) Count(ctx context.Context, roomID string) (int64, error) {
	if roomID == "" {
		return 0, ErrRoomRequired
	}
	return s.store.CountMemories(ctx, roomID)
}

// List returns a room's memories, optionally filtered by type, newest
// first. Listing does not count as access.
func (s *Service) List(ctx context.Context, roomID string, typ db.MemoryType) ([]*db.Memory, error) {
	if roomID == "" {
		return nil, ErrRoomRequired
	}
	return s.store.ListMemories(ctx, roomID, typ)
}
