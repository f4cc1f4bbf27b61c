package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kaihq/kai/internal/daemon/db"
	"github.com/kaihq/kai/internal/daemon/hub"
	"github.com/kaihq/kai/internal/daemon/id"
)

// Service owns the room agents and exposes the room RPC surface.
type Service struct {
	store   *db.Store
	h       *hub.Hub
	opts    Options
	bridges *Bridges

	mu     sync.Mutex
	agents map[string]*Agent
}

// NewService wires a service over the store and hub.
func NewService(store *db.Store, h *hub.Hub, opts Options) *Service {
	return &Service{
		store:   store,
		h:       h,
		opts:    opts,
		bridges: NewBridges(store, h),
		agents:  make(map[string]*Agent),
	}
}

// Bridges exposes the bridge registry, mainly for tests and shutdown.
func (s *Service) Bridges() *Bridges {
	return s.bridges
}

// StartAgent brings up the agent for a room, or returns the running
// one.
func (s *Service) StartAgent(ctx context.Context, roomID string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[roomID]; ok {
		return a, nil
	}
	a, err := StartAgent(ctx, s.store, s.h, s.bridges, roomID, s.opts)
	if err != nil {
		return nil, err
	}
	s.agents[roomID] = a
	return a, nil
}

// StopAgent stops a room's agent if one is running.
func (s *Service) StopAgent(roomID string) {
	s.mu.Lock()
	a, ok := s.agents[roomID]
	delete(s.agents, roomID)
	s.mu.Unlock()
	if ok {
		a.Stop()
	}
}

// Close stops every agent and bridge.
func (s *Service) Close() {
	s.mu.Lock()
	agents := s.agents
	s.agents = make(map[string]*Agent)
	s.mu.Unlock()
	for _, a := range agents {
		a.Stop()
	}
	s.bridges.StopAll()
}

type roomArg struct {
	RoomID string `json:"roomId"`
}

// RegisterHandlers installs the room RPC surface on the hub.
func (s *Service) RegisterHandlers() {
	s.h.OnRequest("room.create", s.handleCreate)
	s.h.OnRequest("room.list", s.handleList)
	s.h.OnRequest("room.get", s.handleGet)
	s.h.OnRequest("room.delete", s.handleDelete)
	s.h.OnRequest("room.message", s.handleMessage)
	s.h.OnRequest("room.agent.start", s.handleAgentStart)
	s.h.OnRequest("room.agent.stop", s.handleAgentStop)
	s.h.OnRequest("room.task.complete", s.handleTaskComplete)
}

func (s *Service) handleCreate(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[struct {
		Name         string   `json:"name"`
		AllowedPaths []string `json:"allowedPaths"`
		DefaultPath  string   `json:"defaultPath"`
	}](data)
	if err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, fmt.Errorf("Room name is required")
	}
	r := &db.Room{
		ID:           id.Generate(),
		Name:         req.Name,
		AllowedPaths: req.AllowedPaths,
		DefaultPath:  req.DefaultPath,
		CreatedAt:    time.Now(),
	}
	if err := s.store.CreateRoom(ctx, r); err != nil {
		return nil, err
	}
	return map[string]any{"roomId": r.ID, "room": r}, nil
}

func (s *Service) handleList(ctx context.Context, _ json.RawMessage) (any, error) {
	rooms, err := s.store.ListRooms(ctx)
	if err != nil {
		return nil, err
	}
	if rooms == nil {
		rooms = []*db.Room{}
	}
	return map[string]any{"rooms": rooms}, nil
}

func (s *Service) handleGet(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[roomArg](data)
	if err != nil {
		return nil, err
	}
	r, err := s.store.GetRoom(ctx, req.RoomID)
	if err != nil {
		return nil, fmt.Errorf("Room not found")
	}
	st, err := s.store.GetRoomAgentState(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"room": r, "agentState": st}, nil
}

func (s *Service) handleDelete(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[roomArg](data)
	if err != nil {
		return nil, err
	}
	s.StopAgent(req.RoomID)
	if pairs, err := s.store.ListPairsByRoom(ctx, req.RoomID); err == nil {
		for _, p := range pairs {
			s.bridges.Stop(p.ID)
		}
	}
	if err := s.store.DeleteRoom(ctx, req.RoomID); err != nil {
		return nil, fmt.Errorf("Room not found")
	}
	return map[string]any{"success": true}, nil
}

// handleMessage relays a client chat message onto the room channel,
// where the room agent and any subscribed clients pick it up.
func (s *Service) handleMessage(ctx context.Context, data json.RawMessage) (any, error) {
	msg, err := hub.Decode[Message](data)
	if err != nil {
		return nil, err
	}
	if msg.RoomID == "" {
		return nil, fmt.Errorf("Room ID is required")
	}
	if msg.Content == "" {
		return nil, fmt.Errorf("Message content is required")
	}
	if _, err := s.store.GetRoom(ctx, msg.RoomID); err != nil {
		return nil, fmt.Errorf("Room not found")
	}
	version := s.h.PublishTo("room.message", hub.RoomChannel(msg.RoomID), msg)
	return map[string]any{"delivered": true, "version": version}, nil
}

func (s *Service) handleAgentStart(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[roomArg](data)
	if err != nil {
		return nil, err
	}
	a, err := s.StartAgent(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"state": a.State()}, nil
}

func (s *Service) handleAgentStop(_ context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[roomArg](data)
	if err != nil {
		return nil, err
	}
	s.StopAgent(req.RoomID)
	return map[string]any{"success": true}, nil
}

// handleTaskComplete announces a pair's task completion on the room
// channel; the room agent retires the pair from its event loop.
func (s *Service) handleTaskComplete(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := hub.Decode[struct {
		RoomID string `json:"roomId"`
		PairID string `json:"pairId"`
	}](data)
	if err != nil {
		return nil, err
	}
	if req.PairID == "" {
		return nil, fmt.Errorf("Pair ID is required")
	}
	pair, err := s.store.GetPair(ctx, req.PairID)
	if err != nil {
		return nil, fmt.Errorf("Pair not found")
	}
	roomID := req.RoomID
	if roomID == "" {
		roomID = pair.RoomID
	}
	s.h.PublishTo("pair.task_completed", hub.RoomChannel(roomID), pairRef{PairID: req.PairID})
	return map[string]any{"accepted": true}, nil
}
