package room

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kaihq/kai/internal/daemon/broadcast"
	"github.com/kaihq/kai/internal/daemon/db"
	"github.com/kaihq/kai/internal/daemon/hub"
	"github.com/kaihq/kai/internal/daemon/id"
	"github.com/kaihq/kai/internal/daemon/manager"
	"github.com/kaihq/kai/internal/daemon/memory"
	"github.com/kaihq/kai/internal/daemon/provider"
	"github.com/kaihq/kai/internal/daemon/query"
	"github.com/kaihq/kai/internal/daemon/session"
	"github.com/kaihq/kai/internal/daemon/timeout"
	"github.com/kaihq/kai/internal/daemon/worktree"
)

// testProvider owns models with a fixed prefix.
type testProvider struct {
	id     string
	prefix string
}

func (p testProvider) ID() string          { return p.id }
func (p testProvider) DisplayName() string { return p.id }
func (p testProvider) IsAvailable() bool   { return true }
func (p testProvider) OwnsModel(modelID string) bool {
	return modelID == "default" || (len(modelID) > len(p.prefix) && modelID[:len(p.prefix)] == p.prefix)
}
func (p testProvider) GetModels() []provider.ModelInfo {
	return []provider.ModelInfo{{ID: p.prefix + "1", Provider: p.id}}
}
func (p testProvider) BuildSDKConfig(string, *db.SessionConfig) map[string]string { return nil }
func (p testProvider) GetModelForTier(string) string                              { return p.prefix + "1" }

// fixture stands up the full daemon wiring a room agent talks to: a
// real store, hub, session manager with a fake transport, and the room
// service.
type fixture struct {
	store     *db.Store
	hub       *hub.Hub
	transport *query.FakeTransport
	svc       *Service
	room      *db.Room
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	provider.Reset()
	t.Cleanup(provider.Reset)
	provider.Register(testProvider{id: "alpha", prefix: "a-"})

	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	store := db.NewStore(sqlDB)

	h := hub.New()
	cache := session.NewCache(session.DefaultCacheSize)
	transport := query.NewFakeTransport()
	mgr := manager.New(manager.Deps{
		Store:       store,
		Hub:         h,
		Cache:       cache,
		Broadcaster: broadcast.New(store, h, cache, "test", "default"),
		Transport:   transport,
		Timeouts:    timeout.New(0, 0, 0),
		Memory:      memory.NewService(store),
		Worktrees:   worktree.NewManager(),
		SDKDataDir:  t.TempDir(),
	})
	mgr.RegisterHandlers()
	t.Cleanup(mgr.Cleanup)

	svc := NewService(store, h, opts)
	svc.RegisterHandlers()
	t.Cleanup(svc.Close)

	r := &db.Room{
		ID:          id.Generate(),
		Name:        "dev",
		DefaultPath: t.TempDir(),
		CreatedAt:   time.Now(),
	}
	require.NoError(t, store.CreateRoom(context.Background(), r))

	return &fixture{store: store, hub: h, transport: transport, svc: svc, room: r}
}

// startAgent brings up the room's agent.
func (f *fixture) startAgent(t *testing.T) *Agent {
	t.Helper()
	a, err := f.svc.StartAgent(context.Background(), f.room.ID)
	require.NoError(t, err)
	return a
}

// say posts a user message through the RPC surface, the way a gateway
// client would.
func (f *fixture) say(t *testing.T, content string) {
	t.Helper()
	_, err := f.hub.Request(context.Background(), "room.message", Message{
		RoomID:  f.room.ID,
		Content: content,
	})
	require.NoError(t, err)
}

// watchRoom subscribes a test client to the room channel.
func (f *fixture) watchRoom(t *testing.T) *hub.Subscription {
	t.Helper()
	sub := f.hub.Connect("test-observer")
	require.NoError(t, f.hub.JoinChannel("test-observer", hub.RoomChannel(f.room.ID)))
	t.Cleanup(func() { f.hub.Disconnect("test-observer") })
	return sub
}

// drain empties a subscription without blocking.
func drain(sub *hub.Subscription) []hub.Event {
	var out []hub.Event
	for {
		select {
		case ev := <-sub.C():
			out = append(out, ev)
		default:
			return out
		}
	}
}
