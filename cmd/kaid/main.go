// Command kaid is the agent session daemon: it serves the websocket
// gateway, runs room agents, and owns the session store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kaihq/kai/internal/daemon/broadcast"
	"github.com/kaihq/kai/internal/daemon/config"
	"github.com/kaihq/kai/internal/daemon/db"
	"github.com/kaihq/kai/internal/daemon/gateway"
	"github.com/kaihq/kai/internal/daemon/hub"
	"github.com/kaihq/kai/internal/daemon/manager"
	"github.com/kaihq/kai/internal/daemon/memory"
	"github.com/kaihq/kai/internal/daemon/provider"
	"github.com/kaihq/kai/internal/daemon/query"
	"github.com/kaihq/kai/internal/daemon/room"
	"github.com/kaihq/kai/internal/daemon/session"
	"github.com/kaihq/kai/internal/daemon/timeout"
	"github.com/kaihq/kai/internal/daemon/worktree"
	"github.com/kaihq/kai/internal/logging"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// noTransport rejects query starts until a deployment wires a real
// agent transport into the build.
type noTransport struct{}

func (noTransport) Start(context.Context, *query.Options) (query.Query, error) {
	return nil, fmt.Errorf("no agent transport configured")
}

func run(args []string) error {
	fs := flag.NewFlagSet("kaid", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	logging.Setup()
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if lvl, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logging.SetLevel(lvl)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return err
	}
	defer func() { _ = sqlDB.Close() }()
	if err := db.Migrate(sqlDB); err != nil {
		return err
	}
	store := db.NewStore(sqlDB)

	provider.RegisterBuiltins()

	h := hub.New()
	cache := session.NewCache(cfg.SessionCacheSize)
	bc := broadcast.New(store, h, cache, version, "default")
	bc.SetShowArchived(cfg.ShowArchived)
	bc.Register()

	timeouts := timeout.New(cfg.RequestTimeoutSeconds, cfg.TransportTimeoutSeconds, cfg.RewindTimeoutSeconds)
	mgr := manager.New(manager.Deps{
		Store:                 store,
		Hub:                   h,
		Cache:                 cache,
		Broadcaster:           bc,
		Transport:             noTransport{},
		Timeouts:              timeouts,
		Memory:                memory.NewService(store),
		Worktrees:             worktree.NewManager(),
		SDKDataDir:            filepath.Join(cfg.DataDir, "sdk"),
		DefaultPermissionMode: db.PermissionMode(cfg.DefaultPermissionMode),
	})
	mgr.RegisterHandlers()

	rooms := room.NewService(store, h, room.Options{
		MaxConcurrentPairs: cfg.MaxConcurrentPairs,
		MaxErrorCount:      cfg.MaxErrorCount,
	})
	rooms.RegisterHandlers()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache.SetIdleTTL(cfg.SessionIdleTTL)
	cache.StartSweeper(ctx, time.Minute)

	// Every known room gets its agent back; persisted FSM state makes
	// this a resume, not a reset.
	if existing, err := store.ListRooms(ctx); err == nil {
		for _, r := range existing {
			if _, err := rooms.StartAgent(ctx, r.ID); err != nil {
				slog.Warn("restore room agent", "room_id", r.ID, "error", err)
			}
		}
	}

	gw := gateway.New(h, cfg.ListenAddr)
	errCh := make(chan error, 1)
	go func() { errCh <- gw.ListenAndServe() }()

	slog.Info("kaid started", "version", version, "addr", cfg.ListenAddr, "data_dir", cfg.DataDir)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	rooms.Close()
	mgr.Cleanup()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		slog.Warn("gateway shutdown", "error", err)
	}
	return nil
}
