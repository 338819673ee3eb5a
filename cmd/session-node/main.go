package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/asset"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/config"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/database"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/event"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/lifecycle"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/relay"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/session"
	"github.com/spf13/pflag"
)

type flags struct {
	config   string
	user     string
	name     string
	relay    string
	scenes   string
	start    string
	scene    string
	join     string
	plan     string
	resume   string
	inMemory bool
}

func parseFlags() flags {
	var f flags
	pflag.StringVarP(&f.config, "config", "c", config.DefaultPath, "config file (.json or .toml)")
	pflag.StringVarP(&f.user, "user", "u", "", "user id of this participant")
	pflag.StringVar(&f.name, "name", "", "display name, defaults to the user id")
	pflag.StringVar(&f.relay, "relay", "", "relay address, overrides relay.dial_addr")
	pflag.StringVar(&f.scenes, "scenes", "scenes", "directory holding <scene>.toml files")
	pflag.StringVar(&f.start, "start", "", "start a new ad-hoc session with this name")
	pflag.StringVar(&f.scene, "scene", "", "scene reference for --start")
	pflag.StringVar(&f.join, "join", "", "join the session with this id")
	pflag.StringVar(&f.plan, "plan", "", "start a session from this plan id")
	pflag.StringVar(&f.resume, "resume", "", "start the saved session with this id")
	pflag.BoolVar(&f.inMemory, "in-memory", false, "keep session records in memory instead of MongoDB")
	pflag.Parse()
	return f
}

func main() {
	f := parseFlags()
	if f.user == "" {
		logger.Fatal("--user is required")
		return
	}

	cfg, err := config.ReadConfig(f.config)
	if err != nil {
		if errors.Is(err, config.ErrConfigCreated) {
			logger.Info(err.Error())
			return
		}
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	if f.relay != "" {
		cfg.Relay.DialAddr = f.relay
	}

	loggerCallback := logger.Init(cfg)
	logger.Debug("Participant initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)
	defer cleaner.Clean()

	ctx := context.Background()
	var backend database.Backend
	var closeStore event.Callable
	if f.inMemory {
		backend = database.NewMemoryStore()
	} else {
		store, err := database.ConnectDatabase(ctx, cfg)
		if err != nil {
			logger.FatalF("Error occured while initializing database, details: %v", err)
			return
		}
		backend = store
		closeStore = database.NewDBCloseCallback(store)
	}

	loop := scheduler.NewEventLoop(1024)
	loopCtx, stopLoop := context.WithCancel(ctx)
	go func() { _ = loop.Run(loopCtx) }()

	gw, err := relay.Dial(ctx, cfg.Relay.DialAddr, loop, f.user, f.name, relay.OptionsFromConfig(cfg.Relay))
	if err != nil {
		logger.FatalF("Error occured while connecting to relay, details: %v", err)
		return
	}

	scene := asset.NewMemoryScene(asset.DirLoader(f.scenes))
	manager := session.NewManager(session.Dependencies{
		Gateway: gw,
		Scene:   scene,
		Backend: backend,
		Exec:    loop,
	}, session.OptionsFromConfig(cfg.Session))
	logNotices(manager.Events())

	// Leaving needs the store, so it is cleaned up before it.
	cleaner.Add(event.CallableFunc(func(ctx context.Context) error {
		defer stopLoop()
		defer manager.Close()
		defer func() { _ = gw.Close() }()
		if manager.State() == session.Idle {
			return nil
		}
		if manager.IsHost() {
			return manager.StopSession(ctx)
		}
		return manager.LeaveSession(ctx)
	}))
	if closeStore != nil {
		cleaner.Add(closeStore)
	}

	if err := run(ctx, manager, f); err != nil {
		logger.ErrorF("Session action failed, details: %v", err)
	}
	select {}
}

func run(ctx context.Context, manager *session.Manager, f flags) error {
	switch {
	case f.join != "":
		result := manager.JoinSession(ctx, f.join)
		if !result.OK {
			if result.Err != nil {
				return fmt.Errorf("join %s: %s: %w", f.join, result.Reason, result.Err)
			}
			return fmt.Errorf("join %s: %s", f.join, result.Reason)
		}
		return nil
	case f.plan != "":
		_, err := manager.StartSessionFromPlan(ctx, f.plan)
		return err
	case f.resume != "":
		_, err := manager.StartSession(ctx, f.resume)
		return err
	case f.start != "":
		if f.scene == "" {
			return errors.New("--start needs --scene")
		}
		record, err := manager.StartAdHocSession(ctx, f.start, f.scene)
		if err != nil {
			return err
		}
		logger.InfoF("Session %s started, others can join with --join %s", record.Name, record.ID)
		return nil
	default:
		logger.Info("No session action given, staying idle")
		return nil
	}
}

func logNotices(bus *lifecycle.Bus) {
	for _, kind := range lifecycle.Kinds() {
		bus.Subscribe(kind, func(n lifecycle.Notice) {
			logger.InfoF("%s session=%s user=%s host=%t %s", n.Kind, n.SessionID, n.UserID, n.IsHost, n.Reason)
		})
	}
}
