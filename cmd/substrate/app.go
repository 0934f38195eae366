package main

import (
	"context"
	"fmt"
	"os"

	"github.com/substratehq/substrate/internal/adapter"
	"github.com/substratehq/substrate/internal/config"
	"github.com/substratehq/substrate/internal/cost"
	"github.com/substratehq/substrate/internal/events"
	"github.com/substratehq/substrate/internal/events/bus"
	"github.com/substratehq/substrate/internal/graph"
	"github.com/substratehq/substrate/internal/logger"
	"github.com/substratehq/substrate/internal/pool"
	"github.com/substratehq/substrate/internal/session"
	"github.com/substratehq/substrate/internal/store"
	"github.com/substratehq/substrate/internal/worktree"
)

// app bundles every wired component a command needs. It is assembled
// fresh for each CLI invocation: substrate has no long-lived daemon mode
// beyond the lifetime of a single `start`/`status --watch` process.
type app struct {
	cfg        *config.Config
	log        *logger.Logger
	store      *store.Store
	bus        bus.Bus
	registry   *adapter.Registry
	worktrees  *worktree.Manager
	pool       *pool.Manager
	engine     *graph.Engine
	costWriter *cost.Writer
	sessions   *session.Controller
}

func newApp(ctx context.Context, projectRoot string) (*app, func(), error) {
	cfg, err := config.Load(projectRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)

	st, err := store.Open(ctx, cfg.Store, log)
	if err != nil {
		return nil, nil, err
	}

	var b bus.Bus
	if cfg.Events.Driver == "nats" {
		natsBus, err := bus.NewNatsBus(cfg.Events.NATSURL, log)
		if err != nil {
			st.Close()
			return nil, nil, err
		}
		// Decoders must be in place before any component subscribes, or
		// typed payload assertions in the handlers would never match.
		for event, decode := range events.PayloadDecoders() {
			natsBus.RegisterPayloadType(event, decode)
		}
		b = natsBus
	} else {
		b = bus.NewMemoryBus(log)
	}

	registry := adapter.NewRegistry(log)
	registry.Discover(ctx)

	wt := worktree.New(cfg.Worktree.ProjectRoot, cfg.Worktree.BaseDir, st, b, log)
	workerPool := pool.New(st, b, registry, cfg.Pool.MaxConcurrentTasks, cfg.Pool.GracePeriodSeconds, cfg.Pool.TaskTimeoutSeconds, log)
	costWriter := cost.New(st, b, log)
	engine := graph.New(st, b, registry, log)
	sessions := session.New(st, b, log)

	a := &app{
		cfg: cfg, log: log, store: st, bus: b, registry: registry,
		worktrees: wt, pool: workerPool, engine: engine, costWriter: costWriter, sessions: sessions,
	}
	cleanup := func() {
		b.Close()
		st.Close()
		log.Sync()
	}
	return a, cleanup, nil
}

func projectRootFromEnv() string {
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}
