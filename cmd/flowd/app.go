package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/plantflow/flowengine/internal/flow/executor"
	"github.com/plantflow/flowengine/internal/flow/node"
	"github.com/plantflow/flowengine/internal/historian"
	"github.com/plantflow/flowengine/internal/host"
	"github.com/plantflow/flowengine/internal/hub"
	"github.com/plantflow/flowengine/internal/nodes"
	"github.com/plantflow/flowengine/internal/scripting"
	"github.com/plantflow/flowengine/internal/server"
	"github.com/plantflow/flowengine/internal/statemachine"
	"github.com/plantflow/flowengine/internal/tags"
	"github.com/plantflow/flowengine/internal/variables"
	"github.com/plantflow/flowengine/pkg/cache"
	"github.com/plantflow/flowengine/pkg/config"
	"github.com/plantflow/flowengine/pkg/database"
	"github.com/plantflow/flowengine/pkg/events"
	"github.com/plantflow/flowengine/pkg/logger"
	"github.com/plantflow/flowengine/pkg/ratelimit"
	"github.com/plantflow/flowengine/pkg/resilience"
	"github.com/plantflow/flowengine/pkg/telemetry"
)

type app struct {
	config    *config.Config
	logger    logger.Logger
	telemetry *telemetry.Telemetry
	redis     *redis.Client
	bus       events.EventBus
	db        *database.DB
	writer    *historian.BufferedWriter
	machines  *statemachine.Engine
	host      *host.Host
	hub       *hub.Hub
	server    *server.Server
}

func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	a := &app{config: cfg, logger: log}

	tel, err := telemetry.New(ctx, cfg.Telemetry.ToTelemetryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.telemetry = tel

	if cfg.Variables.Driver == "redis" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
	}

	var vars variables.Store = variables.NewMemoryStore()
	if a.redis != nil {
		vars = variables.NewRedisStore(a.redis, cfg.Variables.KeyPrefix)
	}

	switch cfg.Bus.Driver {
	case "kafka":
		kafkaBus, err := events.NewKafkaEventBus(cfg.Kafka.ToKafkaConfig(), log)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("failed to create event bus: %w", err)
		}
		a.bus = kafkaBus
	default:
		a.bus = events.NewMemoryEventBus(events.MemoryConfig{OutputBuffer: cfg.Bus.OutputBuffer}, log)
	}

	var (
		history historian.Writer
		reader  historian.Reader
	)
	breakers := resilience.NewCircuitBreakerRegistry(resilience.DefaultCircuitBreakerConfig("default"))
	switch cfg.Historian.Driver {
	case "sqlite", "postgres":
		a.db, err = database.New(cfg.Historian.ToDatabaseConfig())
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("failed to connect to historian database: %w", err)
		}
		store, err := historian.NewGormStore(a.db)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		a.writer = historian.NewBufferedWriter(store, cfg.Historian.BufferSize, breakers.Get("historian"), log)
		history, reader = a.writer, store
	default:
		store := historian.NewMemoryStore()
		history, reader = store, store
	}
	if a.redis != nil {
		queryCache := cache.NewRedisCache(a.redis, &cache.Options{Namespace: "plantflow:historian", DefaultTTL: 5 * time.Minute})
		reader = historian.NewCachedReader(reader, queryCache, 5*time.Minute, time.Minute, log)
	}

	table := tags.NewMemory(nil)
	guardedTags := tags.NewGuarded(table, breakers.Get("tags"))

	scripts := scripting.NewEngine(scripting.Config{
		DefaultTimeoutMs: cfg.Scripting.DefaultTimeoutMs,
		CacheSize:        cfg.Scripting.CacheSize,
		CallStackSize:    cfg.Scripting.CallStackSize,
		RegistryMaxSize:  cfg.Scripting.RegistryMaxSize,
	}, log)

	registry := node.NewRegistry(log)
	if err := nodes.RegisterBuiltins(registry, nodes.Deps{Scripts: scripts, Redis: a.redis, Logger: log}); err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("failed to register node types: %w", err)
	}

	a.hub = hub.New(log, hub.RoomStateMachines, hub.RoomRuns)

	a.machines = statemachine.NewEngine(statemachine.Config{
		ScanInterval: cfg.Runtime.ScanInterval(),
	}, statemachine.Deps{
		Scripts:   scripts,
		Tags:      guardedTags,
		Variables: vars,
		Bus:       a.bus,
	}, log)
	a.machines.OnChange(func(rec statemachine.TransitionRecord) {
		a.hub.Broadcast(hub.RoomStateMachines, events.StateMachineTransitioned, rec)
	})

	a.host = host.New(host.Config{
		FlowsDir:          cfg.Runtime.FlowsDir,
		Timeout:           cfg.Runtime.RunTimeout(),
		MaxMessages:       cfg.Runtime.MaxMessages,
		StopOnError:       cfg.Runtime.StopOnError,
		NodeTimeout:       cfg.Runtime.NodeTimeout(),
		MaxConcurrentRuns: cfg.Runtime.MaxConcurrentRuns,
	}, host.Deps{
		Registry: registry,
		Capabilities: executor.Capabilities{
			Tags:      guardedTags,
			History:   history,
			Bus:       nodes.NewBusPublisher(a.bus, "flowd"),
			Variables: vars,
		},
		Bus:       a.bus,
		Machines:  a.machines,
		Telemetry: tel,
	}, log)

	var limiter ratelimit.RateLimiter
	if cfg.Server.RateLimitRPS > 0 {
		if a.redis != nil {
			limiter = ratelimit.NewRedisRateLimiter(a.redis, "plantflow:ratelimit:api", int(cfg.Server.RateLimitRPS), time.Second)
		} else {
			limiter = ratelimit.NewTokenBucketLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
		}
	}

	a.server, err = server.New(cfg.Server, server.Deps{
		Host:      a.host,
		Scripts:   scripts,
		History:   reader,
		Hub:       a.hub,
		Tags:      guardedTags,
		Variables: vars,
		Telemetry: tel,
		Limiter:   limiter,
	}, log)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

// start loads the flows directory and starts the background loops. A
// failed initial load is logged; the daemon stays up so a corrected
// directory can be reloaded.
func (a *app) start(ctx context.Context) error {
	if err := a.host.LoadDir(ctx); err != nil {
		a.logger.Error("Initial flow load failed", "dir", a.config.Runtime.FlowsDir, "error", err)
	}

	for _, topic := range []string{events.FlowRunCompleted, events.FlowRunFailed} {
		if err := a.bus.Subscribe(ctx, topic, a.forwardRun); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	go a.hub.Run(ctx)
	go a.host.ReloadOnSignal(ctx)
	go func() {
		if err := a.host.Watch(ctx); err != nil {
			a.logger.Warn("Flow directory watch stopped", "error", err)
		}
	}()

	if err := a.machines.Start(ctx); err != nil {
		return fmt.Errorf("failed to start state machine scanner: %w", err)
	}

	go func() {
		if err := a.server.Start(); err != nil {
			a.logger.Fatal("Failed to start server", "error", err)
		}
	}()
	return nil
}

func (a *app) forwardRun(ctx context.Context, event events.Event) error {
	a.hub.Broadcast(hub.RoomRuns, event.Type, event.Payload)
	return nil
}

func (a *app) shutdown(ctx context.Context) {
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Error("Server forced to shutdown", "error", err)
		}
	}
	if a.machines != nil {
		a.machines.Stop()
	}
	if a.host != nil {
		a.host.Close()
	}
	a.close(ctx)
}

func (a *app) close(ctx context.Context) {
	if a.writer != nil {
		if err := a.writer.Close(ctx); err != nil {
			a.logger.Error("Failed to flush historian", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("Failed to close database", "error", err)
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Error("Failed to close event bus", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("Failed to close Redis", "error", err)
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Close(ctx); err != nil {
			a.logger.Error("Failed to flush telemetry", "error", err)
		}
	}
}
