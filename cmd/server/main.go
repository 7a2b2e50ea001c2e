package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/waypoint/backend/internal/api"
	"github.com/waypoint/backend/internal/audit"
	"github.com/waypoint/backend/internal/config"
	"github.com/waypoint/backend/internal/economy"
	"github.com/waypoint/backend/internal/events"
	"github.com/waypoint/backend/internal/infra"
	"github.com/waypoint/backend/internal/messages"
	"github.com/waypoint/backend/internal/middleware"
	"github.com/waypoint/backend/internal/presence"
	"github.com/waypoint/backend/internal/scheduler"
	"github.com/waypoint/backend/internal/teleport"
	"github.com/waypoint/backend/internal/websocket"
)

// directory is what both presence backends provide.
type directory interface {
	api.Actors
	teleport.Presence
	teleport.World
	teleport.Toggles
	teleport.Safety
}

type shutdowner interface {
	Shutdown(ctx context.Context) int
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}

	cfg := config.Default()
	if path := os.Getenv("WAYPOINT_CONFIG"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	settings, err := config.NewManager(cfg, os.Getenv("WAYPOINT_WORLDS"))
	if err != nil {
		log.Fatalf("Failed to load world settings: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis is shared by the economy and presence backends.
	var rdb *redis.Client
	redisClient := func() *redis.Client {
		if rdb == nil {
			rdb, err = infra.NewRedisClient(ctx, infra.RedisOptions{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			if err != nil {
				log.Fatalf("Failed to connect to Redis: %v", err)
			}
		}
		return rdb
	}

	// 1. Economy
	var ledger teleport.Economy
	switch cfg.Economy.Backend {
	case "redis":
		ledger = economy.NewRedisLedger(redisClient(), cfg.Economy.KeyPrefix)
	case "postgres":
		pg, err := economy.OpenPostgres(ctx, cfg.Economy.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to open Postgres ledger: %v", err)
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to prepare ledger schema: %v", err)
		}
		ledger = pg
	default:
		ledger = economy.NewMemoryLedger().WithStartingBalance(cfg.Economy.StartingBalance)
	}

	// 2. Presence
	rules := presence.SafetyRules{
		BlockedWorlds: cfg.Presence.BlockedWorlds,
		MinY:          cfg.Presence.MinY,
		MaxY:          cfg.Presence.MaxY,
	}
	var dir directory
	switch cfg.Presence.Backend {
	case "redis":
		dir = presence.NewRedisDirectory(redisClient(), cfg.Presence.KeyPrefix, rules)
	default:
		dir = presence.NewDirectory(rules)
	}

	// 3. Notices
	bus := events.NewEventBus()
	var emitter events.EventEmitter = bus
	if cfg.Events.Backend == "pubsub" {
		pb, err := events.NewPubSubEventBus(cfg.Events.ProjectID, cfg.Events.TopicID)
		if err != nil {
			log.Fatalf("Failed to connect to Pub/Sub: %v", err)
		}
		defer pb.Close()
		bus = pb.EventBus
		emitter = pb
	}

	catalog, err := messages.Load(cfg.Messages.File)
	if err != nil {
		log.Fatalf("Failed to load messages: %v", err)
	}
	names := func(ctx context.Context, id teleport.ActorID) string {
		if a, ok := dir.Lookup(ctx, id); ok {
			return a.Name
		}
		return ""
	}
	notifier := events.NewNotifier(emitter, catalog, names)

	// 4. Scheduler
	var sched teleport.Scheduler
	var stopper shutdowner
	var opts []api.Option
	switch cfg.Scheduler.Backend {
	case "cloudtasks":
		ct, err := scheduler.NewCloudTasks(scheduler.CloudTasksConfig{
			ProjectID:   cfg.Scheduler.ProjectID,
			LocationID:  cfg.Scheduler.LocationID,
			QueueID:     cfg.Scheduler.QueueID,
			CallbackURL: cfg.Server.CallbackURL + "/internal/tasks",
		})
		if err != nil {
			log.Fatalf("Failed to connect to Cloud Tasks: %v", err)
		}
		sched, stopper = ct, ct
		opts = append(opts, api.WithTaskCallbacks(ct))
	default:
		ts := scheduler.NewTimerScheduler()
		sched, stopper = ts, ts
	}

	// 5. Engine
	engine := teleport.NewEngine(teleport.Deps{
		Scheduler:   sched,
		Economy:     ledger,
		Presence:    dir,
		World:       dir,
		Toggles:     dir,
		Permissions: presence.NewOverrides(cfg.Permissions.OverrideActors),
		Safety:      dir,
		Notifier:    notifier,
	},
		teleport.WithPolicy(teleport.Policy{
			AllowSelf:  cfg.Teleport.AllowSelf,
			PendingTTL: cfg.Teleport.PendingTTL(),
		}),
		teleport.WithEscrow(teleport.NewEscrow(ledger, audit.NewLedger())),
		teleport.WithMetrics(teleport.NewMetrics(prometheus.DefaultRegisterer)),
		teleport.WithCurrencySymbol(cfg.Teleport.CurrencySymbol),
	)
	table := teleport.NewTable(engine)
	if iv := cfg.Teleport.SweepInterval(); iv > 0 {
		table.StartSweeper(iv)
	}
	svc := teleport.NewService(engine, table)

	// 6. API
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: cfg.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.RateLimit.Burst,
	})
	defer limiter.Stop()
	opts = append(opts,
		api.WithRateLimiter(limiter),
		api.WithStream(http.HandlerFunc(websocket.NewNoticeStreamer(bus).HandleWebSocket)),
	)
	server := api.NewServer(svc, dir, settings, opts...)

	log.Printf("🚀 Waypoint teleport service starting on port %s (env=%s, economy=%s, presence=%s, scheduler=%s)",
		cfg.Server.Port, cfg.Server.Env, cfg.Economy.Backend, cfg.Presence.Backend, cfg.Scheduler.Backend)
	if err := server.Start(ctx, cfg.Server.Port); err != nil {
		log.Printf("Server error: %v", err)
	}

	log.Println("Received shutdown signal, shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	table.Stop()
	drained := table.Drain(shutdownCtx)
	cancelled := stopper.Shutdown(shutdownCtx)
	log.Printf("Cancelled %d pending requests and %d warmups", drained, cancelled)

	if rdb != nil {
		rdb.Close()
	}
	log.Println("Server stopped")
}
