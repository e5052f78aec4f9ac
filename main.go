package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"parley/internal/api"
	"parley/internal/auth"
	"parley/internal/broadcast"
	"parley/internal/bus"
	"parley/internal/commands"
	"parley/internal/config"
	"parley/internal/filestore"
	"parley/internal/http"
	"parley/internal/presence"
	"parley/internal/ratelimit"
	"parley/internal/storage"
	"parley/internal/typing"
	"parley/internal/ws"
)

type store interface {
	broadcast.Store
	api.AttachmentStore
	io.Closer
}

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("parley", flag.ContinueOnError)
	issueToken := flags.String("issue-token", "", "User id to issue an access token for (asks the running server)")
	evict := flags.String("evict", "", "User id to disconnect from the running server")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cliMode := *issueToken != "" || *evict != ""
	cfg, err := config.Load(cliMode)
	if err != nil {
		return err
	}

	switch {
	case *issueToken != "":
		return commands.IssueToken(*issueToken, cfg, os.Stdout)
	case *evict != "":
		return commands.Evict(*evict, cfg, os.Stdout)
	}

	slog.SetDefault(newLogger(cfg, os.Stderr))

	verifier, err := auth.NewVerifier(ctx, auth.Config{
		Secret:      cfg.JWTSecret,
		TokenExpiry: cfg.TokenExpiry,
	})
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.UsesRedis() {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
	}

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	fanout, err := openBus(cfg, rdb)
	if err != nil {
		return err
	}
	defer func() { _ = fanout.Close() }()

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath, cfg.BaseURL)
	if err != nil {
		return err
	}

	// Presence, typing and the API limiter are shared across instances when
	// the state backend is redis. The burst limiter is always local.
	var (
		presenceStore presence.Store
		typingStore   typing.Store
		apiLimiter    ratelimit.Limiter
	)
	if cfg.StateBackend == config.BackendRedis {
		presenceStore = presence.NewRedisStore(rdb, cfg.RedisKeyPrefix)
		typingStore = typing.NewRedisStore(rdb, cfg.RedisKeyPrefix)
		apiLimiter = ratelimit.NewRedisLimiter(rdb, cfg.RedisKeyPrefix)
	} else {
		presenceStore = presence.NewMemoryStore()
		typingStore = typing.NewMemoryStore(ctx, cfg.TypingTTL)
		apiLimiter = ratelimit.NewLocalLimiter(ctx, cfg.APIRateWindow)
	}
	burstLimiter := ratelimit.NewLocalLimiter(ctx, cfg.WSRateWindow)

	apiLimit := ratelimit.Limit{Window: cfg.APIRateWindow, Max: cfg.APIRateLimit}
	burst := ratelimit.Limit{Window: cfg.WSRateWindow, Max: cfg.WSRateLimit}

	registry := presence.NewRegistry(presenceStore, fanout, presence.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		OfflineThreshold:  cfg.OfflineThreshold,
	})
	tracker := typing.NewTracker(typingStore, fanout, cfg.TypingTTL)
	coord := broadcast.NewCoordinator(db, fanout, files)
	gateway := ws.NewGateway(ws.Config{Burst: burst}, registry, coord, tracker, burstLimiter)

	g, gCtx := errgroup.WithContext(ctx)

	if err := fanout.Subscribe(gCtx, gateway.Relay, bus.GatewayPatterns...); err != nil {
		return fmt.Errorf("failed to subscribe to the bus: %w", err)
	}

	apiServer := http.NewAPIServer(
		api.New(verifier, coord, registry, tracker, burstLimiter, burst, files, db),
		ws.NewServer(gCtx, verifier, gateway),
		apiLimiter,
		apiLimit,
		cfg.APIAddr,
	)
	adminServer := http.NewAdminServer(api.NewAdminHandler(verifier, coord, gateway, map[string]api.KindLimit{
		ratelimit.KindAPI:       {Limiter: apiLimiter, Limit: apiLimit},
		ratelimit.KindWSMessage: {Limiter: burstLimiter, Limit: burst},
	}, files, db), cfg.AdminAddr)

	slog.Info("starting",
		"instance_id", cfg.InstanceID,
		"store", cfg.StoreDriver,
		"bus", cfg.BusDriver,
		"state", cfg.StateBackend,
	)

	g.Go(func() error {
		return registry.Run(gCtx)
	})

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("instance_id", cfg.InstanceID)
}

func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	switch cfg.StoreDriver {
	case config.StoreMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return storage.NewMongoStorage(connectCtx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		return storage.NewBboltStorage(cfg.DBFile)
	}
}

func openBus(cfg *config.Config, rdb redis.UniversalClient) (bus.Bus, error) {
	switch cfg.BusDriver {
	case config.BackendRedis:
		return bus.NewRedisBus(rdb), nil
	case config.BackendNats:
		return bus.NewNatsBus(cfg.NatsURL, "parley-"+cfg.InstanceID)
	default:
		return bus.NewMemoryBus(), nil
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
