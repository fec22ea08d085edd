package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/auth"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/chat"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/config"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/connection"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/events"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/health"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/logging"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/persistence"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/ratelimit"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/room"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/tracing"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/transport"
)

const serviceName = "live-interaction-server"

// shutdownFlushDeadline bounds the persistence flush on termination.
const shutdownFlushDeadline = 10 * time.Second

func main() {
	// Load .env for local development; paths cover the common ways of
	// running the binary.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	envLoaded := false
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode, cfg.LogLevel); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Tracing (optional) ---
	if cfg.OTelCollector != "" {
		tp, err := tracing.InitTracer(context.Background(), serviceName, cfg.OTelCollector)
		if err != nil {
			slog.Error("Failed to initialize tracer", "error", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(ctx)
			}()
			slog.Info("Tracing initialized", "collector", cfg.OTelCollector)
		}
	}

	// --- Auth ---
	var validator auth.TokenValidator
	if cfg.SkipAuth {
		slog.Warn("Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		validator = &auth.MockValidator{}
	} else {
		domain, err := auth.DomainFromPublishableKey(cfg.ClerkPublishableKey)
		if err != nil {
			slog.Error("Failed to derive Clerk domain from publishable key", "error", err)
			os.Exit(1)
		}
		v, err := auth.NewValidator(context.Background(), domain)
		if err != nil {
			slog.Error("Failed to create auth validator", "error", err)
			os.Exit(1)
		}
		validator = v
		slog.Info("Clerk validator initialized", "domain", domain)
	}

	// --- Redis (optional rate-limit store) ---
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			slog.Error("Redis unreachable, falling back to memory stores", "error", err)
			redisClient = nil
		} else {
			slog.Info("Redis connected", "addr", cfg.RedisAddr)
		}
		cancel()
	}

	rateLimiter, err := ratelimit.New(cfg.RateLimitWindow, int64(cfg.RateLimitMaxRequests), redisClient)
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Core wiring ---
	store := persistence.NewClient(cfg.ConvexURL, cfg.ConvexDeployKey, cfg.HealthCheckTimeout)
	broadcaster := events.NewBroadcaster(cfg.MessageBatchSize, cfg.MessageBatchTimeout)
	chatSvc := chat.NewService(nil, nil, nil)
	rooms := room.NewManager(broadcaster, chatSvc, store, cfg.MaxRoomsPerServer, cfg.RoomInactivityTimeout, room.Options{
		TurnTimeLimit: cfg.TurnTimeLimit,
	})
	conns := connection.NewHandler(rooms, broadcaster, connection.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		ConnectionTimeout: cfg.ConnectionTimeout,
	})
	hub := transport.NewHub(rooms, conns, broadcaster, validator, rateLimiter, cfg.CORSOrigins)
	healthHandler := health.NewHandler(store, rooms, cfg.HealthCheckTimeout)

	// Background loops stop with this context.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	go conns.RunWatchdog(bgCtx)
	go rooms.RunCleanupLoop(bgCtx, time.Minute)

	allowedOrigins := auth.AllowedOrigins(cfg.CORSOrigins, []string{"http://localhost:3000"})
	router := transport.NewRouter(transport.RouterDeps{
		Hub:            hub,
		Health:         healthHandler,
		Validator:      validator,
		RateLimiter:    rateLimiter,
		AllowedOrigins: allowedOrigins,
		ServiceName:    serviceName,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		slog.Info("Live interaction server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	bgCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Drain subscribers first so nobody watches a half-flushed world, then
	// flush room states within the bounded deadline.
	hub.Shutdown(ctx)
	conns.Close()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownFlushDeadline)
	rooms.Shutdown(flushCtx)
	flushCancel()

	broadcaster.Close()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Error("Failed to close Redis connection", "error", err)
		}
	}

	slog.Info("Server exiting")
}
