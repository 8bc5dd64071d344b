// facegate - WebSocket face identification server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/ashureev/facegate/internal/api"
	"github.com/ashureev/facegate/internal/config"
	"github.com/ashureev/facegate/internal/middleware"
	"github.com/ashureev/facegate/internal/protocol"
	"github.com/ashureev/facegate/internal/recognition"
	"github.com/ashureev/facegate/internal/session"
	"github.com/ashureev/facegate/internal/store"
	"github.com/ashureev/facegate/internal/transport"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "addr", cfg.Addr(), "busy_policy", cfg.BusyPolicy)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Select the recognizer backend.
	var (
		recognizer    recognition.Recognizer = recognition.NewSimulatedRecognizer(cfg.SimulatedLatency)
		healthChecker api.HealthChecker
	)
	if cfg.RecognizerAddr != "" {
		slog.Info("Connecting to recognizer service via gRPC", "address", cfg.RecognizerAddr)
		grpcRecognizer, err := recognition.NewGrpcRecognizer(recognition.DefaultGrpcConfig(cfg.RecognizerAddr), logger)
		if err != nil {
			slog.Error("Failed to connect to recognizer service", "error", err)
			os.Exit(1)
		}
		defer grpcRecognizer.Close()
		recognizer = grpcRecognizer
		healthChecker = grpcRecognizer
	} else {
		slog.Info("Using simulated recognizer", "latency", cfg.SimulatedLatency)
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				slog.Error("Failed to close redis client", "error", closeErr)
			}
		}()
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			slog.Warn("Redis unreachable, cache will retry per request", "address", cfg.RedisAddr, "error", err)
		}
		cancel()
		recognizer = recognition.NewCachingRecognizer(recognizer, recognition.NewRedisCache(client), cfg.CacheTTL, logger)
		slog.Info("Recognition cache enabled", "address", cfg.RedisAddr, "ttl", cfg.CacheTTL)
	}

	// Initialize services.
	registry := session.NewRegistry(logger)
	gateway := recognition.NewGateway(recognizer, cfg.RecognitionTimeout, logger)
	protocolHandler := protocol.NewHandler(registry, gateway, repo, protocol.Config{
		Policy:      cfg.Policy(),
		QueueDepth:  cfg.QueueDepth,
		EmitTimeout: cfg.WriteTimeout,
	}, logger)

	// Initialize handlers.
	apiHandler := api.NewHandler(repo, registry)
	healthHandler := api.NewHealthHandler(repo, healthChecker)
	wsHandler := transport.NewWebSocketHandler(protocolHandler, transport.Options{
		ReadLimit:      cfg.MaxMessageBytes,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	apiHandler.RegisterRoutes(r)

	// WebSocket endpoints.
	r.Get("/ws", wsHandler.ServeHTTP)
	r.Get("/socket.io/", wsHandler.ServeHTTP)

	// Create server.
	// WebSocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start retention worker.
	store.StartRetentionWorker(ctx, repo, cfg.AttemptRetention, store.DefaultRetentionInterval)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	registry.CloseAll("server shutting down")
	if err := protocolHandler.Shutdown(shutdownCtx); err != nil {
		slog.Warn("In-flight attempts did not finish", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
