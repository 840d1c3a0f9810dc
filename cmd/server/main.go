/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the clinic engine HTTP server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load CLINIC_* environment, then apply command-line flags
  2. Build the zap logger
  3. Open storage (sqlite or memory)
  4. Wire notifiers: metrics, log, and Redis when configured
  5. Build the engine, router and status scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS (override the environment):
  -port     HTTP server port
  -db       SQLite database path
  -storage  sqlite | memory

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the status scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Flush the Redis queue and close storage
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/clinic.db"

  # Run fully in memory
  ./server -storage=memory

  # Publish events to Redis
  CLINIC_REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - clinic/engine.go: Engine wiring
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/clinic-engine/api"
	"github.com/warp/clinic-engine/clinic"
	"github.com/warp/clinic-engine/clinic/store"
	"github.com/warp/clinic-engine/config"
	"github.com/warp/clinic-engine/logging"
	"github.com/warp/clinic-engine/notify"
	"github.com/warp/clinic-engine/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides CLINIC_ADDR)")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	storage := flag.String("storage", string(cfg.StorageMode), "Storage mode: sqlite or memory")
	flag.Parse()

	if *port != 0 {
		cfg.Addr = fmt.Sprintf(":%d", *port)
	}
	cfg.DBPath = *dbPath
	cfg.StorageMode = clinic.StorageMode(*storage)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Must(cfg.LogLevel)
	defer logger.Sync()

	// Initialize store
	opened, err := store.Open(cfg.StorageMode, cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to open storage", zap.Error(err))
	}
	defer opened.Close()

	// Notifiers
	metrics := observability.NewMetrics()
	sinks := []clinic.Notifier{metrics, notify.Log(logger.Named("events"))}
	var publisher *notify.Redis
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		publisher = notify.NewRedis(client, cfg.RedisChannel, logger.Named("redis"), notify.DefaultBuffer)
		sinks = append(sinks, publisher)
	}
	ports := opened.Ports
	ports.Notifier = notify.Fanout(sinks...)

	opts := cfg.EngineOptions()
	opts.Logger = logger
	engine := clinic.NewEngine(ports, opts)

	handler := api.NewHandler(engine, opened.Reset, logger.Named("api"))
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins:    cfg.AllowedOrigins,
		CheckoutRateLimit: cfg.CheckoutRateLimit,
		Metrics:           metrics,
	})

	scheduler := api.NewStatusScheduler(engine.Tracker, logger.Named("scheduler"))
	scheduler.Interval = cfg.StatusRefreshInterval
	scheduler.Start()

	// Create server
	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.Addr),
			zap.String("storage", string(opened.Mode)),
			zap.Bool("redis", publisher != nil))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if publisher != nil {
		publisher.Close()
		if n := publisher.Dropped(); n > 0 {
			logger.Warn("events dropped while publishing", zap.Int64("count", n))
		}
	}

	logger.Info("server stopped")
}
