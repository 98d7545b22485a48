// Package main provides the entry point of the game data manager: the job
// scheduler, the scanner checkout API and the scanner channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/game-data-manager/internal/alert"
	"github.com/game-data-manager/internal/api"
	"github.com/game-data-manager/internal/channel"
	"github.com/game-data-manager/internal/checkout"
	"github.com/game-data-manager/internal/config"
	"github.com/game-data-manager/internal/job"
	"github.com/game-data-manager/internal/jobs"
	"github.com/game-data-manager/internal/logging"
	"github.com/game-data-manager/internal/publish"
	"github.com/game-data-manager/internal/scanner"
	"github.com/game-data-manager/internal/storage"
	"github.com/game-data-manager/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	fmt.Println("Game Data Manager")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	// Connect to Postgres and bring the schema up to date
	logger.Info("Connecting to databases...")
	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	if err := storage.RunMigrations(cfg.Database.Postgres.URL(), cfg.Database.Postgres.MigrationsPath); err != nil {
		logger.WithError(err).Fatal("Failed to run migrations")
	}

	redisCache, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisCache.Close()
	logger.Info("Database connections established")

	// Scanner registry and checkout ledger
	registry := scanner.NewRegistry(storage.NewScannerRepository(postgres), logger)
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 30*time.Second)
	err = registry.Load(loadCtx)
	cancelLoad()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load scanner registry")
	}
	defer registry.Close()

	ledger := checkout.NewLedger(storage.NewCheckoutRepository(postgres), checkout.Config{
		DefaultBatchSize: cfg.Scanner.DefaultBatchSize,
		MaxBatchSize:     cfg.Scanner.MaxBatchSize,
	}, logger)

	// Scanner channel
	channelCfg := channel.DefaultConfig()
	channelCfg.PingInterval = cfg.Channel.PingInterval
	channelCfg.CommandTimeout = cfg.Channel.CommandTimeout
	channelCfg.BulkCommandTimeout = cfg.Channel.BulkCommandTimeout
	hub := channel.NewHub(channelCfg, registry, logger)
	channel.NewLeaseRequests(ledger, registry).Register(hub)

	// Jobs
	publisher := publish.NewRedisPublisher(redisCache.Client(), publish.Config{
		KeyPrefix: cfg.Publish.KeyPrefix,
		TTL:       cfg.Publish.TTL,
	}, logger)

	manager := job.NewManager(job.ManagerConfig{
		Logger:             logger,
		State:              job.NewRedisStateStore(redisCache.Client(), job.DefaultLastRunKey),
		Alerter:            alert.New(cfg.Alert.WebhookURL, cfg.Alert.Username, logger),
		TerminateIfRunning: cfg.Jobs.TerminateIfRunning,
		OutputFreshness:    cfg.Jobs.OutputFreshness,
	})
	jobs.Register(manager, jobs.Deps{
		Query:           storage.NewQueryRunner(postgres.Pool()),
		Publisher:       publisher,
		Ledger:          ledger,
		Registry:        registry,
		CheckoutTimeout: cfg.Scanner.CheckoutTimeout,
		BatchSize:       storage.DefaultBatchSize,
	})
	manager.OnEvent("game-update", jobs.UpdateHideout, jobs.UpdatePresets, jobs.UpdateCrafts)
	manager.OnEvent("scanner-disabled", jobs.ReleaseDisabledCheckouts)

	for name, spec := range cfg.Jobs.Schedules {
		if err := manager.Schedule(name, spec); err != nil {
			logger.WithError(err).WithField("job", name).Fatal("Failed to schedule job")
		}
	}

	dispatcher := worker.NewDispatcher(manager, cfg.Jobs.Workers, logger)
	manager.SetDispatcher(dispatcher)
	if err := dispatcher.Start(manager.Context()); err != nil {
		logger.WithError(err).Fatal("Failed to start job dispatcher")
	}
	manager.Start()

	// HTTP API
	server := api.NewServer(&api.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Channel.BulkCommandTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
		ScannerRPS:   cfg.RateLimit.ScannerRPS,
		Burst:        cfg.RateLimit.Burst,
	}, api.Deps{
		Registry:   registry,
		Ledger:     ledger,
		Jobs:       manager,
		Hub:        hub,
		Publisher:  publisher,
		Dispatcher: dispatcher,
		Health: map[string]api.HealthCheck{
			"postgres": postgres.Ping,
			"redis":    redisCache.Ping,
		},
		Logger: logger,
	})

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	hub.Close()
	manager.Stop(ctx)
	if err := dispatcher.Stop(ctx); err != nil {
		logger.WithError(err).Warn("Job dispatcher did not drain")
	}

	logger.Info("Server exited")
}
