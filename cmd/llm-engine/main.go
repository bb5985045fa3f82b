package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hidocu/llm-engine/internal/config"
	"github.com/hidocu/llm-engine/internal/credentials"
	"github.com/hidocu/llm-engine/internal/database"
	"github.com/hidocu/llm-engine/internal/engine"
	"github.com/hidocu/llm-engine/internal/provider"
	"github.com/hidocu/llm-engine/internal/quota"
	"github.com/hidocu/llm-engine/internal/repository"
	"github.com/hidocu/llm-engine/internal/selector"
	"github.com/hidocu/llm-engine/internal/token"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	log.Info("Database connected successfully")

	// Run migrations
	log.Info("Running database migrations...")
	if err := database.RunMigrations(db); err != nil {
		return err
	}
	log.Info("Migrations completed successfully")

	// Initialize repositories
	jobRepo := repository.NewJobRepository(db)
	accountRepo := repository.NewAccountRepository(db)
	usageRepo := repository.NewUsageRepository(db)
	documentRepo := repository.NewDocumentRepository(db)
	credStore := credentials.NewStore(db, cfg.CredentialKey)

	// Initialize provider executors
	registry := provider.NewRegistry()
	registry.Register(provider.NewGeminiExecutor(cfg.GeminiClientID, cfg.GeminiClientSecret))
	registry.Register(provider.NewAnthropicExecutor(cfg.AnthropicClientID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize services
	tokenManager := token.NewManager(credStore, accountRepo, registry)
	tokenManager.Start(ctx)

	quotaService := quota.NewService(accountRepo, usageRepo, tokenManager, registry)
	quotaService.Start(ctx)

	accountPicker := selector.New(quotaService)

	processor := engine.NewProcessor(
		jobRepo,
		accountRepo,
		documentRepo,
		tokenManager,
		quotaService,
		registry,
		accountPicker,
	)
	processor.StartProcessing(ctx)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutdown signal received")

	processor.StopProcessing()
	cancel()

	// Give in-flight goroutines a moment to observe cancellation.
	time.Sleep(time.Duration(cfg.ShutdownTimeout) * time.Second)

	log.Info("Application stopped")
	return nil
}
