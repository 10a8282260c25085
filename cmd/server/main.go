package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"kinvault/offchain/internal/api"
	"kinvault/offchain/internal/chains/evm"
	"kinvault/offchain/internal/config"
	"kinvault/offchain/internal/database"
	"kinvault/offchain/internal/gate"
	"kinvault/offchain/internal/ledger"
	"kinvault/offchain/internal/royalty"
	"kinvault/offchain/internal/worker"
)

func main() {
	// Initialize logger
	logger, err := initLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting Kinvault Offchain Service")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("db_host", cfg.Database.Host),
		zap.Int("num_chains", len(cfg.Chains)),
		zap.String("destination_chain", cfg.Destination.Chain))

	// Connect to database
	db, err := database.Connect(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("Database connected successfully")

	// Run migrations
	migrationPath := "internal/database/migrations/001_schema.sql"
	if err := database.RunMigrations(db, migrationPath); err != nil {
		logger.Warn("Failed to run migrations (may already be applied)", zap.Error(err))
	} else {
		logger.Info("Database migrations applied successfully")
	}

	if err := db.Ping(); err != nil {
		logger.Fatal("Failed to ping database", zap.Error(err))
	}

	// Royalty sources: only configured endpoints get a connector
	var connectors []royalty.Connector
	if cfg.Sources.SeiRoyaltyEndpoint != "" {
		connectors = append(connectors, royalty.NewSeiConnector(cfg.Sources.SeiRoyaltyEndpoint))
	}
	if cfg.Sources.HyperliquidVault != "" {
		connectors = append(connectors, royalty.NewHyperliquidConnector(cfg.Sources.HyperliquidAPI, cfg.Sources.HyperliquidVault))
	}

	cache := royalty.NewCache(&cfg.Redis)
	if cache != nil {
		defer cache.Close()
		logger.Info("Royalty snapshot cache enabled", zap.String("redis_host", cfg.Redis.Host))
	}
	aggregator := royalty.NewAggregator(connectors, cache, logger)

	reconciler := ledger.NewReconciler(db, logger)

	// Initialize workers: chain adapters, settlement machine, monitor and
	// executor pool
	manager, err := worker.NewManager(db, cfg, reconciler, aggregator, logger)
	if err != nil {
		logger.Fatal("Failed to initialize worker manager", zap.Error(err))
	}

	// Proof gate: verifier contracts live on the destination chain
	accessGate, err := buildGate(manager, cfg, db, logger)
	if err != nil {
		logger.Fatal("Failed to initialize access gate", zap.Error(err))
	}

	// Initialize API handlers
	apiHandler := api.NewHandler(
		db,
		manager.Machine(),
		accessGate,
		aggregator,
		reconciler,
		cfg.Destination.Chain,
		cfg.Operator.AdminToken,
		logger,
	)
	router := api.SetupRouter(apiHandler, logger)

	// Create HTTP server
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server",
			zap.String("addr", serverAddr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	// Start workers
	manager.Start()

	logger.Info("Service initialized successfully",
		zap.String("status", "ready"),
		zap.Int("port", cfg.Server.Port))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for interrupt signal or server error
	select {
	case err := <-serverErrors:
		logger.Fatal("HTTP server error", zap.Error(err))
	case sig := <-quit:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Shutdown workers first so no transfer is mid-stage when connections
	// start closing
	if err := manager.Shutdown(10 * time.Second); err != nil {
		logger.Error("Worker shutdown error", zap.Error(err))
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
		httpServer.Close()
	} else {
		logger.Info("HTTP server stopped gracefully")
	}

	logger.Info("Service stopped successfully")
}

// buildGate wires the proof gate against the destination chain's verifier
// contracts. The destination adapter is always EVM; its RPC client doubles
// as the read-only contract caller.
func buildGate(manager *worker.Manager, cfg *config.Config, db *database.DB, logger *zap.Logger) (*gate.Gate, error) {
	adapter, err := manager.Registry().Get(cfg.Destination.Chain)
	if err != nil {
		return nil, err
	}
	evmAdapter, ok := adapter.(*evm.Adapter)
	if !ok {
		return nil, fmt.Errorf("destination chain %s is not an EVM chain", cfg.Destination.Chain)
	}

	verifier, err := gate.NewContractVerifier(evmAdapter.Client(), cfg.Gate.Verifiers, logger)
	if err != nil {
		return nil, err
	}

	var policy gate.Policy
	if cfg.Gate.RequiredChains > 1 {
		policy = gate.RequireDistinctChains(cfg.Gate.RequiredChains)
	}

	return gate.New(verifier, db, db, policy, logger), nil
}

func initLogger() (*zap.Logger, error) {
	env := os.Getenv("ENV")
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
