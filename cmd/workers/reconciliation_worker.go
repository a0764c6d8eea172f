package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"deforger/marketplace-backend/internal/config"
	"deforger/marketplace-backend/internal/ledger"
	"deforger/marketplace-backend/internal/settlement"
	"deforger/marketplace-backend/internal/users"
	"deforger/marketplace-backend/pkg/account"
)

// ReconciliationWorker periodically audits stored projects against the ledger
type ReconciliationWorker struct {
	reconciler *settlement.Reconciler
	logger     *zap.Logger
	config     ReconciliationWorkerConfig
	done       chan struct{}
}

// ReconciliationWorkerConfig configuration for the reconciliation worker
type ReconciliationWorkerConfig struct {
	Interval      time.Duration
	MaxConcurrent int
}

// DefaultReconciliationWorkerConfig returns default configuration
func DefaultReconciliationWorkerConfig() ReconciliationWorkerConfig {
	return ReconciliationWorkerConfig{
		Interval:      5 * time.Minute,
		MaxConcurrent: 5,
	}
}

func NewReconciliationWorker(reconciler *settlement.Reconciler, logger *zap.Logger, config ReconciliationWorkerConfig) *ReconciliationWorker {
	return &ReconciliationWorker{
		reconciler: reconciler,
		logger:     logger,
		config:     config,
		done:       make(chan struct{}),
	}
}

// Start runs until ctx is cancelled or Stop is called
func (w *ReconciliationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting reconciliation worker",
		zap.Duration("interval", w.config.Interval),
		zap.Int("max_concurrent", w.config.MaxConcurrent))

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Reconciliation worker shutting down")
			return nil
		case <-w.done:
			w.logger.Info("Reconciliation worker stopped")
			return nil
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *ReconciliationWorker) Stop() {
	close(w.done)
}

func (w *ReconciliationWorker) runOnce(ctx context.Context) {
	start := time.Now()
	findings, err := w.reconciler.Run(ctx)
	if err != nil {
		w.logger.Error("Reconciliation run failed", zap.Error(err))
		return
	}
	w.logger.Info("Reconciliation run completed",
		zap.Int("discrepancies", len(findings)),
		zap.Duration("duration", time.Since(start)))
}

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON configuration file")
	flag.Parse()

	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// In-memory state is private to the API process, so only shared state can be audited
	if !cfg.Database.Enabled || cfg.Ledger.GatewayURL == "" {
		logger.Fatal("Reconciliation requires database.enabled and ledger.gateway_url")
	}

	canister, err := account.ParsePrincipal(cfg.Ledger.CanisterPrincipal)
	if err != nil {
		logger.Fatal("Invalid canister principal", zap.Error(err))
	}

	// Connect to database
	db, err := gorm.Open(postgres.Open(cfg.Database.GetDatabaseURL()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("Failed to access database handle", zap.Error(err))
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		logger.Fatal("Failed to ping database", zap.Error(err))
	}

	logger.Info("Connected to database")

	tokenLedger := ledger.NewHTTPClient(ledger.HTTPConfig{
		BaseURL:           cfg.Ledger.GatewayURL,
		Timeout:           cfg.Ledger.Timeout.Std(),
		RequestsPerSecond: cfg.Ledger.RequestsPerSecond,
		Burst:             cfg.Ledger.Burst,
	}, logger.Named("ledger"))

	// The worker never withdraws, so the payout directory is never consulted
	service := settlement.NewService(
		settlement.NewGormRepository(db),
		tokenLedger,
		users.NewDirectory(logger.Named("users")),
		nil,
		settlement.Config{Canister: canister, Fee: cfg.Ledger.Fee},
		logger.Named("settlement"),
	)

	// Create worker
	workerConfig := DefaultReconciliationWorkerConfig()
	worker := NewReconciliationWorker(
		settlement.NewReconciler(service, workerConfig.MaxConcurrent, logger.Named("reconciler")),
		logger,
		workerConfig,
	)

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
	}()

	if err := worker.Start(ctx); err != nil {
		logger.Error("Worker error", zap.Error(err))
	}

	logger.Info("Reconciliation worker stopped")
}
