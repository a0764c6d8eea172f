package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"deforger/marketplace-backend/internal/config"
	"deforger/marketplace-backend/internal/events"
	"deforger/marketplace-backend/internal/ledger"
	"deforger/marketplace-backend/internal/metrics"
	"deforger/marketplace-backend/internal/middleware"
	"deforger/marketplace-backend/internal/settlement"
	"deforger/marketplace-backend/internal/users"
	"deforger/marketplace-backend/pkg/account"
	"deforger/marketplace-backend/pkg/storage"
)

const (
	settlementSnapshot = "settlement.json"
	walletsSnapshot    = "wallets.json"
)

// snapshotter is implemented by the in-memory stores whose state survives restarts through snapshots
type snapshotter interface {
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize logger
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	canister, err := account.ParsePrincipal(cfg.Ledger.CanisterPrincipal)
	if err != nil {
		logger.Fatal("Invalid canister principal", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots, err := newSnapshotStore(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("Failed to initialize snapshot storage", zap.Error(err))
	}

	// Settlement repository
	var (
		repo      settlement.Repository
		persisted = map[string]snapshotter{}
	)
	if cfg.Database.Enabled {
		db, err := openDatabase(cfg.Database)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		gormRepo := settlement.NewGormRepository(db)
		if err := gormRepo.Migrate(); err != nil {
			logger.Fatal("Failed to migrate settlement tables", zap.Error(err))
		}
		repo = gormRepo
		logger.Info("Using PostgreSQL settlement repository",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.DBName))
	} else {
		memRepo := settlement.NewMemoryRepository()
		persisted[settlementSnapshot] = memRepo
		repo = memRepo
		logger.Info("Using in-memory settlement repository")
	}

	// Ledger
	var tokenLedger ledger.Ledger
	if cfg.Ledger.GatewayURL != "" {
		tokenLedger = ledger.NewHTTPClient(ledger.HTTPConfig{
			BaseURL:           cfg.Ledger.GatewayURL,
			Timeout:           cfg.Ledger.Timeout.Std(),
			RequestsPerSecond: cfg.Ledger.RequestsPerSecond,
			Burst:             cfg.Ledger.Burst,
		}, logger.Named("ledger"))
		logger.Info("Using ledger gateway", zap.String("url", cfg.Ledger.GatewayURL))
	} else {
		tokenLedger = ledger.NewMemoryLedger(canister, cfg.Ledger.Fee)
		logger.Warn("No ledger gateway configured, using in-process ledger")
	}

	directory := users.NewDirectory(logger.Named("users"))
	persisted[walletsSnapshot] = directory

	if snapshots != nil {
		for name, target := range persisted {
			if err := restoreSnapshot(ctx, snapshots, name, target); err != nil {
				logger.Fatal("Failed to restore snapshot", zap.String("snapshot", name), zap.Error(err))
			}
		}
	}

	hub := events.NewHub(logger.Named("events"))
	defer hub.Close()

	service := settlement.NewService(repo, tokenLedger, directory, hub, settlement.Config{
		Canister: canister,
		Fee:      cfg.Ledger.Fee,
	}, logger.Named("settlement"))

	watcher := settlement.NewWatcher(service, settlement.WatcherConfig{
		Schedule: cfg.Settlement.WatchSchedule,
		CacheTTL: cfg.Settlement.CacheTTL.Std(),
	}, logger.Named("watcher"))
	if err := watcher.Start(ctx); err != nil {
		logger.Fatal("Failed to start balance watcher", zap.Error(err))
	}

	// Setup Router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(middleware.RequestLogger(logger.Named("http")))
	router.Use(middleware.Auth([]byte(cfg.Security.JWTSecret), logger.Named("auth")))

	// Register Routes
	api := router.Group("/api/v1")
	{
		settlement.NewHandler(service, watcher, logger.Named("settlement")).RegisterRoutes(api, middleware.RequireUser())
		users.NewHandler(directory).RegisterRoutes(api, middleware.RequireUser())
		api.GET("/ws", hub.Serve)
	}

	// Health Check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"subscribers": hub.ConnectionCount(),
			"cache":       watcher.CacheStats(),
		})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Start Server
	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", srv.Addr))

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	cancel()
	watcher.Stop()

	// No request is in flight past this point, so the snapshots are consistent
	if snapshots != nil {
		for name, source := range persisted {
			if err := saveSnapshot(shutdownCtx, snapshots, name, source); err != nil {
				logger.Error("Failed to save snapshot", zap.String("snapshot", name), zap.Error(err))
				continue
			}
			logger.Info("Snapshot saved", zap.String("snapshot", name))
		}
	}

	logger.Info("Server exiting")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.GetDatabaseURL()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.MaxLifetime.Std())

	return db, nil
}

func newSnapshotStore(ctx context.Context, cfg config.StorageConfig) (storage.SnapshotStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "s3":
		return storage.NewS3Store(ctx, storage.S3Config{
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
	case "file":
		return storage.NewFileStore(cfg.Dir)
	default:
		return nil, nil
	}
}

func restoreSnapshot(ctx context.Context, store storage.SnapshotStore, name string, target snapshotter) error {
	data, err := store.Load(ctx, name)
	if errors.Is(err, storage.ErrSnapshotNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return target.Restore(data)
}

func saveSnapshot(ctx context.Context, store storage.SnapshotStore, name string, source snapshotter) error {
	data, err := source.Snapshot()
	if err != nil {
		return err
	}
	return store.Save(ctx, name, data)
}
