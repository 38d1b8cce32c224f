// Package main provides the main entry point for the clinic queue messaging service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amirphl/clinic-queue/app/handlers"
	"github.com/amirphl/clinic-queue/app/middleware"
	"github.com/amirphl/clinic-queue/app/router"
	"github.com/amirphl/clinic-queue/app/scheduler"
	"github.com/amirphl/clinic-queue/app/services"
	businessflow "github.com/amirphl/clinic-queue/business_flow"
	"github.com/amirphl/clinic-queue/config"
	"github.com/amirphl/clinic-queue/models"
	"github.com/amirphl/clinic-queue/repository"
	"github.com/amirphl/clinic-queue/utils"
	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Application represents the main application structure
type Application struct {
	router    *router.FiberRouter
	config    *config.ProductionConfig
	server    *fiber.App
	stopFuncs []func()
}

func main() {
	// Load production configuration
	cfg, err := config.LoadProductionConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting clinic queue service",
		zap.String("environment", cfg.Deployment.Environment),
		zap.String("version", cfg.Deployment.Version),
		zap.String("commit", cfg.Deployment.CommitHash),
		zap.String("build_time", cfg.Deployment.BuildTime),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize application
	app, err := initializeApplication(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize application", zap.Error(err))
	}

	// Setup routes
	app.router.SetupRoutes()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := app.router.Start(address); err != nil {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	logger.Info("Shutting down gracefully...")

	// Stop background workers
	for _, fn := range app.stopFuncs {
		fn()
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := app.server.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}

// initializeDatabase initializes the database connection with connection pooling
func initializeDatabase(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)

	gormCfg := &gorm.Config{}
	if cfg.SlowQueryLog {
		gormCfg.Logger = gormlogger.New(zap.NewStdLog(logger.Named("gorm")), gormlogger.Config{
			SlowThreshold:             cfg.SlowQueryTime,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		})
	}

	db, err := gorm.Open(postgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying sql.DB for connection pooling configuration
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(models.All()...); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	logger.Info("Database connection established",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
		zap.Bool("auto_migrate", cfg.AutoMigrate),
	)

	return db, nil
}

// initializeCache initializes the Cache client and verifies connectivity.
// A nil client means the in-process fallbacks are used.
func initializeCache(cfg config.CacheConfig, logger *zap.Logger) (*redis.Client, error) {
	if !cfg.Enabled || cfg.Provider != "redis" {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opt.DB = cfg.RedisDB

	rc := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis connection established", zap.Int("db", cfg.RedisDB))
	return rc, nil
}

// startCacheHealthMonitor starts a background goroutine that periodically pings Redis
// to detect connectivity issues. The returned cancel function stops the monitor.
func startCacheHealthMonitor(parent context.Context, client *redis.Client, interval time.Duration, logger *zap.Logger) func() {
	monitorCtx, cancel := context.WithCancel(parent)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				ctx, c := context.WithTimeout(context.Background(), 3*time.Second)
				if err := client.Ping(ctx).Err(); err != nil {
					logger.Warn("Redis healthcheck failed", zap.Error(err))
				}
				c()
			}
		}
	}()
	return cancel
}

// coordination holds the shared-state helpers, backed by Redis when available
type coordination struct {
	locker    businessflow.DispatchLocker
	codes     businessflow.PairingCodeStore
	publisher businessflow.EventPublisher
}

func initializeCoordination(rc *redis.Client, prefix string, logger *zap.Logger) coordination {
	if rc == nil {
		logger.Warn("Redis disabled, dispatch locks and pairing codes are process local")
		return coordination{
			locker: services.NewLocalDispatchLocker(),
			codes:  services.NewLocalPairingCodeStore(),
		}
	}
	return coordination{
		locker:    services.NewRedisDispatchLocker(rc, prefix),
		codes:     services.NewRedisPairingCodeStore(rc, prefix),
		publisher: services.NewRedisEventPublisher(rc, prefix),
	}
}

// initializeApplication initializes the main application components
func initializeApplication(ctx context.Context, cfg *config.ProductionConfig, logger *zap.Logger) (*Application, error) {
	var stopFuncs []func()

	db, err := initializeDatabase(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	rc, err := initializeCache(cfg.Cache, logger)
	if err != nil {
		return nil, err
	}
	if rc != nil {
		stopFuncs = append(stopFuncs, startCacheHealthMonitor(ctx, rc, cfg.Cache.CleanupInterval, logger))
	}
	shared := initializeCoordination(rc, cfg.Cache.RedisPrefix, logger)

	// Initialize repositories
	tx := repository.NewTransactor(db)
	queueRepo := repository.NewQueueRepository(db)
	patientRepo := repository.NewPatientRepository(db)
	templateRepo := repository.NewMessageTemplateRepository(db)
	conditionRepo := repository.NewMessageConditionRepository(db)
	sessionRepo := repository.NewMessageSessionRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	failedTaskRepo := repository.NewFailedTaskRepository(db)
	quotaRepo := repository.NewQuotaRepository(db)
	waRepo := repository.NewWhatsAppSessionRepository(db)
	deviceRepo := repository.NewExtensionDeviceRepository(db)
	commandRepo := repository.NewExtensionCommandRepository(db)
	jobRunRepo := repository.NewJobRunRepository(db)

	// Initialize token service
	tokenService, err := services.NewTokenService(
		cfg.JWT.AccessTokenTTL,
		cfg.JWT.RefreshTokenTTL,
		cfg.JWT.Issuer,
		cfg.JWT.Audience,
		cfg.JWT.UseRSAKeys,
		cfg.JWT.PrivateKey,
		cfg.JWT.PublicKey,
		cfg.JWT.SecretKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token service: %w", err)
	}
	logger.Info("Token service initialized",
		zap.String("issuer", cfg.JWT.Issuer),
		zap.String("audience", cfg.JWT.Audience),
		zap.String("algorithm", cfg.JWT.Algorithm),
	)

	// Initialize flows. The scheduler needs the dispatcher and the flows need the
	// scheduler as their trigger, so the retrier is attached last.
	commandFlow := businessflow.NewCommandFlow(
		tx,
		commandRepo,
		deviceRepo,
		messageRepo,
		sessionRepo,
		failedTaskRepo,
		quotaRepo,
		waRepo,
		shared.publisher,
		cfg.Messaging,
	)

	dispatcher := businessflow.NewDispatcher(
		tx,
		messageRepo,
		sessionRepo,
		failedTaskRepo,
		quotaRepo,
		waRepo,
		businessflow.StaticProviderFactory(businessflow.NewExtensionProvider(commandFlow)),
		shared.locker,
		shared.publisher,
		cfg.Messaging,
		logger,
	)

	sched := scheduler.NewMessagingScheduler(
		dispatcher,
		commandFlow,
		messageRepo,
		quotaRepo,
		jobRunRepo,
		cfg.Messaging,
		logger,
	)

	quotaFlow := businessflow.NewQuotaFlow(tx, quotaRepo, waRepo, sched, cfg.Messaging)

	sendFlow := businessflow.NewSendFlow(
		tx,
		queueRepo,
		patientRepo,
		templateRepo,
		conditionRepo,
		sessionRepo,
		messageRepo,
		quotaFlow,
		sched,
		shared.publisher,
	)

	sessionFlow := businessflow.NewSessionFlow(
		tx,
		sessionRepo,
		messageRepo,
		failedTaskRepo,
		quotaRepo,
		waRepo,
		sched,
		shared.publisher,
	)

	failedTaskFlow := businessflow.NewFailedTaskFlow(
		tx,
		messageRepo,
		sessionRepo,
		failedTaskRepo,
		quotaRepo,
		waRepo,
		services.NewStaticTranslator(),
		sched,
		shared.publisher,
		cfg.Messaging,
	)
	sched.UseRetrier(failedTaskFlow)

	pairingFlow := businessflow.NewPairingFlow(
		tx,
		deviceRepo,
		waRepo,
		shared.codes,
		tokenService,
		quotaFlow,
		sched,
		shared.publisher,
		businessflow.NewPairingSettings(cfg),
	)

	waFlow := businessflow.NewWhatsAppSessionFlow(
		tx,
		waRepo,
		deviceRepo,
		messageRepo,
		sched,
		shared.publisher,
		cfg.Messaging,
	)

	// Initialize handlers
	appRouter := router.NewFiberRouter(cfg, router.Handlers{
		Auth:            handlers.NewAuthHandler(tokenService, cfg.JWT.AccessTokenTTL),
		Messaging:       handlers.NewMessagingHandler(sendFlow, sessionFlow, failedTaskFlow),
		Extension:       handlers.NewExtensionHandler(pairingFlow, commandFlow),
		WhatsAppSession: handlers.NewWhatsAppSessionHandler(waFlow),
		QuotaAdmin:      handlers.NewQuotaAdminHandler(quotaFlow),
	}, middleware.NewAuthMiddleware(tokenService))

	if cfg.Messaging.SchedulerEnabled {
		stop, err := sched.Start(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to start messaging scheduler: %w", err)
		}
		stopFuncs = append(stopFuncs, stop)
	}

	if rc != nil {
		stopFuncs = append(stopFuncs, func() { _ = rc.Close() })
	}

	return &Application{
		router:    appRouter,
		config:    cfg,
		server:    appRouter.GetApp(),
		stopFuncs: stopFuncs,
	}, nil
}
