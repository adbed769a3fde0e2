package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/magnetiq/service-booking-wizard/internal/application"
	"github.com/magnetiq/service-booking-wizard/internal/bookingapi"
	"github.com/magnetiq/service-booking-wizard/internal/config"
	"github.com/magnetiq/service-booking-wizard/internal/domain/wizard"
	wizardEvents "github.com/magnetiq/service-booking-wizard/internal/events"
	"github.com/magnetiq/service-booking-wizard/internal/handler"
	"github.com/magnetiq/service-booking-wizard/internal/platform/auth"
	"github.com/magnetiq/service-booking-wizard/internal/platform/database"
	"github.com/magnetiq/service-booking-wizard/internal/platform/health"
	"github.com/magnetiq/service-booking-wizard/internal/platform/kafka"
	"github.com/magnetiq/service-booking-wizard/internal/platform/logger"
	"github.com/magnetiq/service-booking-wizard/internal/platform/middleware"
	"github.com/magnetiq/service-booking-wizard/internal/repository"
)

const serviceName = "service-booking-wizard"

// sessionBackend is an opened session storage with its readiness check and teardown.
type sessionBackend struct {
	storage wizard.SessionStorage
	checker health.Checker
	close   func(context.Context) error
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(cfg.Log, serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting "+serviceName,
		zap.String("port", cfg.Port),
		zap.String("session_backend", cfg.SessionBackend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open session storage
	backend, err := openSessionBackend(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open session storage", zap.Error(err))
	}

	// Schema registry
	registry, err := wizard.NewRegistry(wizard.DefaultSteps(cfg.Policy), true)
	if err != nil {
		log.Fatal("invalid wizard schema", zap.Error(err))
	}

	// Booking API client
	bookingAPI := bookingapi.NewClient(cfg.BookingAPI, log)

	// Kafka is optional; without brokers no events are published or consumed.
	var publisher application.EventPublisher
	var kafkaProducer *kafka.Producer
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaProducer = kafka.NewProducer(cfg.Kafka.Brokers, log)
		publisher = kafkaProducer
	} else {
		log.Warn("no kafka brokers configured, wizard events disabled")
	}

	// Initialize application service
	wizardService := application.NewWizardService(
		registry,
		backend.storage,
		bookingAPI,
		publisher,
		application.ServiceConfig{
			Policy:      cfg.Policy,
			Preferences: cfg.Preferences,
			Strict:      true,
			IdleTimeout: cfg.IdleTimeout,
		},
		log,
	)
	go wizardService.RunEviction(ctx, time.Minute)

	// Initialize and start payment event consumer in a goroutine
	var paymentConsumer *wizardEvents.PaymentEventConsumer
	if len(cfg.Kafka.Brokers) > 0 {
		paymentConsumer = wizardEvents.NewPaymentEventConsumer(
			cfg.Kafka.Brokers,
			cfg.ConsumerGroup("payments"),
			wizardService,
			log,
		)
		go func() {
			log.Info("starting payment event consumer")
			if err := paymentConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("payment event consumer error", zap.Error(err))
			}
		}()
	}

	// Initialize JWT manager
	jwtManager := auth.NewJWTManager(cfg.JWTSecret, 15*time.Minute)

	// Rate limiter, pruned alongside session eviction
	limiter := middleware.NewRateLimiter(cfg.RateLimit)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Prune(10 * time.Minute)
			}
		}
	}()

	// Setup Gin router
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Apply global middleware
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.LoggerMiddleware(log))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.CORSMiddleware(cfg.CORSOrigins))
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.RateLimitMiddleware(limiter, log))

	// Register health check routes
	healthHandler := health.NewHandler(serviceName, map[string]health.Checker{
		"session_storage": backend.checker,
		"booking_api":     health.CheckerFunc(bookingAPI.Ping),
	})
	healthHandler.RegisterRoutes(router)

	// Register routes
	handler.NewWizardHandler(wizardService).RegisterRoutes(&router.RouterGroup)
	handler.NewAdminWizardHandler(wizardService).RegisterRoutes(&router.RouterGroup, jwtManager)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.BookingAPI.Timeout*2 + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down " + serviceName + "...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()

	var shutdownErr error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		shutdownErr = multierr.Append(shutdownErr, fmt.Errorf("http server: %w", err))
	}

	// Stop background work, then flush every live session before storage goes away.
	cancel()
	wizardService.Shutdown()

	if paymentConsumer != nil {
		if err := paymentConsumer.Close(); err != nil {
			shutdownErr = multierr.Append(shutdownErr, fmt.Errorf("payment consumer: %w", err))
		}
	}
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			shutdownErr = multierr.Append(shutdownErr, fmt.Errorf("kafka producer: %w", err))
		}
	}
	if err := backend.close(shutdownCtx); err != nil {
		shutdownErr = multierr.Append(shutdownErr, fmt.Errorf("session storage: %w", err))
	}

	for _, err := range multierr.Errors(shutdownErr) {
		log.Error("shutdown error", zap.Error(err))
	}
	log.Info(serviceName + " stopped")
}

// openSessionBackend connects the configured session storage.
func openSessionBackend(ctx context.Context, cfg *config.ServiceConfig, log *zap.Logger) (*sessionBackend, error) {
	switch cfg.SessionBackend {
	case config.BackendRedis:
		client, err := repository.ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		storage := repository.NewRedisSessionStorage(client, "")
		log.Info("using redis session storage", zap.String("addr", cfg.Redis.Addr))
		return &sessionBackend{
			storage: storage,
			checker: storage,
			close:   func(context.Context) error { return client.Close() },
		}, nil

	case config.BackendPostgres:
		db, err := database.Connect(cfg.DB, log)
		if err != nil {
			return nil, err
		}
		storage := repository.NewGormSessionStorage(db)
		if err := storage.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("failed to migrate session table: %w", err)
		}
		return &sessionBackend{
			storage: storage,
			checker: storage,
			close: func(context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.Close()
			},
		}, nil

	case config.BackendMongo:
		client, err := repository.ConnectMongo(ctx, cfg.Mongo.URI)
		if err != nil {
			return nil, err
		}
		storage := repository.NewMongoSessionStorage(client.Database(cfg.Mongo.Database))
		if err := storage.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("failed to create session indexes: %w", err)
		}
		log.Info("using mongo session storage", zap.String("db", cfg.Mongo.Database))
		return &sessionBackend{
			storage: storage,
			checker: storage,
			close:   client.Disconnect,
		}, nil

	default:
		log.Warn("using in-memory session storage, sessions will not survive a restart")
		return &sessionBackend{
			storage: repository.NewMemorySessionStorage(),
			checker: health.CheckerFunc(func(context.Context) error { return nil }),
			close:   func(context.Context) error { return nil },
		}, nil
	}
}
