package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/internal/handlers"
	"github.com/Ramsey-B/clover/pkg/credentials"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/health"
	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/providers"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/secrets"
	"github.com/Ramsey-B/clover/pkg/startup"
	"github.com/Ramsey-B/clover/pkg/subscriptions"
	"github.com/Ramsey-B/clover/pkg/tokens"
	"github.com/Ramsey-B/clover/pkg/tracing"
	"github.com/Ramsey-B/clover/pkg/tracing/exporters"
	"github.com/Ramsey-B/clover/pkg/worker"
)

const version = "0.1.0"

func main() {
	// .env is optional; real environments set variables directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)

	// Bad key material is fatal; running without working encryption would
	// strand every secret we write.
	cipher, err := secrets.NewCipher(cfg.EncryptionKey)
	if err != nil {
		logger.WithError(err).Error("invalid ENCRYPTION_KEY")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := initTracing(ctx, cfg, logger)
	defer shutdownTracing()

	sqlxDB, err := connectDatabase(cfg)
	if err != nil {
		logger.WithError(err).Error("failed to connect to database")
		os.Exit(1)
	}
	defer sqlxDB.Close()

	if err := runMigrations(cfg, logger, sqlxDB); err != nil {
		logger.WithError(err).Error("database migration failed")
		os.Exit(1)
	}

	db := database.NewDatabaseInstance(sqlxDB, logger)

	redisClient, err := redis.NewClient(redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("failed to connect to redis")
		os.Exit(1)
	}
	defer redisClient.Close()

	locker := redis.NewLocker(redisClient, "clover:lock:")

	// Repositories
	credentialRepo := repositories.NewCredentialRepository(db, logger)
	tokenRepo := repositories.NewTokenRepository(db, logger)
	subscriptionRepo := repositories.NewSubscriptionRepository(db, logger)
	eventRepo := repositories.NewEventRepository(db, logger)

	// Providers
	httpClient := httpclient.NewClient(httpclient.DefaultConfig(), logger)
	registry := providers.NewRegistry(
		providers.NewMS365(httpClient, logger),
		providers.NewGoogleWorkspace(httpClient, logger),
	)

	// Domain services
	tokenManager := tokens.NewManager(credentialRepo, tokenRepo, registry, cipher, locker, logger, tokens.ManagerConfig{
		SafetyMargin: cfg.TokenSafetyMargin,
		LockTTL:      cfg.TokenRefreshLockTTL,
		LockWait:     cfg.TokenRefreshLockWait,
	})
	stateStore := credentials.NewStateStore(redisClient)
	credentialManager := credentials.NewManager(credentialRepo, tokenRepo, registry, cipher, stateStore, logger)
	subscriptionManager := subscriptions.NewManager(subscriptionRepo, credentialRepo, tokenManager, registry, logger)
	ingestor := events.NewIngestor(subscriptionRepo, eventRepo, logger)

	var producer *kafka.Producer
	if cfg.KafkaEnabled {
		producer = kafka.NewProducer(kafka.ParseConfig(cfg.KafkaBrokers, cfg.KafkaEventsTopic), logger)
		defer producer.Close()
	}

	sweeper := subscriptions.NewSweeper(subscriptionRepo, subscriptionManager, locker, subscriptions.SweeperConfig{
		SweepInterval: cfg.SweepInterval,
		RenewalWindow: cfg.SweepRenewalWindow,
	}, logger)

	processor := worker.NewProcessor(eventRepo, credentialRepo, tokenManager, registry, producer, worker.ProcessorConfig{
		BatchSize:    cfg.WorkerBatchSize,
		PollInterval: cfg.WorkerPollInterval,
		WorkerCount:  cfg.WorkerCount,
		MaxRetries:   cfg.WorkerMaxRetries,
		BackoffBase:  cfg.WorkerBackoffBase,
		BackoffCap:   cfg.WorkerBackoffCap,
	}, logger)

	checker := health.NewChecker(sqlxDB, redisClient.Redis(), version)
	limiter := redis.NewRateLimiter(redisClient, "clover:ratelimit:")
	e := newServer(cfg, logger, checker, limiter, credentialManager, tokenManager, subscriptionManager, ingestor, eventRepo)

	manager := startup.NewStartup[any](logger, cfg.StartupMaxAttempts)
	manager.AddDependency(&dependency{
		name: "http-server",
		start: func(context.Context) error {
			go func() {
				if err := e.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && err != http.ErrServerClosed {
					logger.WithError(err).Error("http server stopped unexpectedly")
				}
			}()
			return nil
		},
		stop: func(ctx context.Context) error {
			return e.Shutdown(ctx)
		},
	})
	if cfg.SweepEnabled {
		manager.AddDependency(&dependency{
			name:  "subscription-sweeper",
			start: sweeper.Start,
			stop:  sweeper.Stop,
		})
	}
	if cfg.WorkerEnabled {
		manager.AddDependency(&dependency{
			name:  "event-worker",
			start: processor.Start,
			stop:  processor.Stop,
		})
	}

	if err := manager.Start(ctx); err != nil {
		logger.WithError(err).Error("startup failed")
		os.Exit(1)
	}
	checker.SetReady(true)

	logger.Infof("%s listening on :%d", cfg.AppName, cfg.Port)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown did not complete cleanly")
	}
}

// dependency adapts closures to the startup graph
type dependency struct {
	name      string
	dependsOn []string
	start     func(ctx context.Context) error
	stop      func(ctx context.Context) error
}

func (d *dependency) GetName() string                  { return d.name }
func (d *dependency) DependsOn() []string              { return d.dependsOn }
func (d *dependency) Start(ctx context.Context) error  { return d.start(ctx) }
func (d *dependency) Stop(ctx context.Context) error {
	if d.stop == nil {
		return nil
	}
	return d.stop(ctx)
}

func newLogger(cfg *config.Config) ectologger.Logger {
	var zapLogger *zap.Logger
	if cfg.PrettyLogs {
		zapLogger, _ = zap.NewDevelopment()
	} else {
		zapLogger, _ = zap.NewProduction()
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func initTracing(ctx context.Context, cfg *config.Config, logger ectologger.Logger) func() {
	var options []sdktrace.TracerProviderOption
	if cfg.OTLPEnabled {
		exporter, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
			Endpoint: cfg.OTLPEndpoint,
			Protocol: cfg.OTLPProtocol,
			Insecure: cfg.OTLPInsecure,
		})
		if err != nil {
			logger.WithError(err).Warn("failed to create OTLP exporter, traces stay local")
		} else {
			options = append(options, sdktrace.WithBatcher(exporter))
		}
	}

	provider := sdktrace.NewTracerProvider(options...)
	otel.SetTracerProvider(provider)
	tracing.SetTracer(provider.Tracer(cfg.AppName))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("tracer shutdown failed")
		}
	}
}

func connectDatabase(cfg *config.Config) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName, cfg.DatabasePassword,
		cfg.DatabaseName, cfg.DatabaseSSLMode)

	db, err := sqlx.Connect(cfg.DatabaseDriver, dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	db.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)
	return db, nil
}

func runMigrations(cfg *config.Config, logger ectologger.Logger, db *sqlx.DB) error {
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return err
	}

	service := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
	return service.Migrate(cfg.DatabaseName, driver)
}

func newServer(
	cfg *config.Config,
	logger ectologger.Logger,
	checker *health.Checker,
	limiter *redis.RateLimiter,
	credentialManager *credentials.Manager,
	tokenManager *tokens.Manager,
	subscriptionManager *subscriptions.Manager,
	ingestor *events.Ingestor,
	eventRepo repositories.EventRepo,
) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.Use(otelecho.Middleware(cfg.AppName))

	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	credentialHandler := handlers.NewCredentialHandler(credentialManager, tokenManager)
	subscriptionHandler := handlers.NewSubscriptionHandler(subscriptionManager)
	webhookHandler := handlers.NewWebhookHandler(ingestor)
	eventHandler := handlers.NewEventHandler(eventRepo)

	// Providers call these without our auth
	public := e.Group("/api/v1")
	public.Use(middleware.RateLimit(limiter, logger, cfg.WebhookRateLimit, cfg.WebhookRateWindow))
	webhookHandler.RegisterRoutes(public)
	credentialHandler.RegisterCallbackRoutes(public)

	admin := e.Group("/api/v1")
	if cfg.AuthEnabled {
		admin.Use(middleware.Authentication(logger, cfg.AuthIssuerURL, cfg.AuthClientID))
	}
	credentialHandler.RegisterRoutes(admin)
	subscriptionHandler.RegisterRoutes(admin)
	eventHandler.RegisterRoutes(admin)

	return e
}
