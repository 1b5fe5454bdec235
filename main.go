package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agroyield/clover/config"
	"github.com/agroyield/clover/internal/repositories/dimension"
	"github.com/agroyield/clover/internal/services/observation"
	"github.com/agroyield/clover/internal/storage"
	pgstore "github.com/agroyield/clover/internal/storage/postgres"
	"github.com/agroyield/clover/internal/storage/redisdoc"
	"github.com/agroyield/clover/pkg/database"
	"github.com/agroyield/clover/pkg/events"
	"github.com/agroyield/clover/pkg/kafka"
	appmiddleware "github.com/agroyield/clover/pkg/middleware"
	redisclient "github.com/agroyield/clover/pkg/redis"
	"github.com/agroyield/clover/pkg/routes/audit"
	"github.com/agroyield/clover/pkg/routes/dimensions"
	"github.com/agroyield/clover/pkg/routes/health"
	"github.com/agroyield/clover/pkg/routes/records"
	"github.com/agroyield/clover/pkg/startup"
	"github.com/agroyield/clover/pkg/tracing"
	"github.com/agroyield/clover/pkg/tracing/exporters"
)

const version = "1.0.0"

func main() {
	_ = godotenv.Load()

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	logger := newLogger(cfg)
	logger.Infof("Starting %s", cfg.AppName)

	ctx := context.Background()

	tracerShutdown, err := setupTracing(ctx, cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to set up tracing")
		os.Exit(1)
	}
	defer tracerShutdown(ctx)

	var store storage.Store
	var producer *kafka.Producer

	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	boot.AddDependency(&startup.Dependency{
		Name: "storage",
		StartFunc: func(ctx context.Context) error {
			s, err := newStore(cfg, logger)
			if err != nil {
				return err
			}
			store = s
			return nil
		},
		StopFunc: func(ctx context.Context) error {
			if store == nil {
				return nil
			}
			return store.Close()
		},
	})
	if cfg.KafkaEnabled {
		boot.AddDependency(&startup.Dependency{
			Name:  "kafka",
			Needs: []string{"storage"},
			StartFunc: func(ctx context.Context) error {
				producer = kafka.NewProducer(kafka.ProducerConfig{
					Brokers:      cfg.KafkaBrokers,
					Topic:        cfg.KafkaAuditTopic,
					BatchSize:    cfg.KafkaBatchSize,
					BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
					RequiredAcks: cfg.KafkaRequiredAcks,
					Compression:  cfg.KafkaCompression,
				}, logger)
				return nil
			},
			StopFunc: func(ctx context.Context) error {
				if producer == nil {
					return nil
				}
				return producer.Close()
			},
		})
	}

	if err := boot.Start(ctx); err != nil {
		logger.WithError(err).Error("Startup failed")
		os.Exit(1)
	}

	emitter := events.NewEmitter(producer, logger)
	dims := dimension.NewRepository(store, logger, cfg.DimensionCacheTTL, cfg.DimensionCacheMaxSize)
	service := observation.NewService(store, dims, emitter, logger, time.Duration(cfg.StorageTimeoutSeconds)*time.Second)

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = appmiddleware.Error(logger)
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.Use(appmiddleware.Context())
	e.Use(appmiddleware.Logger(logger))

	checker := health.NewChecker(store, cfg.StorageBackend, version)
	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	records.NewHandler(service, logger).Register(api.Group("/records"))
	audit.NewHandler(service, logger).Register(api.Group("/audit"))
	dimensions.NewHandler(dims, logger).Register(api.Group("/dimensions"))

	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Port),
		Handler:        e,
		ReadTimeout:    time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:   time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:    time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}

	go func() {
		logger.Infof("Listening on port %d", cfg.Port)
		if err := e.StartServer(server); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Server stopped unexpectedly")
			os.Exit(1)
		}
	}()
	checker.SetReady(true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shut down server cleanly")
	}
	if err := boot.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to stop dependencies cleanly")
	}
}

func newLogger(cfg config.Config) ectologger.Logger {
	var zapCfg zap.Config
	if cfg.PrettyLogs {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	if lvl, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	zapLogger, err := zapCfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

// newStore builds the storage adapter the config selects. Both adapters
// satisfy the same contract; the write pipeline never knows which one it
// is running on.
func newStore(cfg config.Config, logger ectologger.Logger) (storage.Store, error) {
	switch cfg.StorageBackend {
	case "postgres":
		return newPostgresStore(cfg, logger)
	case "redis":
		client, err := redisclient.NewClient(redisclient.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			return nil, err
		}
		return redisdoc.NewStore(client, logger), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q (use 'postgres' or 'redis')", cfg.StorageBackend)
	}
}

func newPostgresStore(cfg config.Config, logger ectologger.Logger) (storage.Store, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName, cfg.DatabasePassword, cfg.DatabaseName, cfg.DatabaseSSLMode)

	sqlxDB, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	sqlxDB.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	sqlxDB.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	sqlxDB.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)

	driver, err := migratepg.WithInstance(sqlxDB.DB, &migratepg.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}
	migrations := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
	if err := migrations.Migrate(cfg.DatabaseName, driver); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db := database.NewDatabaseInstance(sqlxDB, logger)
	return pgstore.NewStore(db, logger), nil
}

// setupTracing wires the global tracer. Disabled tracing still installs a
// no-op tracer so spans are safe to start everywhere.
func setupTracing(ctx context.Context, cfg config.Config) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.TracingEnabled {
		tracing.SetTracer(otel.Tracer(cfg.AppName))
		return noop, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.TracingExporter {
	case "otlp":
		exporter, err = exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
			Endpoint: cfg.TracingOTLPEndpoint,
			Protocol: cfg.TracingOTLPProtocol,
			Insecure: true,
			Timeout:  10 * time.Second,
		})
		if err != nil {
			return nil, err
		}
	default:
		exporter = &exporters.ConsoleExporter{}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.AppName),
			attribute.String("service.version", version),
		)),
	)
	otel.SetTracerProvider(tp)
	tracing.SetTracer(tp.Tracer(cfg.AppName))
	return tp.Shutdown, nil
}
