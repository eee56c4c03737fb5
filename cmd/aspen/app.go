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

	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/aspen/config"
	"github.com/Ramsey-B/aspen/internal/repositories/candidatepair"
	"github.com/Ramsey-B/aspen/internal/repositories/cluster"
	"github.com/Ramsey-B/aspen/internal/repositories/pipelinerun"
	"github.com/Ramsey-B/aspen/internal/repositories/record"
	"github.com/Ramsey-B/aspen/pkg/database"
	"github.com/Ramsey-B/aspen/pkg/events"
	"github.com/Ramsey-B/aspen/pkg/graph"
	"github.com/Ramsey-B/aspen/pkg/kafka"
	"github.com/Ramsey-B/aspen/pkg/middleware"
	"github.com/Ramsey-B/aspen/pkg/pipeline"
	"github.com/Ramsey-B/aspen/pkg/redis"
	"github.com/Ramsey-B/aspen/pkg/retry"
	"github.com/Ramsey-B/aspen/pkg/routes/clusters"
	graphroutes "github.com/Ramsey-B/aspen/pkg/routes/graph"
	"github.com/Ramsey-B/aspen/pkg/routes/health"
	"github.com/Ramsey-B/aspen/pkg/routes/pipelineruns"
	"github.com/Ramsey-B/aspen/pkg/startup"
	"github.com/Ramsey-B/aspen/pkg/tracing"
	"github.com/Ramsey-B/aspen/pkg/tracing/exporters"
)

type app struct {
	cfg    config.Config
	logger ectologger.Logger
}

// newApp loads configuration and builds the configured logger. Config loading
// uses a default logger because the log level comes from the config itself.
func newApp() (*app, error) {
	logger, err := newLogger("info", false)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(logger)
	if err != nil {
		return nil, err
	}

	logger, err = newLogger(cfg.LogLevel, cfg.PrettyLogs)
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, logger: logger}, nil
}

func newLogger(level string, pretty bool) (ectologger.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if pretty {
		zapCfg = zap.NewDevelopmentConfig()
	}

	if parsed, err := zapcore.ParseLevel(level); err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(parsed)
	}

	zapLogger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return zapadapter.NewZapEctoLogger(zapLogger, nil), nil
}

// serve brings up every external dependency through the startup graph, then
// blocks until a shutdown signal arrives and tears them down in reverse.
func (a *app) serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, a.tracingConfig())
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	var (
		db          database.DB
		redisClient *redis.Client
		graphClient *graph.Client
		producer    *kafka.Producer
		consumer    *kafka.Consumer
		server      *echo.Echo
		checker     *health.Checker
		runner      *pipeline.Runner
	)

	// The consumer and the HTTP surface share one runner. Startup runs
	// dependencies sequentially, so the lazy build does not race.
	ensureRunner := func() *pipeline.Runner {
		if runner == nil {
			runner = a.buildRunner(db, redisClient, graphClient, events.NewEmitter(producer, a.logger))
		}
		return runner
	}

	boot := startup.NewStartup(a.logger, a.cfg.StartupMaxAttempts)

	boot.AddDependency(&startup.Func{
		Name: "database",
		StartFn: func(ctx context.Context) error {
			connected, err := database.Connect(ctx, a.connectConfig(), a.logger)
			if err != nil {
				return err
			}
			db = connected
			return a.runMigrations(db)
		},
		StopFn: func(ctx context.Context) error {
			if db == nil {
				return nil
			}
			return db.Close()
		},
	})

	boot.AddDependency(&startup.Func{
		Name: "redis",
		StartFn: func(ctx context.Context) error {
			client, err := redis.NewClient(a.redisConfig(), a.logger)
			if err != nil {
				return err
			}
			redisClient = client
			return nil
		},
		StopFn: func(ctx context.Context) error {
			if redisClient == nil {
				return nil
			}
			return redisClient.Close()
		},
	})

	boot.AddDependency(&startup.Func{
		Name: "graph",
		StartFn: func(ctx context.Context) error {
			client, err := graph.NewClient(a.graphConfig(), a.logger)
			if err != nil {
				return err
			}
			if err := client.VerifyConnectivity(ctx); err != nil {
				return err
			}
			graphClient = client
			return nil
		},
		StopFn: func(ctx context.Context) error {
			if graphClient == nil {
				return nil
			}
			return graphClient.Close(ctx)
		},
	})

	boot.AddDependency(&startup.Func{
		Name: "kafka",
		StartFn: func(ctx context.Context) error {
			producer = kafka.NewProducer(kafka.ProducerConfig{
				Brokers:      a.cfg.KafkaBrokers,
				Topic:        a.cfg.KafkaEventsTopic,
				BatchSize:    a.cfg.KafkaBatchSize,
				BatchTimeout: time.Duration(a.cfg.KafkaBatchTimeout) * time.Millisecond,
				RequiredAcks: a.cfg.KafkaRequiredAcks,
				Compression:  a.cfg.KafkaCompression,
			}, a.logger)
			return nil
		},
		StopFn: func(ctx context.Context) error {
			if producer == nil {
				return nil
			}
			return producer.Close()
		},
	})

	boot.AddDependency(&startup.Func{
		Name:  "consumer",
		Needs: []string{"database", "redis", "graph", "kafka"},
		StartFn: func(ctx context.Context) error {
			if !a.cfg.KafkaConsumerEnabled {
				a.logger.Info("Kafka consumer disabled")
				return nil
			}
			consumer = kafka.NewConsumer(a.cfg, a.logger, a.runRequestHandler(ensureRunner()))
			return consumer.Start(ctx)
		},
		StopFn: func(ctx context.Context) error {
			if consumer == nil {
				return nil
			}
			return consumer.Stop()
		},
	})

	boot.AddDependency(&startup.Func{
		Name:  "http",
		Needs: []string{"database", "redis", "graph", "kafka"},
		StartFn: func(ctx context.Context) error {
			if err := a.registerDependencies(db, graphClient, ensureRunner()); err != nil {
				return err
			}

			checker = health.NewChecker(db, redisClient, graphClient, version)
			server = a.buildServer(checker)

			go func() {
				if err := server.Start(fmt.Sprintf(":%d", a.cfg.Port)); err != nil && err != http.ErrServerClosed {
					a.logger.WithError(err).Error("HTTP server stopped unexpectedly")
				}
			}()

			checker.SetReady(true)
			return nil
		},
		StopFn: func(ctx context.Context) error {
			if server == nil {
				return nil
			}
			checker.SetReady(false)
			return server.Shutdown(ctx)
		},
	})

	if err := boot.Start(ctx); err != nil {
		return err
	}

	a.logger.Infof("%s listening on port %d", a.cfg.AppName, a.cfg.Port)

	<-ctx.Done()
	a.logger.Info("Shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return boot.Stop(stopCtx)
}

// migrate connects to postgres, applies migrations and exits.
func (a *app) migrate(ctx context.Context) error {
	db, err := database.Connect(ctx, a.connectConfig(), a.logger)
	if err != nil {
		return err
	}
	defer db.Close()

	return a.runMigrations(db)
}

// runOnce executes a single pipeline run from a definition file. Lifecycle
// events are not emitted; the run is still recorded in postgres.
func (a *app) runOnce(ctx context.Context, definitionPath string) error {
	def, err := pipeline.LoadDefinition(definitionPath)
	if err != nil {
		return err
	}

	shutdownTracing, err := tracing.Init(ctx, a.tracingConfig())
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	db, err := database.Connect(ctx, a.connectConfig(), a.logger)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient, err := redis.NewClient(a.redisConfig(), a.logger)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	graphClient, err := graph.NewClient(a.graphConfig(), a.logger)
	if err != nil {
		return err
	}
	defer graphClient.Close(context.Background())

	runner := a.buildRunner(db, redisClient, graphClient, nil)

	_, err = runner.RunFullPipeline(ctx, def)
	return err
}

// runRequestHandler processes run requests from the run request topic. Only
// lock conflicts fail the message; a conflicting request becomes eligible
// again once the current run releases the collection. Anything else commits:
// malformed messages would never improve on retry, and failed runs are
// already recorded with their statistics.
func (a *app) runRequestHandler(runner *pipeline.Runner) kafka.MessageHandler {
	return func(ctx context.Context, msg *kafka.IncomingMessage) error {
		if !msg.IsRunRequest() {
			a.logger.WithContext(ctx).WithFields(map[string]any{
				"topic": msg.Topic,
				"key":   msg.Key,
			}).Warn("Skipping message that is not a run request")
			return nil
		}

		req, err := msg.ParseRunRequest()
		if err != nil {
			a.logger.WithContext(ctx).WithError(err).Error("Failed to parse run request")
			return nil
		}

		def, err := pipeline.DecodeDefinition(req.Definition)
		if err != nil {
			a.logger.WithContext(ctx).WithError(err).Error("Run request carries an invalid definition")
			return nil
		}

		if _, err := runner.RunFullPipeline(ctx, def); err != nil {
			if errors.Is(err, pipeline.ErrRunConflict) {
				return err
			}
			a.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"collection": def.Collection,
				"request_id": req.RequestID,
			}).Error("Requested pipeline run failed")
		}

		return nil
	}
}

func (a *app) buildRunner(db database.DB, redisClient *redis.Client, graphClient *graph.Client, emitter pipeline.EventEmitter) *pipeline.Runner {
	graphStore := graph.NewStore(graphClient, a.logger)

	records := record.NewRepository(db, a.logger)
	if a.cfg.DocumentFetchChunk > 0 {
		records.FetchChunk = a.cfg.DocumentFetchChunk
	}

	return pipeline.NewRunner(
		a.logger,
		records,
		pipelinerun.NewRepository(db, a.logger),
		candidatepair.NewRepository(db, a.logger),
		graphStore,
		graphStore,
		cluster.NewRepository(db, a.logger),
		emitter,
		pipeline.NewRedisLockProvider(redis.NewRunLocker(redisClient)),
		pipeline.Config{
			ScoringBatchSize:     a.cfg.ScoringBatchSize,
			MaterializeBatchSize: a.cfg.MaterializeBatchSize,
			Concurrency:          a.cfg.PipelineConcurrency,
			RunLockTTL:           a.cfg.RunLockTTL,
			Retry: retry.Config{
				Attempts:  a.cfg.StoreRetryAttempts,
				BaseDelay: a.cfg.StoreRetryBaseDelay,
				Timeout:   a.cfg.StoreTimeout,
			},
			PersistClusters: a.cfg.ClusterStorageEnabled,
			AuditPairs:      a.cfg.CandidateAuditEnabled,
		},
	)
}

// registerDependencies fills the default DI container with everything the
// route handlers resolve through ectoinject.GetContext.
func (a *app) registerDependencies(db database.DB, graphClient *graph.Client, runner *pipeline.Runner) error {
	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		return fmt.Errorf("failed to create DI container: %w", err)
	}

	if err := ectoinject.RegisterInstance[ectologger.Logger](container, a.logger); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*pipeline.Runner](container, runner); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*graph.Store](container, graph.NewStore(graphClient, a.logger)); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*pipelinerun.Repository](container, pipelinerun.NewRepository(db, a.logger)); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*candidatepair.Repository](container, candidatepair.NewRepository(db, a.logger)); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*cluster.Repository](container, cluster.NewRepository(db, a.logger)); err != nil {
		return err
	}

	return nil
}

func (a *app) buildServer(checker *health.Checker) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.ReadHeaderTimeout = time.Duration(a.cfg.ReadHeaderTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = a.cfg.MaxHeaderBytes

	e.HTTPErrorHandler = middleware.Error(a.logger)

	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: a.cfg.AllowOrigins,
		AllowMethods: a.cfg.AllowMethods,
	}))
	e.Use(otelecho.Middleware(a.cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(a.logger))

	api := e.Group("/api/v1")
	pipelineruns.Register(api.Group("/pipeline"))
	clusters.Register(api.Group("/clusters"))
	graphroutes.Register(api.Group("/graph"))

	checker.RegisterRoutes(e)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}

func (a *app) runMigrations(db database.DB) error {
	instance, ok := db.(*database.DatabaseInstance)
	if !ok {
		return fmt.Errorf("migrations need direct database access")
	}

	driver, err := migratepg.WithInstance(instance.DB.DB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	service := database.NewMigrationService(a.logger, &database.MigrationConfig{
		MigrationFolderPath: a.cfg.DatabaseMigrationFolderPath,
		Version:             uint(a.cfg.DatabaseMigrationVersion),
		Force:               a.cfg.DatabaseMigrationForce,
		AutoRollback:        a.cfg.DatabaseMigrationAutoRollback,
	})

	return service.Migrate(a.cfg.DatabaseName, driver)
}

func (a *app) connectConfig() database.ConnectConfig {
	return database.ConnectConfig{
		Driver:          a.cfg.DatabaseDriver,
		Host:            a.cfg.DatabaseHost,
		Port:            a.cfg.DatabasePort,
		User:            a.cfg.DatabaseUserName,
		Password:        a.cfg.DatabasePassword,
		Name:            a.cfg.DatabaseName,
		SSLMode:         a.cfg.DatabaseSSLMode,
		MaxOpenConns:    a.cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    a.cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: a.cfg.DatabaseConnMaxLifetime,
	}
}

func (a *app) redisConfig() redis.Config {
	return redis.Config{
		Host:     a.cfg.RedisHost,
		Port:     a.cfg.RedisPort,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	}
}

func (a *app) graphConfig() graph.Config {
	return graph.Config{
		Host:     a.cfg.GraphDBHost,
		Port:     a.cfg.GraphDBPort,
		Username: a.cfg.GraphDBUser,
		Password: a.cfg.GraphDBPassword,
	}
}

func (a *app) tracingConfig() tracing.Config {
	return tracing.Config{
		Enabled:     a.cfg.TracingEnabled,
		Exporter:    a.cfg.TraceExporter,
		ServiceName: a.cfg.AppName,
		OTLP: exporters.OTLPConfig{
			Endpoint: a.cfg.TraceOTLPTarget,
			Protocol: a.cfg.TraceOTLPProto,
			Insecure: a.cfg.TraceOTLPInsecure,
			Timeout:  10 * time.Second,
		},
	}
}
