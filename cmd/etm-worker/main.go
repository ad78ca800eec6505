package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"

	"github.com/gridmaster/etm-worker/internal/api/handler"
	"github.com/gridmaster/etm-worker/internal/api/router"
	"github.com/gridmaster/etm-worker/internal/config"
	"github.com/gridmaster/etm-worker/internal/etm"
	"github.com/gridmaster/etm-worker/internal/localapi"
	"github.com/gridmaster/etm-worker/internal/worker"
	"github.com/gridmaster/etm-worker/internal/worker/domain"
	"github.com/gridmaster/etm-worker/internal/worker/storage"
	"github.com/gridmaster/etm-worker/shared/logger"
	"github.com/gridmaster/etm-worker/shared/objectstore"
	"github.com/gridmaster/etm-worker/shared/postgresql"
	"github.com/gridmaster/etm-worker/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() (err error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("ETM_WORKER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/etm-worker/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	workerID := uuid.NewString()
	appLogger = appLogger.With(slog.String("worker_id", workerID))

	appLogger.Info("Starting etm worker",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// closers run in reverse order of acquisition
	var closers []func() error
	defer func() {
		var result *multierror.Error
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i](); cerr != nil {
				result = multierror.Append(result, cerr)
			}
		}
		if cerr := result.ErrorOrNil(); cerr != nil {
			appLogger.Error("Shutdown completed with errors", slog.Any("error", cerr))
			if err == nil {
				err = cerr
			}
		}
		appLogger.Info("Etm worker shutdown complete")
		_ = appLogger.Close()
	}()

	if cfg.LocalAPI.Enabled {
		proc, err := startLocalAPI(ctx, &cfg.LocalAPI, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to start local api: %w", err)
		}
		closers = append(closers, proc.Terminate)
	}

	dbClient, err := initPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	closers = append(closers, dbClient.Close)

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	closers = append(closers, rabbitClient.Close)

	store, err := objectstore.NewClient(ctx, &objectstore.Config{
		Bucket:       cfg.ObjectStore.Bucket,
		Region:       cfg.ObjectStore.Region,
		Endpoint:     cfg.ObjectStore.Endpoint,
		UsePathStyle: cfg.ObjectStore.UsePathStyle,
	}, appLogger.Component("object_store"))
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}

	statement, err := storage.LoadStatement(cfg.Worker.UpdateStatementPath)
	if err != nil {
		return fmt.Errorf("failed to load update statement: %w", err)
	}

	startSituation, err := os.ReadFile(cfg.ScenarioAPI.StartSituationPath)
	if err != nil {
		return fmt.Errorf("failed to read start situation: %w", err)
	}

	queue := worker.NewRabbitQueue(rabbitClient,
		cfg.RabbitMQ.InboundQueue, cfg.RabbitMQ.OutboundQueue, appLogger.Component("consumer"))

	scenarios := etm.NewClient(&etm.Config{
		CreateURL:      cfg.ScenarioAPI.CreateURL,
		CurvesBaseURL:  cfg.ScenarioAPI.CurvesBaseURL,
		CreateTimeout:  cfg.ScenarioAPI.CreateTimeout,
		RequestTimeout: cfg.ScenarioAPI.RequestTimeout,
		Logger:         appLogger.Component("scenario_api"),
	})

	w := worker.NewWorker(&worker.Config{
		Logger:         appLogger.Logger,
		WorkerID:       workerID,
		Queue:          queue,
		ObjectStore:    store,
		ScenarioAPI:    scenarios,
		StateStore:     storage.NewStorage(dbClient.GetDB(), statement, appLogger.Component("storage")),
		StartSituation: startSituation,
		PollInterval:   cfg.Worker.PollInterval,
		IdleTimeout:    cfg.Worker.IdleTimeout,
		Backoff:        newRetryBackOff(&cfg.Worker.Retry),
	})

	if cfg.Server.Enabled {
		shutdown := startOpsServer(&cfg.Server, &handler.Dependencies{
			Logger:   appLogger.Logger,
			Database: dbClient,
			Broker:   rabbitClient,
			Worker:   w,
		}, appLogger.Logger)
		closers = append(closers, shutdown)
	}

	appLogger.Info("Etm worker started",
		slog.String("inbound_queue", cfg.RabbitMQ.InboundQueue),
		slog.String("outbound_queue", cfg.RabbitMQ.OutboundQueue),
	)

	if err := w.Run(ctx); err != nil {
		if errors.Is(err, domain.ErrComputationTimeout) {
			appLogger.Error("Stopping after scenario computation timed out", slog.Any("error", err))
		}
		return err
	}

	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(ctx, &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectTimeout:  cfg.ConnectTimeout,
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		InboundQueue:       cfg.InboundQueue,
		OutboundQueue:      cfg.OutboundQueue,
		QueueDurable:       cfg.QueueDurable,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}

// newRetryBackOff builds the delay policy applied after a job is requeued
func newRetryBackOff(cfg *config.RetryConfig) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	if cfg.InitialInterval > 0 {
		b.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		b.MaxInterval = cfg.MaxInterval
	}
	if cfg.Multiplier > 0 {
		b.Multiplier = cfg.Multiplier
	}
	b.Reset()
	return b
}

// startLocalAPI launches the scenario API process and waits until it answers
func startLocalAPI(ctx context.Context, cfg *config.LocalAPIConfig, logger *slog.Logger) (*localapi.Process, error) {
	proc := localapi.New(&localapi.Config{
		Command:        cfg.Command,
		Args:           cfg.Args,
		Dir:            cfg.Dir,
		Env:            os.Environ(),
		ReadyURL:       cfg.ReadyURL,
		StartupDelay:   cfg.StartupDelay,
		StartupTimeout: cfg.StartupTimeout,
		TerminateGrace: cfg.TerminateGrace,
		Logger:         logger,
	})

	if err := proc.Start(); err != nil {
		return nil, err
	}

	if err := proc.AwaitReady(ctx); err != nil {
		if terr := proc.Terminate(); terr != nil {
			return nil, multierror.Append(err, terr)
		}
		return nil, err
	}

	return proc, nil
}

// startOpsServer serves the health and status endpoints in the background and
// returns a function that shuts the server down.
func startOpsServer(cfg *config.ServerConfig, deps *handler.Dependencies, logger *slog.Logger) func() error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router.SetupRouter(deps),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("Ops server listening", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Ops server failed", slog.Any("error", err))
		}
	}()

	return func() error {
		timeout := cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown ops server: %w", err)
		}
		return nil
	}
}
