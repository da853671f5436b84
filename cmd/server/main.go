package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/robtomcowparis/neondefense4-sub001/internal/config"
	"github.com/robtomcowparis/neondefense4-sub001/internal/handler"
	"github.com/robtomcowparis/neondefense4-sub001/internal/kafka"
	"github.com/robtomcowparis/neondefense4-sub001/internal/metrics"
	"github.com/robtomcowparis/neondefense4-sub001/internal/postgres"
	"github.com/robtomcowparis/neondefense4-sub001/internal/redis"
	"github.com/robtomcowparis/neondefense4-sub001/internal/service"
	"github.com/robtomcowparis/neondefense4-sub001/internal/store"
	"github.com/robtomcowparis/neondefense4-sub001/internal/websocket"
	"github.com/robtomcowparis/neondefense4-sub001/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New(prometheus.DefaultRegisterer)

	// Ranking index backing the live leaderboard
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	index, err := redis.NewIndex(&cfg.Redis, &cfg.Ranking, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer index.Close()
	logger.Info("connected to Redis")

	leaderboardService := service.NewLeaderboardService(index, m, logger)

	wsHub := websocket.NewHub(leaderboardService, m, logger)
	go wsHub.Run()
	leaderboardService.SetHub(wsHub)
	logger.Info("feed hub initialized")

	// Appended scores reach the index through Kafka when it is enabled and
	// directly otherwise
	var publisher store.Publisher = leaderboardService
	var kafkaProducer *kafka.Producer
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka score stream",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		kafkaProducer, kafkaConsumer = startKafka(&cfg.Kafka, leaderboardService, logger)
		if kafkaProducer != nil && kafkaConsumer != nil {
			publisher = kafkaProducer
		}
	}

	scoreStore := store.New(&cfg.Database, publisher, logger)
	defer scoreStore.Close()
	if !cfg.Database.Configured() {
		logger.Warn("database is not configured, score submissions will fail",
			"url_env", config.EnvDatabaseURL,
			"credential_env", config.EnvDatabaseCredential,
		)
	}

	submitter := service.NewSubmitter(scoreStore, m, logger)

	syncWorker, closeSource := startSyncWorker(ctx, cfg, index, leaderboardService, logger)
	defer closeSource()

	httpHandler := handler.NewHandler(submitter, leaderboardService, wsHub, index, &cfg.Submit, m, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	wsHub.Stop()

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			logger.Error("failed to close Kafka producer", "error", err)
		}
	}

	if syncWorker != nil {
		if err := syncWorker.Stop(); err != nil {
			logger.Error("failed to stop sync worker", "error", err)
		}
	}

	logger.Info("server stopped")
}

// startKafka starts the score stream. Both halves are required; on any
// failure the server continues without Kafka.
func startKafka(cfg *config.KafkaConfig, projector kafka.Projector, logger *slog.Logger) (*kafka.Producer, *kafka.Consumer) {
	producer, err := kafka.NewProducer(cfg, logger)
	if err != nil {
		logger.Warn("failed to create Kafka producer, continuing without Kafka", "error", err)
		return nil, nil
	}

	consumer, err := kafka.NewConsumer(cfg, projector, logger)
	if err != nil {
		logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		producer.Close()
		return nil, nil
	}

	if err := consumer.Start(); err != nil {
		logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
		producer.Close()
		return nil, nil
	}

	logger.Info("Kafka score stream started")
	return producer, consumer
}

// startSyncWorker rebuilds the ranking index from the score database on
// startup and then periodically. It does nothing when the database is not
// configured or unreachable.
func startSyncWorker(
	ctx context.Context,
	cfg *config.Config,
	index worker.Index,
	refresher worker.Refresher,
	logger *slog.Logger,
) (*worker.SyncWorker, func()) {
	noop := func() {}

	connString, err := store.ConnString(&cfg.Database)
	if err != nil {
		logger.Info("ranking recovery disabled", "reason", err)
		return nil, noop
	}

	openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	repo, err := postgres.NewRepository(openCtx, connString, &cfg.Database, logger)
	if err != nil {
		logger.Warn("ranking recovery disabled, database unreachable", "error", err)
		return nil, noop
	}
	if err := repo.RunMigrations(openCtx); err != nil {
		logger.Warn("ranking recovery disabled, migrations failed", "error", err)
		repo.Close()
		return nil, noop
	}

	syncWorker := worker.NewSyncWorker(repo, index, refresher, &cfg.Sync, &cfg.Ranking, logger)

	logger.Info("rebuilding ranking index from database")
	if err := syncWorker.SyncFromDatabase(ctx); err != nil {
		logger.Warn("failed to rebuild ranking index on startup", "error", err)
	}

	if cfg.Sync.Enabled {
		if err := syncWorker.Start(ctx); err != nil {
			logger.Warn("failed to start sync worker", "error", err)
		}
	}

	return syncWorker, repo.Close
}
