package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"villaops/internal/api"
	"villaops/internal/bot"
	"villaops/internal/config"
	"villaops/internal/database"
	"villaops/internal/domain"
	"villaops/internal/events"
	"villaops/internal/logging"
	"villaops/internal/metrics"
	"villaops/internal/models"
	"villaops/internal/notify"
	"villaops/internal/realtime"
	"villaops/internal/repository"
	"villaops/internal/service"
	"villaops/internal/tracker"
	"villaops/internal/worker"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	if !cfg.API.Enabled {
		logger.Warn().Msg("API is disabled in config, but starting API application. Check your config.")
	}

	redisClient := initRedis(cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(func(event models.ChangeEvent, err error) {
		logger.Warn().Err(err).Str("entity_id", event.EntityID).Str("entity_type", event.EntityType).Msg("event handler failed")
	})
	directory := service.NewStaticDirectory(cfg.Properties, cfg.Staff)

	notifier, tgBot := initNotifier(cfg, directory, &logger)
	notifyWorker := worker.NewNotifyWorker(db, notifier, redisClient, cfg.Worker, &logger)
	go notifyWorker.Start(ctx)

	jobs := service.NewJobService(db, directory, directory, bus, notifyWorker, cfg.Dispatch, &logger)
	dispatch := service.NewDispatchService(jobs, db, directory, cfg.Dispatch, &logger)
	bookings := service.NewBookingService(db, jobs, dispatch, directory, notifyWorker, &logger)

	progress := tracker.New(jobs, directory, initSnapshots(cfg, redisClient, &logger), db, bus, notifyWorker, cfg.Tracker, &logger)
	bus.Subscribe(models.EntityJob, progress.HandleJobChange)
	go func() {
		if err := progress.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("progress tracker stopped")
		}
	}()

	if cfg.Telegram.StaffBot && tgBot != nil {
		staffBot := bot.NewBot(bot.NewBotWrapper(tgBot), jobs, progress, directory, cfg.Telegram, &logger)
		go staffBot.Start(ctx)
		defer staffBot.Stop()
	}

	coordinator := realtime.NewCoordinator(realtime.NewLogSource(db, cfg.Sync, &logger), cfg.Sync, &logger)
	defer coordinator.Close()

	if cfg.Backup.Enabled {
		backupService := database.NewBackupService(db, cfg.Backup, &logger)
		go backupService.Start(ctx)
	}

	svc := api.Services{
		Jobs:     jobs,
		Dispatch: dispatch,
		Bookings: bookings,
		Tracker:  progress,
		Sync:     coordinator,
	}
	limiter := api.NewRateLimiter(&cfg.API)

	grpcServer, err := api.NewGRPCServer(&cfg.API, svc, limiter, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("create grpc server")
		return err
	}
	httpServer := api.NewHTTPServer(&cfg.API, svc, limiter, &logger)

	startMetrics(ctx, cfg, &logger)

	return startServers(ctx, grpcServer, httpServer, cfg, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "api-main").Logger()

	return cfg, logger, closer, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

// initSnapshots keeps progress snapshots in redis when it is reachable and
// falls back to process memory while it is not.
func initSnapshots(cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) domain.SnapshotRepository {
	memory := repository.NewMemorySnapshotRepository(cfg.Tracker.SnapshotTTL)
	if redisClient == nil {
		return memory
	}
	primary := repository.NewRedisSnapshotRepository(redisClient, cfg.Tracker.SnapshotTTL)
	return repository.NewFailoverSnapshotRepository(primary, memory, logger)
}

// initNotifier also returns the bot client so the staff bot can share it.
func initNotifier(cfg *config.Config, staff domain.StaffDirectory, logger *zerolog.Logger) (domain.Notifier, *tgbotapi.BotAPI) {
	if cfg.Telegram.BotToken == "" {
		logger.Info().Msg("telegram token not set, notifications go to the log")
		return notify.NewLogNotifier(logger), nil
	}

	tgBot, err := notify.NewBot(cfg.Telegram.BotToken, cfg.Telegram.Debug)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram init failed, notifications go to the log")
		return notify.NewLogNotifier(logger), nil
	}
	return notify.NewTelegramNotifier(tgBot, staff, logger), tgBot
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startServers(
	ctx context.Context,
	grpcServer *api.GRPCServer,
	httpServer *api.HTTPServer,
	cfg *config.Config,
	logger *zerolog.Logger,
) error {
	go func() {
		if !cfg.API.GRPC.Enabled {
			return
		}
		if err := grpcServer.Serve(); err != nil {
			logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()

	go func() {
		if !cfg.API.HTTP.Enabled {
			return
		}
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().Str("grpc_addr", grpcServer.Addr()).Int("http_port", cfg.API.HTTP.Port).Msg("API server started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcServer.Shutdown(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("API server stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
