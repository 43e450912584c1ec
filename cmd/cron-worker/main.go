package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/billing-backend/internal/cron"
	"github.com/angelmondragon/billing-backend/internal/engine"
	"github.com/angelmondragon/billing-backend/pkg/config"
	"github.com/angelmondragon/billing-backend/pkg/db"
	"github.com/angelmondragon/billing-backend/pkg/instance"
	"github.com/angelmondragon/billing-backend/pkg/logger"
	"github.com/angelmondragon/billing-backend/pkg/metrics"
	"github.com/angelmondragon/billing-backend/pkg/migrate"
	"github.com/angelmondragon/billing-backend/pkg/redis"
)

const lockNameFormat = "cron-worker:%s"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Instance:    instance.ID(),
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		NoColor:     cfg.App.LogNoColor,
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	eng, err := engine.New(context.Background(), engine.Params{
		Config:   cfg,
		Logger:   logg,
		DB:       dbClient,
		Registry: prometheus.DefaultRegisterer,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to wire billing engine", err)
		os.Exit(1)
	}

	registry, err := buildRegistry(cfg, logg, eng)
	if err != nil {
		logg.Error(context.Background(), "failed to register cron jobs", err)
		os.Exit(1)
	}

	metricsCollector := metrics.NewSweepMetrics(prometheus.DefaultRegisterer)
	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(lockName(cfg.App.Env)), cfg.Cron.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metricsCollector,
		Interval: cfg.Cron.Interval,
		Schedule: cfg.Cron.Schedule,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func lockName(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockNameFormat, env)
}

// buildRegistry registers the sweeps in their run order: lifecycle first so
// snapshots see the statuses of this cycle, retention last.
func buildRegistry(cfg *config.Config, logg *logger.Logger, eng *engine.Engine) (*cron.Registry, error) {
	lifecycle, err := cron.NewLifecycleJobs(cron.LifecycleJobsParams{Logger: logg, Manager: eng.Subscriptions})
	if err != nil {
		return nil, err
	}
	snapshot, err := cron.NewUsageSnapshotJob(cron.UsageSnapshotJobParams{
		Logger:        logg,
		Tracker:       eng.Usage,
		Notifications: eng.Notifications,
		Threshold:     cfg.Billing.LimitWarnThreshold,
		PageSize:      cfg.Billing.SweepBatchSize,
	})
	if err != nil {
		return nil, err
	}
	retention, err := cron.NewNotificationCleanupJob(cron.NotificationCleanupJobParams{
		Logger:        logg,
		Notifications: eng.Notifications,
		RetentionDays: cfg.Notifications.RetentionDays,
	})
	if err != nil {
		return nil, err
	}
	registry := cron.NewRegistry(lifecycle...)
	registry.Register(snapshot)
	registry.Register(retention)
	return registry, nil
}
