package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/modelhelm/modelhelm/internal/app/migrate"
	"github.com/modelhelm/modelhelm/internal/eventbus"
	"github.com/modelhelm/modelhelm/internal/lease"
	"github.com/modelhelm/modelhelm/internal/metrics"
	"github.com/modelhelm/modelhelm/internal/provisioner"
	"github.com/modelhelm/modelhelm/internal/repository/postgres"
	"github.com/modelhelm/modelhelm/internal/service/drift"
	"github.com/modelhelm/modelhelm/internal/service/orchestrator"
	"github.com/modelhelm/modelhelm/internal/service/remediation"
	"github.com/modelhelm/modelhelm/pkg/config"
	"github.com/modelhelm/modelhelm/pkg/logger"
)

func main() {
	cfg := config.LoadOrchestratorConfig()
	log := logger.New("helmd", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	bus, err := eventbus.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
	if err != nil {
		log.Error("failed to connect event bus", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	leases, err := lease.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.LeaseTTL, log)
	if err != nil {
		log.Error("failed to connect lease manager", "error", err)
		os.Exit(1)
	}
	defer leases.Close()

	infra, err := provisioner.NewDocker(cfg.ServingImage, cfg.ServingDomainSuffix, log)
	if err != nil {
		log.Error("failed to configure provisioner", "error", err)
		os.Exit(1)
	}
	defer infra.Close()

	collector := metrics.New()

	orchSvc := orchestrator.New(repo, repo, leases, infra, bus, log, collector,
		cfg.ProvisionTimeout, cfg.HealthCheckTimeout)

	engine, err := drift.NewEngine(repo, repo, repo, bus, collector, cfg, log)
	if err != nil {
		log.Error("failed to configure drift engine", "error", err)
		os.Exit(1)
	}

	scheduler := drift.NewScheduler(engine, repo, log, cfg.AssessInterval)
	coordinator := remediation.New(orchSvc, repo, bus, collector, cfg.Environment, log)
	sweeper := orchestrator.NewSweeper(repo, bus, log, 0, cfg.DeployingTTL)

	log.Info("helmd starting", "environment", cfg.Environment, "metrics_addr", cfg.MetricsAddr)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		scheduler.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		return coordinator.Run(groupCtx)
	})
	group.Go(func() error {
		sweeper.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		return metrics.Serve(groupCtx, cfg.MetricsAddr, log)
	})

	if err := group.Wait(); err != nil {
		log.Error("daemon error", "error", err)
		os.Exit(1)
	}
	log.Info("helmd stopped")
}
