package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/campaign-service/internal/common"
	"github.com/example/campaign-service/internal/segment"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("group-sync")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg.ServiceName)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	metricsSrv := common.StartMetricsServer(cfg.MetricsPort)
	defer metricsSrv.Shutdown(context.Background())

	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL must be provided")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	syncer := &segment.Syncer{
		Store:     segment.NewPostgresStore(pool),
		Evaluator: &segment.Evaluator{Logger: logger},
		Logger:    logger,
	}

	logger.Info().Dur("interval", cfg.GroupSyncInterval).Msg("group sync started")
	if err := syncer.Run(ctx, cfg.GroupSyncInterval); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("group sync stopped")
	}
}
