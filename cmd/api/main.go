package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"github.com/example/campaign-service/internal/abtest"
	"github.com/example/campaign-service/internal/api"
	"github.com/example/campaign-service/internal/common"
	"github.com/example/campaign-service/internal/delivery"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("api")
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

	store := delivery.NewStore(pool)

	eventWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Topic:    cfg.DeliveryEventTopic,
		Balancer: &kafka.Hash{},
	}
	defer eventWriter.Close()

	// Send-now routes in-process, so the API carries the same sender set as
	// the worker.
	engine := delivery.NewEngine(store, store, delivery.BuildSenderRegistry(), logger)
	processor := &delivery.Processor{
		Store:     store,
		Router:    engine,
		Events:    &delivery.KafkaEmitter{Writer: eventWriter},
		Logger:    logger,
		BatchSize: cfg.QueueBatchSize,
	}
	messages := &delivery.Service{Store: store, Logger: logger}
	variants := &abtest.Selector{Store: abtest.NewPostgresStore(pool), Logger: logger}

	h := api.NewHandler(messages, processor, store, variants, logger)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.HTTPPort),
		Handler: h.Router(),
	}

	go func() {
		logger.Info().Int("port", cfg.HTTPPort).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
