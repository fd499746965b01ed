package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"github.com/example/campaign-service/internal/common"
	"github.com/example/campaign-service/internal/delivery"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("worker")
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

	engine := delivery.NewEngine(store, store, delivery.BuildSenderRegistry(), logger)
	processor := &delivery.Processor{
		Store:     store,
		Router:    engine,
		Events:    &delivery.KafkaEmitter{Writer: eventWriter},
		Logger:    logger,
		BatchSize: cfg.QueueBatchSize,
	}

	consumer := &delivery.ReceiptConsumer{
		ReaderFactory: func() *kafka.Reader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers: cfg.KafkaBrokers,
				GroupID: cfg.ServiceName,
				Topic:   cfg.ReceiptTopic,
			})
		},
		Messages: &delivery.Service{Store: store, Logger: logger},
		Logger:   logger,
	}

	go func() {
		if err := consumer.Run(ctx); err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("receipt consumer stopped")
		}
	}()

	logger.Info().Msg("queue processor started")
	if err := processor.Run(ctx, cfg.QueuePollInterval); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("queue processor stopped")
	}
}
