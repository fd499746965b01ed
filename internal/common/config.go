package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort           int
	MetricsPort        int
	DatabaseURL        string
	KafkaBrokers       []string
	ReceiptTopic       string
	DeliveryEventTopic string
	OTLPEndpoint       string
	ServiceName        string
	QueueBatchSize     int
	QueuePollInterval  time.Duration
	GroupSyncInterval  time.Duration
}

func LoadConfig(service string) (*Config, error) {
	// Local development convenience; ignored when no .env file exists.
	_ = godotenv.Load()

	cfg := &Config{ServiceName: service}

	httpPort, err := getEnvInt("HTTP_PORT", 8080)
	if err != nil {
		return nil, err
	}
	cfg.HTTPPort = httpPort

	metricsPort, err := getEnvInt("METRICS_PORT", httpPort+1000)
	if err != nil {
		return nil, err
	}
	cfg.MetricsPort = metricsPort

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.OTLPEndpoint = os.Getenv("OTLP_ENDPOINT")

	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	} else {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	cfg.ReceiptTopic = getEnv("RECEIPT_TOPIC", "delivery.receipts")
	cfg.DeliveryEventTopic = getEnv("DELIVERY_EVENT_TOPIC", "delivery.events")

	batchSize, err := getEnvInt("QUEUE_BATCH_SIZE", 50)
	if err != nil {
		return nil, err
	}
	cfg.QueueBatchSize = batchSize

	pollInterval, err := getEnvDuration("QUEUE_POLL_INTERVAL", 10*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.QueuePollInterval = pollInterval

	syncInterval, err := getEnvDuration("GROUP_SYNC_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	cfg.GroupSyncInterval = syncInterval

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}
