package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Receipt is the canonical provider delivery receipt produced by the webhook
// service.
type Receipt struct {
	MessageID  string    `json:"message_id"`
	Provider   string    `json:"provider"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ReceiptApplier applies a receipt's status transition to a message.
type ReceiptApplier interface {
	ApplyReceipt(ctx context.Context, messageID string, status Status, occurredAt time.Time) error
}

// ReceiptConsumer drains the receipt topic and applies Delivered/Bounced
// transitions to sent messages.
type ReceiptConsumer struct {
	ReaderFactory func() *kafka.Reader
	Messages      ReceiptApplier
	Logger        zerolog.Logger
}

func (c *ReceiptConsumer) Run(ctx context.Context) error {
	reader := c.ReaderFactory()
	defer reader.Close()
	tracer := otel.Tracer("receipt-consumer")

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			return fmt.Errorf("fetch receipt: %w", err)
		}

		var receipt Receipt
		if err := json.Unmarshal(m.Value, &receipt); err != nil {
			c.Logger.Error().Err(err).Msg("failed to decode receipt")
			_ = reader.CommitMessages(ctx, m)
			continue
		}

		spanCtx, span := tracer.Start(ctx, "apply_receipt")
		span.SetAttributes(attribute.String("message.id", receipt.MessageID))

		status := statusForReceipt(receipt.Status)
		if status == "" {
			c.Logger.Warn().Str("status", receipt.Status).Msg("ignoring receipt with unknown status")
		} else if err := c.Messages.ApplyReceipt(spanCtx, receipt.MessageID, status, receipt.OccurredAt); err != nil {
			span.RecordError(err)
			c.Logger.Error().Err(err).
				Str("message_id", receipt.MessageID).
				Str("status", receipt.Status).
				Msg("failed to apply receipt")
		}
		span.End()

		if err := reader.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("commit receipt: %w", err)
		}
	}
}

func statusForReceipt(status string) Status {
	switch status {
	case "delivered":
		return StatusDelivered
	case "bounced":
		return StatusBounced
	case "failed", "dropped":
		return StatusFailed
	default:
		return ""
	}
}
