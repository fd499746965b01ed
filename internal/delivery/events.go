package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaEmitter publishes delivery outcome events for downstream consumers
// (analytics, engagement scoring).
type KafkaEmitter struct {
	Writer *kafka.Writer
}

func (e *KafkaEmitter) Emit(ctx context.Context, msg *Message, status string) error {
	event := map[string]any{
		"message_id":  msg.ID,
		"tenant_id":   msg.TenantID,
		"campaign_id": msg.CampaignID,
		"channel":     msg.Channel,
		"status":      status,
		"emitted_at":  time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal delivery event: %w", err)
	}
	return e.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.TenantID + ":" + msg.ID),
		Value: payload,
	})
}
