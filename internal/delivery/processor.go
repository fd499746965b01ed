package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	processedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_messages_processed_total",
		Help: "Messages drained from the queue by final outcome",
	}, []string{"outcome"})
	retriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_retries_scheduled_total",
		Help: "Messages re-queued with a backoff delay",
	})
	batchSizeHist = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "queue_batch_size",
		Help:    "Number of due messages picked up per poll",
		Buckets: []float64{0, 1, 5, 10, 25, 50},
	})
)

// QueueStore is the persistence surface the processor needs. Status writes are
// deliberately split into small, short-lived operations so no lock is held
// across a sender call.
type QueueStore interface {
	DueBatch(ctx context.Context, limit int) ([]Message, error)
	GetForTenant(ctx context.Context, tenantID, id string) (*Message, error)
	MarkSending(ctx context.Context, id string) (bool, error)
	MarkSent(ctx context.Context, id, externalID string, cost *float64) error
	MarkFailed(ctx context.Context, id, errorMessage string) error
	Requeue(ctx context.Context, id string, at time.Time) error
	ScheduleNow(ctx context.Context, id string) error
}

// Router is the slice of the engine the processor drives.
type Router interface {
	RouteMessage(ctx context.Context, msg *Message) (RouteResult, error)
	ShouldRetry(ctx context.Context, msg *Message) (bool, int)
}

// EventEmitter publishes a delivery outcome event. Emission is best-effort;
// the database remains the source of truth.
type EventEmitter interface {
	Emit(ctx context.Context, msg *Message, status string) error
}

// Processor drains due messages and drives each one through the routing
// engine, message by message. Batches are processed sequentially so retries
// and fallbacks never amplify into provider-side rate storms.
type Processor struct {
	Store     QueueStore
	Router    Router
	Events    EventEmitter
	Logger    zerolog.Logger
	BatchSize int
}

// Run polls on the given cadence until the context is cancelled. A failed
// sweep backs off before the next poll.
func (p *Processor) Run(ctx context.Context, interval time.Duration) error {
	p.Logger.Info().Dur("interval", interval).Msg("queue processor started")
	for {
		if err := p.ProcessQueue(ctx); err != nil {
			p.Logger.Error().Err(err).Msg("queue sweep failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * interval):
			}
			continue
		}
		select {
		case <-ctx.Done():
			p.Logger.Info().Msg("queue processor stopped")
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// ProcessQueue performs one sweep: select due queued messages and process each
// independently. A poisoned message never aborts the batch.
func (p *Processor) ProcessQueue(ctx context.Context) error {
	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	batch, err := p.Store.DueBatch(ctx, batchSize)
	if err != nil {
		return fmt.Errorf("fetch due messages: %w", err)
	}
	batchSizeHist.Observe(float64(len(batch)))
	if len(batch) == 0 {
		return nil
	}

	p.Logger.Info().Int("count", len(batch)).Msg("processing message batch")

	tracer := otel.Tracer("queue-processor")
	for i := range batch {
		msg := batch[i]
		spanCtx, span := tracer.Start(ctx, "process_message")
		span.SetAttributes(attribute.String("message.id", msg.ID))
		p.processOne(spanCtx, &msg)
		span.End()
	}
	return nil
}

// SendNow bypasses scheduling for one queued message and pushes it through the
// same per-message pipeline immediately.
func (p *Processor) SendNow(ctx context.Context, tenantID, messageID string) error {
	msg, err := p.Store.GetForTenant(ctx, tenantID, messageID)
	if err != nil {
		return err
	}
	if msg.Status != StatusQueued {
		return ErrNotQueued
	}
	if err := p.Store.ScheduleNow(ctx, messageID); err != nil {
		return fmt.Errorf("schedule message: %w", err)
	}
	p.processOne(ctx, msg)
	return nil
}

func (p *Processor) processOne(ctx context.Context, msg *Message) {
	claimed, err := p.Store.MarkSending(ctx, msg.ID)
	if err != nil {
		p.Logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to claim message")
		return
	}
	if !claimed {
		// Another sweep already picked it up, or it was cancelled.
		return
	}

	result, err := p.Router.RouteMessage(ctx, msg)
	if err != nil {
		// Validation failure: terminal, never retried.
		p.Logger.Error().Err(err).Str("message_id", msg.ID).Msg("message rejected by router")
		p.forceFailed(ctx, msg, err.Error())
		return
	}

	if result.Success {
		if err := p.Store.MarkSent(ctx, msg.ID, result.ExternalID, result.Cost); err != nil {
			p.Logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to record sent status")
			p.forceFailed(ctx, msg, err.Error())
			return
		}
		processedCounter.WithLabelValues("sent").Inc()
		p.emit(ctx, msg, "sent")
		return
	}

	if err := p.Store.MarkFailed(ctx, msg.ID, result.Error); err != nil {
		p.Logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to record failed status")
	}
	processedCounter.WithLabelValues("failed").Inc()

	if retry, delaySeconds := p.Router.ShouldRetry(ctx, msg); retry {
		retryAt := time.Now().UTC().Add(time.Duration(delaySeconds) * time.Second)
		if err := p.Store.Requeue(ctx, msg.ID, retryAt); err != nil {
			p.Logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to requeue message")
		} else {
			retriesScheduled.Inc()
		}
	}
	p.emit(ctx, msg, "failed")
}

func (p *Processor) forceFailed(ctx context.Context, msg *Message, errText string) {
	if err := p.Store.MarkFailed(ctx, msg.ID, errText); err != nil {
		p.Logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to force failed status")
	}
	processedCounter.WithLabelValues("rejected").Inc()
	p.emit(ctx, msg, "failed")
}

func (p *Processor) emit(ctx context.Context, msg *Message, status string) {
	if p.Events == nil {
		return
	}
	if err := p.Events.Emit(ctx, msg, status); err != nil {
		p.Logger.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to emit delivery event")
	}
}
