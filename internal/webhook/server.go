package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/campaign-service/internal/common"
	"github.com/example/campaign-service/internal/delivery"
)

var (
	receiptCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_receipts_total",
		Help: "Provider delivery receipts processed",
	}, []string{"provider", "status"})
)

// Server accepts provider delivery-status callbacks, normalizes them into
// canonical receipts and publishes them for the worker to apply.
type Server struct {
	Producer *kafka.Writer
	Logger   zerolog.Logger
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/providers/{provider}/receipts", s.handle)
	return r
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("webhook").Start(r.Context(), "ingest-receipt")
	defer span.End()

	provider := chi.URLParam(r, "provider")
	if provider == "" {
		s.respondErr(ctx, w, http.StatusBadRequest, errors.New("provider path param required"))
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondErr(ctx, w, http.StatusBadRequest, err)
		return
	}

	receipt, err := normalize(provider, payload)
	if err != nil {
		s.respondErr(ctx, w, http.StatusBadRequest, err)
		return
	}
	span.SetAttributes(attribute.String("message.id", receipt.MessageID))

	body, err := json.Marshal(receipt)
	if err != nil {
		s.respondErr(ctx, w, http.StatusInternalServerError, err)
		return
	}
	if err := s.Producer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(receipt.MessageID),
		Value: body,
	}); err != nil {
		s.respondErr(ctx, w, http.StatusInternalServerError, err)
		return
	}

	receiptCounter.WithLabelValues(provider, receipt.Status).Inc()
	w.WriteHeader(http.StatusAccepted)
}

func normalize(provider string, payload map[string]any) (delivery.Receipt, error) {
	switch provider {
	case "twilio":
		return normalizeTwilio(payload)
	case "sendgrid":
		return normalizeSendGrid(payload)
	default:
		return delivery.Receipt{}, errors.New("unsupported provider")
	}
}

// Twilio status callbacks reference our message via a pass-through tag and
// report MessageStatus values like delivered/undelivered/failed.
func normalizeTwilio(payload map[string]any) (delivery.Receipt, error) {
	messageID, _ := payload["tag"].(string)
	if messageID == "" {
		return delivery.Receipt{}, errors.New("twilio tag missing")
	}
	status, _ := payload["MessageStatus"].(string)
	if status == "" {
		return delivery.Receipt{}, errors.New("twilio MessageStatus missing")
	}
	mapped := status
	if status == "undelivered" {
		mapped = "bounced"
	}
	return delivery.Receipt{
		MessageID:  messageID,
		Provider:   "twilio",
		Status:     mapped,
		OccurredAt: time.Now().UTC(),
	}, nil
}

func normalizeSendGrid(payload map[string]any) (delivery.Receipt, error) {
	messageID, _ := payload["message_id"].(string)
	if messageID == "" {
		return delivery.Receipt{}, errors.New("sendgrid message_id missing")
	}
	event, _ := payload["event"].(string)
	if event == "" {
		return delivery.Receipt{}, errors.New("sendgrid event missing")
	}
	mapped := event
	if event == "bounce" {
		mapped = "bounced"
	}
	return delivery.Receipt{
		MessageID:  messageID,
		Provider:   "sendgrid",
		Status:     mapped,
		OccurredAt: time.Now().UTC(),
	}, nil
}

func (s *Server) respondErr(ctx context.Context, w http.ResponseWriter, status int, err error) {
	logger := common.WithContext(ctx, s.Logger)
	logger.Error().Err(err).Int("status", status).Msg("webhook handler error")
	receiptCounter.WithLabelValues("unknown", "error").Inc()
	http.Error(w, err.Error(), status)
}
