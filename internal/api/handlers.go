package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/campaign-service/internal/abtest"
	"github.com/example/campaign-service/internal/common"
	"github.com/example/campaign-service/internal/delivery"
)

var (
	reqCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests_total",
		Help: "Total number of API requests received",
	}, []string{"route", "status"})
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_request_duration_seconds",
		Help:    "Latency for API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

type Handler struct {
	messages *delivery.Service
	queue    *delivery.Processor
	store    *delivery.Store
	variants *abtest.Selector
	tracer   trace.Tracer
	logger   zerolog.Logger
}

func NewHandler(messages *delivery.Service, queue *delivery.Processor, store *delivery.Store, variants *abtest.Selector, logger zerolog.Logger) *Handler {
	return &Handler{
		messages: messages,
		queue:    queue,
		store:    store,
		variants: variants,
		tracer:   otel.Tracer("api"),
		logger:   logger,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", h.createMessage)
		r.Post("/messages/bulk", h.createMessagesBulk)
		r.Get("/messages/{id}", h.getMessage)
		r.Post("/messages/{id}/send-now", h.sendNow)
		r.Post("/messages/{id}/retry", h.retryMessage)
		r.Post("/messages/{id}/cancel", h.cancelMessage)
		r.Get("/messages/{id}/attempts", h.listAttempts)

		r.Post("/campaigns/{id}/retry-failed", h.retryFailedForCampaign)
		r.Get("/campaigns/{id}/report", h.campaignReport)
		r.Get("/campaigns/{id}/variants/select", h.selectVariant)
		r.Get("/campaigns/{id}/variants/compare", h.compareVariants)
		r.Get("/campaigns/{id}/variants/allocation", h.variantAllocation)
		r.Post("/campaigns/{id}/variants/refresh-analytics", h.refreshVariantAnalytics)

		r.Get("/routing-configs", h.listConfigs)
		r.Post("/routing-configs", h.createConfig)
		r.Get("/routing-configs/effective/{channel}", h.effectiveConfig)
		r.Get("/routing-configs/{id}", h.getConfig)
		r.Put("/routing-configs/{id}", h.updateConfig)
		r.Delete("/routing-configs/{id}", h.deleteConfig)

		r.Get("/stats/channels/{channel}", h.channelStats)
		r.Get("/stats/overall", h.overallStats)
	})
	return r
}

func (h *Handler) createMessage(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create-message")
	defer span.End()

	tenantID, ok := h.tenant(ctx, w, r)
	if !ok {
		return
	}

	var req delivery.NewMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(ctx, w, "create-message", http.StatusBadRequest, err)
		return
	}

	start := time.Now()
	msg, err := h.messages.Create(ctx, tenantID, req)
	if err != nil {
		h.respondErr(ctx, w, "create-message", statusFor(err), err)
		return
	}
	span.SetAttributes(attribute.String("message.id", msg.ID))

	requestLatency.WithLabelValues("create-message").Observe(time.Since(start).Seconds())
	h.respond(w, "create-message", http.StatusCreated, msg)
}

func (h *Handler) createMessagesBulk(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create-messages-bulk")
	defer span.End()

	tenantID, ok := h.tenant(ctx, w, r)
	if !ok {
		return
	}

	var reqs []delivery.NewMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		h.respondErr(ctx, w, "create-messages-bulk", http.StatusBadRequest, err)
		return
	}

	msgs, err := h.messages.CreateBulk(ctx, tenantID, reqs)
	if err != nil {
		h.respondErr(ctx, w, "create-messages-bulk", statusFor(err), err)
		return
	}
	h.respond(w, "create-messages-bulk", http.StatusCreated, map[string]any{
		"created":  len(msgs),
		"messages": msgs,
	})
}

func (h *Handler) getMessage(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "get-message")
	defer span.End()

	tenantID, ok := h.tenant(ctx, w, r)
	if !ok {
		return
	}

	msg, err := h.messages.Get(ctx, tenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(ctx, w, "get-message", statusFor(err), err)
		return
	}
	h.respond(w, "get-message", http.StatusOK, msg)
}

func (h *Handler) sendNow(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "send-now")
	defer span.End()

	tenantID, ok := h.tenant(ctx, w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("message.id", id))
	if err := h.queue.SendNow(ctx, tenantID, id); err != nil {
		h.respondErr(ctx, w, "send-now", statusFor(err), err)
		return
	}

	msg, err := h.messages.Get(ctx, tenantID, id)
	if err != nil {
		h.respondErr(ctx, w, "send-now", statusFor(err), err)
		return
	}
	h.respond(w, "send-now", http.StatusOK, msg)
}

func (h *Handler) retryMessage(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "retry-message")
	defer span.End()

	tenantID, ok := h.tenant(ctx, w, r)
	if !ok {
		return
	}

	if err := h.messages.RetryFailed(ctx, tenantID, chi.URLParam(r, "id")); err != nil {
		h.respondErr(ctx, w, "retry-message", statusFor(err), err)
		return
	}
	h.respond(w, "retry-message", http.StatusOK, map[string]string{"status": "queued"})
}

func (h *Handler) cancelMessage(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "cancel-message")
	defer span.End()

	tenantID, ok := h.tenant(ctx, w, r)
	if !ok {
		return
	}

	if err := h.messages.Cancel(ctx, tenantID, chi.URLParam(r, "id")); err != nil {
		h.respondErr(ctx, w, "cancel-message", statusFor(err), err)
		return
	}
	h.respond(w, "cancel-message", http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) listAttempts(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "list-attempts")
	defer span.End()

	tenantID, ok := h.tenant(ctx, w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	// Tenant scoping happens on the message lookup; attempts carry no tenant.
	if _, err := h.messages.Get(ctx, tenantID, id); err != nil {
		h.respondErr(ctx, w, "list-attempts", statusFor(err), err)
		return
	}
	attempts, err := h.store.AttemptsForMessage(ctx, id)
	if err != nil {
		h.respondErr(ctx, w, "list-attempts", http.StatusInternalServerError, err)
		return
	}
	h.respond(w, "list-attempts", http.StatusOK, map[string]any{
		"message_id": id,
		"attempts":   attempts,
	})
}

func (h *Handler) retryFailedForCampaign(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "retry-failed-for-campaign")
	defer span.End()

	tenantID, ok := h.tenant(ctx, w, r)
	if !ok {
		return
	}

	requeued, err := h.messages.RetryFailedForCampaign(ctx, tenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(ctx, w, "retry-failed-for-campaign", statusFor(err), err)
		return
	}
	h.respond(w, "retry-failed-for-campaign", http.StatusOK, map[string]int{"requeued": requeued})
}

func (h *Handler) campaignReport(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "campaign-report")
	defer span.End()

	tenantID, ok := h.tenant(ctx, w, r)
	if !ok {
		return
	}

	report, err := h.messages.Report(ctx, tenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(ctx, w, "campaign-report", statusFor(err), err)
		return
	}
	h.respond(w, "campaign-report", http.StatusOK, report)
}

func (h *Handler) selectVariant(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "select-variant")
	defer span.End()

	if _, ok := h.tenant(ctx, w, r); !ok {
		return
	}

	variant, err := h.variants.SelectVariant(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(ctx, w, "select-variant", http.StatusInternalServerError, err)
		return
	}
	if variant == nil {
		h.respondErr(ctx, w, "select-variant", http.StatusNotFound, errors.New("no selectable variants for campaign"))
		return
	}
	h.respond(w, "select-variant", http.StatusOK, variant)
}

func (h *Handler) compareVariants(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "compare-variants")
	defer span.End()

	if _, ok := h.tenant(ctx, w, r); !ok {
		return
	}

	comparison, err := h.variants.Compare(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(ctx, w, "compare-variants", http.StatusInternalServerError, err)
		return
	}
	h.respond(w, "compare-variants", http.StatusOK, comparison)
}

func (h *Handler) variantAllocation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "variant-allocation")
	defer span.End()

	if _, ok := h.tenant(ctx, w, r); !ok {
		return
	}

	valid, err := h.variants.ValidateTrafficAllocation(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(ctx, w, "variant-allocation", http.StatusInternalServerError, err)
		return
	}
	h.respond(w, "variant-allocation", http.StatusOK, map[string]bool{"valid": valid})
}

func (h *Handler) refreshVariantAnalytics(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "refresh-variant-analytics")
	defer span.End()

	if _, ok := h.tenant(ctx, w, r); !ok {
		return
	}

	updated, err := h.variants.RefreshAnalytics(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(ctx, w, "refresh-variant-analytics", http.StatusInternalServerError, err)
		return
	}
	h.respond(w, "refresh-variant-analytics", http.StatusOK, map[string]int{"updated": updated})
}

func (h *Handler) listConfigs(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "list-routing-configs")
	defer span.End()

	configs, err := h.store.ListConfigs(ctx)
	if err != nil {
		h.respondErr(ctx, w, "list-routing-configs", http.StatusInternalServerError, err)
		return
	}
	h.respond(w, "list-routing-configs", http.StatusOK, configs)
}

func (h *Handler) createConfig(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create-routing-config")
	defer span.End()

	var config delivery.RoutingConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		h.respondErr(ctx, w, "create-routing-config", http.StatusBadRequest, err)
		return
	}
	if !config.Channel.Valid() {
		h.respondErr(ctx, w, "create-routing-config", http.StatusBadRequest, delivery.ErrUnsupportedChannel)
		return
	}
	if config.PrimaryProvider == "" {
		h.respondErr(ctx, w, "create-routing-config", http.StatusBadRequest, errors.New("primary_provider required"))
		return
	}
	stampNewConfig(&config)

	if err := h.store.CreateConfig(ctx, &config); err != nil {
		h.respondErr(ctx, w, "create-routing-config", http.StatusInternalServerError, err)
		return
	}
	h.respond(w, "create-routing-config", http.StatusCreated, config)
}

func (h *Handler) effectiveConfig(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "effective-routing-config")
	defer span.End()

	channel := delivery.Channel(chi.URLParam(r, "channel"))
	if !channel.Valid() {
		h.respondErr(ctx, w, "effective-routing-config", http.StatusBadRequest, delivery.ErrUnsupportedChannel)
		return
	}

	config, err := h.store.Effective(ctx, channel)
	if err != nil {
		h.respondErr(ctx, w, "effective-routing-config", http.StatusInternalServerError, err)
		return
	}
	if config == nil {
		h.respondErr(ctx, w, "effective-routing-config", http.StatusNotFound, errors.New("no active routing config for channel"))
		return
	}
	h.respond(w, "effective-routing-config", http.StatusOK, config)
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "get-routing-config")
	defer span.End()

	config, err := h.store.GetConfig(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(ctx, w, "get-routing-config", statusFor(err), err)
		return
	}
	h.respond(w, "get-routing-config", http.StatusOK, config)
}

func (h *Handler) updateConfig(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "update-routing-config")
	defer span.End()

	var config delivery.RoutingConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		h.respondErr(ctx, w, "update-routing-config", http.StatusBadRequest, err)
		return
	}
	config.ID = chi.URLParam(r, "id")
	config.UpdatedAt = time.Now().UTC()

	if err := h.store.UpdateConfig(ctx, &config); err != nil {
		h.respondErr(ctx, w, "update-routing-config", statusFor(err), err)
		return
	}
	h.respond(w, "update-routing-config", http.StatusOK, config)
}

func (h *Handler) deleteConfig(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "delete-routing-config")
	defer span.End()

	if err := h.store.DeleteConfig(ctx, chi.URLParam(r, "id")); err != nil {
		h.respondErr(ctx, w, "delete-routing-config", statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	reqCounter.WithLabelValues("delete-routing-config", http.StatusText(http.StatusNoContent)).Inc()
}

func (h *Handler) channelStats(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "channel-stats")
	defer span.End()

	channel := delivery.Channel(chi.URLParam(r, "channel"))
	if !channel.Valid() {
		h.respondErr(ctx, w, "channel-stats", http.StatusBadRequest, delivery.ErrUnsupportedChannel)
		return
	}
	start, end, err := statsWindow(r)
	if err != nil {
		h.respondErr(ctx, w, "channel-stats", http.StatusBadRequest, err)
		return
	}

	stats, err := h.store.ChannelStats(ctx, channel, start, end)
	if err != nil {
		h.respondErr(ctx, w, "channel-stats", http.StatusInternalServerError, err)
		return
	}
	h.respond(w, "channel-stats", http.StatusOK, stats)
}

func (h *Handler) overallStats(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "overall-stats")
	defer span.End()

	start, end, err := statsWindow(r)
	if err != nil {
		h.respondErr(ctx, w, "overall-stats", http.StatusBadRequest, err)
		return
	}

	stats, err := h.store.OverallStats(ctx, start, end)
	if err != nil {
		h.respondErr(ctx, w, "overall-stats", http.StatusInternalServerError, err)
		return
	}
	h.respond(w, "overall-stats", http.StatusOK, stats)
}

// stampNewConfig assigns a server-side id and creation timestamps. A
// client-supplied id is kept so configs can be provisioned with known ids.
func stampNewConfig(config *delivery.RoutingConfig) {
	if config.ID == "" {
		config.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	config.CreatedAt = now
	config.UpdatedAt = now
}

// statsWindow parses the optional start/end query params, defaulting to the
// trailing 24 hours.
func statsWindow(r *http.Request) (time.Time, time.Time, error) {
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("start"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		start = parsed
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		end = parsed
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, errors.New("end precedes start")
	}
	return start, end, nil
}

func (h *Handler) tenant(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := r.Header.Get("x-tenant-id")
	if tenantID == "" {
		h.respondErr(ctx, w, "tenant", http.StatusBadRequest, errors.New("missing x-tenant-id header"))
		return "", false
	}
	return tenantID, true
}

func (h *Handler) respond(w http.ResponseWriter, route string, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
	reqCounter.WithLabelValues(route, http.StatusText(status)).Inc()
}

func (h *Handler) respondErr(ctx context.Context, w http.ResponseWriter, route string, status int, err error) {
	logger := common.WithContext(ctx, h.logger)
	logger.Error().Err(err).Str("route", route).Int("status", status).Msg("request failed")
	reqCounter.WithLabelValues(route, http.StatusText(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, delivery.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, delivery.ErrUnsupportedChannel),
		errors.Is(err, delivery.ErrMissingRecipient):
		return http.StatusBadRequest
	case errors.Is(err, delivery.ErrNotQueued),
		errors.Is(err, delivery.ErrNotRetryable),
		errors.Is(err, delivery.ErrRetryExhausted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
