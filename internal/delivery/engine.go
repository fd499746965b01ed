package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	attemptCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_attempts_total",
		Help: "Send attempts by channel, provider and outcome",
	}, []string{"channel", "provider", "outcome"})
	fallbackCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_fallback_attempts_total",
		Help: "Fallback attempts by classified reason",
	}, []string{"reason"})
	sendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "delivery_send_duration_seconds",
		Help:    "Latency of channel sender calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel", "provider"})
)

// ConfigStore resolves the effective routing policy for a channel: the
// highest-priority active row, or nil when none is configured.
type ConfigStore interface {
	Effective(ctx context.Context, channel Channel) (*RoutingConfig, error)
}

// AttemptStore appends audit rows. Rows are write-once.
type AttemptStore interface {
	Append(ctx context.Context, attempt Attempt) error
}

// RouteResult is the final outcome of one RouteMessage call, after any
// fallback attempt.
type RouteResult struct {
	Success       bool
	ExternalID    string
	Error         string
	Cost          *float64
	AttemptNumber int
}

// Engine decides how one message is attempted: it resolves the channel's
// routing policy, dispatches to the matching sender, classifies the outcome,
// tries the configured fallback provider on failure, and records every
// physical attempt. Delivery-level failures are returned as results, never as
// errors; the error return is reserved for invalid input.
type Engine struct {
	Configs  ConfigStore
	Attempts AttemptStore
	Senders  *SenderRegistry
	Logger   zerolog.Logger
}

func NewEngine(configs ConfigStore, attempts AttemptStore, senders *SenderRegistry, logger zerolog.Logger) *Engine {
	return &Engine{Configs: configs, Attempts: attempts, Senders: senders, Logger: logger}
}

func (e *Engine) RouteMessage(ctx context.Context, msg *Message) (RouteResult, error) {
	if !msg.Channel.Valid() {
		return RouteResult{}, fmt.Errorf("%w: %s", ErrUnsupportedChannel, msg.Channel)
	}
	if msg.Recipient == "" {
		return RouteResult{}, ErrMissingRecipient
	}

	ctx, span := otel.Tracer("routing-engine").Start(ctx, "route_message")
	defer span.End()
	span.SetAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("message.channel", string(msg.Channel)),
	)

	attemptNumber := msg.RetryCount + 1
	e.Logger.Info().
		Str("message_id", msg.ID).
		Int("attempt", attemptNumber).
		Str("channel", string(msg.Channel)).
		Msg("routing message")

	config := e.effectiveConfig(ctx, msg.Channel)

	providerName := DefaultProvider(msg.Channel)
	if config != nil && config.PrimaryProvider != "" {
		providerName = config.PrimaryProvider
	}

	start := time.Now()
	result, err := e.dispatch(ctx, msg, providerName)
	elapsed := time.Since(start)
	sendLatency.WithLabelValues(string(msg.Channel), providerName).Observe(elapsed.Seconds())

	errorCode := ""
	if err != nil {
		result = SendResult{Error: err.Error()}
		errorCode = errorCodeFor(err)
		e.Logger.Error().Err(err).Str("message_id", msg.ID).Msg("sender call failed")
	}

	e.logAttempt(ctx, Attempt{
		MessageID:      msg.ID,
		AttemptNumber:  attemptNumber,
		Channel:        msg.Channel,
		ProviderName:   providerName,
		AttemptedAt:    time.Now().UTC(),
		Success:        result.Success,
		ExternalID:     result.ExternalID,
		ErrorMessage:   result.Error,
		ErrorCode:      errorCode,
		Cost:           result.Cost,
		ResponseTimeMs: int(elapsed.Milliseconds()),
	})
	attemptCounter.WithLabelValues(string(msg.Channel), providerName, outcomeLabel(result.Success)).Inc()

	if result.Success {
		e.Logger.Info().
			Str("message_id", msg.ID).
			Str("provider", providerName).
			Str("external_id", result.ExternalID).
			Dur("elapsed", elapsed).
			Msg("message routed")
	} else {
		e.Logger.Warn().
			Str("message_id", msg.ID).
			Str("provider", providerName).
			Str("error", result.Error).
			Dur("elapsed", elapsed).
			Msg("primary attempt failed")

		if config != nil && config.EnableFallback && config.FallbackProvider != "" {
			fb := e.tryFallback(ctx, msg, config, result.Error, attemptNumber)
			if fb.Success {
				result = fb
			}
		}
	}

	return RouteResult{
		Success:       result.Success,
		ExternalID:    result.ExternalID,
		Error:         result.Error,
		Cost:          result.Cost,
		AttemptNumber: attemptNumber,
	}, nil
}

// tryFallback re-attempts the message on the same channel through the
// configured fallback provider. The attempt shares the primary attempt's
// number and records the classified reason.
func (e *Engine) tryFallback(ctx context.Context, msg *Message, config *RoutingConfig, primaryError string, attemptNumber int) SendResult {
	reason := classifyFallbackReason(primaryError)
	fallbackCounter.WithLabelValues(string(reason)).Inc()

	e.Logger.Info().
		Str("message_id", msg.ID).
		Str("provider", config.FallbackProvider).
		Str("reason", string(reason)).
		Msg("attempting fallback")

	start := time.Now()
	result, err := e.dispatch(ctx, msg, config.FallbackProvider)
	elapsed := time.Since(start)
	sendLatency.WithLabelValues(string(msg.Channel), config.FallbackProvider).Observe(elapsed.Seconds())

	errorCode := ""
	if err != nil {
		result = SendResult{Error: err.Error()}
		errorCode = errorCodeFor(err)
		e.Logger.Error().Err(err).Str("message_id", msg.ID).Msg("fallback sender call failed")
	}

	e.logAttempt(ctx, Attempt{
		MessageID:      msg.ID,
		AttemptNumber:  attemptNumber,
		Channel:        msg.Channel,
		ProviderName:   config.FallbackProvider,
		AttemptedAt:    time.Now().UTC(),
		Success:        result.Success,
		ExternalID:     result.ExternalID,
		ErrorMessage:   result.Error,
		ErrorCode:      errorCode,
		Cost:           result.Cost,
		ResponseTimeMs: int(elapsed.Milliseconds()),
		FallbackReason: reason,
	})
	attemptCounter.WithLabelValues(string(msg.Channel), config.FallbackProvider, outcomeLabel(result.Success)).Inc()

	if result.Success {
		e.Logger.Info().
			Str("message_id", msg.ID).
			Str("provider", config.FallbackProvider).
			Msg("fallback delivery succeeded")
	} else {
		e.Logger.Warn().
			Str("message_id", msg.ID).
			Str("provider", config.FallbackProvider).
			Str("error", result.Error).
			Msg("fallback delivery failed")
	}
	return result
}

// dispatch invokes the channel-specific sender resolved by provider name.
func (e *Engine) dispatch(ctx context.Context, msg *Message, providerName string) (SendResult, error) {
	switch msg.Channel {
	case ChannelSMS:
		sender, ok := e.Senders.SMS(providerName)
		if !ok {
			return SendResult{}, fmt.Errorf("no sms sender registered for provider %q", providerName)
		}
		return sender.SendSMS(ctx, msg.Recipient, msg.Body)
	case ChannelMMS:
		sender, ok := e.Senders.MMS(providerName)
		if !ok {
			return SendResult{}, fmt.Errorf("no mms sender registered for provider %q", providerName)
		}
		return sender.SendMMS(ctx, msg.Recipient, msg.Body, msg.MediaURLs)
	case ChannelEmail:
		sender, ok := e.Senders.Email(providerName)
		if !ok {
			return SendResult{}, fmt.Errorf("no email sender registered for provider %q", providerName)
		}
		return sender.SendEmail(ctx, msg.Recipient, msg.Subject, msg.Body, msg.HTMLBody)
	default:
		return SendResult{}, fmt.Errorf("%w: %s", ErrUnsupportedChannel, msg.Channel)
	}
}

// ShouldRetry reports whether the message has retry budget left and, if so,
// the backoff delay before the next attempt.
func (e *Engine) ShouldRetry(ctx context.Context, msg *Message) (bool, int) {
	config := e.effectiveConfig(ctx, msg.Channel)

	maxRetries := msg.MaxRetries
	if config != nil {
		maxRetries = config.MaxRetries
	}

	if msg.RetryCount >= maxRetries {
		e.Logger.Info().
			Str("message_id", msg.ID).
			Int("retry_count", msg.RetryCount).
			Int("max_retries", maxRetries).
			Msg("message reached max retries")
		return false, 0
	}

	delay := e.CalculateRetryDelay(ctx, msg.RetryCount+1, msg.Channel)
	e.Logger.Info().
		Str("message_id", msg.ID).
		Int("next_attempt", msg.RetryCount+1).
		Int("max_retries", maxRetries).
		Int("delay_seconds", delay).
		Msg("message scheduled for retry")
	return true, delay
}

// CalculateRetryDelay computes the backoff in seconds before the given
// attempt, per the channel's configured strategy, capped at the max delay.
func (e *Engine) CalculateRetryDelay(ctx context.Context, attemptNumber int, channel Channel) int {
	config := e.effectiveConfig(ctx, channel)

	strategy := RetryExponential
	initialDelay := defaultInitialRetryDelaySeconds
	maxDelay := defaultMaxRetryDelaySeconds
	if config != nil {
		strategy = config.RetryStrategy
		initialDelay = config.InitialRetryDelaySeconds
		maxDelay = config.MaxRetryDelaySeconds
	}

	var delay int
	switch strategy {
	case RetryNone:
		delay = 0
	case RetryLinear, RetryCustom:
		// Custom has no distinct policy yet and falls back to linear.
		delay = initialDelay * attemptNumber
	case RetryExponential:
		delay = initialDelay
		for i := 1; i < attemptNumber; i++ {
			delay *= 2
			if delay >= maxDelay {
				break
			}
		}
	default:
		delay = initialDelay
	}

	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// logAttempt appends an audit row. Persistence failures are logged and
// swallowed: the attempt log must never break the send pipeline.
func (e *Engine) logAttempt(ctx context.Context, attempt Attempt) {
	attempt.ID = uuid.NewString()
	if err := e.Attempts.Append(ctx, attempt); err != nil {
		e.Logger.Error().Err(err).
			Str("message_id", attempt.MessageID).
			Int("attempt", attempt.AttemptNumber).
			Msg("failed to record delivery attempt")
		return
	}
	e.Logger.Debug().
		Str("message_id", attempt.MessageID).
		Int("attempt", attempt.AttemptNumber).
		Bool("success", attempt.Success).
		Msg("delivery attempt recorded")
}

// effectiveConfig resolves the channel policy, treating lookup failures as
// absence so routing never fails for lack of configuration.
func (e *Engine) effectiveConfig(ctx context.Context, channel Channel) *RoutingConfig {
	config, err := e.Configs.Effective(ctx, channel)
	if err != nil {
		e.Logger.Error().Err(err).Str("channel", string(channel)).Msg("failed to load routing config")
		return nil
	}
	return config
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func errorCodeFor(err error) string {
	code := fmt.Sprintf("%T", err)
	if i := strings.LastIndex(code, "."); i >= 0 {
		code = code[i+1:]
	}
	return strings.TrimPrefix(code, "*")
}
