package delivery

import (
	"strings"
	"time"
)

type FallbackReason string

const (
	FallbackPrimaryFailed       FallbackReason = "primary_failed"
	FallbackRateLimitExceeded   FallbackReason = "rate_limit_exceeded"
	FallbackProviderUnavailable FallbackReason = "provider_unavailable"
	FallbackCostThreshold       FallbackReason = "cost_threshold"
)

// Attempt is one append-only audit row per physical send attempt. A fallback
// attempt reuses the attempt number of the primary attempt that triggered it
// and carries a non-empty FallbackReason.
type Attempt struct {
	ID             string         `json:"id"`
	MessageID      string         `json:"message_id"`
	AttemptNumber  int            `json:"attempt_number"`
	Channel        Channel        `json:"channel"`
	ProviderName   string         `json:"provider_name"`
	AttemptedAt    time.Time      `json:"attempted_at"`
	Success        bool           `json:"success"`
	ExternalID     string         `json:"external_id,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	Cost           *float64       `json:"cost,omitempty"`
	ResponseTimeMs int            `json:"response_time_ms"`
	FallbackReason FallbackReason `json:"fallback_reason,omitempty"`
}

// classifyFallbackReason maps a primary failure's error text onto the reason
// recorded for the fallback attempt. Matching is case-insensitive substring.
func classifyFallbackReason(errText string) FallbackReason {
	if errText == "" {
		return FallbackPrimaryFailed
	}
	lower := strings.ToLower(errText)
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "throttle"):
		return FallbackRateLimitExceeded
	case strings.Contains(lower, "unavailable") || strings.Contains(lower, "timeout"):
		return FallbackProviderUnavailable
	case strings.Contains(lower, "cost") || strings.Contains(lower, "quota"):
		return FallbackCostThreshold
	default:
		return FallbackPrimaryFailed
	}
}
