package delivery

import "time"

type RetryStrategy string

const (
	RetryNone        RetryStrategy = "none"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
	RetryCustom      RetryStrategy = "custom"
)

// Defaults used when no active RoutingConfig row exists for a channel.
const (
	defaultInitialRetryDelaySeconds = 60
	defaultMaxRetryDelaySeconds     = 3600
)

// RoutingConfig selects the effective delivery policy for one channel. The
// highest-priority active row wins; the engine treats the set as read-only.
type RoutingConfig struct {
	ID                       string        `json:"id"`
	Channel                  Channel       `json:"channel"`
	PrimaryProvider          string        `json:"primary_provider"`
	FallbackProvider         string        `json:"fallback_provider,omitempty"`
	EnableFallback           bool          `json:"enable_fallback"`
	MaxRetries               int           `json:"max_retries"`
	RetryStrategy            RetryStrategy `json:"retry_strategy"`
	InitialRetryDelaySeconds int           `json:"initial_retry_delay_seconds"`
	MaxRetryDelaySeconds     int           `json:"max_retry_delay_seconds"`
	CostThreshold            *float64      `json:"cost_threshold,omitempty"`
	IsActive                 bool          `json:"is_active"`
	Priority                 int           `json:"priority"`
	CreatedAt                time.Time     `json:"created_at"`
	UpdatedAt                time.Time     `json:"updated_at"`
}

// DefaultProvider is the provider name assumed for a channel with no
// routing configuration.
func DefaultProvider(channel Channel) string {
	switch channel {
	case ChannelSMS:
		return "MockSMSProvider"
	case ChannelMMS:
		return "MockMMSProvider"
	case ChannelEmail:
		return "MockEmailProvider"
	default:
		return "Unknown"
	}
}
