package delivery

import (
	"errors"
	"time"
)

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelMMS   Channel = "mms"
	ChannelEmail Channel = "email"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelMMS, ChannelEmail:
		return true
	default:
		return false
	}
}

type Status string

const (
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusBounced   Status = "bounced"
)

var (
	ErrUnsupportedChannel = errors.New("unsupported channel")
	ErrMissingRecipient   = errors.New("message has no recipient")
	ErrNotQueued          = errors.New("message is not in queued status")
	ErrNotRetryable       = errors.New("only failed or bounced messages can be retried")
	ErrRetryExhausted     = errors.New("maximum retry attempts reached")
)

// Message is one outbound delivery unit: a single recipient on a single
// channel. Rows are never hard-deleted; cancellation marks them failed.
type Message struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenant_id"`
	CampaignID        string     `json:"campaign_id,omitempty"`
	ContactID         string     `json:"contact_id,omitempty"`
	VariantID         string     `json:"variant_id,omitempty"`
	Channel           Channel    `json:"channel"`
	Recipient         string     `json:"recipient"`
	Subject           string     `json:"subject,omitempty"`
	Body              string     `json:"body"`
	HTMLBody          string     `json:"html_body,omitempty"`
	MediaURLs         []string   `json:"media_urls,omitempty"`
	Status            Status     `json:"status"`
	RetryCount        int        `json:"retry_count"`
	MaxRetries        int        `json:"max_retries"`
	ScheduledAt       *time.Time `json:"scheduled_at,omitempty"`
	ExternalMessageID string     `json:"external_message_id,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	CostAmount        float64    `json:"cost_amount"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
