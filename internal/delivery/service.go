package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DeliveryReport aggregates a campaign's message outcomes.
type DeliveryReport struct {
	CampaignID   string  `json:"campaign_id"`
	Total        int     `json:"total"`
	Queued       int     `json:"queued"`
	Sending      int     `json:"sending"`
	Sent         int     `json:"sent"`
	Delivered    int     `json:"delivered"`
	Failed       int     `json:"failed"`
	Bounced      int     `json:"bounced"`
	DeliveryRate float64 `json:"delivery_rate"`
	FailureRate  float64 `json:"failure_rate"`
	TotalCost    float64 `json:"total_cost"`
	AverageCost  float64 `json:"average_cost"`
}

// MessageStore is the persistence surface for message lifecycle operations
// outside the queue sweep.
type MessageStore interface {
	Create(ctx context.Context, msg *Message) error
	GetForTenant(ctx context.Context, tenantID, id string) (*Message, error)
	Update(ctx context.Context, msg *Message) error
	FailedForCampaign(ctx context.Context, tenantID, campaignID string) ([]Message, error)
	CampaignMessages(ctx context.Context, tenantID, campaignID string) ([]Message, error)
}

// NewMessageRequest is the input for creating one outbound message.
type NewMessageRequest struct {
	CampaignID  string
	ContactID   string
	VariantID   string
	Channel     Channel
	Recipient   string
	Subject     string
	Body        string
	HTMLBody    string
	MediaURLs   []string
	ScheduledAt *time.Time
	MaxRetries  int
}

// Service carries the message lifecycle operations: creation, manual retry,
// cancellation, receipt application and reporting. The queue processor owns
// the Queued->Sending->outcome transitions; everything here happens before or
// after that pipeline.
type Service struct {
	Store  MessageStore
	Logger zerolog.Logger
}

func (s *Service) Create(ctx context.Context, tenantID string, req NewMessageRequest) (*Message, error) {
	if !req.Channel.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, req.Channel)
	}
	if req.Recipient == "" {
		return nil, ErrMissingRecipient
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	now := time.Now().UTC()
	msg := &Message{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		CampaignID:  req.CampaignID,
		ContactID:   req.ContactID,
		VariantID:   req.VariantID,
		Channel:     req.Channel,
		Recipient:   req.Recipient,
		Subject:     req.Subject,
		Body:        req.Body,
		HTMLBody:    req.HTMLBody,
		MediaURLs:   req.MediaURLs,
		Status:      StatusQueued,
		MaxRetries:  maxRetries,
		ScheduledAt: req.ScheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Store.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return msg, nil
}

// CreateBulk queues one message per request, all for the same campaign.
// Partial failure aborts with the messages created so far and the error.
func (s *Service) CreateBulk(ctx context.Context, tenantID string, reqs []NewMessageRequest) ([]*Message, error) {
	created := make([]*Message, 0, len(reqs))
	for _, req := range reqs {
		msg, err := s.Create(ctx, tenantID, req)
		if err != nil {
			return created, err
		}
		created = append(created, msg)
	}
	return created, nil
}

func (s *Service) Get(ctx context.Context, tenantID, id string) (*Message, error) {
	return s.Store.GetForTenant(ctx, tenantID, id)
}

// ApplyReceipt applies a provider delivery receipt, overwriting the current
// status unconditionally. Receipts arrive out of order and providers resend
// them, so the latest receipt wins.
func (s *Service) ApplyReceipt(ctx context.Context, messageID string, status Status, occurredAt time.Time) error {
	msg, err := s.Store.GetForTenant(ctx, "", messageID)
	if err != nil {
		return err
	}
	now := occurredAt.UTC()
	switch status {
	case StatusDelivered:
		msg.Status = StatusDelivered
		msg.DeliveredAt = &now
	case StatusBounced, StatusFailed:
		msg.Status = status
		msg.FailedAt = &now
	default:
		return fmt.Errorf("receipt status %q is not applicable", status)
	}
	msg.UpdatedAt = time.Now().UTC()
	return s.Store.Update(ctx, msg)
}

// RetryFailed resets one failed or bounced message back to Queued. The retry
// consumes budget: retryCount is incremented and checked against the ceiling.
func (s *Service) RetryFailed(ctx context.Context, tenantID, messageID string) error {
	msg, err := s.Store.GetForTenant(ctx, tenantID, messageID)
	if err != nil {
		return err
	}
	if msg.Status != StatusFailed && msg.Status != StatusBounced {
		return ErrNotRetryable
	}
	if msg.RetryCount >= msg.MaxRetries {
		return ErrRetryExhausted
	}

	now := time.Now().UTC()
	msg.Status = StatusQueued
	msg.ErrorMessage = ""
	msg.ScheduledAt = &now
	msg.RetryCount++
	msg.UpdatedAt = now
	return s.Store.Update(ctx, msg)
}

// RetryFailedForCampaign re-queues every retryable failed or bounced message
// of a campaign and reports how many were reset.
func (s *Service) RetryFailedForCampaign(ctx context.Context, tenantID, campaignID string) (int, error) {
	failed, err := s.Store.FailedForCampaign(ctx, tenantID, campaignID)
	if err != nil {
		return 0, err
	}
	count := 0
	for i := range failed {
		msg := failed[i]
		if msg.RetryCount >= msg.MaxRetries {
			continue
		}
		now := time.Now().UTC()
		msg.Status = StatusQueued
		msg.ErrorMessage = ""
		msg.ScheduledAt = &now
		msg.RetryCount++
		msg.UpdatedAt = now
		if err := s.Store.Update(ctx, &msg); err != nil {
			return count, err
		}
		count++
	}
	s.Logger.Info().
		Str("campaign_id", campaignID).
		Int("requeued", count).
		Msg("requeued failed campaign messages")
	return count, nil
}

// Cancel withdraws a queued message. Rows are kept for audit: the message is
// marked failed with a cancellation note rather than deleted.
func (s *Service) Cancel(ctx context.Context, tenantID, messageID string) error {
	msg, err := s.Store.GetForTenant(ctx, tenantID, messageID)
	if err != nil {
		return err
	}
	if msg.Status != StatusQueued {
		return ErrNotQueued
	}
	now := time.Now().UTC()
	msg.Status = StatusFailed
	msg.ErrorMessage = "cancelled by user"
	msg.FailedAt = &now
	msg.UpdatedAt = now
	return s.Store.Update(ctx, msg)
}

// Report summarizes a campaign's delivery outcomes.
func (s *Service) Report(ctx context.Context, tenantID, campaignID string) (*DeliveryReport, error) {
	messages, err := s.Store.CampaignMessages(ctx, tenantID, campaignID)
	if err != nil {
		return nil, err
	}

	report := &DeliveryReport{CampaignID: campaignID, Total: len(messages)}
	for _, msg := range messages {
		switch msg.Status {
		case StatusQueued:
			report.Queued++
		case StatusSending:
			report.Sending++
		case StatusSent:
			report.Sent++
		case StatusDelivered:
			report.Delivered++
		case StatusFailed:
			report.Failed++
		case StatusBounced:
			report.Bounced++
		}
		report.TotalCost += msg.CostAmount
	}
	if report.Total > 0 {
		report.DeliveryRate = float64(report.Delivered) / float64(report.Total) * 100
		report.FailureRate = float64(report.Failed+report.Bounced) / float64(report.Total) * 100
		report.AverageCost = report.TotalCost / float64(report.Total)
	}
	return report, nil
}
